package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed reports a persisted payload that cannot be turned back into a Record.
var ErrMalformed = errors.New("record: malformed")

// Record is the single persisted entity owned by one cache actor.
type Record struct {
	Request        Request   `json:"request"`
	Response       Response  `json:"response"`
	LastRefresh    time.Time `json:"lastRefresh"`
	RefreshSeconds int       `json:"refreshSeconds"`
}

// State describes how usable a record is at a point in time.
type State string

const (
	StateEmpty   State = "empty"
	StateFresh   State = "fresh"
	StateStale   State = "stale"
	StateExpired State = "expired"
)

// Servable reports whether a record in this state may answer a client directly.
func (s State) Servable() bool {
	return s == StateFresh || s == StateStale
}

// Window returns the freshness window as a duration.
func (r Record) Window() time.Duration {
	return time.Duration(r.RefreshSeconds) * time.Second
}

// Age returns the time elapsed since the last successful refresh. Clock skew
// that would produce a negative age is reported as zero.
func (r Record) Age(now time.Time) time.Duration {
	age := now.Sub(r.LastRefresh)
	if age < 0 {
		return 0
	}
	return age
}

// State classifies the record: fresh inside the window, stale up to the window
// plus lateness, expired beyond that.
func (r Record) State(now time.Time, lateness time.Duration) State {
	if lateness < 0 {
		lateness = 0
	}
	age := r.Age(now)
	window := r.Window()
	switch {
	case age < window:
		return StateFresh
	case age <= window+lateness:
		return StateStale
	default:
		return StateExpired
	}
}

// Encode renders the record as the blob written to a backend.
func Encode(r Record) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("record: encode: %w", err)
	}
	return payload, nil
}

// Decode parses a blob produced by Encode. Any structural problem is reported
// as ErrMalformed so callers can treat the slot as empty.
func Decode(payload []byte) (Record, error) {
	if len(payload) == 0 {
		return Record{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.Request.URL == "" {
		return Record{}, fmt.Errorf("%w: request url missing", ErrMalformed)
	}
	if r.Response.Status < 100 || r.Response.Status > 999 {
		return Record{}, fmt.Errorf("%w: response status %d", ErrMalformed, r.Response.Status)
	}
	if r.LastRefresh.IsZero() {
		return Record{}, fmt.Errorf("%w: lastRefresh missing", ErrMalformed)
	}
	return r, nil
}
