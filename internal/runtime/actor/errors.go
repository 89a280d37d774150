package actor

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrMissingRecord is returned by Refresh when the actor has never stored a
	// response. No origin fetch is attempted.
	ErrMissingRecord = errors.New("actor: missing storage entry")
	// ErrOriginFailure marks a non-2xx origin status or a transport failure.
	ErrOriginFailure = errors.New("actor: origin failure")
)

// OriginError describes a failed origin fetch. StatusCode is zero for
// transport failures, in which case Err carries the cause.
type OriginError struct {
	StatusCode int
	Err        error
}

func (e *OriginError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("actor: origin status %d %s", e.StatusCode, strings.ToLower(http.StatusText(e.StatusCode)))
	}
	if e.Err != nil {
		return fmt.Sprintf("actor: origin request: %v", e.Err)
	}
	return ErrOriginFailure.Error()
}

func (e *OriginError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrOriginFailure}
	}
	return []error{ErrOriginFailure, e.Err}
}

// FailurePolicy decides what happens to a stored record when a fetch fails.
type FailurePolicy string

const (
	// PolicyServeStale keeps the last good record and retries on the next alarm.
	PolicyServeStale FailurePolicy = "serve-stale"
	// PolicyReset deletes the record and cancels the alarm.
	PolicyReset FailurePolicy = "reset"
)

// ParseFailurePolicy maps configuration text to a policy. Empty selects
// PolicyServeStale.
func ParseFailurePolicy(value string) (FailurePolicy, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", string(PolicyServeStale):
		return PolicyServeStale, nil
	case string(PolicyReset):
		return PolicyReset, nil
	default:
		return "", fmt.Errorf("actor: unsupported failure policy %q", value)
	}
}
