package actor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/proxystore/internal/metrics"
	"github.com/l0p7/proxystore/internal/runtime/record"
)

const (
	HeaderStorage = "X-Proxy-Storage"
	HeaderUpdated = "X-Proxy-Updated"
	HeaderAge     = "X-Proxy-Age"

	StorageHit  = "HIT"
	StorageMiss = "MISS"

	// duplicateTolerance is how far ahead of the due time an alarm may fire and
	// still be honoured.
	duplicateTolerance = time.Second
)

// RecordStore is the actor's durable single-record slot.
type RecordStore interface {
	Get(ctx context.Context) (record.Record, bool, error)
	Put(ctx context.Context, rec record.Record) error
	DeleteAll(ctx context.Context) error
}

// Alarm is the actor's single wake-up timer.
type Alarm interface {
	Set(at time.Time)
	Delete()
	Next() (time.Time, bool)
}

// Doer performs origin requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Settings are the timing and failure knobs shared by every actor.
type Settings struct {
	MinAlarm        time.Duration
	AllowedLateness time.Duration
	RefreshTimeout  time.Duration
	FailurePolicy   FailurePolicy
}

// Options wires an actor to its collaborators.
type Options struct {
	Store    RecordStore
	Alarm    Alarm
	Origin   Doer
	Settings Settings
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Now      func() time.Time
}

// Actor owns the cached record for one canonical key. fetchMu serializes
// origin fetches, so at most one is in flight for the key. mu guards the
// in-memory record and is never held across an origin call. Installed
// records are replaced, never mutated in place.
type Actor struct {
	key      string
	store    RecordStore
	alarm    Alarm
	origin   Doer
	settings Settings
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	fetchMu sync.Mutex

	mu      sync.RWMutex
	loaded  bool
	current *record.Record
	// resets and stops count Reset and Stop calls. A fetch that overlaps a
	// Reset drops its record; one that overlaps a Stop leaves the alarm unset.
	resets uint64
	stops  uint64

	background sync.WaitGroup
}

// Snapshot is a read-only view of an actor for admin tooling.
type Snapshot struct {
	Key            string       `json:"key"`
	State          record.State `json:"state"`
	Status         int          `json:"status,omitempty"`
	LastRefresh    *time.Time   `json:"lastRefresh,omitempty"`
	RefreshSeconds int          `json:"refreshSeconds,omitempty"`
	AgeSeconds     int64        `json:"ageSeconds,omitempty"`
	NextAlarm      *time.Time   `json:"nextAlarm,omitempty"`
}

// New constructs an actor for key. The alarm handle must invoke AlarmFired.
func New(key string, opts Options) *Actor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	settings := opts.Settings
	if settings.FailurePolicy == "" {
		settings.FailurePolicy = PolicyServeStale
	}
	if settings.RefreshTimeout <= 0 {
		settings.RefreshTimeout = 30 * time.Second
	}
	return &Actor{
		key:      key,
		store:    opts.Store,
		alarm:    opts.Alarm,
		origin:   opts.Origin,
		settings: settings,
		logger:   logger.With(slog.String("agent", "cache_actor"), slog.String("key", key)),
		metrics:  opts.Metrics,
		now:      now,
	}
}

// Key returns the canonical key the actor serves.
func (a *Actor) Key() string { return a.key }

// ClampInterval raises refresh to min when it is shorter, reporting whether
// it did so.
func ClampInterval(refresh, min time.Duration) (time.Duration, bool) {
	if refresh < min {
		return min, true
	}
	return refresh, false
}

// Proxy answers req from the stored record when it is fresh or stale and
// useCached is set; otherwise it waits on an origin fetch. A hit never waits
// behind a fetch that is already in flight.
func (a *Actor) Proxy(ctx context.Context, req *http.Request, refreshSeconds int, useCached bool) (*http.Response, error) {
	if refreshSeconds < 0 {
		refreshSeconds = 0
	}
	if _, err := a.load(ctx); err != nil {
		a.logger.Warn("stored record load failed", slog.Any("error", err))
	}
	if useCached {
		if resp := a.serveCurrent(ctx, refreshSeconds); resp != nil {
			return resp, nil
		}
	}

	a.fetchMu.Lock()
	defer a.fetchMu.Unlock()

	if useCached {
		// A concurrent miss may have stored a record while this one queued.
		if resp := a.serveCurrent(ctx, refreshSeconds); resp != nil {
			return resp, nil
		}
		if rec := a.peek(); rec != nil {
			a.logger.Debug("stored record expired",
				slog.Duration("age", rec.Age(a.now())),
				slog.Int("refresh_seconds", rec.RefreshSeconds),
			)
		}
	}
	return a.fetch(ctx, req, refreshSeconds, metrics.FetchRequest)
}

// Refresh replays the stored request against the origin.
func (a *Actor) Refresh(ctx context.Context) (*http.Response, error) {
	a.fetchMu.Lock()
	defer a.fetchMu.Unlock()

	if _, err := a.load(ctx); err != nil {
		return nil, err
	}
	return a.replay(ctx, metrics.FetchRefresh)
}

// Reset cancels the alarm and deletes the stored record. It does not wait for
// an in-flight fetch; that fetch's result is not stored.
func (a *Actor) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.resets++
	a.alarm.Delete()
	a.current = nil
	a.loaded = true
	if err := a.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("actor: reset %s: %w", a.key, err)
	}
	return nil
}

// Stop cancels the alarm and leaves the record in place.
func (a *Actor) Stop(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stops++
	a.alarm.Delete()
	return nil
}

// Restore loads the stored record and re-arms the alarm from its last refresh.
func (a *Actor) Restore(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}
	if a.current == nil {
		return nil
	}
	a.schedule(a.current.LastRefresh, a.current.RefreshSeconds)
	return nil
}

// Inspect reports the actor's current state without changing it.
func (a *Actor) Inspect(ctx context.Context) (Snapshot, error) {
	rec, err := a.load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Key: a.key, State: record.StateEmpty}
	if rec != nil {
		now := a.now()
		last := rec.LastRefresh
		snap.State = rec.State(now, a.settings.AllowedLateness)
		snap.Status = rec.Response.Status
		snap.LastRefresh = &last
		snap.RefreshSeconds = rec.RefreshSeconds
		snap.AgeSeconds = int64(rec.Age(now) / time.Second)
	}
	if at, ok := a.alarm.Next(); ok {
		snap.NextAlarm = &at
	}
	return snap, nil
}

// AlarmFired starts a background refresh. Failures are logged and counted.
func (a *Actor) AlarmFired() {
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.settings.RefreshTimeout)
		defer cancel()
		a.alarmRefresh(ctx)
	}()
}

// Wait blocks until background refreshes started by AlarmFired finish.
func (a *Actor) Wait() {
	a.background.Wait()
}

func (a *Actor) alarmRefresh(ctx context.Context) {
	a.fetchMu.Lock()
	defer a.fetchMu.Unlock()

	rec, err := a.load(ctx)
	if err != nil {
		a.logger.Error("alarm refresh failed", slog.Any("error", err))
		a.metrics.ObserveAlarm(metrics.AlarmFailed)
		return
	}
	if rec == nil {
		a.logger.Debug("alarm fired without stored record")
		a.metrics.ObserveAlarm(metrics.AlarmMissing)
		return
	}

	interval, _ := ClampInterval(rec.Window(), a.settings.MinAlarm)
	due := rec.LastRefresh.Add(interval)
	if a.now().Add(duplicateTolerance).Before(due) {
		if _, pending := a.alarm.Next(); !pending {
			a.alarm.Set(due)
		}
		a.logger.Debug("alarm fired before due time", slog.Time("due", due))
		a.metrics.ObserveAlarm(metrics.AlarmSkipped)
		return
	}

	resp, err := a.replay(ctx, metrics.FetchAlarm)
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	if err != nil {
		a.logger.Error("alarm refresh failed", slog.Any("error", err))
		a.metrics.ObserveAlarm(metrics.AlarmFailed)
		return
	}
	a.metrics.ObserveAlarm(metrics.AlarmRefreshed)
}

// replay rebuilds the stored request and fetches it. Callers hold fetchMu.
func (a *Actor) replay(ctx context.Context, trigger metrics.FetchTrigger) (*http.Response, error) {
	rec := a.peek()
	if rec == nil {
		return nil, ErrMissingRecord
	}
	req, err := rec.Request.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("actor: replay %s: %w", a.key, err)
	}
	return a.fetch(ctx, req, rec.RefreshSeconds, trigger)
}

// fetch performs the origin call and applies the success or failure rules.
// Callers hold fetchMu; mu is taken only around the state changes.
func (a *Actor) fetch(ctx context.Context, req *http.Request, refreshSeconds int, trigger metrics.FetchTrigger) (*http.Response, error) {
	stored, err := record.SerializeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("actor: %w", err)
	}
	outbound, err := stored.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("actor: %w", err)
	}

	a.mu.RLock()
	resets, stops := a.resets, a.stops
	a.mu.RUnlock()

	start := time.Now()
	resp, err := a.origin.Do(outbound)
	if err != nil {
		a.metrics.ObserveOriginFetch(trigger, metrics.FetchTransport, time.Since(start))
		a.logger.Warn("origin request failed", slog.String("trigger", string(trigger)), slog.Any("error", err))
		a.onFailure(ctx, resets, stops)
		return nil, &OriginError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.metrics.ObserveOriginFetch(trigger, metrics.FetchStatus, time.Since(start))
		a.logger.Warn("origin returned error status", slog.String("trigger", string(trigger)), slog.Int("status", resp.StatusCode))
		a.onFailure(ctx, resets, stops)
		return resp, &OriginError{StatusCode: resp.StatusCode}
	}

	body, err := record.SerializeResponse(resp)
	if err != nil {
		a.metrics.ObserveOriginFetch(trigger, metrics.FetchTransport, time.Since(start))
		a.onFailure(ctx, resets, stops)
		return nil, &OriginError{Err: err}
	}
	a.metrics.ObserveOriginFetch(trigger, metrics.FetchOK, time.Since(start))

	a.install(ctx, record.Record{
		Request:        stored,
		Response:       body,
		RefreshSeconds: refreshSeconds,
	}, resets, stops)

	out := body.Build()
	out.Request = outbound
	out.Header.Set(HeaderStorage, StorageMiss)
	return out, nil
}

// install persists a freshly fetched record and arms the next refresh,
// unless a Reset or Stop ran while the origin was being contacted.
func (a *Actor) install(ctx context.Context, rec record.Record, resets, stops uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.resets != resets {
		a.logger.Debug("record reset during origin fetch, response not stored")
		return
	}
	rec.LastRefresh = a.now().UTC()
	if a.current != nil && rec.LastRefresh.Before(a.current.LastRefresh) {
		rec.LastRefresh = a.current.LastRefresh
	}
	if err := a.store.Put(ctx, rec); err != nil {
		a.logger.Error("record persist failed", slog.Any("error", err))
	}
	a.current = &rec
	a.loaded = true
	if a.stops == stops {
		a.schedule(a.now(), rec.RefreshSeconds)
	}
}

func (a *Actor) onFailure(ctx context.Context, resets, stops uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil || a.resets != resets {
		return
	}
	if a.settings.FailurePolicy == PolicyReset {
		a.alarm.Delete()
		a.current = nil
		if err := a.store.DeleteAll(ctx); err != nil {
			a.logger.Error("record reset after origin failure failed", slog.Any("error", err))
			return
		}
		a.logger.Warn("record reset after origin failure")
		return
	}
	if a.stops == stops {
		a.schedule(a.now(), a.current.RefreshSeconds)
	}
}

// serveCurrent answers from the in-memory record when it is servable, or
// returns nil.
func (a *Actor) serveCurrent(ctx context.Context, refreshSeconds int) *http.Response {
	rec := a.peek()
	if rec == nil {
		return nil
	}
	now := a.now()
	if !rec.State(now, a.settings.AllowedLateness).Servable() {
		return nil
	}
	if refreshSeconds > 0 && refreshSeconds != rec.RefreshSeconds {
		rec = a.updateRefresh(ctx, rec, refreshSeconds)
	}
	return a.cachedResponse(rec, now)
}

// updateRefresh stores a new refresh interval on the current record without
// touching LastRefresh. rec is returned unchanged if a Reset removed it.
func (a *Actor) updateRefresh(ctx context.Context, rec *record.Record, refreshSeconds int) *record.Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil {
		return rec
	}
	if a.current.RefreshSeconds == refreshSeconds {
		return a.current
	}
	updated := *a.current
	updated.RefreshSeconds = refreshSeconds
	if err := a.store.Put(ctx, updated); err != nil {
		a.logger.Error("record persist failed", slog.Any("error", err))
	}
	a.current = &updated
	a.logger.Debug("refresh interval updated", slog.Int("refresh_seconds", refreshSeconds))
	a.schedule(updated.LastRefresh, refreshSeconds)
	return &updated
}

// schedule arms the alarm at from + max(refresh, MinAlarm), never in the past.
func (a *Actor) schedule(from time.Time, refreshSeconds int) {
	requested := time.Duration(refreshSeconds) * time.Second
	interval, clamped := ClampInterval(requested, a.settings.MinAlarm)
	if clamped {
		a.logger.Warn("refresh interval below minimum alarm interval",
			slog.Duration("requested", requested),
			slog.Duration("minimum", a.settings.MinAlarm),
		)
		a.metrics.ObserveAlarmClamp()
	}
	at := from.Add(interval)
	if now := a.now(); at.Before(now) {
		at = now
	}
	a.alarm.Set(at)
}

func (a *Actor) peek() *record.Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// load returns the current record, reading the store on first use.
func (a *Actor) load(ctx context.Context) (*record.Record, error) {
	a.mu.RLock()
	if a.loaded {
		rec := a.current
		a.mu.RUnlock()
		return rec, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return a.current, nil
}

// ensureLoaded reads the store once. Callers hold mu for writing.
func (a *Actor) ensureLoaded(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	rec, ok, err := a.store.Get(ctx)
	if err != nil {
		if errors.Is(err, record.ErrMalformed) {
			a.logger.Warn("stored record malformed, treating as empty", slog.Any("error", err))
			a.loaded = true
			a.current = nil
			return nil
		}
		return fmt.Errorf("actor: load %s: %w", a.key, err)
	}
	a.loaded = true
	if ok {
		a.current = &rec
	}
	return nil
}

func (a *Actor) cachedResponse(rec *record.Record, now time.Time) *http.Response {
	resp := rec.Response.Build()
	resp.Header.Set(HeaderStorage, StorageHit)
	resp.Header.Set(HeaderUpdated, rec.LastRefresh.UTC().Format(http.TimeFormat))
	resp.Header.Set(HeaderAge, strconv.FormatInt(int64(rec.Age(now)/time.Second), 10))
	return resp
}
