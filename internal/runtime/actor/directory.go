package actor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/l0p7/proxystore/internal/metrics"
	"github.com/l0p7/proxystore/internal/runtime/alarm"
	"github.com/l0p7/proxystore/internal/runtime/store"
)

const defaultConcurrency = 8

// DirectoryOptions configures a Directory.
type DirectoryOptions struct {
	Backend     store.Backend
	Clock       *alarm.Clock
	Origin      Doer
	Settings    Settings
	Prefix      string
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	Now         func() time.Time
}

// Directory resolves canonical keys to their actors, creating them on first
// use. Actors are never evicted; their state lives in the backend.
type Directory struct {
	backend     store.Backend
	clock       *alarm.Clock
	origin      Doer
	settings    Settings
	prefix      string
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Recorder
	now         func() time.Time

	actors *xsync.MapOf[string, *Actor]
}

// NewDirectory constructs a Directory. A nil clock gets a real-time clock.
func NewDirectory(opts DirectoryOptions) *Directory {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clock := opts.Clock
	if clock == nil {
		clock = alarm.New()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Directory{
		backend:     opts.Backend,
		clock:       clock,
		origin:      opts.Origin,
		settings:    opts.Settings,
		prefix:      opts.Prefix,
		concurrency: concurrency,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		actors:      xsync.NewMapOf[string, *Actor](),
	}
}

// Get returns the actor for key, creating it if needed.
func (d *Directory) Get(key string) *Actor {
	a, loaded := d.actors.LoadOrCompute(key, func() *Actor {
		var created *Actor
		handle := d.clock.Handle(key, func() { created.AlarmFired() })
		created = New(key, Options{
			Store:    store.NewSlot(d.backend, key),
			Alarm:    handle,
			Origin:   d.origin,
			Settings: d.settings,
			Logger:   d.logger,
			Metrics:  d.metrics,
			Now:      d.now,
		})
		return created
	})
	if !loaded {
		d.metrics.SetActors(d.actors.Size())
	}
	return a
}

// Lookup returns the actor for key only if it already exists.
func (d *Directory) Lookup(key string) (*Actor, bool) {
	return d.actors.Load(key)
}

// Len reports how many actors are live in memory.
func (d *Directory) Len() int {
	return d.actors.Size()
}

// PendingAlarms reports how many actors have an armed alarm.
func (d *Directory) PendingAlarms() int {
	return d.clock.Pending()
}

// Records reports how many records the backend holds under the directory
// prefix, matching what Keys lists.
func (d *Directory) Records(ctx context.Context) (int64, error) {
	n, err := d.backend.Size(ctx, d.prefix)
	if err != nil {
		return 0, fmt.Errorf("actor: count records: %w", err)
	}
	return n, nil
}

// Keys lists the stored keys under the directory prefix.
func (d *Directory) Keys(ctx context.Context) ([]string, error) {
	keys, err := d.backend.Keys(ctx, d.prefix)
	if err != nil {
		return nil, fmt.Errorf("actor: list keys: %w", err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// Restore re-arms the alarm of every stored key. It returns how many actors
// were restored.
func (d *Directory) Restore(ctx context.Context) (int, error) {
	keys, err := d.Keys(ctx)
	if err != nil {
		return 0, err
	}
	err = d.each(ctx, keys, func(ctx context.Context, a *Actor) error {
		return a.Restore(ctx)
	})
	return len(keys), err
}

// ResetAll resets every stored key and every live actor, returning the keys
// that were reset.
func (d *Directory) ResetAll(ctx context.Context) ([]string, error) {
	keys, err := d.Keys(ctx)
	if err != nil {
		return nil, err
	}
	keys = d.withLive(keys)
	err = d.each(ctx, keys, func(ctx context.Context, a *Actor) error {
		return a.Reset(ctx)
	})
	return keys, err
}

// StopAll cancels the alarm of every live actor.
func (d *Directory) StopAll(ctx context.Context) error {
	return d.each(ctx, d.withLive(nil), func(ctx context.Context, a *Actor) error {
		return a.Stop(ctx)
	})
}

// Close cancels every alarm and waits for in-flight background refreshes.
func (d *Directory) Close() {
	d.clock.Stop()
	d.actors.Range(func(_ string, a *Actor) bool {
		a.Wait()
		return true
	})
}

func (d *Directory) each(ctx context.Context, keys []string, fn func(context.Context, *Actor) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			return fn(gctx, d.Get(key))
		})
	}
	return g.Wait()
}

func (d *Directory) withLive(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		seen[key] = struct{}{}
	}
	d.actors.Range(func(key string, _ *Actor) bool {
		if _, ok := seen[key]; !ok && strings.HasPrefix(key, d.prefix) {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		return true
	})
	return keys
}
