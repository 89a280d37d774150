package alarm

import (
	"sync"
	"time"
)

// Clock hands out per-owner alarms backed by software timers. Each owner has at
// most one pending wake-up; setting a new one replaces the previous.
type Clock struct {
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	mu      sync.Mutex
	alarms  map[string]*Alarm
	stopped bool
}

type stopper interface {
	Stop() bool
}

// Option customises a Clock.
type Option func(*Clock)

// WithNow overrides the wall clock used to turn deadlines into delays.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Clock using time.AfterFunc timers.
func New(opts ...Option) *Clock {
	c := &Clock{
		now: time.Now,
		afterFunc: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
		alarms: make(map[string]*Alarm),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle returns the alarm registered for owner, creating it with fire as the
// wake-up handler. The handler of an existing registration is kept.
func (c *Clock) Handle(owner string, fire func()) *Alarm {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.alarms[owner]; ok {
		return a
	}
	a := &Alarm{clock: c, owner: owner, fire: fire}
	c.alarms[owner] = a
	return a
}

// Pending counts owners with a scheduled wake-up.
func (c *Clock) Pending() int {
	c.mu.Lock()
	alarms := make([]*Alarm, 0, len(c.alarms))
	for _, a := range c.alarms {
		alarms = append(alarms, a)
	}
	c.mu.Unlock()

	pending := 0
	for _, a := range alarms {
		if _, ok := a.Next(); ok {
			pending++
		}
	}
	return pending
}

// Stop cancels every pending alarm and refuses new ones.
func (c *Clock) Stop() {
	c.mu.Lock()
	c.stopped = true
	alarms := make([]*Alarm, 0, len(c.alarms))
	for _, a := range c.alarms {
		alarms = append(alarms, a)
	}
	c.mu.Unlock()
	for _, a := range alarms {
		a.Delete()
	}
}

func (c *Clock) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Alarm is a single owner's wake-up slot.
type Alarm struct {
	clock *Clock
	owner string
	fire  func()

	mu         sync.Mutex
	timer      stopper
	at         time.Time
	generation uint64
}

// Owner returns the key the alarm was registered under.
func (a *Alarm) Owner() string { return a.owner }

// Set schedules the handler at or after at, cancelling any earlier schedule.
// Deadlines in the past fire as soon as possible.
func (a *Alarm) Set(at time.Time) {
	if a.clock.isStopped() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.generation++
	gen := a.generation
	a.at = at
	delay := at.Sub(a.clock.now())
	if delay < 0 {
		delay = 0
	}
	a.timer = a.clock.afterFunc(delay, func() { a.trigger(gen) })
}

// Delete cancels the pending wake-up, if any.
func (a *Alarm) Delete() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.generation++
	a.at = time.Time{}
}

// Next reports the scheduled wake-up time.
func (a *Alarm) Next() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer == nil {
		return time.Time{}, false
	}
	return a.at, true
}

// trigger runs the handler unless the firing belongs to a replaced schedule.
func (a *Alarm) trigger(gen uint64) {
	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.at = time.Time{}
	fire := a.fire
	a.mu.Unlock()
	if fire != nil {
		fire()
	}
}
