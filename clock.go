package pulse

import (
	"sync"
	"time"
)

// Clock is the time source used for timestamps and scheduled work.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled call created by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ============================================================================
// Deferred
// ============================================================================

// Deferred is a cancellable, resettable delayed action. Owners that guard
// their own state with a mutex should check Armed under that mutex inside the
// action: a fire that raced a Reset observes Armed() == true and must bail.
type Deferred struct {
	clock Clock
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer Timer
	gen   uint64
	armed bool
}

// NewDeferred creates a disarmed Deferred that runs fn delay after each Reset.
func NewDeferred(clock Clock, delay time.Duration, fn func()) *Deferred {
	return &Deferred{clock: clock, delay: delay, fn: fn}
}

// Reset (re)arms the action, discarding any pending run.
func (d *Deferred) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.armed = true
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Cancel disarms the action. It reports whether a run was pending.
func (d *Deferred) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	wasArmed := d.armed
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.armed = false
	return wasArmed
}

// Armed reports whether a run is pending.
func (d *Deferred) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

func (d *Deferred) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.armed {
		d.mu.Unlock()
		return
	}
	d.armed = false
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}
