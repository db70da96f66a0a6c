package listener

import (
	"sync"
	"time"
)

// debouncer collapses a burst of triggers into one call of fn. The call
// happens once triggers pause for wait, and no later than maxWait after the
// first trigger of the burst.
type debouncer struct {
	wait    time.Duration
	maxWait time.Duration
	fn      func()

	mu       sync.Mutex
	timer    *time.Timer
	maxTimer *time.Timer
	gen      uint64
	stopped  bool
}

func newDebouncer(wait, maxWait time.Duration, fn func()) *debouncer {
	if maxWait < wait {
		maxWait = wait
	}
	return &debouncer{wait: wait, maxWait: maxWait, fn: fn}
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, func() { d.fire(gen) })
	if d.maxTimer == nil {
		d.maxTimer = time.AfterFunc(d.maxWait, func() { d.fire(gen) })
	}
}

func (d *debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.gen++
	d.resetLocked()
	d.mu.Unlock()

	d.fn()
}

// Cancel drops any pending call and ignores later triggers.
func (d *debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.gen++
	d.resetLocked()
}

func (d *debouncer) resetLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.maxTimer != nil {
		d.maxTimer.Stop()
		d.maxTimer = nil
	}
}
