package admission

import (
	"sync"
	"sync/atomic"
)

// outcome is the result of a single increment attempt against a Tracker.
type outcome int

const (
	underLimit outcome = iota
	lastSlot
	overLimit
)

// Tracker is a counted resource with a limit: the number of streaming
// connections currently holding a slot at one scope (endpoint or session).
//
// All mutation happens under the tracker's mutex. CanAdmit reads a cached
// flag and never blocks, so it is only a hint; TryReserve is authoritative.
type Tracker struct {
	mu    sync.Mutex
	count int
	limit int

	canAdmit atomic.Bool
}

// NewTracker returns a tracker with the given limit. Negative limits are
// clamped to zero, which admits nothing.
func NewTracker(limit int) *Tracker {
	if limit < 0 {
		limit = 0
	}
	t := &Tracker{limit: limit}
	t.canAdmit.Store(limit > 0)
	return t
}

// TryReserve takes one slot. It reports false, leaving the count unchanged,
// when the tracker is already at its limit.
func (t *Tracker) TryReserve() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reserveLocked() != overLimit
}

// Release returns one slot. The count never drops below zero.
func (t *Tracker) Release() {
	t.mu.Lock()
	t.releaseLocked()
	t.mu.Unlock()
}

// SetLimit changes the limit and recomputes the admit flag. Slots already
// held above a lowered limit stay held until released.
func (t *Tracker) SetLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	t.mu.Lock()
	t.limit = limit
	t.recomputeLocked()
	t.mu.Unlock()
}

// Count returns the number of slots currently held.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Limit returns the configured limit.
func (t *Tracker) Limit() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit
}

// CanAdmit reports whether the last observed count was below the limit.
func (t *Tracker) CanAdmit() bool { return t.canAdmit.Load() }

// reserveLocked increments the count and classifies the result. An
// over-limit increment is undone before returning.
func (t *Tracker) reserveLocked() outcome {
	t.count++
	switch {
	case t.count == t.limit:
		t.canAdmit.Store(false)
		return lastSlot
	case t.count > t.limit:
		t.count--
		t.recomputeLocked()
		return overLimit
	default:
		return underLimit
	}
}

func (t *Tracker) releaseLocked() {
	if t.count > 0 {
		t.count--
	}
	t.recomputeLocked()
}

func (t *Tracker) recomputeLocked() {
	t.canAdmit.Store(t.count < t.limit)
}
