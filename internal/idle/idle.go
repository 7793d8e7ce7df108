// Package idle closes streaming connections that have gone unused for
// longer than their idle timeout.
package idle

import (
	"sync"
	"time"
)

// Target is anything with an idle deadline; *notifier.Notifier satisfies it.
type Target interface {
	ID() string
	IdleTimeout() time.Duration
	LastUse() time.Time
}

// ExpireFunc is invoked, at most once per scheduled target, when the target
// has been idle for its full timeout. It runs on a timer goroutine.
type ExpireFunc func(id string)

// Manager tracks one timer per scheduled target.
type Manager struct {
	onExpire ExpireFunc

	mu      sync.Mutex
	timers  map[string]*deadline
	stopped bool
}

type deadline struct {
	timer *time.Timer
}

// New returns a Manager that reports expirations to onExpire.
func New(onExpire ExpireFunc) *Manager {
	return &Manager{onExpire: onExpire, timers: make(map[string]*deadline)}
}

// Schedule arms the idle deadline for t. Targets without a positive idle
// timeout, and any target scheduled after Shutdown, are ignored.
func (m *Manager) Schedule(t Target) {
	timeout := t.IdleTimeout()
	if timeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if old, ok := m.timers[t.ID()]; ok {
		old.timer.Stop()
	}
	d := &deadline{}
	d.timer = time.AfterFunc(timeout, func() { m.check(t, d) })
	m.timers[t.ID()] = d
}

// Cancel drops the deadline for id, if any.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.timers[id]; ok {
		d.timer.Stop()
		delete(m.timers, id)
	}
}

// Len returns the number of armed deadlines.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Shutdown stops every timer. Later calls to Schedule are no-ops.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, d := range m.timers {
		d.timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) check(t Target, d *deadline) {
	timeout := t.IdleTimeout()
	idleFor := time.Since(t.LastUse())

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if m.timers[t.ID()] != d {
		// Cancelled or rescheduled after the timer fired.
		m.mu.Unlock()
		return
	}
	if idleFor < timeout {
		d.timer = time.AfterFunc(timeout-idleFor, func() { m.check(t, d) })
		m.mu.Unlock()
		return
	}
	delete(m.timers, t.ID())
	m.mu.Unlock()

	m.onExpire(t.ID())
}
