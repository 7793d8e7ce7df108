// Package admission decides whether a new streaming connection may open.
//
// Capacity is accounted at two levels: the endpoint (all streams served by
// one endpoint) and the session (all streams opened by one client session).
// A stream holds exactly one slot at each level for its whole lifetime.
//
// Lock order is always endpoint before session. TryOpen takes the two locks
// one after the other and never nests them; Rollback nests them in that
// order. Neither path can deadlock against the other.
package admission

import (
	"errors"
	"fmt"
)

// Scope names the level at which admission was refused.
type Scope string

const (
	ScopeEndpoint Scope = "endpoint"
	ScopeSession  Scope = "session"
)

// ErrLimitReached matches every *RejectedError via errors.Is.
var ErrLimitReached = errors.New("streaming connection limit reached")

// RejectedError reports which limit refused a stream.
type RejectedError struct {
	Scope Scope
	Limit int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s limit of %d", ErrLimitReached, e.Scope, e.Limit)
}

func (e *RejectedError) Is(target error) bool { return target == ErrLimitReached }

// TryOpen reserves one endpoint slot and then one session slot.
//
// If the session refuses, the endpoint reservation is returned before
// TryOpen reports the rejection, so a refused attempt never leaves either
// counter incremented.
func TryOpen(endpoint, session *Tracker) error {
	// Cheap pre-check on the cached flags; the locked path below decides.
	if !endpoint.CanAdmit() {
		return &RejectedError{Scope: ScopeEndpoint, Limit: endpoint.Limit()}
	}
	if !session.CanAdmit() {
		return &RejectedError{Scope: ScopeSession, Limit: session.Limit()}
	}

	endpoint.mu.Lock()
	res := endpoint.reserveLocked()
	limit := endpoint.limit
	endpoint.mu.Unlock()
	if res == overLimit {
		return &RejectedError{Scope: ScopeEndpoint, Limit: limit}
	}

	session.mu.Lock()
	res = session.reserveLocked()
	limit = session.limit
	session.mu.Unlock()
	if res == overLimit {
		endpoint.Release()
		return &RejectedError{Scope: ScopeSession, Limit: limit}
	}

	return nil
}

// Rollback undoes a successful TryOpen whose stream could not be created,
// e.g. because the client already holds a stream. Both slots are returned
// while holding the endpoint lock and then the session lock.
func Rollback(endpoint, session *Tracker) {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()
	session.mu.Lock()
	defer session.mu.Unlock()

	endpoint.releaseLocked()
	session.releaseLocked()
}

// Release returns the slots held by a stream that has closed. Callers must
// guarantee it runs once per successful TryOpen.
func Release(endpoint, session *Tracker) {
	session.Release()
	endpoint.Release()
}
