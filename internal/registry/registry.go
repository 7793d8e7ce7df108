// Package registry tracks the streaming connections open on an endpoint.
package registry

import (
	"errors"
	"sync"
)

// ErrDuplicate is returned by Add when the client already holds an entry.
var ErrDuplicate = errors.New("client already has an open stream")

// Entry is the minimal identity the registry needs.
type Entry interface {
	ID() string
	ClientID() string
}

// Registry maps entry id to entry and indexes entries by client id so that
// a client can hold at most one entry at a time.
type Registry[T Entry] struct {
	mu       sync.RWMutex
	byID     map[string]T
	byClient map[string]string
}

func New[T Entry]() *Registry[T] {
	return &Registry[T]{byID: make(map[string]T), byClient: make(map[string]string)}
}

// Add registers e. It fails with ErrDuplicate, leaving the existing entry
// untouched, when e's client already holds an entry.
func (r *Registry[T]) Add(e T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byClient[e.ClientID()]; ok {
		return ErrDuplicate
	}
	if _, ok := r.byID[e.ID()]; ok {
		return ErrDuplicate
	}
	r.byID[e.ID()] = e
	r.byClient[e.ClientID()] = e.ID()
	return nil
}

// Remove drops the entry with the given id. It reports whether an entry
// was removed.
func (r *Registry[T]) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	if r.byClient[e.ClientID()] == id {
		delete(r.byClient, e.ClientID())
	}
	return true
}

func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// ByClient returns the entry held by clientID.
func (r *Registry[T]) ByClient(clientID string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero T
	id, ok := r.byClient[clientID]
	if !ok {
		return zero, false
	}
	e, ok := r.byID[id]
	return e, ok
}

// Snapshot returns every entry currently registered, in no particular order.
func (r *Registry[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	return out
}

// Clear drops every entry and returns what was registered.
func (r *Registry[T]) Clear() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	r.byID = make(map[string]T)
	r.byClient = make(map[string]string)
	return out
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
