package admission

import "sync"

// SessionTable hands out the per-session Tracker for a session id.
//
// Entries are reference counted: every in-flight admission attempt and every
// open stream holds one reference. An entry is dropped only when nothing
// references it and it holds no slots, so two callers can never end up
// counting the same session on different trackers.
type SessionTable struct {
	mu           sync.Mutex
	defaultLimit int
	sessions     map[string]*sessionEntry
}

type sessionEntry struct {
	tracker *Tracker
	refs    int
}

// NewSessionTable returns a table whose new sessions start with defaultLimit.
func NewSessionTable(defaultLimit int) *SessionTable {
	return &SessionTable{defaultLimit: defaultLimit, sessions: make(map[string]*sessionEntry)}
}

// Acquire returns the tracker for sessionID, creating it if needed, and
// takes a reference that must be returned with Put.
func (s *SessionTable) Acquire(sessionID string) *Tracker {
	return s.AcquireWithLimit(sessionID, 0)
}

// AcquireWithLimit is Acquire with a per-session limit override. A positive
// limit replaces the default only for the caller that brings the session
// into the table. While any admission attempt or open stream references the
// session, the limit it set stays in force.
func (s *SessionTable) AcquireWithLimit(sessionID string, limit int) *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		e = &sessionEntry{tracker: NewTracker(s.defaultLimit)}
		s.sessions[sessionID] = e
	}
	if limit > 0 && e.refs == 0 {
		e.tracker.SetLimit(limit)
	}
	e.refs++
	return e.tracker
}

// Put returns a reference taken by Acquire.
func (s *SessionTable) Put(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 && e.tracker.Count() == 0 {
		delete(s.sessions, sessionID)
	}
}

// Len returns the number of sessions currently tracked.
func (s *SessionTable) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
