package chat

import (
	"sync"
	"time"
)

// PendingUpload is an image waiting for a "process" command.
type PendingUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Session is the per-user conversational state. Only matched command
// handlers change it.
type Session struct {
	ID           string
	Pending      *PendingUpload
	CameraActive bool
	MenuShown    bool
	LastSeen     time.Time

	mu sync.Mutex
}

// Sessions keeps sessions by id and drops the ones idle for longer than ttl.
type Sessions struct {
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	m  map[string]*Session
}

func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{ttl: ttl, now: time.Now, m: make(map[string]*Session)}
}

// With runs fn while holding the lock of session id, creating it if needed.
func (s *Sessions) With(id string, fn func(*Session) error) error {
	s.mu.Lock()
	sess, ok := s.m[id]
	if !ok {
		sess = &Session{ID: id}
		s.m[id] = sess
	}
	s.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.LastSeen = s.now()
	return fn(sess)
}

// Peek returns a copy of the session state, or false when there is none.
func (s *Sessions) Peek(id string) (Session, bool) {
	s.mu.Lock()
	sess, ok := s.m[id]
	s.mu.Unlock()
	if !ok {
		return Session{}, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Session{
		ID:           sess.ID,
		Pending:      sess.Pending,
		CameraActive: sess.CameraActive,
		MenuShown:    sess.MenuShown,
		LastSeen:     sess.LastSeen,
	}, true
}

// Sweep removes idle sessions and returns how many were dropped. Sessions
// in use are left alone.
func (s *Sessions) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sess := range s.m {
		if !sess.mu.TryLock() {
			continue
		}
		if sess.LastSeen.Before(cutoff) {
			delete(s.m, id)
			n++
		}
		sess.mu.Unlock()
	}
	return n
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
