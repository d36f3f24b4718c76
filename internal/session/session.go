// Package session holds the identity of the user currently logged in to the
// host application. The host sets it on login and clears it on logout.
package session

import "sync"

// Session is safe for concurrent use.
type Session struct {
	mu       sync.RWMutex
	username string
}

// New returns a session for username (may be empty).
func New(username string) *Session {
	return &Session{username: username}
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// LoggedIn reports whether an identity is set.
func (s *Session) LoggedIn() bool {
	return s.Username() != ""
}

func (s *Session) Login(username string) {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
}

// Logout clears the identity and returns the previous one.
func (s *Session) Logout() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.username
	s.username = ""
	return prev
}
