package app

import (
	"sync"
	"time"
)

// otpEntry is the pending one-time password for an email address. After
// a successful verification the entry stays but the code is cleared, so
// a replayed OTP reads as invalid rather than unknown.
type otpEntry struct {
	Code    string
	Expires time.Time
}

// userStore is the in-memory OTP table. Each worker process holds its
// own copy; mutation stays behind one lock.
type userStore struct {
	mu    sync.Mutex
	users map[string]otpEntry
}

func newUserStore() *userStore {
	return &userStore{users: make(map[string]otpEntry)}
}

// SetOTP stores a fresh code for the email, replacing any previous one.
func (s *userStore) SetOTP(email, code string, expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = otpEntry{Code: code, Expires: expires}
}

// Lookup returns the entry for the email, if any.
func (s *userStore) Lookup(email string) (otpEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.users[email]
	return entry, ok
}

// ClearOTP blanks the code for the email but keeps the entry.
func (s *userStore) ClearOTP(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		s.users[email] = otpEntry{}
	}
}
