package session

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the backend conversation identity of one panel.
type Session struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store owns the single current session of a panel.
type Store struct {
	mu      sync.Mutex
	current Session
	onReset func(prev, next Session)
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

// SetResetHook registers a callback run after every Reset, outside the lock.
func (s *Store) SetResetHook(hook func(prev, next Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReset = hook
}

// Create generates a new session and makes it current.
func (s *Store) Create() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.newSession()
	return s.current
}

// Reset replaces the current session and notifies the reset hook.
func (s *Store) Reset() Session {
	s.mu.Lock()
	prev := s.current
	s.current = s.newSession()
	next := s.current
	hook := s.onReset
	s.mu.Unlock()

	if hook != nil {
		hook(prev, next)
	}
	return next
}

func (s *Store) Current() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Valid reports whether a current session exists.
func (s *Store) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.ID != ""
}

// End discards the current session without creating a new one.
func (s *Store) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Session{}
}

func (s *Store) newSession() Session {
	now := s.now().UTC()
	return Session{ID: NewSessionID(now), CreatedAt: now}
}

// NewSessionID returns an id of the form session_<unix-ms>_<9 base36 chars>.
func NewSessionID(now time.Time) string {
	u := uuid.New()
	suffix := strconv.FormatUint(binary.BigEndian.Uint64(u[:8]), 36)
	if len(suffix) < 9 {
		suffix = strings.Repeat("0", 9-len(suffix)) + suffix
	}
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), suffix[len(suffix)-9:])
}
