package session

import (
	"regexp"
	"testing"
	"time"
)

var sessionIDPattern = regexp.MustCompile(`^session_\d+_[0-9a-z]{9}$`)

func TestNewSessionIDFormat(t *testing.T) {
	now := time.UnixMilli(1760000000000)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewSessionID(now)
		if !sessionIDPattern.MatchString(id) {
			t.Fatalf("NewSessionID() = %q, want session_<ms>_<9 base36>", id)
		}
		if seen[id] {
			t.Fatalf("NewSessionID() repeated %q", id)
		}
		seen[id] = true
	}
}

func TestStoreCreateResetHook(t *testing.T) {
	s := NewStore()
	if s.Valid() {
		t.Fatalf("Valid() = true before Create")
	}
	first := s.Create()
	if !s.Valid() || s.Current() != first {
		t.Fatalf("Current() = %+v, want %+v", s.Current(), first)
	}

	var prev, next Session
	calls := 0
	s.SetResetHook(func(p, n Session) {
		calls++
		prev, next = p, n
	})
	second := s.Reset()
	if second.ID == first.ID {
		t.Fatalf("Reset() kept session id %q", first.ID)
	}
	if calls != 1 || prev != first || next != second {
		t.Fatalf("hook calls=%d prev=%+v next=%+v", calls, prev, next)
	}
	if s.Current() != second {
		t.Fatalf("Current() = %+v, want %+v", s.Current(), second)
	}
}

func TestStoreEnd(t *testing.T) {
	s := NewStore()
	s.Create()
	s.End()
	if s.Valid() {
		t.Fatalf("Valid() = true after End")
	}
	if s.Current().ID != "" {
		t.Fatalf("Current().ID = %q, want empty", s.Current().ID)
	}
}
