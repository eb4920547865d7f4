package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process archive for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
	index   map[string]recordRef
}

type recordRef struct {
	sessionID string
	pos       int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string][]Record),
		index:   make(map[string]recordRef),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.index[record.ID] = recordRef{sessionID: record.SessionID, pos: len(s.records[record.SessionID])}
	s.records[record.SessionID] = append(s.records[record.SessionID], record)
	return nil
}

func (s *InMemoryStore) SupersedeTurn(_ context.Context, id, content, queryType string, piiRedacted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.index[id]
	if !ok {
		return ErrNotFound
	}
	r := &s.records[ref.sessionID][ref.pos]
	r.Content = content
	r.QueryType = queryType
	r.PIIRedacted = piiRedacted
	r.Superseded = true
	return nil
}

func (s *InMemoryStore) SessionTurns(_ context.Context, sessionID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Record, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
