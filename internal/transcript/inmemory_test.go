package transcript

import (
	"context"
	"errors"
	"testing"
)

func TestInMemoryStoreSessionTurns(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for _, content := range []string{"aide", "Voici ce que je peux faire", "Dupont"} {
		if err := s.SaveTurn(ctx, Record{SessionID: "session_1", Role: "user", Content: content}); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}
	if err := s.SaveTurn(ctx, Record{SessionID: "session_2", Role: "user", Content: "other"}); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}

	got, err := s.SessionTurns(ctx, "session_1", 2)
	if err != nil {
		t.Fatalf("SessionTurns() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(SessionTurns()) = %d, want 2", len(got))
	}
	if got[0].Content != "Voici ce que je peux faire" || got[1].Content != "Dupont" {
		t.Fatalf("SessionTurns() = %+v, want the last two in order", got)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("record defaults not filled: %+v", got[0])
	}
}

func TestInMemoryStoreSupersedeTurn(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if err := s.SaveTurn(ctx, Record{ID: "t1", SessionID: "session_1", Role: "assistant", Content: "Je ne comprends pas", QueryType: "UNKNOWN"}); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}
	if err := s.SupersedeTurn(ctx, "t1", "3 visiteurs aujourd'hui", "TODAY_VISITORS", false); err != nil {
		t.Fatalf("SupersedeTurn() error = %v", err)
	}
	got, _ := s.SessionTurns(ctx, "session_1", 0)
	if len(got) != 1 || !got[0].Superseded || got[0].QueryType != "TODAY_VISITORS" {
		t.Fatalf("SessionTurns() = %+v, want one superseded turn", got)
	}

	if err := s.SupersedeTurn(ctx, "missing", "x", "", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SupersedeTurn(missing) error = %v, want ErrNotFound", err)
	}
}
