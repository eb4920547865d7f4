package transcript

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("transcript turn not found")

// Record is the archived form of one conversation turn. Content is stored
// redacted.
type Record struct {
	ID          string    `json:"id"`
	PanelID     string    `json:"panel_id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	QueryType   string    `json:"query_type,omitempty"`
	IsError     bool      `json:"is_error"`
	Superseded  bool      `json:"superseded"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store archives conversation turns for audit.
type Store interface {
	SaveTurn(ctx context.Context, record Record) error
	// SupersedeTurn replaces the content of an archived assistant turn after a
	// successful retry.
	SupersedeTurn(ctx context.Context, id, content, queryType string, piiRedacted bool) error
	SessionTurns(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}
