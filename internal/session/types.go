package session

import (
	"time"

	"github.com/ent0n29/visitassist/internal/protocol"
)

// OpenRequest defines payload for opening an assistant panel.
type OpenRequest struct {
	UserID   string `json:"user_id"`
	DateFrom string `json:"date_from,omitempty"`
	DateTo   string `json:"date_to,omitempty"`
}

// OpenResponse returns opened panel metadata.
type OpenResponse struct {
	PanelID         string             `json:"panel_id"`
	UserID          string             `json:"user_id"`
	SessionID       string             `json:"session_id"`
	Status          Status             `json:"status"`
	OpenedAt        time.Time          `json:"opened_at"`
	InactivityTTLMS int64              `json:"inactivity_ttl_ms"`
	Welcome         *protocol.TurnView `json:"welcome,omitempty"`
}
