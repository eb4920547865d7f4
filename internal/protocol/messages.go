package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies panel websocket payload variants.
type MessageType string

const (
	TypeClientMessage  MessageType = "client_message"
	TypeClientControl  MessageType = "client_control"
	TypeTurnAppended   MessageType = "turn_appended"
	TypeTurnSuperseded MessageType = "turn_superseded"
	TypeLogCleared     MessageType = "log_cleared"
	TypeErrorEvent     MessageType = "error_event"
)

const (
	ControlReset = "reset"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

// TurnView is the presentation-facing shape of a conversation turn.
type TurnView struct {
	ID          string         `json:"id"`
	Role        string         `json:"role"`
	Text        string         `json:"text"`
	Timestamp   time.Time      `json:"timestamp"`
	Suggestions []string       `json:"suggestions"`
	Visitors    []Visitor      `json:"visitors"`
	Analytics   map[string]any `json:"analytics,omitempty"`
	IsError     bool           `json:"isError"`
	Superseded  bool           `json:"superseded,omitempty"`
}

// PanelEvent is pushed to panel subscribers whenever the conversation log changes.
type PanelEvent struct {
	Type      MessageType `json:"type"`
	PanelID   string      `json:"panel_id"`
	SessionID string      `json:"session_id"`
	Index     int         `json:"index"`
	Turn      *TurnView   `json:"turn,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	PanelID   string      `json:"panel_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientMessage:
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_message")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action != ControlReset {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
