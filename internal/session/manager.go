package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusExpired Status = "expired"
)

var ErrNotFound = errors.New("panel not found")

// Conversation is the per-panel state owned by a Manager.
type Conversation interface {
	Close() error
}

// Panel is one open assistant UI panel.
type Panel struct {
	ID             string    `json:"panel_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	OpenedAt       time.Time `json:"opened_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type panelEntry[T Conversation] struct {
	panel Panel
	conv  T
}

// Manager tracks open panels and closes the ones left idle.
type Manager[T Conversation] struct {
	mu                sync.RWMutex
	panels            map[string]*panelEntry[T]
	inactivityTimeout time.Duration
	onClose           func(Panel)
}

func NewManager[T Conversation](inactivityTimeout time.Duration) *Manager[T] {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager[T]{
		panels:            make(map[string]*panelEntry[T]),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager[T]) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

// SetCloseHook registers a callback run for every closed or expired panel.
func (m *Manager[T]) SetCloseHook(hook func(Panel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = hook
}

// Open registers a new panel. build receives the panel id and returns the
// conversation the panel owns.
func (m *Manager[T]) Open(userID string, build func(panelID string) (T, error)) (Panel, T, error) {
	now := time.Now().UTC()
	p := Panel{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusActive,
		OpenedAt:       now,
		LastActivityAt: now,
	}
	conv, err := build(p.ID)
	if err != nil {
		var zero T
		return Panel{}, zero, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.panels[p.ID] = &panelEntry[T]{panel: p, conv: conv}
	return p, conv, nil
}

// Get returns the conversation of an open panel and marks it active.
func (m *Manager[T]) Get(panelID string) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.panels[panelID]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	e.panel.LastActivityAt = time.Now().UTC()
	return e.conv, nil
}

func (m *Manager[T]) Panel(panelID string) (Panel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.panels[panelID]
	if !ok {
		return Panel{}, ErrNotFound
	}
	return e.panel, nil
}

// Close removes the panel and closes its conversation.
func (m *Manager[T]) Close(panelID string) (Panel, error) {
	m.mu.Lock()
	e, ok := m.panels[panelID]
	if !ok {
		m.mu.Unlock()
		return Panel{}, ErrNotFound
	}
	delete(m.panels, panelID)
	hook := m.onClose
	m.mu.Unlock()

	e.panel.Status = StatusClosed
	e.panel.LastActivityAt = time.Now().UTC()
	err := e.conv.Close()
	if hook != nil {
		hook(e.panel)
	}
	return e.panel, err
}

// CloseAll closes every open panel.
func (m *Manager[T]) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.panels))
	for id := range m.panels {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_, _ = m.Close(id)
	}
}

func (m *Manager[T]) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager[T]) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.panels)
}

func (m *Manager[T]) expireInactive() {
	now := time.Now().UTC()
	var expired []*panelEntry[T]

	m.mu.Lock()
	for id, e := range m.panels {
		if now.Sub(e.panel.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		delete(m.panels, id)
		e.panel.Status = StatusExpired
		e.panel.LastActivityAt = now
		expired = append(expired, e)
	}
	hook := m.onClose
	m.mu.Unlock()

	for _, e := range expired {
		_ = e.conv.Close()
		if hook != nil {
			hook(e.panel)
		}
	}
}
