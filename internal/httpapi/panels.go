package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/visitassist/internal/assistant"
	"github.com/ent0n29/visitassist/internal/protocol"
	"github.com/ent0n29/visitassist/internal/rewrite"
	"github.com/ent0n29/visitassist/internal/session"
)

type submitRequest struct {
	Text string `json:"text"`
}

type submitResponse struct {
	PanelID       string              `json:"panel_id"`
	SessionID     string              `json:"session_id"`
	Index         int                 `json:"index"`
	Turn          protocol.TurnView   `json:"turn"`
	CanonicalText string              `json:"canonical_text"`
	OpenContext   rewrite.OpenContext `json:"open_context"`
	Transport     string              `json:"transport,omitempty"`
	QueryType     string              `json:"query_type,omitempty"`
	Retried       bool                `json:"retried"`
	Superseded    bool                `json:"superseded"`
	NotUnderstood bool                `json:"not_understood"`
}

type dateRangeRequest struct {
	DateFrom *string `json:"dateFrom"`
	DateTo   *string `json:"dateTo"`
}

type dateRangeResponse struct {
	DateFrom *protocol.Date `json:"dateFrom"`
	DateTo   *protocol.Date `json:"dateTo"`
}

type turnsResponse struct {
	PanelID     string              `json:"panel_id"`
	SessionID   string              `json:"session_id"`
	OpenContext rewrite.OpenContext `json:"open_context"`
	Turns       []protocol.TurnView `json:"turns"`
}

func (s *Server) handleOpenPanel(w http.ResponseWriter, r *http.Request) {
	var req session.OpenRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	from, err := parseOptionalDate(req.DateFrom)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
		return
	}
	to, err := parseOptionalDate(req.DateTo)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
		return
	}

	panel, router, err := s.panels.Open(req.UserID, func(panelID string) (*assistant.Router, error) {
		return s.newRouter(panelID, req.UserID)
	})
	if err != nil {
		s.logger.Error("open panel failed", "user_id", req.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "panel_open_failed", err.Error())
		return
	}
	if from != nil || to != nil {
		if err := router.SetDateRange(from, to); err != nil {
			_, _ = s.panels.Close(panel.ID)
			respondError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
			return
		}
	}
	s.metrics.IncPanelEvent("opened")
	if s.metrics != nil {
		s.metrics.ActivePanels.Set(float64(s.panels.ActiveCount()))
	}

	resp := session.OpenResponse{
		PanelID:         panel.ID,
		UserID:          panel.UserID,
		SessionID:       router.Session().ID,
		Status:          panel.Status,
		OpenedAt:        panel.OpenedAt,
		InactivityTTLMS: s.panels.InactivityTimeout().Milliseconds(),
	}
	if turns := router.Turns(); len(turns) > 0 {
		welcome := turns[0].View()
		resp.Welcome = &welcome
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleClosePanel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	panel, err := s.panels.Close(id)
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "panel_not_found", err.Error())
		return
	}
	if err != nil {
		s.logger.Warn("panel closed with error", "panel_id", id, "error", err)
	}
	respondJSON(w, http.StatusOK, panel)
}

func (s *Server) handleResetPanel(w http.ResponseWriter, r *http.Request) {
	router, ok := s.lookupPanel(w, r)
	if !ok {
		return
	}
	sess, err := router.Reset()
	if err != nil {
		respondSubmitError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"panel_id":   router.PanelID(),
		"session_id": sess.ID,
		"turns":      views(router.Turns()),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	router, ok := s.lookupPanel(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// The dispatch carries its own timeout; a dropped HTTP client must not
	// turn a late reply into an error turn.
	res, err := router.Submit(context.WithoutCancel(r.Context()), req.Text)
	body := submitResponse{
		PanelID:       router.PanelID(),
		SessionID:     router.Session().ID,
		Index:         res.Index,
		Turn:          res.Turn.View(),
		CanonicalText: res.CanonicalText,
		OpenContext:   router.OpenContext(),
		Transport:     res.Transport,
		QueryType:     res.QueryType,
		Retried:       res.Retried,
		Superseded:    res.Superseded,
		NotUnderstood: res.NotUnderstood,
	}
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, body)
	case errors.Is(err, assistant.ErrTransportUnavailable):
		respondJSON(w, http.StatusBadGateway, body)
	default:
		respondSubmitError(w, err)
	}
}

func (s *Server) handleSetDateRange(w http.ResponseWriter, r *http.Request) {
	router, ok := s.lookupPanel(w, r)
	if !ok {
		return
	}
	var req dateRangeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var from, to *protocol.Date
	var err error
	if req.DateFrom != nil {
		if from, err = parseOptionalDate(*req.DateFrom); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
			return
		}
	}
	if req.DateTo != nil {
		if to, err = parseOptionalDate(*req.DateTo); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
			return
		}
	}
	if err := router.SetDateRange(from, to); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
		return
	}
	from, to = router.DateRange()
	respondJSON(w, http.StatusOK, dateRangeResponse{DateFrom: from, DateTo: to})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	router, ok := s.lookupPanel(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, turnsResponse{
		PanelID:     router.PanelID(),
		SessionID:   router.Session().ID,
		OpenContext: router.OpenContext(),
		Turns:       views(router.Turns()),
	})
}

func (s *Server) lookupPanel(w http.ResponseWriter, r *http.Request) (*assistant.Router, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_panel_id", "missing panel id")
		return nil, false
	}
	router, err := s.panels.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "panel_not_found", err.Error())
		return nil, false
	}
	return router, true
}

func respondSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assistant.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "empty_message", err.Error())
	case errors.Is(err, assistant.ErrClosed):
		respondError(w, http.StatusGone, "panel_closed", err.Error())
	case errors.Is(err, assistant.ErrSessionReset):
		respondError(w, http.StatusConflict, "session_reset", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func parseOptionalDate(raw string) (*protocol.Date, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := protocol.ParseDate(raw)
	if err != nil {
		return nil, fmt.Errorf("want %s: %w", protocol.DateLayout, err)
	}
	return &d, nil
}

func views(turns []assistant.Turn) []protocol.TurnView {
	out := make([]protocol.TurnView, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.View())
	}
	return out
}
