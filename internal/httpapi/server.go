package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/visitassist/internal/assistant"
	"github.com/ent0n29/visitassist/internal/config"
	"github.com/ent0n29/visitassist/internal/observability"
	"github.com/ent0n29/visitassist/internal/session"
)

// Backend is the informational surface of the chatbot backend.
type Backend interface {
	Capabilities(ctx context.Context) (string, error)
	Health(ctx context.Context) (string, error)
}

// RouterFactory builds the router owned by a newly opened panel.
type RouterFactory func(panelID, userID string) (*assistant.Router, error)

type Server struct {
	cfg       config.Config
	panels    *session.Manager[*assistant.Router]
	newRouter RouterFactory
	backend   Backend
	metrics   *observability.Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func New(
	cfg config.Config,
	panels *session.Manager[*assistant.Router],
	newRouter RouterFactory,
	backend Backend,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		panels:    panels,
		newRouter: newRouter,
		backend:   backend,
		metrics:   metrics,
		logger:    logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly relaxed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/dispatch", s.handlePerfDispatch)
	r.Delete("/v1/perf/dispatch", s.handleResetPerfDispatch)

	r.Route("/v1/assistant", func(r chi.Router) {
		r.Get("/capabilities", s.handleCapabilities)
		r.Post("/panels", s.handleOpenPanel)
		r.Route("/panels/{id}", func(r chi.Router) {
			r.Delete("/", s.handleClosePanel)
			r.Post("/reset", s.handleResetPanel)
			r.Post("/messages", s.handleSubmit)
			r.Put("/date-range", s.handleSetDateRange)
			r.Get("/turns", s.handleListTurns)
			r.Get("/ws", s.handlePanelWS)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"active_panels": s.panels.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":       "ready",
		"backend_mode": s.cfg.BackendMode,
		"duplex":       s.cfg.BackendMode != config.BackendModeMock,
	}
	if s.backend == nil {
		payload["status"] = "degraded"
		payload["backend"] = "not configured"
		respondJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	health, err := s.backend.Health(ctx)
	if err != nil {
		payload["status"] = "degraded"
		payload["backend"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	payload["backend"] = health
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "backend not configured")
		return
	}
	caps, err := s.backend.Capabilities(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "backend_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"capabilities": caps})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
