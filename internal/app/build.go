package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/visitassist/internal/assistant"
	"github.com/ent0n29/visitassist/internal/backend"
	"github.com/ent0n29/visitassist/internal/config"
	"github.com/ent0n29/visitassist/internal/httpapi"
	"github.com/ent0n29/visitassist/internal/observability"
	"github.com/ent0n29/visitassist/internal/session"
	"github.com/ent0n29/visitassist/internal/transcript"
)

const backendProbeTimeout = 2 * time.Second

// BackendInfo describes the transports chosen at build time.
type BackendInfo struct {
	Mode      string
	BaseURL   string
	DuplexURL string
	Detail    string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Panels   *session.Manager[*assistant.Router]
	Metrics  *observability.Metrics
	Backend  BackendInfo
	Archive  transcript.Store
	NewPanel httpapi.RouterFactory

	// Cleanup should be called on shutdown to close panels and release the archive.
	Cleanup func() error
}

// transports is the resolved backend wiring shared by every panel.
type transports struct {
	fallback assistant.Fallback
	surface  httpapi.Backend
	desc     BackendInfo

	// newDuplex is nil when only the one-shot channel is used.
	newDuplex func(logger *slog.Logger) (assistant.Duplex, error)
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	archive, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	tr, err := resolveTransports(ctx, cfg, metrics, logger)
	if err != nil {
		_ = archive.Close()
		return nil, err
	}
	logger.Info("backend resolved",
		"mode", tr.desc.Mode,
		"base_url", tr.desc.BaseURL,
		"duplex_url", tr.desc.DuplexURL,
		"detail", tr.desc.Detail,
	)

	panels := session.NewManager[*assistant.Router](cfg.PanelInactivityTimeout)
	panels.SetCloseHook(func(p session.Panel) {
		metrics.IncPanelEvent(string(p.Status))
		metrics.ActivePanels.Set(float64(panels.ActiveCount()))
	})

	newPanel := func(panelID, userID string) (*assistant.Router, error) {
		panelLogger := logger.With("component", "assistant")
		var duplex assistant.Duplex
		if tr.newDuplex != nil {
			d, err := tr.newDuplex(panelLogger.With("panel_id", panelID))
			if err != nil {
				return nil, err
			}
			duplex = d
		}
		return assistant.NewRouter(assistant.Options{
			PanelID:   panelID,
			UserID:    userID,
			Duplex:    duplex,
			Fallback:  tr.fallback,
			Archive:   archive,
			Metrics:   metrics,
			Logger:    panelLogger,
			Timeout:   cfg.DispatchTimeout,
			RangeDays: cfg.DefaultRangeDays,
		})
	}

	// Ensure handlers report the mode actually in use (auto may settle on mock).
	cfg.BackendMode = tr.desc.Mode

	api := httpapi.New(cfg, panels, newPanel, tr.surface, metrics, logger)

	cleanup := func() error {
		panels.CloseAll()
		var errs []string
		if err := archive.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Panels:   panels,
		Metrics:  metrics,
		Backend:  tr.desc,
		Archive:  archive,
		NewPanel: newPanel,
		Cleanup:  cleanup,
	}, nil
}

func resolveTransports(ctx context.Context, cfg config.Config, metrics *observability.Metrics, logger *slog.Logger) (transports, error) {
	useMock := func(detail string) transports {
		mock := backend.NewMockBackend(nil)
		return transports{
			fallback: mock,
			surface:  mock,
			desc:     BackendInfo{Mode: config.BackendModeMock, Detail: detail},
		}
	}

	switch cfg.BackendMode {
	case config.BackendModeMock:
		return useMock("configured"), nil
	case config.BackendModeLive, config.BackendModeAuto:
	default:
		return transports{}, fmt.Errorf("invalid BACKEND_MODE: %q (expected auto|live|mock)", cfg.BackendMode)
	}

	fallback := backend.NewFallbackClient(cfg.BackendBaseURL, cfg.BackendToken, cfg.DispatchTimeout)
	duplexURL := strings.TrimSpace(cfg.DuplexURL)
	if duplexURL == "" {
		duplexURL = backend.DuplexURLFromBase(fallback.BaseURL())
	}
	duplexURL, err := backend.NormalizeDuplexURL(duplexURL)
	if err != nil {
		return transports{}, fmt.Errorf("duplex url: %w", err)
	}

	detail := "configured"
	if cfg.BackendMode == config.BackendModeAuto {
		probeCtx, cancel := context.WithTimeout(ctx, backendProbeTimeout)
		health, err := fallback.Health(probeCtx)
		cancel()
		if err != nil {
			logger.Warn("backend unreachable, using mock backend", "base_url", fallback.BaseURL(), "error", err)
			return useMock("backend unreachable: " + err.Error()), nil
		}
		detail = health
	}

	return transports{
		fallback: fallback,
		surface:  fallback,
		newDuplex: func(l *slog.Logger) (assistant.Duplex, error) {
			return backend.NewDuplexClient(backend.DuplexConfig{
				URL:            duplexURL,
				Token:          cfg.BackendToken,
				PrivateDest:    cfg.DuplexPrivateDest,
				BroadcastDest:  cfg.DuplexBroadcastDest,
				SendDest:       cfg.DuplexSendDest,
				ReconnectDelay: cfg.DuplexReconnectDelay,
				Metrics:        metrics,
				Logger:         l,
			})
		},
		desc: BackendInfo{
			Mode:      config.BackendModeLive,
			BaseURL:   fallback.BaseURL(),
			DuplexURL: duplexURL,
			Detail:    detail,
		},
	}, nil
}
