package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/visitassist/internal/observability"
	"github.com/ent0n29/visitassist/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	turns          int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
	resetWindow    bool
}

type openPanelRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type openPanelResponse struct {
	PanelID string `json:"panel_id"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
	Turn   *struct {
		Role    string `json:"role"`
		IsError bool   `json:"isError"`
	} `json:"turn,omitempty"`
}

type turnOutcome struct {
	isError bool
}

var defaultQuestions = []string{
	"Combien de visiteurs aujourd'hui?",
	"Heures de pointe",
	"Chercher un visiteur",
	"Dupont",
	"Répartition par type de visiteur",
	"Aide",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfdispatch: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfdispatch: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "visitassist base URL")
	flag.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id used for the synthetic panel")
	flag.IntVar(&cfg.turns, "turns", 12, "number of questions to replay")
	flag.IntVar(&startDelayMS, "start-delay-ms", 300, "delay before the first question in milliseconds")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 100, "delay between questions in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for the assistant turn in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "questions separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.BoolVar(&cfg.resetWindow, "reset-window", true, "clear the server dispatch window before replaying")
	flag.Parse()

	return buildOptions(cfg, textsRaw, startDelayMS, interTurnMS, turnTimeoutMS)
}

func buildOptions(cfg options, textsRaw string, startDelayMS, interTurnMS, turnTimeoutMS int) (options, error) {
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultQuestions...)
		return cfg, nil
	}
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			cfg.texts = append(cfg.texts, t)
		}
	}
	if len(cfg.texts) == 0 {
		return options{}, fmt.Errorf("texts produced no non-empty questions")
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	if cfg.resetWindow {
		if err := resetDispatchWindow(ctx, httpClient, cfg.baseURL); err != nil {
			fmt.Fprintf(os.Stderr, "perfdispatch: dispatch window reset failed: %v\n", err)
		}
	}
	panelID, err := openPanel(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("open panel: %w", err)
	}
	defer func() {
		_ = closePanel(context.Background(), httpClient, cfg.baseURL, panelID)
	}()

	if cfg.verbose {
		fmt.Printf("perfdispatch: panel=%s turns=%d\n", panelID, cfg.turns)
	}

	wsURL, err := wsURLForPanel(cfg.baseURL, panelID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	turnCh := make(chan turnOutcome, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, turnCh, readErrCh, cfg.verbose)

	latencies := make([]time.Duration, 0, cfg.turns)
	errorTurns := 0
	for i := 0; i < cfg.turns; i++ {
		select {
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		default:
		}

		text := cfg.texts[i%len(cfg.texts)]
		startedAt := time.Now()
		msg := protocol.ClientMessage{Type: protocol.TypeClientMessage, Text: text}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		outcome, err := awaitAssistantTurn(turnCh, readErrCh, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await assistant turn: %w", i+1, err)
		}
		elapsed := time.Since(startedAt)
		latencies = append(latencies, elapsed)
		if outcome.isError {
			errorTurns++
		}
		if cfg.verbose {
			fmt.Printf("perfdispatch: turn %d/%d text=%q latency=%s error=%t\n", i+1, cfg.turns, text, elapsed.Round(time.Millisecond), outcome.isError)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	p50, p95, maxLatency := summarize(latencies)
	fmt.Printf("perfdispatch: turns=%d error_turns=%d p50=%s p95=%s max=%s\n",
		len(latencies), errorTurns, p50.Round(time.Millisecond), p95.Round(time.Millisecond), maxLatency.Round(time.Millisecond))

	if snapshot, err := fetchDispatchSnapshot(ctx, httpClient, cfg.baseURL); err == nil {
		fmt.Printf("perfdispatch: server window %s\n", snapshot)
	} else if cfg.verbose {
		fmt.Fprintf(os.Stderr, "perfdispatch: dispatch window unavailable: %v\n", err)
	}
	return nil
}

func openPanel(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(openPanelRequest{UserID: cfg.userID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/assistant/panels", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out openPanelResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.PanelID) == "" {
		return "", fmt.Errorf("missing panel_id in response")
	}
	return out.PanelID, nil
}

func closePanel(ctx context.Context, client *http.Client, baseURL, panelID string) error {
	panelID = strings.TrimSpace(panelID)
	if panelID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/v1/assistant/panels/"+url.PathEscape(panelID), nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func resetDispatchWindow(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/v1/perf/dispatch", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("HTTP %d", res.StatusCode)
	}
	return nil
}

func fetchDispatchSnapshot(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/dispatch", nil)
	if err != nil {
		return "", err
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", res.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}

func wsURLForPanel(baseURL, panelID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/assistant/panels/" + url.PathEscape(panelID) + "/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, turnCh chan<- turnOutcome, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeTurnAppended):
			if env.Turn == nil || env.Turn.Role != "assistant" {
				continue
			}
			select {
			case turnCh <- turnOutcome{isError: env.Turn.IsError}:
			default:
			}
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(os.Stderr, "perfdispatch: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

func awaitAssistantTurn(turnCh <-chan turnOutcome, readErrCh <-chan error, timeout time.Duration) (turnOutcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-turnCh:
		return out, nil
	case err := <-readErrCh:
		return turnOutcome{}, err
	case <-timer.C:
		return turnOutcome{}, fmt.Errorf("timeout after %s", timeout)
	}
}

// summarize returns nearest-rank p50, p95 and max.
func summarize(latencies []time.Duration) (p50, p95, maxLatency time.Duration) {
	if len(latencies) == 0 {
		return 0, 0, 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return observability.NearestRank(sorted, 0.50), observability.NearestRank(sorted, 0.95), sorted[len(sorted)-1]
}
