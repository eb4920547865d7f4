package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/visitassist/internal/assistant"
	"github.com/ent0n29/visitassist/internal/backend"
	"github.com/ent0n29/visitassist/internal/config"
	"github.com/ent0n29/visitassist/internal/observability"
	"github.com/ent0n29/visitassist/internal/protocol"
	"github.com/ent0n29/visitassist/internal/rewrite"
	"github.com/ent0n29/visitassist/internal/session"
)

var testNow = func() time.Time { return time.Date(2025, 3, 12, 16, 0, 0, 0, time.UTC) }

type failingFallback struct{}

func (failingFallback) Query(context.Context, protocol.Query) (protocol.Reply, error) {
	return protocol.Reply{}, errors.New("connection refused")
}

type blockingFallback struct{}

func (blockingFallback) Query(ctx context.Context, _ protocol.Query) (protocol.Reply, error) {
	<-ctx.Done()
	return protocol.Reply{}, ctx.Err()
}

type downBackend struct{}

func (downBackend) Capabilities(context.Context) (string, error) { return "", errors.New("down") }
func (downBackend) Health(context.Context) (string, error)       { return "", errors.New("down") }

type testEnv struct {
	ts     *httptest.Server
	panels *session.Manager[*assistant.Router]
	mock   *backend.MockBackend
}

func newTestEnv(t *testing.T, fallback assistant.Fallback, info Backend) *testEnv {
	t.Helper()
	cfg := config.Config{
		BackendMode:            config.BackendModeMock,
		PanelInactivityTimeout: 2 * time.Minute,
	}
	metrics := observability.NewMetrics("test_httpapi_" + strconv.FormatInt(time.Now().UnixNano(), 10))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mock := backend.NewMockBackend(testNow)
	if fallback == nil {
		fallback = mock
	}
	if info == nil {
		info = mock
	}
	panels := session.NewManager[*assistant.Router](cfg.PanelInactivityTimeout)
	factory := func(panelID, userID string) (*assistant.Router, error) {
		return assistant.NewRouter(assistant.Options{
			PanelID:  panelID,
			UserID:   userID,
			Fallback: fallback,
			Metrics:  metrics,
			Logger:   logger,
			Timeout:  time.Second,
			Now:      testNow,
		})
	}
	srv := New(cfg, panels, factory, info, metrics, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		panels.CloseAll()
	})
	return &testEnv{ts: ts, panels: panels, mock: mock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return res.StatusCode
}

func (e *testEnv) open(t *testing.T) session.OpenResponse {
	t.Helper()
	var created session.OpenResponse
	if status := e.do(t, http.MethodPost, "/v1/assistant/panels", map[string]string{"user_id": "guard-1"}, &created); status != http.StatusCreated {
		t.Fatalf("open status = %d, want %d", status, http.StatusCreated)
	}
	if created.PanelID == "" || created.SessionID == "" {
		t.Fatalf("open response missing ids: %+v", created)
	}
	return created
}

func TestOpenPanelReturnsWelcome(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	created := env.open(t)
	if created.Welcome == nil || created.Welcome.Role != string(assistant.RoleAssistant) {
		t.Fatalf("welcome = %+v", created.Welcome)
	}
	if len(created.Welcome.Suggestions) == 0 {
		t.Fatalf("welcome carries no suggestions")
	}
	if created.UserID != "guard-1" || created.Status != session.StatusActive {
		t.Fatalf("open response = %+v", created)
	}
	if env.panels.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", env.panels.ActiveCount())
	}
}

func TestOpenPanelRejectsBadDates(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	status := env.do(t, http.MethodPost, "/v1/assistant/panels", map[string]string{"date_from": "12/03/2025"}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", status, http.StatusBadRequest)
	}
	status = env.do(t, http.MethodPost, "/v1/assistant/panels", map[string]string{"date_from": "2025-03-12", "date_to": "2025-03-01"}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("inverted range status = %d, want %d", status, http.StatusBadRequest)
	}
	if env.panels.ActiveCount() != 0 {
		t.Fatalf("rejected open left %d panels", env.panels.ActiveCount())
	}
}

func TestSubmitFollowsOpenContext(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	created := env.open(t)
	base := "/v1/assistant/panels/" + created.PanelID

	var first submitResponse
	if status := env.do(t, http.MethodPost, base+"/messages", submitRequest{Text: "Chercher un visiteur"}, &first); status != http.StatusOK {
		t.Fatalf("first submit status = %d", status)
	}
	if first.CanonicalText != "search" {
		t.Fatalf("canonical = %q, want %q", first.CanonicalText, "search")
	}
	if first.OpenContext != rewrite.ContextAwaitingSearchTerm {
		t.Fatalf("open context after prompt = %q", first.OpenContext)
	}

	var second submitResponse
	if status := env.do(t, http.MethodPost, base+"/messages", submitRequest{Text: "Dupont"}, &second); status != http.StatusOK {
		t.Fatalf("second submit status = %d", status)
	}
	if second.CanonicalText != "search Dupont" {
		t.Fatalf("canonical = %q, want %q", second.CanonicalText, "search Dupont")
	}
	if second.QueryType != backend.QuerySearchVisitor || len(second.Turn.Visitors) == 0 {
		t.Fatalf("search reply = %+v", second)
	}
	if second.Transport != assistant.TransportFallback {
		t.Fatalf("transport = %q", second.Transport)
	}

	var turns turnsResponse
	if status := env.do(t, http.MethodGet, base+"/turns", nil, &turns); status != http.StatusOK {
		t.Fatalf("turns status = %d", status)
	}
	// welcome, user, assistant, user, assistant
	if len(turns.Turns) != 5 {
		t.Fatalf("turns = %d, want 5", len(turns.Turns))
	}
	if turns.Turns[3].Text != "Dupont" {
		t.Fatalf("user turn keeps the typed text, got %q", turns.Turns[3].Text)
	}
}

func TestSubmitEmptyMessage(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	created := env.open(t)
	var errBody errorResponse
	status := env.do(t, http.MethodPost, "/v1/assistant/panels/"+created.PanelID+"/messages", submitRequest{Text: "   "}, &errBody)
	if status != http.StatusBadRequest || errBody.Code != "empty_message" {
		t.Fatalf("status = %d body = %+v", status, errBody)
	}
}

func TestSubmitTransportUnavailable(t *testing.T) {
	env := newTestEnv(t, failingFallback{}, nil)
	created := env.open(t)

	var res submitResponse
	status := env.do(t, http.MethodPost, "/v1/assistant/panels/"+created.PanelID+"/messages", submitRequest{Text: "Heures de pointe"}, &res)
	if status != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", status, http.StatusBadGateway)
	}
	if !res.Turn.IsError || res.Turn.Text != assistant.ErrorText {
		t.Fatalf("error turn = %+v", res.Turn)
	}
}

func TestSubmitUnknownPanel(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	status := env.do(t, http.MethodPost, "/v1/assistant/panels/missing/messages", submitRequest{Text: "aide"}, nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", status, http.StatusNotFound)
	}
}

func TestResetPanelStartsNewSession(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	created := env.open(t)
	base := "/v1/assistant/panels/" + created.PanelID
	env.do(t, http.MethodPost, base+"/messages", submitRequest{Text: "aide"}, nil)

	var reset struct {
		SessionID string              `json:"session_id"`
		Turns     []protocol.TurnView `json:"turns"`
	}
	if status := env.do(t, http.MethodPost, base+"/reset", nil, &reset); status != http.StatusOK {
		t.Fatalf("reset status = %d", status)
	}
	if reset.SessionID == "" || reset.SessionID == created.SessionID {
		t.Fatalf("session id after reset = %q (before %q)", reset.SessionID, created.SessionID)
	}
	if len(reset.Turns) != 1 || reset.Turns[0].Role != string(assistant.RoleAssistant) {
		t.Fatalf("turns after reset = %+v", reset.Turns)
	}
}

func TestSetDateRangeAppliesToQueries(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	created := env.open(t)
	base := "/v1/assistant/panels/" + created.PanelID

	var got dateRangeResponse
	body := map[string]string{"dateFrom": "2025-03-01", "dateTo": "2025-03-12"}
	if status := env.do(t, http.MethodPut, base+"/date-range", body, &got); status != http.StatusOK {
		t.Fatalf("date-range status = %d", status)
	}
	if got.DateFrom == nil || got.DateFrom.String() != "2025-03-01" || got.DateTo == nil || got.DateTo.String() != "2025-03-12" {
		t.Fatalf("date range = %+v", got)
	}

	env.do(t, http.MethodPost, base+"/messages", submitRequest{Text: "statistiques de la semaine"}, nil)
	queries := env.mock.Queries()
	if len(queries) == 0 {
		t.Fatalf("backend saw no query")
	}
	last := queries[len(queries)-1]
	if last.DateFrom == nil || last.DateFrom.String() != "2025-03-01" {
		t.Fatalf("query dateFrom = %v", last.DateFrom)
	}

	bad := map[string]string{"dateFrom": "2025-03-12", "dateTo": "2025-03-01"}
	if status := env.do(t, http.MethodPut, base+"/date-range", bad, nil); status != http.StatusBadRequest {
		t.Fatalf("inverted range status = %d, want %d", status, http.StatusBadRequest)
	}
}

func TestClosePanel(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	created := env.open(t)
	base := "/v1/assistant/panels/" + created.PanelID

	if status := env.do(t, http.MethodDelete, base+"/", nil, nil); status != http.StatusOK {
		t.Fatalf("close status = %d", status)
	}
	if status := env.do(t, http.MethodPost, base+"/messages", submitRequest{Text: "aide"}, nil); status != http.StatusNotFound {
		t.Fatalf("submit after close status = %d, want %d", status, http.StatusNotFound)
	}
	if status := env.do(t, http.MethodDelete, base+"/", nil, nil); status != http.StatusNotFound {
		t.Fatalf("second close status = %d, want %d", status, http.StatusNotFound)
	}
}

func TestHealthReadyAndCapabilities(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if status := env.do(t, http.MethodGet, "/healthz", nil, nil); status != http.StatusOK {
		t.Fatalf("healthz status = %d", status)
	}
	var ready map[string]any
	if status := env.do(t, http.MethodGet, "/readyz", nil, &ready); status != http.StatusOK {
		t.Fatalf("readyz status = %d", status)
	}
	if backendHealth, _ := ready["backend"].(string); !strings.Contains(backendHealth, "running") {
		t.Fatalf("readyz backend = %v", ready["backend"])
	}
	var caps map[string]string
	if status := env.do(t, http.MethodGet, "/v1/assistant/capabilities", nil, &caps); status != http.StatusOK {
		t.Fatalf("capabilities status = %d", status)
	}
	if caps["capabilities"] == "" {
		t.Fatalf("capabilities empty")
	}
}

func TestReadyDegradedWhenBackendDown(t *testing.T) {
	env := newTestEnv(t, nil, downBackend{})
	if status := env.do(t, http.MethodGet, "/readyz", nil, nil); status != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want %d", status, http.StatusServiceUnavailable)
	}
	if status := env.do(t, http.MethodGet, "/v1/assistant/capabilities", nil, nil); status != http.StatusBadGateway {
		t.Fatalf("capabilities status = %d, want %d", status, http.StatusBadGateway)
	}
}

func TestPanelWebSocketStreamsTurns(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	created := env.open(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/assistant/panels/" + created.PanelID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	readEvent := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var evt map[string]any
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read ws event: %v", err)
		}
		return evt
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_message", "text": "Heures de pointe"}); err != nil {
		t.Fatalf("write client_message: %v", err)
	}
	user := readEvent()
	if user["type"] != string(protocol.TypeTurnAppended) {
		t.Fatalf("first event = %+v", user)
	}
	reply := readEvent()
	turn, _ := reply["turn"].(map[string]any)
	if reply["type"] != string(protocol.TypeTurnAppended) || turn["role"] != string(assistant.RoleAssistant) {
		t.Fatalf("reply event = %+v", reply)
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "reset"}); err != nil {
		t.Fatalf("write reset: %v", err)
	}
	if evt := readEvent(); evt["type"] != string(protocol.TypeLogCleared) {
		t.Fatalf("reset event = %+v", evt)
	}
	if evt := readEvent(); evt["type"] != string(protocol.TypeTurnAppended) {
		t.Fatalf("welcome after reset = %+v", evt)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	if evt := readEvent(); evt["type"] != string(protocol.TypeErrorEvent) || evt["code"] != "invalid_client_message" {
		t.Fatalf("invalid message event = %+v", evt)
	}
}

func TestPanelWebSocketResetInterruptsDispatch(t *testing.T) {
	env := newTestEnv(t, blockingFallback{}, nil)
	created := env.open(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/assistant/panels/" + created.PanelID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	readEvent := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var evt map[string]any
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read ws event: %v", err)
		}
		return evt
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_message", "text": "Heures de pointe"}); err != nil {
		t.Fatalf("write client_message: %v", err)
	}
	if evt := readEvent(); evt["type"] != string(protocol.TypeTurnAppended) {
		t.Fatalf("user turn event = %+v", evt)
	}

	resetAt := time.Now()
	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "reset"}); err != nil {
		t.Fatalf("write reset: %v", err)
	}
	var cleared time.Duration
	sawReset := false
	for i := 0; i < 4 && (cleared == 0 || !sawReset); i++ {
		evt := readEvent()
		switch {
		case evt["type"] == string(protocol.TypeLogCleared):
			cleared = time.Since(resetAt)
		case evt["type"] == string(protocol.TypeErrorEvent) && evt["code"] == "session_reset":
			sawReset = true
		}
	}
	if cleared == 0 || !sawReset {
		t.Fatalf("log_cleared after %s, session_reset error seen = %v", cleared, sawReset)
	}
	// The dispatch timeout is one second.
	if cleared > 500*time.Millisecond {
		t.Fatalf("reset waited %s behind the in-flight dispatch", cleared)
	}
}

func TestPerfDispatchSnapshotAndReset(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	created := env.open(t)
	env.do(t, http.MethodPost, "/v1/assistant/panels/"+created.PanelID+"/messages", submitRequest{Text: "Heures de pointe"}, nil)

	var snap observability.DispatchSnapshot
	if status := env.do(t, http.MethodGet, "/v1/perf/dispatch", nil, &snap); status != http.StatusOK {
		t.Fatalf("perf status = %d", status)
	}
	if snap.Dispatches != 1 || snap.Transports[assistant.TransportFallback].Samples != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	if status := env.do(t, http.MethodDelete, "/v1/perf/dispatch", nil, nil); status != http.StatusNoContent {
		t.Fatalf("perf reset status = %d, want %d", status, http.StatusNoContent)
	}
	snap = observability.DispatchSnapshot{}
	env.do(t, http.MethodGet, "/v1/perf/dispatch", nil, &snap)
	if snap.Dispatches != 0 {
		t.Fatalf("Dispatches after reset = %d, want 0", snap.Dispatches)
	}
}
