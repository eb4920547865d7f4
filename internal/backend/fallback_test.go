package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/visitassist/internal/protocol"
)

func TestFallbackClientQuery(t *testing.T) {
	var got protocol.Query
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chatbot/query" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("Authorization = %q, want %q", auth, "Bearer tok")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"response":"📊 12 visiteurs","queryType":"TODAY_VISITORS","confidence":"HIGH","suggestions":["Heures de pointe"],"visitors":[{"nom":"Dupont","prenom":"Jean","cin":"08123456"}]}`)
	}))
	defer srv.Close()

	from := protocol.NewDate(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	c := NewFallbackClient(srv.URL+"/", "tok", time.Second)
	reply, err := c.Query(context.Background(), protocol.Query{
		Message:    "how many visitors today",
		SessionID:  "session_1_abc",
		DateFrom:   &from,
		DispatchID: "d-1",
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if reply.QueryType != "TODAY_VISITORS" || reply.Confidence.Label != "HIGH" {
		t.Fatalf("reply = %+v", reply)
	}
	if len(reply.Visitors) != 1 || reply.Visitors[0].CIN != "08123456" {
		t.Fatalf("visitors = %+v", reply.Visitors)
	}
	if got.Message != "how many visitors today" || got.DispatchID != "d-1" {
		t.Fatalf("sent query = %+v", got)
	}
	if got.DateFrom == nil || got.DateFrom.String() != "2025-03-01" || got.DateTo != nil {
		t.Fatalf("sent dates = %v / %v", got.DateFrom, got.DateTo)
	}
}

func TestFallbackClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewFallbackClient(srv.URL, "", time.Second).Query(context.Background(), protocol.Query{Message: "aide"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Query() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode() != http.StatusUnauthorized {
		t.Fatalf("StatusCode() = %d, want 401", statusErr.StatusCode())
	}
	if !strings.Contains(err.Error(), "token expired") {
		t.Fatalf("error %q does not carry the body", err)
	}
}

func TestFallbackClientMalformedReply(t *testing.T) {
	for _, body := range []string{`not json`, `{"queryType":"UNKNOWN"}`, `{"response":"ok"}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, body)
		}))
		_, err := NewFallbackClient(srv.URL, "", time.Second).Query(context.Background(), protocol.Query{Message: "x"})
		srv.Close()
		if !errors.Is(err, protocol.ErrMalformedReply) {
			t.Fatalf("Query(%q) error = %v, want ErrMalformedReply", body, err)
		}
	}
}

func TestFallbackClientHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewFallbackClient(srv.URL, "", time.Second).Query(ctx, protocol.Query{Message: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Query() error = %v, want deadline exceeded", err)
	}
}

func TestFallbackClientCapabilitiesAndHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chatbot/capabilities":
			_, _ = io.WriteString(w, "  Capacités du Chatbot Visiteur\n")
		case "/api/chatbot/health":
			_, _ = io.WriteString(w, "Chatbot service is running")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewFallbackClient(srv.URL, "", time.Second)
	caps, err := c.Capabilities(context.Background())
	if err != nil || caps != "Capacités du Chatbot Visiteur" {
		t.Fatalf("Capabilities() = %q, %v", caps, err)
	}
	health, err := c.Health(context.Background())
	if err != nil || health != "Chatbot service is running" {
		t.Fatalf("Health() = %q, %v", health, err)
	}
}

func TestNewFallbackClientDefaultsBaseURL(t *testing.T) {
	if got := NewFallbackClient("  ", "", 0).BaseURL(); got != DefaultBaseURL {
		t.Fatalf("BaseURL() = %q, want %q", got, DefaultBaseURL)
	}
}
