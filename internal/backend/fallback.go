package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/visitassist/internal/protocol"
)

const (
	DefaultBaseURL = "http://localhost:9011"

	queryPath        = "/api/chatbot/query"
	capabilitiesPath = "/api/chatbot/capabilities"
	healthPath       = "/api/chatbot/health"

	defaultFallbackTimeout = 20 * time.Second
	maxReplyBytes          = 4 << 20
)

// StatusError is returned for non-2xx backend responses.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("backend %s: http status %d", e.Path, e.Status)
	}
	return fmt.Sprintf("backend %s: http status %d: %s", e.Path, e.Status, body)
}

func (e *StatusError) StatusCode() int { return e.Status }

// FallbackClient is the one-shot HTTP channel to the chatbot backend.
type FallbackClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewFallbackClient(baseURL, token string, timeout time.Duration) *FallbackClient {
	if timeout <= 0 {
		timeout = defaultFallbackTimeout
	}
	return &FallbackClient{
		baseURL: normalizeBaseURL(baseURL),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *FallbackClient) BaseURL() string { return c.baseURL }

// Query posts q and decodes the reply. Bodies without response or queryType
// fail with protocol.ErrMalformedReply.
func (c *FallbackClient) Query(ctx context.Context, q protocol.Query) (protocol.Reply, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("marshal query: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, queryPath, payload)
	if err != nil {
		return protocol.Reply{}, err
	}
	reply, err := protocol.ParseReply(body)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("backend %s: %w", queryPath, err)
	}
	return reply, nil
}

// Capabilities returns the backend's plain-text description of what it can
// answer.
func (c *FallbackClient) Capabilities(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, capabilitiesPath, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *FallbackClient) Health(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, healthPath, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *FallbackClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/plain")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &StatusError{Path: path, Status: res.StatusCode, Body: string(body)}
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func normalizeBaseURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return DefaultBaseURL
	}
	return raw
}
