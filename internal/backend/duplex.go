package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/visitassist/internal/observability"
	"github.com/ent0n29/visitassist/internal/protocol"
)

const (
	DefaultPrivateDest    = "/user/queue/chatbot"
	DefaultBroadcastDest  = "/topic/chatbot"
	DefaultSendDest       = "/app/chat"
	DefaultReconnectDelay = 5 * time.Second

	// SessionPlaceholder in a destination is replaced by the current session id.
	SessionPlaceholder = "{session}"

	duplexHandshakeTimeout = 4 * time.Second
	duplexConnectTimeout   = 5 * time.Second
	duplexWriteTimeout     = 2 * time.Second
	duplexHeartBeat        = 10 * time.Second
)

var (
	errDuplexClosed          = errors.New("duplex channel closed")
	errSubscriptionCompleted = errors.New("duplex subscription ended")
)

type DuplexConfig struct {
	URL            string
	Token          string
	PrivateDest    string
	BroadcastDest  string
	SendDest       string
	ReconnectDelay time.Duration
	Metrics        *observability.Metrics
	Logger         *slog.Logger
}

// DuplexClient keeps one STOMP-over-websocket connection to the backend. It
// reconnects after a fixed delay until Close and never queues sends while
// disconnected.
type DuplexClient struct {
	url            string
	token          string
	privateDest    string
	broadcastDest  string
	sendDest       string
	reconnectDelay time.Duration
	metrics        *observability.Metrics
	logger         *slog.Logger
	dialer         websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	subMu sync.Mutex

	mu        sync.Mutex
	conn      *stomp.Conn
	private   *stomp.Subscription
	sessionID string
	onReply   func(protocol.Reply)
	onConnect func()
	started   bool
	closed    bool
}

func NewDuplexClient(cfg DuplexConfig) (*DuplexClient, error) {
	wsURL, err := NormalizeDuplexURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.PrivateDest == "" {
		cfg.PrivateDest = DefaultPrivateDest
	}
	if cfg.BroadcastDest == "" {
		cfg.BroadcastDest = DefaultBroadcastDest
	}
	if cfg.SendDest == "" {
		cfg.SendDest = DefaultSendDest
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DuplexClient{
		url:            wsURL,
		token:          strings.TrimSpace(cfg.Token),
		privateDest:    cfg.PrivateDest,
		broadcastDest:  cfg.BroadcastDest,
		sendDest:       cfg.SendDest,
		reconnectDelay: cfg.ReconnectDelay,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With("transport", "duplex"),
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: duplexHandshakeTimeout,
			Subprotocols:     []string{"v12.stomp"},
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// DuplexURLFromBase derives the websocket endpoint from the backend base URL.
func DuplexURLFromBase(baseURL string) string {
	return normalizeBaseURL(baseURL) + "/ws"
}

// NormalizeDuplexURL maps http(s) to ws(s) and defaults the path to /ws.
func NormalizeDuplexURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DuplexURLFromBase(DefaultBaseURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse duplex url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported duplex url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (c *DuplexClient) URL() string { return c.url }

// Start launches the connection loop. Only the first call has an effect.
// onConnect may be nil.
func (c *DuplexClient) Start(sessionID string, onReply func(protocol.Reply), onConnect func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	c.sessionID = sessionID
	c.onReply = onReply
	c.onConnect = onConnect
	go c.run()
}

func (c *DuplexClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Publish sends q to the send destination. It reports false when the channel
// is not connected or the send failed.
func (c *DuplexClient) Publish(q protocol.Query) bool {
	c.mu.Lock()
	sc := c.conn
	c.mu.Unlock()
	if sc == nil {
		return false
	}
	body, err := json.Marshal(q)
	if err != nil {
		c.logger.Error("duplex marshal query failed", "error", err)
		return false
	}
	err = sc.Send(c.sendDest, "application/json", body,
		stomp.SendOpt.Header("dispatch-id", q.DispatchID),
		stomp.SendOpt.Header("session-id", q.SessionID),
	)
	if err != nil {
		c.logger.Warn("duplex publish failed", "dispatch_id", q.DispatchID, "error", err)
		_ = sc.MustDisconnect()
		return false
	}
	c.metrics.IncWSMessage("out", "duplex_send")
	return true
}

// SetSession moves the private subscription to sessionID. Replies tagged with
// another session are dropped from then on.
func (c *DuplexClient) SetSession(sessionID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	if c.sessionID == sessionID {
		c.mu.Unlock()
		return
	}
	c.sessionID = sessionID
	sc, prev := c.conn, c.private
	c.mu.Unlock()

	if sc == nil {
		return
	}
	next, err := sc.Subscribe(c.privateDestination(sessionID), stomp.AckAuto)
	if err != nil {
		c.logger.Warn("duplex resubscribe failed", "error", err)
		_ = sc.MustDisconnect()
		return
	}
	c.mu.Lock()
	c.private = next
	c.mu.Unlock()
	go c.drainPrivate(next)
	if prev != nil {
		// Unsubscribe waits for the broker receipt.
		go func() { _ = prev.Unsubscribe() }()
	}
	c.logger.Debug("duplex private subscription moved", "session_id", sessionID)
}

// Close stops reconnecting and disconnects. It waits for the loop to exit.
func (c *DuplexClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	sc := c.conn
	c.mu.Unlock()

	if sc != nil {
		c.disconnect(sc)
	}
	c.cancel()
	if started {
		<-c.done
	}
	return nil
}

func (c *DuplexClient) disconnect(sc *stomp.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sc.Disconnect(); err != nil {
			c.logger.Debug("duplex disconnect", "error", err)
		}
	}()
	// Without a receipt in time, Close cancels the loop context, which closes
	// the socket underneath.
	select {
	case <-done:
	case <-time.After(duplexWriteTimeout):
	}
}

func (c *DuplexClient) run() {
	defer close(c.done)
	for {
		err := c.connectAndServe()
		if c.ctx.Err() != nil || c.isClosed() {
			return
		}
		c.metrics.IncDuplexReconnect()
		c.logger.Warn("duplex disconnected, reconnecting",
			"error", err,
			"delay", c.reconnectDelay.String(),
		)
		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *DuplexClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *DuplexClient) connectAndServe() error {
	dialCtx, cancel := context.WithTimeout(c.ctx, duplexConnectTimeout)
	defer cancel()

	ws, resp, err := c.dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("duplex dial failed (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("duplex dial failed: %w", err)
	}
	stream := newWSStream(ws)
	defer stream.Close()
	stop := context.AfterFunc(c.ctx, func() { _ = stream.Close() })
	defer stop()

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	_ = ws.SetReadDeadline(time.Now().Add(duplexConnectTimeout))
	sc, err := stomp.Connect(stream, c.connectOptions(sessionID)...)
	if err != nil {
		return fmt.Errorf("duplex connect: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	broadcast, err := c.subscribe(sc)
	if err != nil {
		_ = sc.MustDisconnect()
		return err
	}
	c.logger.Info("duplex connected", "url", c.url, "server", sc.Server())

	defer func() {
		c.mu.Lock()
		if c.conn == sc {
			c.conn = nil
			c.private = nil
		}
		c.mu.Unlock()
	}()
	return c.drain(broadcast)
}

func (c *DuplexClient) connectOptions(sessionID string) []func(*stomp.Conn) error {
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.AcceptVersion(stomp.V12),
		stomp.ConnOpt.HeartBeat(duplexHeartBeat, duplexHeartBeat),
		stomp.ConnOpt.Header("session-id", sessionID),
	}
	if u, err := url.Parse(c.url); err == nil && u.Hostname() != "" {
		opts = append(opts, stomp.ConnOpt.Host(u.Hostname()))
	}
	if c.token != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+c.token))
	}
	return opts
}

// subscribe registers both destinations, runs the connect hook and publishes
// sc. It holds subMu so a concurrent SetSession sees either the old
// connection or the finished one.
func (c *DuplexClient) subscribe(sc *stomp.Conn) (*stomp.Subscription, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errDuplexClosed
	}
	sessionID := c.sessionID
	onConnect := c.onConnect
	c.mu.Unlock()

	private, err := sc.Subscribe(c.privateDestination(sessionID), stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("duplex subscribe private: %w", err)
	}
	broadcast, err := sc.Subscribe(c.broadcastDest, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("duplex subscribe broadcast: %w", err)
	}
	go c.drainPrivate(private)

	if onConnect != nil {
		onConnect()
	}
	c.mu.Lock()
	c.conn = sc
	c.private = private
	c.mu.Unlock()
	return broadcast, nil
}

// drain delivers the messages of sub until it ends and returns why it ended.
func (c *DuplexClient) drain(sub *stomp.Subscription) error {
	for msg := range sub.C {
		if msg.Err != nil {
			return fmt.Errorf("duplex read: %w", msg.Err)
		}
		c.metrics.IncWSMessage("in", "duplex_message")
		c.handleMessage(msg)
	}
	return errSubscriptionCompleted
}

func (c *DuplexClient) drainPrivate(sub *stomp.Subscription) {
	if err := c.drain(sub); err != nil && !errors.Is(err, errSubscriptionCompleted) {
		c.logger.Debug("duplex private subscription ended", "error", err)
	}
}

func (c *DuplexClient) handleMessage(msg *stomp.Message) {
	reply, err := protocol.ParseReply(msg.Body)
	if err != nil {
		c.metrics.IncMalformedReply("duplex")
		c.logger.Debug("duplex reply dropped", "destination", msg.Destination, "error", err)
		return
	}
	if msg.Header != nil {
		if reply.DispatchID == "" {
			reply.DispatchID = msg.Header.Get("dispatch-id")
		}
		if reply.SessionID == "" {
			reply.SessionID = msg.Header.Get("session-id")
		}
	}

	c.mu.Lock()
	current := c.sessionID
	onReply := c.onReply
	closed := c.closed
	c.mu.Unlock()

	if closed || onReply == nil {
		return
	}
	if reply.SessionID != "" && reply.SessionID != current {
		c.logger.Debug("duplex reply for another session dropped",
			"reply_session_id", reply.SessionID,
			"session_id", current,
		)
		return
	}
	onReply(reply)
}

func (c *DuplexClient) privateDestination(sessionID string) string {
	return strings.ReplaceAll(c.privateDest, SessionPlaceholder, sessionID)
}
