package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/visitassist/internal/assistant"
	"github.com/ent0n29/visitassist/internal/protocol"
)

const (
	wsReadLimit    = 64 << 10
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handlePanelWS streams log events of one panel and accepts typed messages and
// reset controls from the browser.
func (s *Server) handlePanelWS(w http.ResponseWriter, r *http.Request) {
	router, ok := s.lookupPanel(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.IncPanelEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := router.Subscribe()
	defer unsubscribe()

	inbound := make(chan any, 16)
	outbound := make(chan any, 256)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					// Panel closed underneath the socket.
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "panel closed"),
						time.Now().Add(time.Second))
					cancel()
					return
				}
				msg = evt
			case m := <-outbound:
				msg = m
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.IncWSMessage("outbound", string(t))
			}
		}
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for parsed := range inbound {
			s.handleInbound(ctx, router, parsed, outbound)
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			queueError(outbound, router.PanelID(), "invalid_client_message", false, err)
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.IncWSMessage("inbound", string(t))
		}
		// Controls bypass the submit queue so a reset can cut an in-flight
		// dispatch short.
		if control, ok := parsed.(protocol.ClientControl); ok {
			s.handleControl(router, control, outbound)
			continue
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-workerDone
	<-writerDone
	s.metrics.IncPanelEvent("ws_disconnected")
}

func (s *Server) handleInbound(ctx context.Context, router *assistant.Router, parsed any, outbound chan<- any) {
	msg, ok := parsed.(protocol.ClientMessage)
	if !ok {
		return
	}
	// Turns reach the socket through the subscription; only failures are
	// reported here.
	_, err := router.Submit(context.WithoutCancel(ctx), msg.Text)
	switch {
	case err == nil:
	case errors.Is(err, assistant.ErrTransportUnavailable):
		queueError(outbound, router.PanelID(), "transport_unavailable", true, err)
	case errors.Is(err, assistant.ErrSessionReset):
		queueError(outbound, router.PanelID(), "session_reset", true, err)
	case errors.Is(err, assistant.ErrClosed):
		queueError(outbound, router.PanelID(), "panel_closed", false, err)
	default:
		queueError(outbound, router.PanelID(), "submit_failed", false, err)
	}
}

func (s *Server) handleControl(router *assistant.Router, msg protocol.ClientControl, outbound chan<- any) {
	if msg.Action != protocol.ControlReset {
		return
	}
	if _, err := router.Reset(); err != nil {
		queueError(outbound, router.PanelID(), "reset_failed", false, err)
	}
}

func queueError(outbound chan<- any, panelID, code string, retryable bool, err error) {
	evt := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		PanelID:   panelID,
		Code:      code,
		Retryable: retryable,
		Detail:    err.Error(),
	}
	select {
	case outbound <- evt:
	default:
		// Keep websocket writes single-threaded; drop if the queue is saturated.
	}
}

func messageTypeOf(msg any) (protocol.MessageType, bool) {
	switch m := msg.(type) {
	case protocol.ClientMessage:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.PanelEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
