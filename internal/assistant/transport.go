package assistant

import (
	"context"

	"github.com/ent0n29/visitassist/internal/protocol"
)

const (
	TransportDuplex   = "duplex"
	TransportFallback = "fallback"
)

// Duplex is the persistent subscribe/publish channel of one panel.
type Duplex interface {
	// Start connects in the background and keeps reconnecting until Close.
	// Replies from both subscriptions are passed to onReply. onConnect runs on
	// every new connection before it accepts publishes.
	Start(sessionID string, onReply func(protocol.Reply), onConnect func())
	// Publish sends q if the channel is connected and reports whether it did.
	Publish(q protocol.Query) bool
	// SetSession moves the private subscription to a new session.
	SetSession(sessionID string)
	Close() error
}

// Fallback is the stateless one-shot channel.
type Fallback interface {
	Query(ctx context.Context, q protocol.Query) (protocol.Reply, error)
}
