package assistant

import "errors"

var (
	// ErrTransportUnavailable means no transport produced a reply in time. An
	// error turn has been appended and the session stays usable.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrNotUnderstood is reported through Result.Err when the final reply is
	// still UNKNOWN. It is not a dispatch failure.
	ErrNotUnderstood = errors.New("query not understood")
	ErrClosed        = errors.New("assistant panel closed")
	ErrEmptyMessage  = errors.New("empty message")
	// ErrSessionReset is returned to a submission whose session was replaced
	// while it was waiting for a reply.
	ErrSessionReset = errors.New("session reset during dispatch")

	errDuplexNotConnected = errors.New("duplex channel not connected")
	errDuplexReconnected  = errors.New("duplex reconnected before replying")
)
