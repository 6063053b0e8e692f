package chat

import (
	"context"

	v1 "eduloom/shared/contracts/chat/v1"
)

// TransportEventKind enumerates what a Transport reports to its handler.
type TransportEventKind int

const (
	// TransportConnected fires after every successful (re)connect.
	TransportConnected TransportEventKind = iota + 1
	// TransportConnectError fires for each failed dial attempt.
	TransportConnectError
	// TransportGaveUp fires once the reconnect budget is spent. The
	// transport is idle afterwards and may be started again.
	TransportGaveUp
	// TransportDisconnected fires when an established connection drops.
	TransportDisconnected
	// TransportEnvelope carries an inbound frame.
	TransportEnvelope
	// TransportStopped fires when the context given to Connect ends. Like
	// TransportGaveUp, the transport is idle afterwards.
	TransportStopped
)

// TransportEvent is delivered to the Handler passed to Transport.Connect.
type TransportEvent struct {
	Kind     TransportEventKind
	Attempt  int
	Err      error
	Envelope v1.Envelope
}

// Handler receives transport events. Implementations call it from a single
// goroutine, in order.
type Handler func(TransportEvent)

// Transport is the connection a Session talks through.
type Transport interface {
	// Connect starts connecting in the background and returns immediately.
	// It returns ErrAlreadyStarted while a previous start is still running.
	Connect(ctx context.Context, h Handler) error
	// Emit queues env for delivery without waiting for the network.
	Emit(env v1.Envelope) error
	// Close stops the transport. It is idempotent.
	Close() error
}
