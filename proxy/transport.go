package proxy

import "context"

// Transport is one side of a bridge: a message-dispatch interface over some
// wire. Implementations deliver incoming messages through the message
// handler from their own goroutines, never synchronously from inside Send,
// so a caller may hold locks across Send without deadlocking against its
// own handler.
//
// Close must be idempotent; the close handler fires at most once. Transport
// errors go to the error handler and do not imply closure; the peer drives
// clean shutdown.
type Transport interface {
	// Start makes the transport ready to send and receive.
	Start(ctx context.Context) error

	// Send transmits a single JSON-RPC message.
	Send(ctx context.Context, msg *Message) error

	// SetMessageHandler installs the incoming-message callback. Must be
	// called before Start.
	SetMessageHandler(handler func(*Message))

	// SetCloseHandler installs the closed callback.
	SetCloseHandler(handler func())

	// SetErrorHandler installs the transport-error callback.
	SetErrorHandler(handler func(error))

	// Close tears the transport down and releases its resources.
	Close() error
}
