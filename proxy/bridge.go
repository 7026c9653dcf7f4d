package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ampersend/x402-mcp-proxy/x402"
)

// DefaultMaxPending caps outstanding upstream requests per bridge.
const DefaultMaxPending = 1000

// backpressureErrorCode is the JSON-RPC error code surfaced to the buyer
// when the pending ceiling is hit.
const backpressureErrorCode = -32000

// Bridge joins a buyer-facing transport and an upstream-facing transport
// for one session. It forwards messages in both directions, tracks pending
// requests so middleware-generated retries stay correlated, and propagates
// close exactly once in each direction.
type Bridge struct {
	server     Transport
	upstream   Transport
	middleware *Middleware
	logger     *slog.Logger
	maxPending int

	// ctx carries cancellation for treasurer and transport calls made on
	// behalf of this session.
	ctx context.Context

	// mu serializes both directions against each other with respect to the
	// pending map; within a session message handling is single-file.
	mu      sync.Mutex
	pending map[string]*Message

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	onClose   func()
	onError   func(error)
	onMessage func(direction string, msg *Message)
}

// BridgeOption customizes a Bridge.
type BridgeOption func(*Bridge)

// WithMaxPending overrides the pending-request ceiling.
func WithMaxPending(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.maxPending = n
		}
	}
}

// WithBridgeLogger replaces the default logger.
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = logger }
}

// WithCloseHandler installs the close sink consumed by the session registry.
func WithCloseHandler(handler func()) BridgeOption {
	return func(b *Bridge) { b.onClose = handler }
}

// WithErrorHandler installs the error sink.
func WithErrorHandler(handler func(error)) BridgeOption {
	return func(b *Bridge) { b.onError = handler }
}

// WithMessageObserver installs an observer for every forwarded message.
// Direction is "client" (toward the buyer) or "upstream".
func WithMessageObserver(observer func(direction string, msg *Message)) BridgeOption {
	return func(b *Bridge) { b.onMessage = observer }
}

// NewBridge pairs the two transports of a session. The bridge owns both:
// closing the bridge closes them, and closing either closes the bridge.
func NewBridge(server, upstream Transport, middleware *Middleware, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		server:     server,
		upstream:   upstream,
		middleware: middleware,
		logger:     slog.Default(),
		maxPending: DefaultMaxPending,
		ctx:        context.Background(),
		pending:    make(map[string]*Message),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start wires the transports and starts them. Idempotent.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		b.ctx = ctx

		b.server.SetMessageHandler(b.handleClientMessage)
		b.server.SetCloseHandler(func() { _ = b.Close() })
		b.server.SetErrorHandler(func(e error) { b.reportError("client", e) })

		b.upstream.SetMessageHandler(b.handleUpstreamMessage)
		b.upstream.SetCloseHandler(func() { _ = b.Close() })
		b.upstream.SetErrorHandler(func(e error) { b.reportError("upstream", e) })

		if err = b.upstream.Start(ctx); err != nil {
			return
		}
		err = b.server.Start(ctx)
	})
	return err
}

// Close tears down both transports and the middleware exactly once.
// Re-entry from a transport's close handler is a no-op.
func (b *Bridge) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
	}
	b.closeOnce.Do(func() {
		close(b.closed)
		if err := b.upstream.Close(); err != nil {
			b.logger.Warn("error closing upstream transport", "error", err)
		}
		if err := b.server.Close(); err != nil {
			b.logger.Warn("error closing client transport", "error", err)
		}

		b.mu.Lock()
		b.pending = make(map[string]*Message)
		b.mu.Unlock()

		b.middleware.Close()

		if b.onClose != nil {
			b.onClose()
		}
	})
	return nil
}

// PendingCount returns the number of in-flight upstream requests.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// handleClientMessage carries buyer traffic toward the upstream.
func (b *Bridge) handleClientMessage(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.onMessage != nil {
		b.onMessage("upstream", msg)
	}

	if !msg.IsRequest() {
		if err := b.upstream.Send(b.ctx, msg); err != nil {
			b.reportError("upstream", err)
		}
		return
	}

	if len(b.pending) >= b.maxPending {
		b.logger.Warn("rejecting request: pending ceiling reached",
			"id", idKey(msg.ID), "maxPending", b.maxPending)
		b.respondToClient(newErrorResponse(msg.ID, backpressureErrorCode, ErrBackpressureExceeded.Error()))
		return
	}

	key := idKey(msg.ID)
	b.pending[key] = msg

	if err := b.upstream.Send(b.ctx, msg); err != nil {
		delete(b.pending, key)
		b.logger.Warn("failed to forward request upstream", "id", key, "error", err)
		b.respondToClient(newErrorResponse(msg.ID, backpressureErrorCode, err.Error()))
	}
}

// handleUpstreamMessage carries upstream traffic toward the buyer, routing
// responses through the payment middleware.
func (b *Bridge) handleUpstreamMessage(msg *Message) {
	// Notifications and server-initiated pings pass through untouched.
	if msg.ID.IsNil() {
		b.respondToClient(msg)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := idKey(msg.ID)
	originalRequest, ok := b.pending[key]
	if !ok {
		b.respondToClient(msg)
		return
	}
	// Remove before any further processing so a failure below can never
	// leak the entry.
	delete(b.pending, key)

	// A retry answers under its synthetic id; restore the buyer's id first.
	if rawID, isRetry := x402.MetaField(originalRequest.Params, x402.MetaOriginalID); isRetry {
		var restored mcp.RequestId
		if err := json.Unmarshal(rawID, &restored); err == nil {
			msg.ID = restored
		} else {
			b.logger.Error("malformed original-id meta, keeping synthetic id",
				"id", key, "error", err)
		}
	}

	retry, err := b.middleware.OnMessage(b.ctx, originalRequest, msg)
	if err != nil {
		b.logger.Error("payment middleware failed, forwarding response",
			"id", idKey(msg.ID), "method", originalRequest.Method, "error", err)
		b.respondToClient(msg)
		return
	}
	if retry == nil {
		b.respondToClient(msg)
		return
	}

	b.sendRetry(retry, msg)
}

// sendRetry assigns the synthetic id, records the retry as pending and
// sends it upstream. The 402 that triggered it is suppressed; if the retry
// cannot be sent the buyer gets the original error after all.
func (b *Bridge) sendRetry(retry, paymentRequired *Message) {
	originalID := paymentRequired.ID
	retry.ID = syntheticID(originalID)

	params, err := x402.WithMetaFields(retry.Params, map[string]any{
		x402.MetaOriginalID: originalID,
	})
	if err != nil {
		b.logger.Error("failed to stash original id on retry", "error", err)
		b.respondToClient(paymentRequired)
		return
	}
	retry.Params = params

	key := idKey(retry.ID)
	b.pending[key] = retry

	b.logger.Debug("retrying request with payment",
		"originalId", idKey(originalID), "retryId", key, "method", retry.Method)

	if err := b.upstream.Send(b.ctx, retry); err != nil {
		delete(b.pending, key)
		b.logger.Warn("failed to send payment retry", "id", key, "error", err)
		b.respondToClient(paymentRequired)
	}
}

func (b *Bridge) respondToClient(msg *Message) {
	if b.onMessage != nil {
		b.onMessage("client", msg)
	}
	if err := b.server.Send(b.ctx, msg); err != nil {
		b.reportError("client", err)
	}
}

// reportError surfaces a transport error without closing the bridge; the
// peer drives clean shutdown.
func (b *Bridge) reportError(side string, err error) {
	b.logger.Warn("transport error", "side", side, "error", err)
	if b.onError != nil {
		b.onError(err)
	}
}
