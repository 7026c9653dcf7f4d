package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// streamQueueSize bounds unsolicited server-to-client messages waiting for
// the buyer's GET stream. Overflow is dropped with a log line.
const streamQueueSize = 64

// maxRequestBody bounds a single POSTed JSON-RPC message.
const maxRequestBody = 4 << 20

// parseErrorCode is the JSON-RPC 2.0 parse-error code.
const parseErrorCode = -32700

// StreamableServerTransport is the buyer-facing side of a bridge. It
// adapts the MCP streamable HTTP framing to the Transport interface: each
// buyer POST carries one message in, the matching response is written back
// on the same HTTP exchange, and unsolicited messages ride an SSE stream
// opened with GET.
//
// The transport issues the session id when it sees the MCP initialize
// request and reports it through the session-initialized callback.
type StreamableServerTransport struct {
	logger *slog.Logger

	sessionID atomic.Value

	handlerMu            sync.RWMutex
	onMessage            func(*Message)
	onClose              func()
	onError              func(error)
	onSessionInitialized func(sessionID string)

	mu      sync.Mutex
	waiters map[string]chan *Message

	stream    chan *Message
	closed    chan struct{}
	closeOnce sync.Once
}

// ServerTransportOption customizes a StreamableServerTransport.
type ServerTransportOption func(*StreamableServerTransport)

// WithServerTransportLogger replaces the default logger.
func WithServerTransportLogger(logger *slog.Logger) ServerTransportOption {
	return func(t *StreamableServerTransport) { t.logger = logger }
}

// WithSessionInitializedCallback installs the hook fired when the transport
// issues a session id for an initialize request.
func WithSessionInitializedCallback(callback func(sessionID string)) ServerTransportOption {
	return func(t *StreamableServerTransport) { t.onSessionInitialized = callback }
}

// NewStreamableServerTransport creates a buyer-facing transport.
func NewStreamableServerTransport(opts ...ServerTransportOption) *StreamableServerTransport {
	t := &StreamableServerTransport{
		logger:  slog.Default(),
		waiters: make(map[string]chan *Message),
		stream:  make(chan *Message, streamQueueSize),
		closed:  make(chan struct{}),
	}
	t.sessionID.Store("")
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *StreamableServerTransport) SetMessageHandler(handler func(*Message)) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.onMessage = handler
}

func (t *StreamableServerTransport) SetCloseHandler(handler func()) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.onClose = handler
}

func (t *StreamableServerTransport) SetErrorHandler(handler func(error)) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.onError = handler
}

// Start implements Transport.
func (t *StreamableServerTransport) Start(ctx context.Context) error {
	return nil
}

// SessionID returns the issued session id, or "" before initialize.
func (t *StreamableServerTransport) SessionID() string {
	if v, ok := t.sessionID.Load().(string); ok {
		return v
	}
	return ""
}

// Send delivers a message toward the buyer. Responses to in-flight POSTs
// complete the matching HTTP exchange; everything else is queued for the
// GET stream, or dropped when that queue is already full.
func (t *StreamableServerTransport) Send(ctx context.Context, msg *Message) error {
	select {
	case <-t.closed:
		// The buyer is gone; late upstream replies are dropped.
		t.logger.Debug("dropping message for closed session", "id", idKey(msg.ID))
		return nil
	default:
	}

	if !msg.ID.IsNil() {
		t.mu.Lock()
		waiter, ok := t.waiters[idKey(msg.ID)]
		if ok {
			delete(t.waiters, idKey(msg.ID))
		}
		t.mu.Unlock()
		if ok {
			waiter <- msg
			return nil
		}
	}

	select {
	case t.stream <- msg:
		return nil
	default:
		t.logger.Warn("stream queue full, dropping message", "id", idKey(msg.ID), "method", msg.Method)
		return nil
	}
}

// HandlePost processes one buyer POST: decode the message, hand it to the
// bridge and, for requests, block until the correlated response arrives.
func (t *StreamableServerTransport) HandlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		t.writeMessage(w, http.StatusBadRequest, &Message{
			JSONRPC: "2.0",
			Error:   &ErrorDetail{Code: parseErrorCode, Message: fmt.Sprintf("invalid JSON-RPC message: %v", err)},
		})
		return
	}

	if !msg.IsRequest() {
		t.dispatch(&msg)
		t.writeSessionHeader(w)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if msg.Method == string(mcp.MethodInitialize) && t.SessionID() == "" {
		sessionID := uuid.NewString()
		t.sessionID.Store(sessionID)
		t.handlerMu.RLock()
		initialized := t.onSessionInitialized
		t.handlerMu.RUnlock()
		if initialized != nil {
			initialized(sessionID)
		}
	}

	waiter := make(chan *Message, 1)
	key := idKey(msg.ID)
	t.mu.Lock()
	t.waiters[key] = waiter
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.waiters, key)
		t.mu.Unlock()
	}()

	t.dispatch(&msg)

	select {
	case response := <-waiter:
		t.writeSessionHeader(w)
		t.writeMessage(w, http.StatusOK, response)
	case <-t.closed:
		http.Error(w, "session closed", http.StatusNotFound)
	case <-r.Context().Done():
		// Buyer went away mid-request; the reply, if any, is dropped.
	}
}

// HandleStream serves the buyer's GET stream of unsolicited messages as
// server-sent events.
func (t *StreamableServerTransport) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	t.writeSessionHeader(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case msg := <-t.stream:
			data, err := json.Marshal(msg)
			if err != nil {
				t.logger.Error("failed to marshal stream message", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		case <-t.closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (t *StreamableServerTransport) writeSessionHeader(w http.ResponseWriter) {
	if sessionID := t.SessionID(); sessionID != "" {
		w.Header().Set(transport.HeaderKeySessionID, sessionID)
	}
}

func (t *StreamableServerTransport) writeMessage(w http.ResponseWriter, status int, msg *Message) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		t.logger.Error("failed to write response", "error", err)
	}
}

// dispatch hands an incoming buyer message to the bridge.
func (t *StreamableServerTransport) dispatch(msg *Message) {
	t.handlerMu.RLock()
	handler := t.onMessage
	t.handlerMu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

// Close wakes every in-flight POST and the GET stream. Idempotent,
// including re-entry from the close handler.
func (t *StreamableServerTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	t.closeOnce.Do(func() {
		close(t.closed)

		t.handlerMu.RLock()
		handler := t.onClose
		t.handlerMu.RUnlock()
		if handler != nil {
			handler()
		}
	})
	return nil
}
