package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	defaultHTTPTimeout  = 2 * time.Minute
	sessionCloseTimeout = 5 * time.Second
)

// StreamableClientTransport speaks the MCP streamable HTTP framing toward
// the upstream server: every message goes out as a POST, replies come back
// as a single JSON body or as an SSE stream, and the upstream-issued
// session id rides in a header.
type StreamableClientTransport struct {
	serverURL  *url.URL
	httpClient *http.Client
	logger     *slog.Logger

	sessionID       atomic.Value
	protocolVersion atomic.Value

	handlerMu sync.RWMutex
	onMessage func(*Message)
	onClose   func()
	onError   func(error)

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ClientTransportOption customizes a StreamableClientTransport.
type ClientTransportOption func(*StreamableClientTransport)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) ClientTransportOption {
	return func(t *StreamableClientTransport) { t.httpClient = client }
}

// WithClientTransportLogger replaces the default logger.
func WithClientTransportLogger(logger *slog.Logger) ClientTransportOption {
	return func(t *StreamableClientTransport) { t.logger = logger }
}

// NewStreamableClientTransport creates a transport pointed at the given
// upstream MCP endpoint.
func NewStreamableClientTransport(serverURL *url.URL, opts ...ClientTransportOption) *StreamableClientTransport {
	t := &StreamableClientTransport{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     slog.Default(),
		closed:     make(chan struct{}),
	}
	t.sessionID.Store("")
	t.protocolVersion.Store("")
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *StreamableClientTransport) SetMessageHandler(handler func(*Message)) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.onMessage = handler
}

func (t *StreamableClientTransport) SetCloseHandler(handler func()) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.onClose = handler
}

func (t *StreamableClientTransport) SetErrorHandler(handler func(error)) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.onError = handler
}

// Start implements Transport. The streamable framing needs no persistent
// connection.
func (t *StreamableClientTransport) Start(ctx context.Context) error {
	return nil
}

// SessionID returns the upstream-issued session id, if any yet.
func (t *StreamableClientTransport) SessionID() string {
	if v, ok := t.sessionID.Load().(string); ok {
		return v
	}
	return ""
}

// Send transmits one message. Replies embedded in the HTTP response are
// dispatched to the message handler from a separate goroutine.
func (t *StreamableClientTransport) Send(ctx context.Context, msg *Message) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := t.contextAwareOfClose(ctx)

	resp, err := t.sendHTTP(ctx, http.MethodPost, bytes.NewReader(body))
	if err != nil {
		cancel()
		return err
	}

	if msg.Method == string(mcp.MethodInitialize) {
		if sessionID := resp.Header.Get(transport.HeaderKeySessionID); sessionID != "" {
			t.sessionID.Store(sessionID)
		}
	}
	if version := resp.Header.Get(transport.HeaderKeyProtocolVersion); version != "" {
		t.protocolVersion.Store(version)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusNoContent:
		resp.Body.Close()
		cancel()
		return nil
	default:
		defer resp.Body.Close()
		defer cancel()
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return fmt.Errorf("request failed with status %d", resp.StatusCode)
		}
		// Some servers deliver JSON-RPC errors with their HTTP status; pass
		// those through as messages.
		var errMsg Message
		if err := json.Unmarshal(raw, &errMsg); err == nil && (errMsg.Error != nil || !errMsg.ID.IsNil()) {
			t.dispatchAsync(&errMsg)
			return nil
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, raw)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer resp.Body.Close()
			defer cancel()
			var incoming Message
			if err := json.NewDecoder(resp.Body).Decode(&incoming); err != nil {
				if err != io.EOF {
					t.reportError(fmt.Errorf("failed to decode response: %w", err))
				}
				return
			}
			t.dispatch(&incoming)
		}()
		return nil

	case "text/event-stream":
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer cancel()
			t.readSSE(ctx, resp.Body)
		}()
		return nil

	default:
		resp.Body.Close()
		cancel()
		// Empty 200s happen for notifications; anything else is noise.
		if mediaType != "" {
			t.reportError(fmt.Errorf("unexpected content type: %s", resp.Header.Get("Content-Type")))
		}
		return nil
	}
}

// sendHTTP issues one HTTP request with the streamable headers attached.
func (t *StreamableClientTransport) sendHTTP(ctx context.Context, method string, body io.Reader) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.serverURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	if sessionID := t.SessionID(); sessionID != "" {
		req.Header.Set(transport.HeaderKeySessionID, sessionID)
	}
	if version, ok := t.protocolVersion.Load().(string); ok && version != "" {
		req.Header.Set(transport.HeaderKeyProtocolVersion, version)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		sessionID := t.SessionID()
		t.sessionID.CompareAndSwap(sessionID, "")
		resp.Body.Close()
		return nil, ErrSessionTerminated
	}

	return resp, nil
}

// readSSE consumes a server-sent-events body, dispatching each data event
// as a message.
func (t *StreamableClientTransport) readSSE(ctx context.Context, reader io.ReadCloser) {
	defer reader.Close()

	br := bufio.NewReader(reader)
	var event string
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		if event == "" {
			event = "message"
		}
		data := strings.Join(dataLines, "\n")
		event = ""
		dataLines = nil

		var incoming Message
		if err := json.Unmarshal([]byte(data), &incoming); err != nil {
			// Non-JSON-RPC events on the stream are ignored.
			return
		}
		t.dispatch(&incoming)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		line, err := br.ReadString('\n')
		if err != nil {
			flush()
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			flush()
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLine := strings.TrimPrefix(line, "data:")
			if len(dataLine) > 0 && dataLine[0] == ' ' {
				dataLine = dataLine[1:]
			}
			dataLines = append(dataLines, dataLine)
		}
	}
}

// dispatch hands one incoming message to the handler. Callers must already
// be off the Send goroutine.
func (t *StreamableClientTransport) dispatch(msg *Message) {
	select {
	case <-t.closed:
		return
	default:
	}
	t.handlerMu.RLock()
	handler := t.onMessage
	t.handlerMu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

func (t *StreamableClientTransport) dispatchAsync(msg *Message) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dispatch(msg)
	}()
}

func (t *StreamableClientTransport) reportError(err error) {
	t.handlerMu.RLock()
	handler := t.onError
	t.handlerMu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// contextAwareOfClose derives a context that is canceled when the
// transport closes, so in-flight requests and stream readers unwind.
func (t *StreamableClientTransport) contextAwareOfClose(ctx context.Context) (context.Context, context.CancelFunc) {
	newCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-t.closed:
			cancel()
		case <-newCtx.Done():
		}
	}()
	return newCtx, cancel
}

// Close terminates the upstream session (best effort) and stops all reader
// goroutines. Idempotent, including re-entry from the close handler.
func (t *StreamableClientTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	t.closeOnce.Do(func() {
		close(t.closed)

		if sessionID := t.SessionID(); sessionID != "" {
			t.sessionID.Store("")
			ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.serverURL.String(), nil)
			if err == nil {
				req.Header.Set(transport.HeaderKeySessionID, sessionID)
				if version, ok := t.protocolVersion.Load().(string); ok && version != "" {
					req.Header.Set(transport.HeaderKeyProtocolVersion, version)
				}
				if resp, err := t.httpClient.Do(req); err == nil && resp != nil {
					resp.Body.Close()
				}
			}
		}

		t.wg.Wait()

		t.handlerMu.RLock()
		handler := t.onClose
		t.handlerMu.RUnlock()
		if handler != nil {
			handler()
		}
	})
	return nil
}
