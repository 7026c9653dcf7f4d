package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/ampersend/x402-mcp-proxy/treasurer"
)

// DefaultEndpoint is the MCP endpoint path served by the proxy.
const DefaultEndpoint = "/mcp"

// session pairs a bridge with its buyer-facing transport for dispatch.
type session struct {
	bridge    *Bridge
	transport *StreamableServerTransport
}

// Server is the HTTP front door: it validates the target URL, creates a
// bridge per session and dispatches buyer HTTP requests to it.
type Server struct {
	treasurer  treasurer.Treasurer
	logger     *slog.Logger
	httpClient *http.Client
	maxPending int

	mu       sync.RWMutex
	sessions map[string]*session
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithServerLogger replaces the default logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithUpstreamHTTPClient overrides the HTTP client used toward upstreams.
func WithUpstreamHTTPClient(client *http.Client) ServerOption {
	return func(s *Server) { s.httpClient = client }
}

// WithServerMaxPending overrides the per-bridge pending ceiling.
func WithServerMaxPending(n int) ServerOption {
	return func(s *Server) { s.maxPending = n }
}

// NewServer creates a proxy server. The treasurer is shared by all
// sessions and must be safe for concurrent use.
func NewServer(t treasurer.Treasurer, opts ...ServerOption) *Server {
	s := &Server{
		treasurer:  t,
		logger:     slog.Default(),
		maxPending: DefaultMaxPending,
		sessions:   make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving the MCP endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(DefaultEndpoint, s.ServeHTTP)
	return mux
}

// ServeHTTP routes a request on the MCP endpoint by method.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost dispatches a buyer message to its session's bridge, creating
// the session when no session id is presented yet.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.Header.Get(transport.HeaderKeySessionID); sessionID != "" {
		sess, ok := s.lookup(sessionID)
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		sess.transport.HandlePost(w, r)
		return
	}

	target, verr := ValidateTarget(r.URL.Query().Get("target"))
	if verr != nil {
		s.writeValidationError(w, verr)
		return
	}

	st := NewStreamableServerTransport(
		WithServerTransportLogger(s.logger),
	)
	upstream := s.newUpstreamTransport(target)
	middleware := NewMiddleware(s.treasurer, s.logger)

	bridge := NewBridge(st, upstream, middleware,
		WithMaxPending(s.maxPending),
		WithBridgeLogger(s.logger),
		WithCloseHandler(func() {
			if sessionID := st.SessionID(); sessionID != "" {
				s.deregister(sessionID)
			}
		}),
	)

	st.handlerMu.Lock()
	st.onSessionInitialized = func(sessionID string) {
		s.register(sessionID, &session{bridge: bridge, transport: st})
		s.logger.Info("session initialized",
			"sessionId", sessionID, "target", target.String())
	}
	st.handlerMu.Unlock()

	if err := bridge.Start(context.Background()); err != nil {
		s.logger.Error("failed to start bridge", "error", err)
		http.Error(w, "failed to start session", http.StatusInternalServerError)
		return
	}

	st.HandlePost(w, r)

	// A first message that never initialized leaves no session behind.
	if st.SessionID() == "" {
		_ = bridge.Close()
	}
}

// handleGet attaches the buyer's SSE stream for unsolicited messages.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(transport.HeaderKeySessionID)
	if sessionID == "" {
		s.writeValidationError(w, &ValidationError{
			Code:    CodeMissingSession,
			Message: "missing " + transport.HeaderKeySessionID + " header",
		})
		return
	}
	sess, ok := s.lookup(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	sess.transport.HandleStream(w, r)
}

// handleDelete terminates a session explicitly.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(transport.HeaderKeySessionID)
	if sessionID == "" {
		s.writeValidationError(w, &ValidationError{
			Code:    CodeMissingSession,
			Message: "missing " + transport.HeaderKeySessionID + " header",
		})
		return
	}

	sess, ok := s.lookup(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	s.deregister(sessionID)
	if err := sess.bridge.Close(); err != nil {
		s.logger.Warn("error closing bridge", "sessionId", sessionID, "error", err)
	}
	s.logger.Info("session terminated", "sessionId", sessionID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) newUpstreamTransport(target *url.URL) *StreamableClientTransport {
	opts := []ClientTransportOption{WithClientTransportLogger(s.logger)}
	if s.httpClient != nil {
		opts = append(opts, WithHTTPClient(s.httpClient))
	}
	return NewStreamableClientTransport(target, opts...)
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// HasSession reports whether a session id is registered.
func (s *Server) HasSession(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// Close tears down every live session.
func (s *Server) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for id, sess := range sessions {
		if err := sess.bridge.Close(); err != nil {
			s.logger.Warn("error closing bridge", "sessionId", id, "error", err)
		}
	}
	return nil
}

func (s *Server) lookup(sessionID string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

func (s *Server) register(sessionID string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = sess
}

func (s *Server) deregister(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// ValidateTarget parses and vets the upstream URL from the target query
// parameter. Private addresses are allowed; the proxy is internal-use.
func ValidateTarget(raw string) (*url.URL, *ValidationError) {
	if raw == "" {
		return nil, &ValidationError{
			Code:    CodeInvalidURL,
			Message: "missing target query parameter",
		}
	}
	target, err := url.Parse(raw)
	if err != nil || !target.IsAbs() || target.Host == "" {
		return nil, &ValidationError{
			Code:    CodeInvalidURL,
			Message: fmt.Sprintf("target is not an absolute URL: %q", raw),
		}
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, &ValidationError{
			Code:    CodeInvalidProtocol,
			Message: fmt.Sprintf("unsupported protocol %q", target.Scheme),
		}
	}
	return target, nil
}

func (s *Server) writeValidationError(w http.ResponseWriter, verr *ValidationError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": verr})
}
