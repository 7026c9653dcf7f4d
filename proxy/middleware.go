package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ampersend/x402-mcp-proxy/treasurer"
	"github.com/ampersend/x402-mcp-proxy/x402"
)

// Middleware watches response traffic for x402 markers. On a 402
// payment-required error it consults the treasurer and produces a retry
// request carrying a signed payment; on a settle-response it resolves the
// outstanding authorization. It never sends messages itself.
//
// One instance per bridge: pending authorizations are session-scoped.
type Middleware struct {
	treasurer treasurer.Treasurer
	logger    *slog.Logger

	mu                    sync.Mutex
	pendingAuthorizations map[string]*x402.Authorization
}

// NewMiddleware creates a per-session payment middleware.
func NewMiddleware(t treasurer.Treasurer, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		treasurer:             t,
		logger:                logger,
		pendingAuthorizations: make(map[string]*x402.Authorization),
	}
}

// OnMessage inspects a response in the context of its originating request.
// It returns a retry request when the treasurer paid for a 402, or nil when
// the response should continue to the buyer as-is. The caller assigns the
// retry's JSON-RPC id.
func (m *Middleware) OnMessage(ctx context.Context, originalRequest, response *Message) (*Message, error) {
	if settle := m.parseSettleResponse(response); settle != nil {
		return nil, m.handleSettleResponse(ctx, originalRequest, settle)
	}

	if required := m.parsePaymentRequired(response); required != nil {
		return m.handlePaymentRequired(ctx, originalRequest, required)
	}

	return nil, nil
}

// handleSettleResponse resolves the authorization a settle-response refers
// to and reports the outcome to the treasurer.
func (m *Middleware) handleSettleResponse(ctx context.Context, originalRequest *Message, settle *x402.SettleResponse) error {
	rawID, ok := x402.MetaField(originalRequest.Params, x402.MetaPaymentID)
	if !ok {
		return fmt.Errorf("%w: settle response for request without %q", ErrProtocolViolation, x402.MetaPaymentID)
	}
	var authorizationID string
	if err := json.Unmarshal(rawID, &authorizationID); err != nil {
		return fmt.Errorf("%w: malformed %q: %v", ErrProtocolViolation, x402.MetaPaymentID, err)
	}

	authorization, ok := m.popAuthorization(authorizationID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAuthorization, authorizationID)
	}

	status := treasurer.StatusAccepted
	reqContext := treasurer.Context{"method": originalRequest.Method}
	if !settle.Success {
		status = treasurer.StatusRejected
		if settle.ErrorReason != "" {
			reqContext["reason"] = settle.ErrorReason
		}
	}
	m.treasurer.OnStatus(ctx, status, authorization, reqContext)
	return nil
}

// handlePaymentRequired obtains an authorization and clones the original
// request with the payment attached.
func (m *Middleware) handlePaymentRequired(ctx context.Context, originalRequest *Message, required *x402.PaymentRequiredResponse) (*Message, error) {
	// A request that already paid once is never paid again; the error goes
	// through to the buyer.
	if x402.HasMetaField(originalRequest.Params, x402.MetaPayment) {
		m.logger.Warn("payment retry itself returned 402, forwarding to client",
			"method", originalRequest.Method)
		return nil, nil
	}

	reqContext := treasurer.Context{"method": originalRequest.Method}
	authorization, err := m.treasurer.OnPaymentRequired(ctx, required.Accepts, reqContext)
	if err != nil {
		return nil, fmt.Errorf("treasurer failed: %w", err)
	}
	if authorization == nil {
		m.logger.Info("treasurer declined payment", "method", originalRequest.Method)
		return nil, nil
	}

	m.registerAuthorization(authorization)
	m.treasurer.OnStatus(ctx, treasurer.StatusSending, authorization, reqContext)

	retry := originalRequest.Clone()
	params, err := x402.WithMetaFields(retry.Params, map[string]any{
		x402.MetaPayment:   authorization.Payment,
		x402.MetaPaymentID: authorization.AuthorizationID,
	})
	if err != nil {
		m.popAuthorization(authorization.AuthorizationID)
		return nil, fmt.Errorf("failed to attach payment: %w", err)
	}
	retry.Params = params
	return retry, nil
}

// parsePaymentRequired classifies a message as a payment-required response,
// returning nil when it is anything else.
func (m *Middleware) parsePaymentRequired(response *Message) *x402.PaymentRequiredResponse {
	if response.Error == nil || response.Error.Code != 402 || len(response.Error.Data) == 0 {
		return nil
	}
	var required x402.PaymentRequiredResponse
	if err := json.Unmarshal(response.Error.Data, &required); err != nil {
		return nil
	}
	return &required
}

// parseSettleResponse classifies a message as a settle-response, returning
// nil when it is anything else.
func (m *Middleware) parseSettleResponse(response *Message) *x402.SettleResponse {
	if response.Error != nil || len(response.Result) == 0 {
		return nil
	}
	raw, ok := x402.ResultMetaField(response.Result, x402.MetaPaymentResponse)
	if !ok {
		return nil
	}
	settle, err := x402.ParseSettleResponse(raw)
	if err != nil {
		return nil
	}
	return settle
}

func (m *Middleware) registerAuthorization(authorization *x402.Authorization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingAuthorizations[authorization.AuthorizationID] = authorization
}

func (m *Middleware) popAuthorization(authorizationID string) (*x402.Authorization, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	authorization, ok := m.pendingAuthorizations[authorizationID]
	if ok {
		delete(m.pendingAuthorizations, authorizationID)
	}
	return authorization, ok
}

// PendingAuthorizations returns the number of unresolved authorizations.
func (m *Middleware) PendingAuthorizations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingAuthorizations)
}

// Close discards all pending authorizations. Abandoned payments get no
// further status updates.
func (m *Middleware) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingAuthorizations = make(map[string]*x402.Authorization)
}
