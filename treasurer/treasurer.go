// Package treasurer decides whether the proxy pays for a request and which
// offered requirement to satisfy. Payload creation is delegated to a wallet;
// lifecycle status updates are best-effort notifications.
package treasurer

import (
	"context"

	"github.com/ampersend/x402-mcp-proxy/x402"
)

// Status is a payment lifecycle stage reported through OnStatus.
type Status string

const (
	StatusSending  Status = "sending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusDeclined Status = "declined"
	StatusError    Status = "error"
)

// Context carries request-scoped facts (method name, resource, session id)
// that a policy service may want to see alongside the requirements.
type Context map[string]any

// Treasurer is the payment policy layer. Implementations must be safe for
// concurrent use by multiple bridges.
type Treasurer interface {
	// OnPaymentRequired picks a requirement to satisfy and returns a signed
	// authorization for it, or (nil, nil) to decline. Implementations with
	// their own timeouts must decline on timeout rather than return an error.
	OnPaymentRequired(ctx context.Context, requirements []x402.PaymentRequirements, reqContext Context) (*x402.Authorization, error)

	// OnStatus reports a lifecycle update for a previously issued
	// authorization. Calls are best-effort: implementations must be
	// idempotent, tolerate out-of-order delivery and never fail the caller.
	OnStatus(ctx context.Context, status Status, authorization *x402.Authorization, reqContext Context)
}
