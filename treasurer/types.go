package treasurer

import (
	"github.com/ampersend/x402-mcp-proxy/x402"
)

// Wire types for the Ampersend policy API.

// authorizeRequest asks the policy service to vet payment requirements.
type authorizeRequest struct {
	Requirements []x402.PaymentRequirements `json:"requirements"`
	Context      Context                    `json:"context,omitempty"`
}

// AuthorizedRequirement is a single vetted requirement with the spend
// limits that remain after it.
type AuthorizedRequirement struct {
	Requirement x402.PaymentRequirements `json:"requirement"`
	Limits      map[string]string        `json:"limits,omitempty"`
}

// RejectedRequirement is a requirement the policy service refused.
type RejectedRequirement struct {
	Requirement x402.PaymentRequirements `json:"requirement"`
	Reason      string                   `json:"reason"`
}

// AuthorizedResponse lists the vetted requirements with an optional
// recommendation (index of the cheapest option).
type AuthorizedResponse struct {
	Recommended  *int                    `json:"recommended,omitempty"`
	Requirements []AuthorizedRequirement `json:"requirements"`
}

// AuthorizeResponse is the policy service's verdict.
type AuthorizeResponse struct {
	Authorized AuthorizedResponse    `json:"authorized"`
	Rejected   []RejectedRequirement `json:"rejected"`
}

// paymentEvent is a lifecycle event reported to the events endpoint.
type paymentEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// eventRequest reports a payment lifecycle event.
type eventRequest struct {
	ID      string              `json:"id"`
	Payment *x402.PaymentPayload `json:"payment"`
	Event   paymentEvent        `json:"event"`
}

// eventResponse acknowledges an event report.
type eventResponse struct {
	Received  bool   `json:"received"`
	PaymentID string `json:"paymentId,omitempty"`
}

// nonceResponse is the first half of the sign-in handshake.
type nonceResponse struct {
	Nonce     string `json:"nonce"`
	SessionID string `json:"sessionId"`
}

// loginRequest carries the signed sign-in message.
type loginRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	SessionID string `json:"sessionId"`
}

// loginResponse returns the bearer token for subsequent calls.
type loginResponse struct {
	Token        string `json:"token"`
	AgentAddress string `json:"agentAddress"`
	ExpiresAt    string `json:"expiresAt"`
}
