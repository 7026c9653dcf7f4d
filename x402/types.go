// Package x402 holds the wire-level types of the x402 payment protocol as
// they appear inside MCP JSON-RPC messages: payment requirements offered by
// a seller, the signed payment payload produced by a wallet, and the
// settlement result the seller reports back.
package x402

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Version is the x402 protocol version emitted in every payload.
const Version = 1

// SchemeExact is the only payment scheme the proxy can sign for.
const SchemeExact = "exact"

// Vendor-namespaced meta keys. The buyer and the upstream both observe
// these, so the names are wire-stable.
const (
	// MetaPayment carries a PaymentPayload inside params._meta of a retried
	// request.
	MetaPayment = "x402/payment"

	// MetaPaymentResponse carries a SettleResponse inside result._meta of a
	// successful response (and optionally inside 402 error data).
	MetaPaymentResponse = "x402/payment-response"

	// MetaPaymentID binds a retried request to its treasurer authorization.
	MetaPaymentID = "ampersend/paymentId"

	// MetaOriginalID preserves the buyer's JSON-RPC id on a retry so the
	// bridge can restore it before the reply reaches the buyer.
	MetaOriginalID = "ampersend/original-id"
)

// PaymentRequirements describes one payment method a seller accepts.
type PaymentRequirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Asset             string            `json:"asset"`
	PayTo             string            `json:"payTo"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// Validate checks the fields the proxy relies on before signing.
func (r *PaymentRequirements) Validate() error {
	if r.Scheme == "" || r.Network == "" {
		return ErrInvalidRequirements
	}
	amount := new(big.Int)
	if _, ok := amount.SetString(r.MaxAmountRequired, 10); !ok || amount.Sign() < 0 {
		return ErrInvalidRequirements
	}
	if !common.IsHexAddress(r.Asset) || !common.IsHexAddress(r.PayTo) {
		return ErrInvalidRequirements
	}
	return nil
}

// PaymentRequiredResponse is the error.data body of a 402 JSON-RPC error.
type PaymentRequiredResponse struct {
	X402Version     int                   `json:"x402Version"`
	Error           string                `json:"error,omitempty"`
	Accepts         []PaymentRequirements `json:"accepts"`
	PaymentResponse *SettleResponse       `json:"x402/payment-response,omitempty"`
}

// PaymentPayload is the signed payment attached to a retried request.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// ExactPayload is the scheme-specific body for the "exact" scheme: an
// ERC-3009 transfer authorization plus its signature.
type ExactPayload struct {
	Signature     string             `json:"signature"`
	Authorization ExactAuthorization `json:"authorization"`
}

// ExactAuthorization mirrors the ERC-3009 TransferWithAuthorization message.
// All numeric fields are decimal strings of atomic units / unix seconds.
type ExactAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SettleResponse is the settlement result reported by the seller in
// result._meta["x402/payment-response"].
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// Authorization binds a created payment to an opaque id so a later
// settle-response can update its status. It never leaves the proxy process
// except for the id.
type Authorization struct {
	AuthorizationID string
	Payment         *PaymentPayload
}

// ParseSettleResponse decodes a raw meta value into a SettleResponse.
func ParseSettleResponse(raw json.RawMessage) (*SettleResponse, error) {
	var settle SettleResponse
	if err := json.Unmarshal(raw, &settle); err != nil {
		return nil, err
	}
	return &settle, nil
}

// NetworkChainIDs maps x402 network names to EVM chain ids.
var NetworkChainIDs = map[string]*big.Int{
	"base-sepolia":   big.NewInt(84532),
	"base":           big.NewInt(8453),
	"avalanche-fuji": big.NewInt(43113),
	"avalanche":      big.NewInt(43114),
	"ethereum":       big.NewInt(1),
	"sepolia":        big.NewInt(11155111),
}

// ChainID returns the chain id for a network name, or nil if unknown.
func ChainID(network string) *big.Int {
	if id, ok := NetworkChainIDs[network]; ok {
		return new(big.Int).Set(id)
	}
	return nil
}
