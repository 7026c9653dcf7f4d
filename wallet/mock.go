package wallet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ampersend/x402-mcp-proxy/x402"
)

// MockWallet is a test wallet that emits deterministic fake signatures.
type MockWallet struct {
	address common.Address

	// Err, when set, is returned by CreatePayment instead of a payload.
	Err error
}

// NewMockWallet creates a mock wallet for testing.
func NewMockWallet(address string) *MockWallet {
	return &MockWallet{address: common.HexToAddress(address)}
}

func (m *MockWallet) Address() common.Address {
	return m.address
}

func (m *MockWallet) CreatePayment(ctx context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if req.Scheme != x402.SchemeExact {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, req.Scheme)
	}

	now := time.Now()
	return &x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: x402.ExactPayload{
			Signature: "0x" + strings.Repeat("00", 65),
			Authorization: x402.ExactAuthorization{
				From:        m.address.Hex(),
				To:          req.PayTo,
				Value:       req.MaxAmountRequired,
				ValidAfter:  fmt.Sprintf("%d", now.Unix()),
				ValidBefore: fmt.Sprintf("%d", now.Add(60*time.Second).Unix()),
				Nonce:       "0x" + strings.Repeat("11", 32),
			},
		},
	}, nil
}
