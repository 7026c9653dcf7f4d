// Package wallet produces signed x402 payment payloads. An EOA wallet signs
// ERC-3009 transfer authorizations directly with its private key; a smart
// account wallet signs with a session key and wraps the result in the
// ERC-1271 form expected by ERC-4337 accounts with an ownable validator.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ampersend/x402-mcp-proxy/x402"
)

// clockSkewGrace is subtracted from validAfter so payments remain valid on
// sellers whose clocks run behind ours.
const clockSkewGrace = 600 * time.Second

// Wallet creates signed payment payloads from payment requirements.
type Wallet interface {
	// CreatePayment signs a payment authorization for the given requirement.
	CreatePayment(ctx context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error)

	// Address returns the address payments are drawn from.
	Address() common.Address
}

// newNonce returns a random 32-byte nonce as 0x-prefixed hex.
func newNonce() (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return "0x" + hex.EncodeToString(nonce[:]), nil
}

// validityWindow computes the [validAfter, validBefore] bounds for a payment.
func validityWindow(req x402.PaymentRequirements) (int64, int64) {
	now := time.Now()
	validAfter := now.Add(-clockSkewGrace).Unix()
	validBefore := now.Add(time.Duration(req.MaxTimeoutSeconds) * time.Second).Unix()
	return validAfter, validBefore
}

// transferWithAuthorizationTypedData builds the ERC-3009 EIP-712 typed data
// for a payment. The domain name and version come from the requirement's
// extra map when the seller provides them, defaulting to the USDC domain.
func transferWithAuthorizationTypedData(req x402.PaymentRequirements, chainID *big.Int, from common.Address, nonce string, validAfter, validBefore int64) apitypes.TypedData {
	value := new(big.Int)
	value.SetString(req.MaxAmountRequired, 10)

	domainName := req.Extra["name"]
	if domainName == "" {
		domainName = "USDC"
	}
	domainVersion := req.Extra["version"]
	if domainVersion == "" {
		domainVersion = "2"
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: common.HexToAddress(req.Asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        from.Hex(),
			"to":          common.HexToAddress(req.PayTo).Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(big.NewInt(validAfter)),
			"validBefore": (*math.HexOrDecimal256)(big.NewInt(validBefore)),
			"nonce":       nonce,
		},
	}
}

// exactPayload assembles the payload emitted by both wallet variants.
func exactPayload(req x402.PaymentRequirements, from common.Address, signature []byte, nonce string, validAfter, validBefore int64) *x402.PaymentPayload {
	return &x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: x402.ExactPayload{
			Signature: "0x" + hex.EncodeToString(signature),
			Authorization: x402.ExactAuthorization{
				From:        from.Hex(),
				To:          common.HexToAddress(req.PayTo).Hex(),
				Value:       req.MaxAmountRequired,
				ValidAfter:  fmt.Sprintf("%d", validAfter),
				ValidBefore: fmt.Sprintf("%d", validBefore),
				Nonce:       nonce,
			},
		},
	}
}

// checkRequirements rejects anything the wallet cannot sign for.
func checkRequirements(req x402.PaymentRequirements) error {
	if req.Scheme != x402.SchemeExact {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, req.Scheme)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	return nil
}
