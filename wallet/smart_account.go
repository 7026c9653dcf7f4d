package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ampersend/x402-mcp-proxy/x402"
)

// DefaultOwnableValidator is the ERC-7579 ownable validator module used by
// most smart account deployments.
const DefaultOwnableValidator = "0x000000000013fdB5234E4E3162a810F54d9f7E98"

// DefaultChainID is Base Sepolia, the default network for smart accounts.
const DefaultChainID = 84532

// SmartAccountConfig configures a SmartAccountWallet.
type SmartAccountConfig struct {
	// AccountAddress is the ERC-4337 smart account that owns the funds.
	AccountAddress string

	// SessionKeyHex is the private key of the session signer registered as an
	// owner on the ownable validator.
	SessionKeyHex string

	// ValidatorAddress is the ownable validator module. Defaults to
	// DefaultOwnableValidator.
	ValidatorAddress string

	// ChainID is used when the requirement's network is not in the chain
	// registry. Defaults to DefaultChainID.
	ChainID int64
}

// SmartAccountWallet signs ERC-3009 authorizations with a session key and
// wraps the signature in the ERC-1271 form expected by Safe-style smart
// accounts with an ownable validator. Other account types are not supported.
type SmartAccountWallet struct {
	account    common.Address
	validator  common.Address
	sessionKey *ecdsa.PrivateKey
	chainID    *big.Int
}

// NewSmartAccountWallet creates a smart-account wallet.
func NewSmartAccountWallet(cfg SmartAccountConfig) (*SmartAccountWallet, error) {
	if !common.IsHexAddress(cfg.AccountAddress) {
		return nil, fmt.Errorf("%w: smart account address %q", ErrInvalidPrivateKey, cfg.AccountAddress)
	}

	keyHex := strings.TrimPrefix(cfg.SessionKeyHex, "0x")
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	sessionKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	validator := cfg.ValidatorAddress
	if validator == "" {
		validator = DefaultOwnableValidator
	}
	if !common.IsHexAddress(validator) {
		return nil, fmt.Errorf("%w: validator address %q", ErrInvalidPrivateKey, validator)
	}

	chainID := cfg.ChainID
	if chainID == 0 {
		chainID = DefaultChainID
	}

	return &SmartAccountWallet{
		account:    common.HexToAddress(cfg.AccountAddress),
		validator:  common.HexToAddress(validator),
		sessionKey: sessionKey,
		chainID:    big.NewInt(chainID),
	}, nil
}

func (w *SmartAccountWallet) Address() common.Address {
	return w.account
}

// SessionKeyAddress returns the address of the session signer.
func (w *SmartAccountWallet) SessionKeyAddress() common.Address {
	return crypto.PubkeyToAddress(w.sessionKey.PublicKey)
}

func (w *SmartAccountWallet) CreatePayment(ctx context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if err := checkRequirements(req); err != nil {
		return nil, err
	}

	chainID := x402.ChainID(req.Network)
	if chainID == nil {
		chainID = new(big.Int).Set(w.chainID)
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	validAfter, validBefore := validityWindow(req)

	typedData := transferWithAuthorizationTypedData(req, chainID, w.account, nonce, validAfter, validBefore)
	sigHash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	sessionSig, err := crypto.Sign(sigHash, w.sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	sessionSig[64] += 27

	wrapped := EncodeERC1271Signature(w.validator, WrapOwnableValidatorSignatures(sessionSig))

	return exactPayload(req, w.account, wrapped, nonce, validAfter, validBefore), nil
}

// WrapOwnableValidatorSignatures packs owner signatures into the ownable
// validator envelope. With a threshold of one this is the concatenation of
// the single 65-byte signature.
func WrapOwnableValidatorSignatures(signatures ...[]byte) []byte {
	var packed []byte
	for _, sig := range signatures {
		packed = append(packed, sig...)
	}
	return packed
}

// EncodeERC1271Signature prefixes a validator-module signature with the
// validator address, the format ERC-7579 accounts route isValidSignature
// calls through.
func EncodeERC1271Signature(validator common.Address, signature []byte) []byte {
	encoded := make([]byte, 0, common.AddressLength+len(signature))
	encoded = append(encoded, validator.Bytes()...)
	encoded = append(encoded, signature...)
	return encoded
}

// DecodeERC1271Signature splits an ERC-1271 wrapper into the validator
// address and the inner validator-module signature.
func DecodeERC1271Signature(encoded []byte) (common.Address, []byte, error) {
	if len(encoded) < common.AddressLength {
		return common.Address{}, nil, fmt.Errorf("signature too short for ERC-1271 wrapper: %d bytes", len(encoded))
	}
	return common.BytesToAddress(encoded[:common.AddressLength]), encoded[common.AddressLength:], nil
}
