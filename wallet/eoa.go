package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/ampersend/x402-mcp-proxy/x402"
)

// defaultDerivationPath is the standard Ethereum BIP-44 path.
const defaultDerivationPath = "m/44'/60'/0'/0/0"

// EOAWallet signs payments with an externally-owned account key.
type EOAWallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewEOAWallet creates a wallet from a hex-encoded private key.
func NewEOAWallet(privateKeyHex string) (*EOAWallet, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKeyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	privateKey, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	return &EOAWallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// NewEOAWalletFromMnemonic creates a wallet from a BIP-39 mnemonic phrase.
func NewEOAWalletFromMnemonic(mnemonic, derivationPath string) (*EOAWallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	if derivationPath == "" {
		derivationPath = defaultDerivationPath
	}

	path, err := accounts.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("invalid derivation path: %w", err)
	}

	seed := bip39.NewSeed(mnemonic, "")
	privateKey, err := derivePrivateKey(seed, path)
	if err != nil {
		return nil, fmt.Errorf("failed to derive private key: %w", err)
	}

	return &EOAWallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// NewEOAWalletFromKeystore creates a wallet from an encrypted keystore JSON.
func NewEOAWalletFromKeystore(keystoreJSON []byte, password string) (*EOAWallet, error) {
	key, err := keystore.DecryptKey(keystoreJSON, password)
	if err != nil {
		if err == keystore.ErrDecrypt {
			return nil, ErrWrongPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
	}

	return &EOAWallet{
		privateKey: key.PrivateKey,
		address:    key.Address,
	}, nil
}

// derivePrivateKey derives a private key from a seed using BIP-32 HD derivation.
func derivePrivateKey(seed []byte, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	key := masterKey
	for _, n := range path {
		key, err = key.NewChildKey(n)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
	}

	return crypto.ToECDSA(key.Key)
}

func (w *EOAWallet) Address() common.Address {
	return w.address
}

// SignMessage signs an EIP-191 personal message and returns the 65-byte
// signature with V in {27, 28}.
func (w *EOAWallet) SignMessage(message []byte) ([]byte, error) {
	signature, err := crypto.Sign(accounts.TextHash(message), w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	signature[64] += 27
	return signature, nil
}

func (w *EOAWallet) CreatePayment(ctx context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if err := checkRequirements(req); err != nil {
		return nil, err
	}

	chainID := x402.ChainID(req.Network)
	if chainID == nil {
		chainID = big.NewInt(1)
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	validAfter, validBefore := validityWindow(req)

	typedData := transferWithAuthorizationTypedData(req, chainID, w.address, nonce, validAfter, validBefore)
	sigHash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	signature, err := crypto.Sign(sigHash, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	signature[64] += 27

	return exactPayload(req, w.address, signature, nonce, validAfter, validBefore), nil
}
