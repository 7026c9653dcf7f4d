package wallet

import "errors"

var (
	ErrUnsupportedScheme = errors.New("unsupported payment scheme")
	ErrSigningFailed     = errors.New("failed to sign payment")

	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidMnemonic   = errors.New("invalid mnemonic phrase")
	ErrInvalidKeystore   = errors.New("invalid keystore file")
	ErrWrongPassword     = errors.New("wrong keystore password")
)
