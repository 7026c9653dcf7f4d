package x402

import "errors"

var (
	// ErrInvalidRequirements marks payment requirements the proxy refuses to
	// sign for: empty scheme/network, unparsable amount or malformed
	// addresses.
	ErrInvalidRequirements = errors.New("invalid payment requirements")
)
