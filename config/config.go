// Package config loads and validates the proxy configuration from CLI
// flags and prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

const (
	DefaultPort      = 8402
	DefaultHost      = "localhost"
	DefaultEnvPrefix = "X402_"
	DefaultTimeout   = 30 * time.Second
)

// Wallet modes.
const (
	ModeEOA          = "eoa"
	ModeSmartAccount = "smart-account"
)

// WalletConfig selects and parameterizes the signing wallet.
type WalletConfig struct {
	Mode                 string
	PrivateKey           string
	Mnemonic             string
	DerivationPath       string
	SmartAccountAddress  string
	SessionKeyPrivateKey string
	ValidatorAddress     string
	ChainID              int64
}

// TreasurerConfig selects the payment policy.
type TreasurerConfig struct {
	// PolicyAPIURL enables the remote-policy treasurer; empty means naive.
	PolicyAPIURL string
	Timeout      time.Duration
}

// Config is the validated proxy configuration.
type Config struct {
	Port      int
	Host      string
	Wallet    WalletConfig
	Treasurer TreasurerConfig
	Verbose   bool
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConfigError describes exactly which keys are missing or conflicting.
type ConfigError struct {
	Missing     []string
	Conflicting []string
	Invalid     []string
}

func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Conflicting) > 0 {
		parts = append(parts, "conflicting: "+strings.Join(e.Conflicting, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(e.Invalid, ", "))
	}
	return "invalid configuration (" + strings.Join(parts, "; ") + ")"
}

func (e *ConfigError) empty() bool {
	return len(e.Missing) == 0 && len(e.Conflicting) == 0 && len(e.Invalid) == 0
}

// options is the go-flags surface. Environment variables override nothing
// set explicitly on the command line; they fill the gaps, after the
// configured prefix is stripped.
type options struct {
	Port      int    `long:"port" description:"TCP listen port"`
	Host      string `long:"host" description:"Bind address"`
	EnvPrefix string `long:"env-prefix" description:"Prefix stripped from environment keys"`
	Verbose   bool   `long:"verbose" short:"v" description:"Enable debug logging"`

	WalletMode           string `long:"wallet-mode" description:"Wallet mode: eoa or smart-account"`
	PrivateKey           string `long:"wallet-private-key" description:"0x-prefixed hex EOA key"`
	Mnemonic             string `long:"wallet-mnemonic" description:"BIP-39 mnemonic phrase (eoa mode)"`
	DerivationPath       string `long:"wallet-derivation-path" description:"HD derivation path for the mnemonic"`
	SmartAccountAddress  string `long:"wallet-smart-account-address" description:"Smart account address"`
	SessionKeyPrivateKey string `long:"wallet-session-key-private-key" description:"Session signer key (smart-account mode)"`
	ValidatorAddress     string `long:"wallet-validator-address" description:"Ownable validator module address"`
	ChainID              int64  `long:"wallet-chain-id" description:"Chain id for smart-account signing"`

	PolicyAPIURL string `long:"treasurer-policy-api-url" description:"Remote policy service URL (empty: naive treasurer)"`
	Timeout      int    `long:"treasurer-timeout" description:"Policy service timeout in seconds"`
}

// applyEnv maps environment key suffixes onto option fields.
func (o *options) applyEnv(prefix string) error {
	lookups := []struct {
		key   string
		apply func(string) error
	}{
		{"PORT", func(v string) error { return setInt(&o.Port, v) }},
		{"HOST", func(v string) error { return setString(&o.Host, v) }},
		{"VERBOSE", func(v string) error { return setBool(&o.Verbose, v) }},
		{"WALLET_MODE", func(v string) error { return setString(&o.WalletMode, v) }},
		{"WALLET_PRIVATE_KEY", func(v string) error { return setString(&o.PrivateKey, v) }},
		{"WALLET_MNEMONIC", func(v string) error { return setString(&o.Mnemonic, v) }},
		{"WALLET_DERIVATION_PATH", func(v string) error { return setString(&o.DerivationPath, v) }},
		{"WALLET_SMART_ACCOUNT_ADDRESS", func(v string) error { return setString(&o.SmartAccountAddress, v) }},
		{"WALLET_SESSION_KEY_PRIVATE_KEY", func(v string) error { return setString(&o.SessionKeyPrivateKey, v) }},
		{"WALLET_VALIDATOR_ADDRESS", func(v string) error { return setString(&o.ValidatorAddress, v) }},
		{"WALLET_CHAIN_ID", func(v string) error { return setInt64(&o.ChainID, v) }},
		{"TREASURER_POLICY_API_URL", func(v string) error { return setString(&o.PolicyAPIURL, v) }},
		{"TREASURER_TIMEOUT", func(v string) error { return setInt(&o.Timeout, v) }},
	}

	for _, l := range lookups {
		value, ok := os.LookupEnv(prefix + l.key)
		if !ok || value == "" {
			continue
		}
		if err := l.apply(value); err != nil {
			return fmt.Errorf("environment key %s%s: %w", prefix, l.key, err)
		}
	}
	return nil
}

func setString(dst *string, v string) error {
	if *dst == "" {
		*dst = v
	}
	return nil
}

func setInt(dst *int, v string) error {
	if *dst != 0 {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}

func setInt64(dst *int64, v string) error {
	if *dst != 0 {
		return nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}

func setBool(dst *bool, v string) error {
	if *dst {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}

// Load parses flags and environment into a validated Config.
func Load(args []string) (*Config, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = os.Getenv("ENV_PREFIX")
	}
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	// Flags win; env fills what the command line left unset.
	if err := opts.applyEnv(prefix); err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:    opts.Port,
		Host:    opts.Host,
		Verbose: opts.Verbose,
		Wallet: WalletConfig{
			Mode:                 opts.WalletMode,
			PrivateKey:           opts.PrivateKey,
			Mnemonic:             opts.Mnemonic,
			DerivationPath:       opts.DerivationPath,
			SmartAccountAddress:  opts.SmartAccountAddress,
			SessionKeyPrivateKey: opts.SessionKeyPrivateKey,
			ValidatorAddress:     opts.ValidatorAddress,
			ChainID:              opts.ChainID,
		},
		Treasurer: TreasurerConfig{
			PolicyAPIURL: opts.PolicyAPIURL,
			Timeout:      time.Duration(opts.Timeout) * time.Second,
		},
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Wallet.Mode == "" {
		c.Wallet.Mode = ModeEOA
	}
	if c.Treasurer.Timeout == 0 {
		c.Treasurer.Timeout = DefaultTimeout
	}
}

// Validate checks for missing and conflicting keys. The returned error
// names every offending key.
func (c *Config) Validate() error {
	cerr := &ConfigError{}

	if c.Port < 1 || c.Port > 65535 {
		cerr.Invalid = append(cerr.Invalid, "port")
	}

	switch c.Wallet.Mode {
	case ModeEOA:
		if c.Wallet.PrivateKey == "" && c.Wallet.Mnemonic == "" {
			cerr.Missing = append(cerr.Missing, "wallet.privateKey or wallet.mnemonic")
		}
		if c.Wallet.PrivateKey != "" && c.Wallet.Mnemonic != "" {
			cerr.Conflicting = append(cerr.Conflicting, "wallet.privateKey", "wallet.mnemonic")
		}
		if c.Wallet.SmartAccountAddress != "" {
			cerr.Conflicting = append(cerr.Conflicting, "wallet.smartAccountAddress")
		}
		if c.Wallet.SessionKeyPrivateKey != "" {
			cerr.Conflicting = append(cerr.Conflicting, "wallet.sessionKeyPrivateKey")
		}
	case ModeSmartAccount:
		if c.Wallet.SmartAccountAddress == "" {
			cerr.Missing = append(cerr.Missing, "wallet.smartAccountAddress")
		}
		if c.Wallet.SessionKeyPrivateKey == "" {
			cerr.Missing = append(cerr.Missing, "wallet.sessionKeyPrivateKey")
		}
		if c.Wallet.PrivateKey != "" {
			cerr.Conflicting = append(cerr.Conflicting, "wallet.privateKey")
		}
		if c.Wallet.Mnemonic != "" {
			cerr.Conflicting = append(cerr.Conflicting, "wallet.mnemonic")
		}
	default:
		cerr.Invalid = append(cerr.Invalid, "wallet.mode")
	}

	// The policy client signs in with a raw key; a mnemonic-only wallet
	// cannot provide one.
	if c.Treasurer.PolicyAPIURL != "" && c.PolicySigningKey() == "" {
		cerr.Missing = append(cerr.Missing, "wallet.privateKey or wallet.sessionKeyPrivateKey (required by treasurer.policyApiUrl)")
	}

	if cerr.empty() {
		return nil
	}
	return cerr
}

// PolicySigningKey returns the private key the policy API client signs in
// with: the session key in smart-account mode, the EOA key otherwise.
func (c *Config) PolicySigningKey() string {
	if c.Wallet.Mode == ModeSmartAccount {
		return c.Wallet.SessionKeyPrivateKey
	}
	return c.Wallet.PrivateKey
}
