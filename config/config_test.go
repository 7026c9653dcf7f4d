package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"--wallet-private-key", testKey})
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, "localhost:8402", cfg.Addr())
	assert.Equal(t, ModeEOA, cfg.Wallet.Mode)
	assert.Equal(t, DefaultTimeout, cfg.Treasurer.Timeout)
}

func TestLoadFlags(t *testing.T) {
	cfg, err := Load([]string{
		"--port", "9000",
		"--host", "0.0.0.0",
		"--wallet-mode", "smart-account",
		"--wallet-smart-account-address", "0x7099797048B1FF9b9e4dEAC1DF8f41F57E1556eF",
		"--wallet-session-key-private-key", testKey,
		"--wallet-chain-id", "8453",
		"--treasurer-policy-api-url", "https://policy.example.com",
		"--treasurer-timeout", "5",
	})
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
	assert.Equal(t, ModeSmartAccount, cfg.Wallet.Mode)
	assert.Equal(t, int64(8453), cfg.Wallet.ChainID)
	assert.Equal(t, "https://policy.example.com", cfg.Treasurer.PolicyAPIURL)
	assert.Equal(t, 5*time.Second, cfg.Treasurer.Timeout)
	assert.Equal(t, testKey, cfg.PolicySigningKey())
}

func TestLoadEnvironment(t *testing.T) {
	t.Run("DefaultPrefix", func(t *testing.T) {
		t.Setenv("X402_PORT", "9100")
		t.Setenv("X402_WALLET_PRIVATE_KEY", testKey)

		cfg, err := Load(nil)
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Port)
		assert.Equal(t, testKey, cfg.Wallet.PrivateKey)
	})

	t.Run("CustomPrefix", func(t *testing.T) {
		t.Setenv("MYPROXY_PORT", "9200")
		t.Setenv("MYPROXY_WALLET_PRIVATE_KEY", testKey)
		// Keys under the default prefix are ignored once a prefix is set.
		t.Setenv("X402_PORT", "1")

		cfg, err := Load([]string{"--env-prefix", "MYPROXY_"})
		require.NoError(t, err)
		assert.Equal(t, 9200, cfg.Port)
	})

	t.Run("FlagsWinOverEnvironment", func(t *testing.T) {
		t.Setenv("X402_PORT", "9100")
		t.Setenv("X402_WALLET_PRIVATE_KEY", testKey)

		cfg, err := Load([]string{"--port", "9300"})
		require.NoError(t, err)
		assert.Equal(t, 9300, cfg.Port)
	})
}

func TestValidate(t *testing.T) {
	requireConfigError := func(t *testing.T, err error) *ConfigError {
		t.Helper()
		require.Error(t, err)
		cerr, ok := err.(*ConfigError)
		require.True(t, ok, "expected *ConfigError, got %T", err)
		return cerr
	}

	t.Run("EOAWithoutKey", func(t *testing.T) {
		_, err := Load(nil)
		cerr := requireConfigError(t, err)
		assert.Contains(t, strings.Join(cerr.Missing, " "), "wallet.privateKey")
	})

	t.Run("EOAWithBothKeyAndMnemonic", func(t *testing.T) {
		_, err := Load([]string{
			"--wallet-private-key", testKey,
			"--wallet-mnemonic", "abandon abandon abandon",
		})
		cerr := requireConfigError(t, err)
		assert.Contains(t, cerr.Conflicting, "wallet.privateKey")
		assert.Contains(t, cerr.Conflicting, "wallet.mnemonic")
	})

	t.Run("MixedWalletModes", func(t *testing.T) {
		_, err := Load([]string{
			"--wallet-private-key", testKey,
			"--wallet-smart-account-address", "0x7099797048B1FF9b9e4dEAC1DF8f41F57E1556eF",
		})
		cerr := requireConfigError(t, err)
		assert.Contains(t, cerr.Conflicting, "wallet.smartAccountAddress")
	})

	t.Run("SmartAccountMissingKeys", func(t *testing.T) {
		_, err := Load([]string{"--wallet-mode", "smart-account"})
		cerr := requireConfigError(t, err)
		assert.Contains(t, cerr.Missing, "wallet.smartAccountAddress")
		assert.Contains(t, cerr.Missing, "wallet.sessionKeyPrivateKey")
	})

	t.Run("UnknownMode", func(t *testing.T) {
		_, err := Load([]string{"--wallet-mode", "hardware"})
		cerr := requireConfigError(t, err)
		assert.Contains(t, cerr.Invalid, "wallet.mode")
	})

	t.Run("BadPort", func(t *testing.T) {
		_, err := Load([]string{"--port", "99999", "--wallet-private-key", testKey})
		cerr := requireConfigError(t, err)
		assert.Contains(t, cerr.Invalid, "port")
	})

	t.Run("PolicyURLRequiresSigningKey", func(t *testing.T) {
		_, err := Load([]string{
			"--wallet-mnemonic", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about",
			"--treasurer-policy-api-url", "https://policy.example.com",
		})
		cerr := requireConfigError(t, err)
		assert.NotEmpty(t, cerr.Missing)
	})

	t.Run("ErrorNamesKeys", func(t *testing.T) {
		_, err := Load([]string{"--wallet-mode", "smart-account"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "wallet.smartAccountAddress")
		assert.Contains(t, err.Error(), "wallet.sessionKeyPrivateKey")
	})
}
