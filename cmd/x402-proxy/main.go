// Command x402-proxy runs the payment-transparent MCP proxy: plain MCP in,
// x402-paid MCP out.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ampersend/x402-mcp-proxy/config"
	"github.com/ampersend/x402-mcp-proxy/proxy"
	"github.com/ampersend/x402-mcp-proxy/treasurer"
	"github.com/ampersend/x402-mcp-proxy/wallet"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Missing .env is fine; explicit environment still applies.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	w, err := buildWallet(cfg)
	if err != nil {
		logger.Error("failed to construct wallet", "error", err)
		os.Exit(1)
	}
	logger.Info("wallet ready", "mode", cfg.Wallet.Mode, "address", w.Address().Hex())

	t, err := buildTreasurer(cfg, w, logger)
	if err != nil {
		logger.Error("failed to construct treasurer", "error", err)
		os.Exit(1)
	}

	server := proxy.NewServer(t, proxy.WithServerLogger(logger))

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("proxy listening", "addr", cfg.Addr(), "endpoint", proxy.DefaultEndpoint)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", "error", err)
		}
		return server.Close()
	})

	if err := group.Wait(); err != nil {
		logger.Error("proxy exited with error", "error", err)
		os.Exit(1)
	}
}

// buildWallet constructs the wallet variant the configuration selects.
func buildWallet(cfg *config.Config) (wallet.Wallet, error) {
	switch cfg.Wallet.Mode {
	case config.ModeSmartAccount:
		return wallet.NewSmartAccountWallet(wallet.SmartAccountConfig{
			AccountAddress:   cfg.Wallet.SmartAccountAddress,
			SessionKeyHex:    cfg.Wallet.SessionKeyPrivateKey,
			ValidatorAddress: cfg.Wallet.ValidatorAddress,
			ChainID:          cfg.Wallet.ChainID,
		})
	default:
		if cfg.Wallet.Mnemonic != "" {
			return wallet.NewEOAWalletFromMnemonic(cfg.Wallet.Mnemonic, cfg.Wallet.DerivationPath)
		}
		return wallet.NewEOAWallet(cfg.Wallet.PrivateKey)
	}
}

// buildTreasurer picks remote-policy when a policy URL is configured,
// naive otherwise.
func buildTreasurer(cfg *config.Config, w wallet.Wallet, logger *slog.Logger) (treasurer.Treasurer, error) {
	if cfg.Treasurer.PolicyAPIURL == "" {
		return treasurer.NewNaive(w, treasurer.WithLogger(logger))
	}

	client, err := treasurer.NewAPIClient(treasurer.ClientOptions{
		BaseURL:       cfg.Treasurer.PolicyAPIURL,
		SessionKeyHex: cfg.PolicySigningKey(),
		Timeout:       cfg.Treasurer.Timeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return treasurer.NewAmpersend(client, w, logger), nil
}
