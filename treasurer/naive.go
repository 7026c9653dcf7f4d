package treasurer

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/google/uuid"

	"github.com/ampersend/x402-mcp-proxy/wallet"
	"github.com/ampersend/x402-mcp-proxy/x402"
)

// Naive auto-approves the first offered requirement, optionally bounded by
// spending limits. Status updates are logged and otherwise dropped.
type Naive struct {
	wallet wallet.Wallet
	logger *slog.Logger
	budget *budgetTracker
}

// NaiveOption customizes a Naive treasurer.
type NaiveOption func(*Naive) error

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) NaiveOption {
	return func(n *Naive) error {
		n.logger = logger
		return nil
	}
}

// WithSpendingLimits bounds what the treasurer approves.
func WithSpendingLimits(limits SpendingLimits) NaiveOption {
	return func(n *Naive) error {
		tracker, err := newBudgetTracker(limits)
		if err != nil {
			return err
		}
		n.budget = tracker
		return nil
	}
}

// NewNaive creates a treasurer that pays the first requirement of every 402.
func NewNaive(w wallet.Wallet, opts ...NaiveOption) (*Naive, error) {
	n := &Naive{
		wallet: w,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Naive) OnPaymentRequired(ctx context.Context, requirements []x402.PaymentRequirements, reqContext Context) (*x402.Authorization, error) {
	if len(requirements) == 0 {
		n.logger.Info("payment declined: no requirements offered")
		return nil, nil
	}

	selected := requirements[0]

	if n.budget != nil {
		amount := new(big.Int)
		if _, ok := amount.SetString(selected.MaxAmountRequired, 10); !ok {
			n.logger.Warn("payment declined: unparsable amount",
				"amount", selected.MaxAmountRequired, "resource", selected.Resource)
			return nil, nil
		}
		if err := n.budget.canSpend(amount); err != nil {
			n.logger.Info("payment declined by spending limits",
				"reason", err, "amount", selected.MaxAmountRequired, "resource", selected.Resource)
			return nil, nil
		}
	}

	payment, err := n.wallet.CreatePayment(ctx, selected)
	if err != nil {
		return nil, err
	}

	if n.budget != nil {
		amount := new(big.Int)
		amount.SetString(selected.MaxAmountRequired, 10)
		n.budget.record(amount)
	}

	return &x402.Authorization{
		AuthorizationID: uuid.NewString(),
		Payment:         payment,
	}, nil
}

func (n *Naive) OnStatus(ctx context.Context, status Status, authorization *x402.Authorization, reqContext Context) {
	if authorization == nil {
		return
	}
	n.logger.Info("payment status",
		"status", status, "authorizationId", authorization.AuthorizationID)
}
