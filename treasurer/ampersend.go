package treasurer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ampersend/x402-mcp-proxy/wallet"
	"github.com/ampersend/x402-mcp-proxy/x402"
)

// Ampersend consults the Ampersend policy service before paying and reports
// every payment lifecycle event to it. Works with both EOA and smart account
// wallets.
type Ampersend struct {
	client *APIClient
	wallet wallet.Wallet
	logger *slog.Logger
}

// NewAmpersend creates a remote-policy treasurer.
func NewAmpersend(client *APIClient, w wallet.Wallet, logger *slog.Logger) *Ampersend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ampersend{client: client, wallet: w, logger: logger}
}

func (a *Ampersend) OnPaymentRequired(ctx context.Context, requirements []x402.PaymentRequirements, reqContext Context) (*x402.Authorization, error) {
	result, err := a.client.AuthorizePayment(ctx, requirements, reqContext)
	if err != nil {
		// Transport failures and timeouts are declines, not errors.
		a.logger.Warn("payment authorization failed, declining", "error", err)
		return nil, nil
	}

	if len(result.Authorized.Requirements) == 0 {
		reasons := make([]string, 0, len(result.Rejected))
		for _, r := range result.Rejected {
			reasons = append(reasons, fmt.Sprintf("%s: %s", r.Requirement.Resource, r.Reason))
		}
		a.logger.Info("no requirements authorized", "reasons", strings.Join(reasons, ", "))
		return nil, nil
	}

	recommended := 0
	if result.Authorized.Recommended != nil {
		recommended = *result.Authorized.Recommended
	}
	if recommended < 0 || recommended >= len(result.Authorized.Requirements) {
		a.logger.Warn("recommended index out of bounds, declining",
			"recommended", recommended, "authorized", len(result.Authorized.Requirements))
		return nil, nil
	}

	selected := result.Authorized.Requirements[recommended]

	payment, err := a.wallet.CreatePayment(ctx, selected.Requirement)
	if err != nil {
		return nil, err
	}

	authorization := &x402.Authorization{
		AuthorizationID: uuid.NewString(),
		Payment:         payment,
	}

	if err := a.client.ReportPaymentEvent(ctx, authorization.AuthorizationID, payment, string(StatusSending), ""); err != nil {
		a.logger.Warn("failed to report sending event", "error", err,
			"authorizationId", authorization.AuthorizationID)
	}

	return authorization, nil
}

func (a *Ampersend) OnStatus(ctx context.Context, status Status, authorization *x402.Authorization, reqContext Context) {
	if authorization == nil {
		return
	}

	eventType, reason := eventForStatus(status, reqContext)
	if eventType == "" {
		return
	}

	if err := a.client.ReportPaymentEvent(ctx, authorization.AuthorizationID, authorization.Payment, eventType, reason); err != nil {
		a.logger.Warn("failed to report payment event", "error", err,
			"status", status, "authorizationId", authorization.AuthorizationID)
	}
}

// eventForStatus maps a lifecycle status to the events-endpoint vocabulary.
// A declined authorization is reported as an error event so the service
// still sees it; see DESIGN.md.
func eventForStatus(status Status, reqContext Context) (string, string) {
	reason := ""
	if reqContext != nil {
		if r, ok := reqContext["reason"].(string); ok {
			reason = r
		}
	}

	switch status {
	case StatusSending:
		return "sending", ""
	case StatusAccepted:
		return "accepted", ""
	case StatusRejected:
		if reason == "" {
			reason = "payment rejected by server"
		}
		return "rejected", reason
	case StatusError:
		if reason == "" {
			reason = "payment processing failed"
		}
		return "error", reason
	case StatusDeclined:
		return "error", "declined"
	default:
		return "", ""
	}
}
