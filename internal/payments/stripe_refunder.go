// Package payments issues refunds through the payment service provider.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/services"
)

// Logger defines the logging contract for refund operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeRefunderConfig configures the StripeRefunder.
type StripeRefunderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    Logger
	// Refunds overrides the Stripe refunds client.
	Refunds stripeRefundAPI
}

// StripeRefunder refunds the full captured amount of an order's payment intent.
type StripeRefunder struct {
	refunds stripeRefundAPI
	account string
	logger  Logger
}

var _ services.RefundIssuer = (*StripeRefunder)(nil)

// NewStripeRefunder constructs a Stripe backed RefundIssuer.
func NewStripeRefunder(cfg StripeRefunderConfig) (*StripeRefunder, error) {
	refunds := cfg.Refunds
	if refunds == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		refunds = client.New(apiKey, cfg.Backends).Refunds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeRefunder{
		refunds: refunds,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// IssueRefund refunds order.PaymentIntentID. The idempotency key is derived
// from the order so relay retries never refund twice.
func (p *StripeRefunder) IssueRefund(ctx context.Context, order domain.Order, reason string) (string, error) {
	if p == nil || p.refunds == nil {
		return "", errors.New("stripe: refunder is nil")
	}
	intentID := strings.TrimSpace(order.PaymentIntentID)
	if intentID == "" {
		return "", fmt.Errorf("stripe: order %s has no payment intent", order.ID)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Reason:        stripe.String(mapRefundReason(reason)),
		Metadata: map[string]string{
			"orderId": order.ID,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund:" + order.ID)
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if note := strings.TrimSpace(reason); note != "" {
		params.Metadata["reason"] = truncate(note, 500)
	}

	refund, err := p.refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"orderId":       order.ID,
		"paymentIntent": intentID,
		"refundId":      refund.ID,
		"status":        string(refund.Status),
	})
	return refund.ID, nil
}

func mapRefundReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "duplicate"):
		return string(stripe.RefundReasonDuplicate)
	case strings.Contains(lower, "fraud"):
		return string(stripe.RefundReasonFraudulent)
	default:
		return string(stripe.RefundReasonRequestedByCustomer)
	}
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
