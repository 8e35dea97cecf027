package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"

	domain "github.com/hanko-field/settlement/internal/domain"
)

type fakeRefunds struct {
	params *stripe.RefundParams
	err    error
}

func (f *fakeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.Refund{ID: "re_123", Status: stripe.RefundStatusSucceeded}, nil
}

func TestIssueRefundSendsIdempotentRequest(t *testing.T) {
	api := &fakeRefunds{}
	refunder, err := NewStripeRefunder(StripeRefunderConfig{Refunds: api, AccountID: "acct_1"})
	if err != nil {
		t.Fatalf("NewStripeRefunder: %v", err)
	}

	id, err := refunder.IssueRefund(context.Background(), domain.Order{ID: "ord_1", PaymentIntentID: "pi_1"}, "Duplicate charge")
	if err != nil || id != "re_123" {
		t.Fatalf("IssueRefund: %v %q", err, id)
	}
	params := api.params
	if params == nil || *params.PaymentIntent != "pi_1" || params.Amount != nil {
		t.Fatalf("expected full refund of pi_1, got %#v", params)
	}
	if params.IdempotencyKey == nil || *params.IdempotencyKey != "refund:ord_1" {
		t.Fatalf("unexpected idempotency key %v", params.IdempotencyKey)
	}
	if *params.Reason != string(stripe.RefundReasonDuplicate) || params.Metadata["orderId"] != "ord_1" {
		t.Fatalf("unexpected reason or metadata %#v", params)
	}
	if params.StripeAccount == nil || *params.StripeAccount != "acct_1" {
		t.Fatalf("expected connected account header")
	}
}

func TestIssueRefundErrors(t *testing.T) {
	api := &fakeRefunds{err: errors.New("card_declined")}
	refunder, _ := NewStripeRefunder(StripeRefunderConfig{Refunds: api})

	if _, err := refunder.IssueRefund(context.Background(), domain.Order{ID: "ord_1"}, ""); err == nil {
		t.Fatalf("expected error without payment intent")
	}
	if api.params != nil {
		t.Fatalf("stripe must not be called without a payment intent")
	}
	if _, err := refunder.IssueRefund(context.Background(), domain.Order{ID: "ord_1", PaymentIntentID: "pi_1"}, ""); err == nil {
		t.Fatalf("expected provider error to surface")
	}
	if *api.params.Reason != string(stripe.RefundReasonRequestedByCustomer) {
		t.Fatalf("expected default reason, got %s", *api.params.Reason)
	}
	if _, err := NewStripeRefunder(StripeRefunderConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
