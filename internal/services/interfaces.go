package services

import (
	"context"

	domain "github.com/hanko-field/settlement/internal/domain"
)

// Notifier delivers customer emails about order transitions.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, order domain.Order, invoice []byte) error
	SendCancellationEmail(ctx context.Context, order domain.Order, reason string) error
	SendRefundEmail(ctx context.Context, order domain.Order, reason string) error
}

// InvoiceRenderer turns an order snapshot into an invoice document.
type InvoiceRenderer interface {
	RenderInvoice(ctx context.Context, order domain.Order) ([]byte, error)
}

// InvoiceArchive stores rendered invoices and returns their object location.
type InvoiceArchive interface {
	StoreInvoice(ctx context.Context, orderID string, body []byte) (string, error)
}

// ShippingProvider creates and tracks shipments with the courier aggregator.
type ShippingProvider interface {
	CreateShipment(ctx context.Context, order domain.Order) (domain.ShipmentInfo, error)
	// TrackShipment accepts either identifier; shipmentID wins when both are set.
	TrackShipment(ctx context.Context, shipmentID, awbCode string) (domain.TrackingInfo, error)
}

// RefundIssuer returns the customer's payment through the payment provider.
type RefundIssuer interface {
	// IssueRefund returns the provider's refund id.
	IssueRefund(ctx context.Context, order domain.Order, reason string) (string, error)
}

// IntentDispatcher executes freshly committed outbox intents once.
type IntentDispatcher interface {
	DispatchNow(ctx context.Context, order domain.Order, intents []domain.OutboxIntent) []IntentOutcome
}
