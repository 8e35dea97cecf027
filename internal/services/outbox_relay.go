package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/repositories"
)

const (
	defaultOutboxMaxAttempts     = 6
	defaultOutboxInitialBackoff  = 30 * time.Second
	defaultOutboxMaxBackoff      = 30 * time.Minute
	defaultOutboxBatchSize       = 50
	defaultOutboxDispatchTimeout = 30 * time.Second
)

var (
	// errCollaboratorMissing marks an intent whose collaborator is not configured.
	errCollaboratorMissing = errors.New("outbox: collaborator not configured")
	// errIntentObsolete marks an intent the order's current status no longer calls for.
	errIntentObsolete = errors.New("outbox: intent no longer applies to order")
)

// SideEffects flags which best-effort side effects completed.
type SideEffects struct {
	StockAdjusted   bool
	ShipmentCreated bool
	EmailSent       bool
	InvoiceRendered bool
	InvoiceArchived bool
	RefundIssued    bool
}

func (s *SideEffects) merge(other SideEffects) {
	s.StockAdjusted = s.StockAdjusted || other.StockAdjusted
	s.ShipmentCreated = s.ShipmentCreated || other.ShipmentCreated
	s.EmailSent = s.EmailSent || other.EmailSent
	s.InvoiceRendered = s.InvoiceRendered || other.InvoiceRendered
	s.InvoiceArchived = s.InvoiceArchived || other.InvoiceArchived
	s.RefundIssued = s.RefundIssued || other.RefundIssued
}

// IntentOutcome is the result of one dispatch attempt.
type IntentOutcome struct {
	Intent   domain.OutboxIntent
	Err      error
	Warnings []string
	Effects  SideEffects
	Shipment *domain.ShipmentInfo
}

// DrainReport summarises a relay pass.
type DrainReport struct {
	Attempted int
	Succeeded int
	Retrying  int
	Dead      int
	Skipped   int
}

// OutboxRelayDeps wires the relay. Nil collaborators cause their intents to be skipped.
type OutboxRelayDeps struct {
	Outbox   repositories.OutboxRepository
	Orders   repositories.OrderRepository
	Notifier Notifier
	Invoices InvoiceRenderer
	Archive  InvoiceArchive
	Shipping ShippingProvider
	Refunds  RefundIssuer

	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BatchSize       int
	DispatchTimeout time.Duration

	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
	Meter  metric.Meter
}

// OutboxRelay executes side-effect intents and retries failures with
// exponential backoff until they succeed or exhaust their attempts.
type OutboxRelay struct {
	outbox   repositories.OutboxRepository
	orders   repositories.OrderRepository
	notifier Notifier
	invoices InvoiceRenderer
	archive  InvoiceArchive
	shipping ShippingProvider
	refunds  RefundIssuer

	maxAttempts     int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	batchSize       int
	dispatchTimeout time.Duration

	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
	metrics settlementMetrics
}

var _ IntentDispatcher = (*OutboxRelay)(nil)

// NewOutboxRelay validates dependencies and applies defaults.
func NewOutboxRelay(deps OutboxRelayDeps) (*OutboxRelay, error) {
	if deps.Outbox == nil {
		return nil, errors.New("outbox relay: outbox repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("outbox relay: order repository is required")
	}
	relay := &OutboxRelay{
		outbox:          deps.Outbox,
		orders:          deps.Orders,
		notifier:        deps.Notifier,
		invoices:        deps.Invoices,
		archive:         deps.Archive,
		shipping:        deps.Shipping,
		refunds:         deps.Refunds,
		maxAttempts:     deps.MaxAttempts,
		initialBackoff:  deps.InitialBackoff,
		maxBackoff:      deps.MaxBackoff,
		batchSize:       deps.BatchSize,
		dispatchTimeout: deps.DispatchTimeout,
		metrics:         newSettlementMetrics(deps.Meter),
	}
	if relay.maxAttempts <= 0 {
		relay.maxAttempts = defaultOutboxMaxAttempts
	}
	if relay.initialBackoff <= 0 {
		relay.initialBackoff = defaultOutboxInitialBackoff
	}
	if relay.maxBackoff < relay.initialBackoff {
		relay.maxBackoff = defaultOutboxMaxBackoff
		if relay.maxBackoff < relay.initialBackoff {
			relay.maxBackoff = relay.initialBackoff
		}
	}
	if relay.batchSize <= 0 {
		relay.batchSize = defaultOutboxBatchSize
	}
	if relay.dispatchTimeout <= 0 {
		relay.dispatchTimeout = defaultOutboxDispatchTimeout
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	relay.clock = func() time.Time { return clock().UTC() }
	relay.logger = deps.Logger
	if relay.logger == nil {
		relay.logger = func(context.Context, string, map[string]any) {}
	}
	return relay, nil
}

// Lease is how long a freshly enqueued intent stays invisible to Drain so the
// committing request can dispatch it first.
func (r *OutboxRelay) Lease() time.Duration {
	return r.initialBackoff
}

// claimLease is how long a claimed intent stays invisible to other
// dispatchers. It outlasts one dispatch attempt.
func (r *OutboxRelay) claimLease() time.Duration {
	return r.dispatchTimeout + r.initialBackoff
}

// claim leases intent to this dispatcher. It returns false when another
// dispatcher got there first or the claim could not be recorded.
func (r *OutboxRelay) claim(ctx context.Context, intent domain.OutboxIntent) (domain.OutboxIntent, bool) {
	claimed, ok, err := r.outbox.Claim(ctx, intent, r.clock().Add(r.claimLease()))
	if err != nil {
		r.logger(ctx, "outbox.intent.claim_failed", map[string]any{"intentId": intent.ID, "error": err.Error()})
		return intent, false
	}
	return claimed, ok
}

// DispatchNow claims and attempts each intent once against the given order
// snapshot and persists the resulting intent state. Intents already claimed
// elsewhere are left out of the outcomes.
func (r *OutboxRelay) DispatchNow(ctx context.Context, order domain.Order, intents []domain.OutboxIntent) []IntentOutcome {
	outcomes := make([]IntentOutcome, 0, len(intents))
	for _, intent := range intents {
		claimed, ok := r.claim(ctx, intent)
		if !ok {
			continue
		}
		outcome := r.attempt(ctx, order, claimed)
		if outcome.Shipment != nil {
			order.Shipment = *outcome.Shipment
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// Drain dispatches due intents in one batch. It returns an error only when the
// due list cannot be read.
func (r *OutboxRelay) Drain(ctx context.Context) (DrainReport, error) {
	ctx, span := startSpan(ctx, "settlement.outbox.drain")
	defer span.End()

	due, err := r.outbox.ListDue(ctx, r.clock(), r.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list due intents")
		return DrainReport{}, fmt.Errorf("outbox relay: list due: %w", err)
	}

	var report DrainReport
	orders := make(map[string]domain.Order)
	for _, listed := range due {
		if ctx.Err() != nil {
			break
		}
		intent, claimed := r.claim(ctx, listed)
		if !claimed {
			continue
		}
		order, ok := orders[intent.OrderID]
		if !ok {
			order, err = r.orders.FindByID(ctx, intent.OrderID)
			if err != nil {
				if repositories.IsNotFound(err) {
					report.Attempted++
					r.finish(ctx, intent, fmt.Errorf("order %s not found", intent.OrderID), true)
					report.Dead++
					continue
				}
				r.logger(ctx, "outbox.drain.order_load_failed", map[string]any{"orderId": intent.OrderID, "error": err.Error()})
				continue
			}
			orders[intent.OrderID] = order
		}

		outcome := r.attempt(ctx, order, intent)
		report.Attempted++
		if outcome.Shipment != nil {
			order.Shipment = *outcome.Shipment
			orders[intent.OrderID] = order
		}
		switch outcome.Intent.Status {
		case domain.IntentStatusDone:
			report.Succeeded++
		case domain.IntentStatusSkipped:
			report.Skipped++
		case domain.IntentStatusDead:
			report.Dead++
		default:
			report.Retrying++
		}
	}
	span.SetAttributes(
		attribute.Int("outbox.attempted", report.Attempted),
		attribute.Int("outbox.dead", report.Dead),
	)
	return report, nil
}

// Run drains the outbox every interval until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.Drain(ctx)
			if err != nil {
				r.logger(ctx, "outbox.drain.failed", map[string]any{"error": err.Error()})
				continue
			}
			if report.Attempted > 0 {
				r.logger(ctx, "outbox.drain.completed", map[string]any{
					"attempted": report.Attempted,
					"succeeded": report.Succeeded,
					"retrying":  report.Retrying,
					"dead":      report.Dead,
					"skipped":   report.Skipped,
				})
			}
		}
	}
}

func (r *OutboxRelay) attempt(ctx context.Context, order domain.Order, intent domain.OutboxIntent) IntentOutcome {
	dispatchCtx, cancel := context.WithTimeout(ctx, r.dispatchTimeout)
	defer cancel()

	outcome := r.execute(dispatchCtx, order, intent)
	outcome.Intent = r.finish(ctx, intent, outcome.Err, false)
	return outcome
}

func (r *OutboxRelay) execute(ctx context.Context, order domain.Order, intent domain.OutboxIntent) (outcome IntentOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome.Err = fmt.Errorf("%s panicked: %v", intent.Kind, rec)
		}
	}()

	if !intentApplies(intent.Kind, order.Status) {
		outcome.Err = fmt.Errorf("%w: order is %s", errIntentObsolete, order.Status)
		return outcome
	}

	switch intent.Kind {
	case domain.IntentCreateShipment:
		if r.shipping == nil {
			outcome.Err = errCollaboratorMissing
			return outcome
		}
		if !order.Shipment.Empty() {
			return outcome
		}
		info, err := r.shipping.CreateShipment(ctx, order)
		if err != nil {
			outcome.Err = err
			return outcome
		}
		outcome.Shipment = &info
		outcome.Effects.ShipmentCreated = true
		if err := r.orders.UpdateShipment(ctx, order.ID, info, r.clock()); err != nil {
			// Retrying would book a second shipment.
			outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("shipment %s created but not recorded on order: %v", info.ShipmentID, err))
			r.logger(ctx, "outbox.shipment.writeback_failed", map[string]any{"orderId": order.ID, "shipmentId": info.ShipmentID, "error": err.Error()})
		}
	case domain.IntentSendConfirmationEmail:
		if r.notifier == nil {
			outcome.Err = errCollaboratorMissing
			return outcome
		}
		invoice := r.renderInvoice(ctx, order, &outcome)
		if err := r.notifier.SendOrderConfirmation(ctx, order, invoice); err != nil {
			outcome.Err = err
			return outcome
		}
		outcome.Effects.EmailSent = true
	case domain.IntentSendCancellationEmail:
		if r.notifier == nil {
			outcome.Err = errCollaboratorMissing
			return outcome
		}
		if err := r.notifier.SendCancellationEmail(ctx, order, intent.Reason); err != nil {
			outcome.Err = err
			return outcome
		}
		outcome.Effects.EmailSent = true
	case domain.IntentSendRefundEmail:
		if r.notifier == nil {
			outcome.Err = errCollaboratorMissing
			return outcome
		}
		if err := r.notifier.SendRefundEmail(ctx, order, intent.Reason); err != nil {
			outcome.Err = err
			return outcome
		}
		outcome.Effects.EmailSent = true
	case domain.IntentIssueRefund:
		if r.refunds == nil || order.PaymentIntentID == "" {
			outcome.Err = errCollaboratorMissing
			return outcome
		}
		refundID, err := r.refunds.IssueRefund(ctx, order, intent.Reason)
		if err != nil {
			outcome.Err = err
			return outcome
		}
		outcome.Effects.RefundIssued = true
		r.logger(ctx, "outbox.refund.issued", map[string]any{"orderId": order.ID, "refundId": refundID})
	default:
		outcome.Err = fmt.Errorf("unknown intent kind %q", intent.Kind)
	}
	return outcome
}

// intentApplies reports whether an order in status still calls for an intent
// of kind. Confirm-time effects need the stock to be held; emails and refunds
// need the terminal status that enqueued them.
func intentApplies(kind domain.IntentKind, status domain.OrderStatus) bool {
	switch kind {
	case domain.IntentCreateShipment, domain.IntentSendConfirmationEmail:
		return status.HoldsStock()
	case domain.IntentSendCancellationEmail:
		return status == domain.OrderStatusCancelled
	case domain.IntentSendRefundEmail, domain.IntentIssueRefund:
		return status == domain.OrderStatusRefunded
	default:
		return true
	}
}

// renderInvoice renders and archives the invoice. Failures become warnings and
// the email is sent without an attachment.
func (r *OutboxRelay) renderInvoice(ctx context.Context, order domain.Order, outcome *IntentOutcome) []byte {
	if r.invoices == nil {
		return nil
	}
	body, err := r.invoices.RenderInvoice(ctx, order)
	if err != nil {
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("invoice rendering failed: %v", err))
		return nil
	}
	outcome.Effects.InvoiceRendered = true
	if r.archive != nil {
		location, err := r.archive.StoreInvoice(ctx, order.ID, body)
		if err != nil {
			outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("invoice archive failed: %v", err))
		} else {
			outcome.Effects.InvoiceArchived = true
			r.logger(ctx, "outbox.invoice.archived", map[string]any{"orderId": order.ID, "location": location})
		}
	}
	return body
}

// finish updates the intent after an attempt and persists it. dead forces
// dead-lettering regardless of remaining attempts.
func (r *OutboxRelay) finish(ctx context.Context, intent domain.OutboxIntent, err error, dead bool) domain.OutboxIntent {
	now := r.clock()
	intent.UpdatedAt = now
	outcome := "done"
	switch {
	case errors.Is(err, errCollaboratorMissing):
		intent.Status = domain.IntentStatusSkipped
		intent.LastError = err.Error()
		outcome = "skipped"
	case errors.Is(err, errIntentObsolete):
		intent.Status = domain.IntentStatusSkipped
		intent.LastError = err.Error()
		outcome = "obsolete"
	case err == nil:
		intent.Attempts++
		intent.Status = domain.IntentStatusDone
		intent.LastError = ""
	default:
		intent.Attempts++
		intent.LastError = err.Error()
		if dead || intent.Attempts >= r.maxAttempts {
			intent.Status = domain.IntentStatusDead
			outcome = "dead"
		} else {
			intent.Status = domain.IntentStatusPending
			intent.NextAttemptAt = now.Add(r.backoff(intent.Attempts))
			outcome = "retry"
		}
	}
	r.metrics.recordDispatch(ctx, string(intent.Kind), outcome)
	if outcome != "done" {
		r.logger(ctx, "outbox.intent."+outcome, map[string]any{
			"intentId": intent.ID,
			"orderId":  intent.OrderID,
			"kind":     string(intent.Kind),
			"attempts": intent.Attempts,
			"error":    intent.LastError,
		})
	}
	if saveErr := r.outbox.Save(ctx, intent); saveErr != nil {
		r.logger(ctx, "outbox.intent.save_failed", map[string]any{"intentId": intent.ID, "error": saveErr.Error()})
	}
	return intent
}

// backoff returns the jittered delay before attempt number attempts+1.
func (r *OutboxRelay) backoff(attempts int) time.Duration {
	bo := gax.Backoff{Initial: r.initialBackoff, Max: r.maxBackoff, Multiplier: 2}
	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = bo.Pause()
	}
	return delay
}
