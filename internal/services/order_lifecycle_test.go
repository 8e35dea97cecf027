package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/money"
	"github.com/hanko-field/settlement/internal/repositories/memory"
)

type stubNotifier struct {
	mu            sync.Mutex
	confirmations []string
	invoices      [][]byte
	cancellations []string
	refunds       []string
	err           error
}

func (s *stubNotifier) SendOrderConfirmation(_ context.Context, order domain.Order, invoice []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.confirmations = append(s.confirmations, order.ID)
	s.invoices = append(s.invoices, invoice)
	return nil
}

func (s *stubNotifier) SendCancellationEmail(_ context.Context, order domain.Order, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cancellations = append(s.cancellations, order.ID+":"+reason)
	return nil
}

func (s *stubNotifier) SendRefundEmail(_ context.Context, order domain.Order, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.refunds = append(s.refunds, order.ID+":"+reason)
	return nil
}

type stubShipping struct {
	mu      sync.Mutex
	created []string
	err     error
	track   domain.TrackingInfo
}

func (s *stubShipping) CreateShipment(_ context.Context, order domain.Order) (domain.ShipmentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.ShipmentInfo{}, s.err
	}
	s.created = append(s.created, order.ID)
	return domain.ShipmentInfo{ProviderOrderID: "sr-" + order.ID, ShipmentID: "shp-" + order.ID, AWBCode: "AWB1", CourierName: "Delhivery"}, nil
}

func (s *stubShipping) TrackShipment(_ context.Context, shipmentID, awbCode string) (domain.TrackingInfo, error) {
	if s.err != nil {
		return domain.TrackingInfo{}, s.err
	}
	info := s.track
	info.AWBCode = awbCode
	return info, nil
}

type stubRefunds struct {
	issued []string
	err    error
}

func (s *stubRefunds) IssueRefund(_ context.Context, order domain.Order, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.issued = append(s.issued, order.PaymentIntentID)
	return "re_1", nil
}

type stubInvoices struct{ err error }

func (s stubInvoices) RenderInvoice(_ context.Context, order domain.Order) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte("invoice " + order.ID), nil
}

type lifecycleHarness struct {
	store    *memory.Store
	manager  *LifecycleManager
	relay    *OutboxRelay
	notifier *stubNotifier
	shipping *stubShipping
	refunds  *stubRefunds
	now      time.Time
}

var testActor = domain.Actor{ID: "admin-1", Email: "ops@example.com"}

func newLifecycleHarness(t *testing.T) *lifecycleHarness {
	t.Helper()
	h := &lifecycleHarness{
		store:    memory.NewStore(),
		notifier: &stubNotifier{},
		shipping: &stubShipping{},
		refunds:  &stubRefunds{},
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	var seq atomic.Int64
	idGen := func() string { return fmt.Sprintf("%04d", seq.Add(1)) }

	relay, err := NewOutboxRelay(OutboxRelayDeps{
		Outbox:   h.store,
		Orders:   h.store,
		Notifier: h.notifier,
		Invoices: stubInvoices{},
		Shipping: h.shipping,
		Refunds:  h.refunds,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("NewOutboxRelay: %v", err)
	}
	h.relay = relay

	pricer := NewOrderPricer(OrderPricerDeps{Shipping: NewShippingCalculator(DefaultShippingPolicy()), DefaultCommissionRate: dec("5"), Clock: clock})
	manager, err := NewLifecycleManager(LifecycleDeps{
		UnitOfWork:  h.store,
		Rates:       h.store,
		Pricer:      pricer,
		Dispatcher:  relay,
		OutboxLease: relay.Lease(),
		Clock:       clock,
		IDGenerator: idGen,
	})
	if err != nil {
		t.Fatalf("NewLifecycleManager: %v", err)
	}
	h.manager = manager
	return h
}

func (h *lifecycleHarness) seedOrder(id string, status domain.OrderStatus, items ...domain.OrderItem) {
	h.store.SeedOrder(domain.Order{
		ID:            id,
		Items:         items,
		Address:       pricingAddress,
		Customer:      domain.Customer{Name: "Asha", Email: "asha@example.com"},
		Status:        status,
		PaymentStatus: domain.PaymentStatusCompleted,
	})
}

func (h *lifecycleHarness) order(t *testing.T, id string) domain.Order {
	t.Helper()
	order, err := h.store.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID(%s): %v", id, err)
	}
	return order
}

func line(productID string, qty int) domain.OrderItem {
	return domain.OrderItem{ProductID: productID, Name: productID, Price: dec("100"), Quantity: qty}
}

func TestPlaceAndConfirmHappyPath(t *testing.T) {
	h := newLifecycleHarness(t)
	h.store.SeedProduct(domain.StockRecord{ProductID: "p1", StockQuantity: 5})
	ctx := context.Background()

	placed, err := h.manager.Place(ctx, PlaceOrderCommand{
		Items:    []domain.OrderItem{line("p1", 2)},
		Address:  pricingAddress,
		Customer: domain.Customer{Email: "asha@example.com"},
		Actor:    testActor,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if !placed.Success || placed.Order.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected place result %#v", placed)
	}
	if placed.Order.ID != "ord_0001" {
		t.Fatalf("expected generated id ord_0001, got %s", placed.Order.ID)
	}
	want := money.Round2(placed.Order.Subtotal.Add(placed.Order.Shipping).Sub(placed.Order.Discount))
	if !placed.Order.Total.Equal(want) || !placed.Order.Total.Equal(dec("300")) {
		t.Fatalf("unexpected total %s", placed.Order.Total)
	}

	confirmed, err := h.manager.Confirm(ctx, TransitionCommand{OrderID: placed.Order.ID, Actor: testActor})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !confirmed.Success || confirmed.Outcome != OutcomeApplied {
		t.Fatalf("expected confirm applied, got %#v", confirmed)
	}
	if len(confirmed.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", confirmed.Warnings)
	}
	fx := confirmed.SideEffects
	if !fx.StockAdjusted || !fx.ShipmentCreated || !fx.EmailSent || !fx.InvoiceRendered {
		t.Fatalf("expected all side effects, got %#v", fx)
	}

	stored := h.order(t, placed.Order.ID)
	if stored.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", stored.Status)
	}
	if stored.Shipment.AWBCode != "AWB1" {
		t.Fatalf("expected shipment recorded, got %#v", stored.Shipment)
	}
	if len(stored.ActionHistory) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(stored.ActionHistory))
	}
	latest, _ := LatestAction(stored)
	if latest.Action != domain.ActionOrderConfirmed || latest.PerformedBy != "ops@example.com" ||
		latest.PreviousStatus != domain.OrderStatusPending || latest.NewStatus != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected ledger entry %#v", latest)
	}
	if stockOf(t, h.store, "p1") != 3 {
		t.Fatalf("expected stock 3, got %d", stockOf(t, h.store, "p1"))
	}
	if len(h.notifier.invoices) != 1 || string(h.notifier.invoices[0]) != "invoice "+placed.Order.ID {
		t.Fatalf("expected invoice attached to confirmation")
	}
	for _, intent := range h.store.Intents() {
		if intent.Status != domain.IntentStatusDone {
			t.Fatalf("expected intent %s done, got %s", intent.Kind, intent.Status)
		}
	}
}

func TestConfirmBlockedByInsufficientStock(t *testing.T) {
	h := newLifecycleHarness(t)
	h.store.SeedProduct(domain.StockRecord{ProductID: "p1", StockQuantity: 3})
	h.seedOrder("o1", domain.OrderStatusPending, line("p1", 5))

	result, err := h.manager.Confirm(context.Background(), TransitionCommand{OrderID: "o1", Actor: testActor})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if result.Success || result.Outcome != OutcomeRejected {
		t.Fatalf("expected rejection, got %#v", result)
	}
	if len(result.InsufficientStock) != 1 || result.InsufficientStock[0] != (StockShortfall{ProductID: "p1", Requested: 5, Available: 3}) {
		t.Fatalf("unexpected shortfall %#v", result.InsufficientStock)
	}
	stored := h.order(t, "o1")
	if stored.Status != domain.OrderStatusPending || len(stored.ActionHistory) != 0 {
		t.Fatalf("order must be untouched, got status %s with %d entries", stored.Status, len(stored.ActionHistory))
	}
	if stockOf(t, h.store, "p1") != 3 {
		t.Fatalf("stock must be untouched")
	}
	if len(h.store.Intents()) != 0 {
		t.Fatalf("no intents may be enqueued on rejection")
	}
}

func TestConfirmAbortsWhenProductVanishes(t *testing.T) {
	h := newLifecycleHarness(t)
	h.store.SeedProduct(domain.StockRecord{ProductID: "p1", StockQuantity: 3})
	h.seedOrder("o1", domain.OrderStatusPending, line("p1", 1), line("ghost", 1))

	result, err := h.manager.Confirm(context.Background(), TransitionCommand{OrderID: "o1", Actor: testActor})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if result.Outcome != OutcomeRejected {
		t.Fatalf("expected rejection for missing product, got %s", result.Outcome)
	}
	if stockOf(t, h.store, "p1") != 3 {
		t.Fatalf("partial decrement must be discarded")
	}
}

func TestConfirmEmailFailureIsWarning(t *testing.T) {
	h := newLifecycleHarness(t)
	h.notifier.err = errors.New("smtp down")
	h.store.SeedProduct(domain.StockRecord{ProductID: "p1", StockQuantity: 2})
	h.seedOrder("o1", domain.OrderStatusPending, line("p1", 1))

	result, err := h.manager.Confirm(context.Background(), TransitionCommand{OrderID: "o1", Actor: testActor})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !result.Success {
		t.Fatalf("email failure must not fail the transition: %#v", result)
	}
	if result.SideEffects.EmailSent || !result.SideEffects.ShipmentCreated {
		t.Fatalf("unexpected side effects %#v", result.SideEffects)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", result.Warnings)
	}
	if h.order(t, "o1").Status != domain.OrderStatusConfirmed {
		t.Fatalf("state change must be committed")
	}

	var emailIntent domain.OutboxIntent
	for _, intent := range h.store.Intents() {
		if intent.Kind == domain.IntentSendConfirmationEmail {
			emailIntent = intent
		}
	}
	if emailIntent.Status != domain.IntentStatusPending || emailIntent.Attempts != 1 || emailIntent.LastError != "smtp down" {
		t.Fatalf("expected pending retry, got %#v", emailIntent)
	}
	if !emailIntent.NextAttemptAt.After(h.now) {
		t.Fatalf("expected next attempt scheduled in the future")
	}
}

func TestRetriedConfirmEffectsSkippedAfterCancel(t *testing.T) {
	h := newLifecycleHarness(t)
	h.notifier.err = errors.New("smtp down")
	h.shipping.err = errors.New("courier api down")
	h.store.SeedProduct(domain.StockRecord{ProductID: "p1", StockQuantity: 2})
	h.seedOrder("o1", domain.OrderStatusPending, line("p1", 1))
	ctx := context.Background()

	confirmed, err := h.manager.Confirm(ctx, TransitionCommand{OrderID: "o1", Actor: testActor})
	if err != nil || !confirmed.Success || len(confirmed.Warnings) != 2 {
		t.Fatalf("expected confirm with two retry warnings, got %#v %v", confirmed, err)
	}

	h.notifier.err = nil
	h.shipping.err = nil
	cancelled, err := h.manager.Cancel(ctx, TransitionCommand{OrderID: "o1", Actor: testActor, Reason: "changed mind"})
	if err != nil || !cancelled.Success {
		t.Fatalf("Cancel: %#v %v", cancelled, err)
	}

	h.now = h.now.Add(2 * time.Hour)
	report, err := h.relay.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Skipped != 2 || report.Succeeded != 0 {
		t.Fatalf("expected both confirm-time intents skipped, got %#v", report)
	}
	if len(h.shipping.created) != 0 || len(h.notifier.confirmations) != 0 {
		t.Fatalf("confirm-time effects ran for a cancelled order: shipments=%v confirmations=%v", h.shipping.created, h.notifier.confirmations)
	}
	stored := h.order(t, "o1")
	if stored.Status != domain.OrderStatusCancelled || !stored.Shipment.Empty() {
		t.Fatalf("unexpected order %s / %#v", stored.Status, stored.Shipment)
	}
	if len(h.notifier.cancellations) != 1 {
		t.Fatalf("expected one cancellation email, got %v", h.notifier.cancellations)
	}
}

func TestRefundKeepsUncollectedPaymentStatus(t *testing.T) {
	tests := []struct {
		name    string
		payment domain.PaymentStatus
	}{
		{name: "pending", payment: domain.PaymentStatusPending},
		{name: "failed", payment: domain.PaymentStatusFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newLifecycleHarness(t)
			h.store.SeedProduct(domain.StockRecord{ProductID: "p1", StockQuantity: 0})
			h.seedOrder("o1", domain.OrderStatusConfirmed, line("p1", 1))
			order := h.order(t, "o1")
			order.PaymentStatus = tc.payment
			order.PaymentIntentID = "pi_9"
			h.store.SeedOrder(order)

			result, err := h.manager.Refund(context.Background(), TransitionCommand{OrderID: "o1", Actor: testActor})
			if err != nil || !result.Success {
				t.Fatalf("Refund: %#v %v", result, err)
			}
			stored := h.order(t, "o1")
			if stored.Status != domain.OrderStatusRefunded || stored.PaymentStatus != tc.payment {
				t.Fatalf("unexpected statuses %s/%s", stored.Status, stored.PaymentStatus)
			}
			if len(h.refunds.issued) != 0 || result.SideEffects.RefundIssued {
				t.Fatalf("no PSP refund expected for uncollected payment, got %v", h.refunds.issued)
			}
			for _, intent := range h.store.Intents() {
				if intent.Kind == domain.IntentIssueRefund {
					t.Fatalf("unexpected issue_refund intent %#v", intent)
				}
			}
		})
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newLifecycleHarness(t)
	h.store.SeedProduct(domain.StockRecord{ProductID: "p1", StockQuantity: 4})
	h.seedOrder("o1", domain.OrderStatusConfirmed, line("p1", 2), line("p1", 1))
	ctx := context.Background()

	first, err := h.manager.Cancel(ctx, TransitionCommand{OrderID: "o1", Actor: testActor, Reason: "customer <b>changed</b> mind"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !first.Success || !first.SideEffects.StockAdjusted || !first.SideEffects.EmailSent {
		t.Fatalf("unexpected first cancel %#v", first)
	}
	if stockOf(t, h.store, "p1") != 7 {
		t.Fatalf("expected stock restored to 7, got %d", stockOf(t, h.store, "p1"))
	}
	stored := h.order(t, "o1")
	if stored.CancellationReason != "customer changed mind" {
		t.Fatalf("unexpected cancellation reason %q", stored.CancellationReason)
	}

	second, err := h.manager.Cancel(ctx, TransitionCommand{OrderID: "o1", Actor: testActor})
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if second.Success || second.Outcome != OutcomeNotApplicable {
		t.Fatalf("expected not applicable, got %#v", second)
	}
	if stockOf(t, h.store, "p1") != 7 {
		t.Fatalf("second cancel must not touch stock")
	}
	if got := len(h.order(t, "o1").ActionHistory); got != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", got)
	}
	if len(h.notifier.cancellations) != 1 {
		t.Fatalf("expected one cancellation email, got %d", len(h.notifier.cancellations))
	}
}

func TestCancelPendingRestoresNothing(t *testing.T) {
	h := newLifecycleHarness(t)
	h.store.SeedProduct(domain.StockRecord{ProductID: "p1", StockQuantity: 4})
	h.seedOrder("o1", domain.OrderStatusPending, line("p1", 2))

	result, err := h.manager.Cancel(context.Background(), TransitionCommand{OrderID: "o1", Actor: testActor})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !result.Success || result.SideEffects.StockAdjusted {
		t.Fatalf("unexpected result %#v", result)
	}
	if stockOf(t, h.store, "p1") != 4 {
		t.Fatalf("pending cancel must not restore stock")
	}
}

func TestCancelWithDeletedProductWarns(t *testing.T) {
	h := newLifecycleHarness(t)
	h.store.SeedProduct(domain.StockRecord{ProductID: "p1", StockQuantity: 0})
	h.seedOrder("o1", domain.OrderStatusShipped, line("p1", 1), line("deleted", 2))

	result, err := h.manager.Cancel(context.Background(), TransitionCommand{OrderID: "o1", Actor: testActor})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !result.Success {
		t.Fatalf("missing product must not block cancel: %#v", result)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one stock warning, got %v", result.Warnings)
	}
	if stockOf(t, h.store, "p1") != 1 {
		t.Fatalf("expected p1 restored")
	}
}

func TestRefundTransitions(t *testing.T) {
	h := newLifecycleHarness(t)
	h.store.SeedProduct(domain.StockRecord{ProductID: "p1", StockQuantity: 0})
	h.seedOrder("pending", domain.OrderStatusPending, line("p1", 1))
	h.seedOrder("paid", domain.OrderStatusDelivered, line("p1", 2))
	paid := h.order(t, "paid")
	paid.PaymentIntentID = "pi_123"
	h.store.SeedOrder(paid)
	ctx := context.Background()

	rejected, err := h.manager.Refund(ctx, TransitionCommand{OrderID: "pending", Actor: testActor})
	if err != nil {
		t.Fatalf("Refund pending: %v", err)
	}
	if rejected.Outcome != OutcomeRejected {
		t.Fatalf("expected pending refund rejected, got %s", rejected.Outcome)
	}

	refunded, err := h.manager.Refund(ctx, TransitionCommand{OrderID: "paid", Actor: testActor, Reason: "damaged"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if !refunded.Success || !refunded.SideEffects.RefundIssued || !refunded.SideEffects.EmailSent {
		t.Fatalf("unexpected refund result %#v", refunded)
	}
	stored := h.order(t, "paid")
	if stored.Status != domain.OrderStatusRefunded || stored.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("unexpected statuses %s/%s", stored.Status, stored.PaymentStatus)
	}
	if stockOf(t, h.store, "p1") != 2 {
		t.Fatalf("expected stock restored")
	}
	if len(h.refunds.issued) != 1 || h.refunds.issued[0] != "pi_123" {
		t.Fatalf("expected PSP refund for pi_123, got %v", h.refunds.issued)
	}

	again, err := h.manager.Refund(ctx, TransitionCommand{OrderID: "paid", Actor: testActor})
	if err != nil {
		t.Fatalf("second Refund: %v", err)
	}
	if again.Outcome != OutcomeNotApplicable || stockOf(t, h.store, "p1") != 2 || len(h.order(t, "paid").ActionHistory) != 1 {
		t.Fatalf("second refund must be a no-op, got %#v", again)
	}

	cancelAfterRefund, err := h.manager.Cancel(ctx, TransitionCommand{OrderID: "paid", Actor: testActor})
	if err != nil {
		t.Fatalf("Cancel refunded: %v", err)
	}
	if cancelAfterRefund.Outcome != OutcomeNotApplicable {
		t.Fatalf("cancelling a refunded order must be not applicable, got %s", cancelAfterRefund.Outcome)
	}
}

func TestShipAndDeliver(t *testing.T) {
	h := newLifecycleHarness(t)
	h.seedOrder("o1", domain.OrderStatusPending, line("p1", 1))
	ctx := context.Background()
	cmd := TransitionCommand{OrderID: "o1", Actor: testActor}

	if res, _ := h.manager.MarkShipped(ctx, cmd); res.Outcome != OutcomeRejected {
		t.Fatalf("pending order cannot ship, got %s", res.Outcome)
	}

	confirmed := h.order(t, "o1")
	confirmed.Status = domain.OrderStatusConfirmed
	h.store.SeedOrder(confirmed)

	if res, _ := h.manager.MarkDelivered(ctx, cmd); res.Outcome != OutcomeRejected {
		t.Fatalf("confirmed order cannot be delivered, got %s", res.Outcome)
	}
	if res, err := h.manager.MarkShipped(ctx, cmd); err != nil || !res.Success {
		t.Fatalf("MarkShipped: %v %#v", err, res)
	}
	if res, _ := h.manager.MarkShipped(ctx, cmd); res.Outcome != OutcomeNotApplicable {
		t.Fatalf("re-shipping must be not applicable, got %s", res.Outcome)
	}
	if res, err := h.manager.MarkDelivered(ctx, cmd); err != nil || !res.Success {
		t.Fatalf("MarkDelivered: %v %#v", err, res)
	}
	stored := h.order(t, "o1")
	if stored.Status != domain.OrderStatusDelivered || len(ActionsByType(stored, domain.ActionOrderShipped)) != 1 {
		t.Fatalf("unexpected final state %s with history %#v", stored.Status, stored.ActionHistory)
	}
}

// Two orders compete for the last unit; exactly one may win.
func TestConcurrentConfirmCannotOversell(t *testing.T) {
	h := newLifecycleHarness(t)
	h.store.SeedProduct(domain.StockRecord{ProductID: "p1", StockQuantity: 1})
	h.seedOrder("o1", domain.OrderStatusPending, line("p1", 1))
	h.seedOrder("o2", domain.OrderStatusPending, line("p1", 1))

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for _, id := range []string{"o1", "o2"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.manager.Confirm(context.Background(), TransitionCommand{OrderID: id, Actor: testActor})
			if err != nil {
				t.Errorf("Confirm(%s): %v", id, err)
				return
			}
			if res.Success {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	if applied.Load() != 1 {
		t.Fatalf("expected exactly one confirmation, got %d", applied.Load())
	}
	if stockOf(t, h.store, "p1") != 0 {
		t.Fatalf("expected stock 0, got %d", stockOf(t, h.store, "p1"))
	}
}

func TestPlaceWithCoupon(t *testing.T) {
	h := newLifecycleHarness(t)
	h.store.SeedCoupon(domain.Coupon{Code: "TEN", DiscountType: domain.DiscountTypePercentage, DiscountValue: dec("10"), IsActive: true, UsageLimit: 1})
	ctx := context.Background()
	cmd := PlaceOrderCommand{Items: []domain.OrderItem{line("p1", 10)}, Address: pricingAddress, CouponCode: "ten", Actor: testActor}

	first, err := h.manager.Place(ctx, cmd)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if !first.Success || first.Order.CouponCode != "TEN" || !first.Order.Discount.Equal(dec("100")) {
		t.Fatalf("unexpected placement %#v", first)
	}
	// subtotal 1000 is not above the threshold, so shipping is 100
	if !first.Order.Total.Equal(dec("1000")) {
		t.Fatalf("expected total 1000, got %s", first.Order.Total)
	}
	coupon, _ := h.store.FindByCode(ctx, "TEN")
	if coupon.UsageCount != 1 {
		t.Fatalf("expected usage count 1, got %d", coupon.UsageCount)
	}

	second, err := h.manager.Place(ctx, cmd)
	if err != nil {
		t.Fatalf("second Place: %v", err)
	}
	if second.Success || second.Outcome != OutcomeRejected || second.Errors[0] != CouponReasonUsageLimit {
		t.Fatalf("expected usage limit rejection, got %#v", second)
	}
}

func TestLifecycleInputErrors(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Confirm(ctx, TransitionCommand{OrderID: "o1"}); !errors.Is(err, ErrLifecycleInvalidInput) {
		t.Fatalf("expected invalid input without actor, got %v", err)
	}
	if _, err := h.manager.Cancel(ctx, TransitionCommand{OrderID: "missing", Actor: testActor}); !errors.Is(err, ErrLifecycleNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.manager.Place(ctx, PlaceOrderCommand{Items: []domain.OrderItem{line("p1", 1)}, Actor: testActor}); !errors.Is(err, ErrLifecycleInvalidInput) {
		t.Fatalf("expected invalid address error, got %v", err)
	}
}
