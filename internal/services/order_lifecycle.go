package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/textutil"
	"github.com/hanko-field/settlement/internal/repositories"
)

var (
	// ErrLifecycleInvalidInput indicates the command itself was malformed.
	ErrLifecycleInvalidInput = errors.New("lifecycle: invalid input")
	// ErrLifecycleNotFound indicates the order does not exist.
	ErrLifecycleNotFound = errors.New("lifecycle: order not found")
	// ErrLifecycleConflict indicates a concurrent writer won the transaction.
	ErrLifecycleConflict = errors.New("lifecycle: conflict")
	// ErrLifecycleUnavailable indicates the store could not be reached.
	ErrLifecycleUnavailable = errors.New("lifecycle: store unavailable")
)

// errTransitionAborted discards staged writes after a guard failed mid-transaction.
var errTransitionAborted = errors.New("lifecycle: transition aborted")

const (
	orderIDPrefix  = "ord_"
	actionIDPrefix = "act_"
	intentIDPrefix = "obx_"
)

// TransitionOutcome classifies a lifecycle call.
type TransitionOutcome string

const (
	// OutcomeApplied means the state change committed.
	OutcomeApplied TransitionOutcome = "applied"
	// OutcomeNotApplicable means the order was already in the requested state.
	OutcomeNotApplicable TransitionOutcome = "not_applicable"
	// OutcomeRejected means a guard blocked the transition and nothing was written.
	OutcomeRejected TransitionOutcome = "rejected"
)

// TransitionResult is returned by every lifecycle operation. Callers branch on
// Success for the core state change and surface Warnings informationally.
type TransitionResult struct {
	Success           bool
	Outcome           TransitionOutcome
	Errors            []string
	Warnings          []string
	SideEffects       SideEffects
	Order             domain.Order
	InsufficientStock []StockShortfall
}

// TransitionCommand requests a guarded state change on an existing order.
type TransitionCommand struct {
	OrderID string
	Actor   domain.Actor
	Reason  string
}

// PlaceOrderCommand creates a pending order.
type PlaceOrderCommand struct {
	Items           []domain.OrderItem
	Address         domain.Address
	Customer        domain.Customer
	CouponCode      string
	PaymentIntentID string
	PaymentStatus   domain.PaymentStatus
	Actor           domain.Actor
}

// LifecycleDeps wires the lifecycle manager.
type LifecycleDeps struct {
	UnitOfWork repositories.UnitOfWork
	Rates      repositories.ShippingRateRepository
	Pricer     *OrderPricer
	Stock      *StockService
	// Dispatcher runs committed intents immediately. When nil, intents wait for the relay.
	Dispatcher IntentDispatcher
	// OutboxLease delays relay pickup of new intents while the request dispatches them.
	OutboxLease time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
	Meter       metric.Meter
}

// LifecycleManager orchestrates place, confirm, cancel, refund, ship and
// deliver transitions over a single settlement transaction.
type LifecycleManager struct {
	unitOfWork repositories.UnitOfWork
	rates      repositories.ShippingRateRepository
	pricer     *OrderPricer
	stock      *StockService
	dispatcher IntentDispatcher
	lease      time.Duration
	clock      func() time.Time
	newID      func() string
	recorder   actionRecorder
	logger     func(context.Context, string, map[string]any)
	metrics    settlementMetrics
}

// NewLifecycleManager validates dependencies and applies defaults.
func NewLifecycleManager(deps LifecycleDeps) (*LifecycleManager, error) {
	if deps.UnitOfWork == nil {
		return nil, errors.New("lifecycle manager: unit of work is required")
	}
	if deps.Pricer == nil {
		return nil, errors.New("lifecycle manager: pricer is required")
	}

	stock := deps.Stock
	if stock == nil {
		stock = NewStockService(deps.Logger)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	lease := deps.OutboxLease
	if lease <= 0 {
		lease = defaultOutboxInitialBackoff
	}

	return &LifecycleManager{
		unitOfWork: deps.UnitOfWork,
		rates:      deps.Rates,
		pricer:     deps.Pricer,
		stock:      stock,
		dispatcher: deps.Dispatcher,
		lease:      lease,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		recorder: actionRecorder{newID: func() string { return actionIDPrefix + idGen() }},
		logger:   logger,
		metrics:  newSettlementMetrics(deps.Meter),
	}, nil
}

// txPlan collects what a transition decided inside the transaction. It is
// reset on every attempt because the store may retry the callback.
type txPlan struct {
	result  TransitionResult
	intents []domain.OutboxIntent
}

func (p *txPlan) apply(order domain.Order) {
	p.result.Outcome = OutcomeApplied
	p.result.Order = order
}

func (p *txPlan) notApplicable(order domain.Order, message string) {
	p.result.Outcome = OutcomeNotApplicable
	p.result.Order = order
	p.result.Errors = append(p.result.Errors, message)
}

func (p *txPlan) reject(order domain.Order, messages ...string) {
	p.result.Outcome = OutcomeRejected
	p.result.Order = order
	p.result.Errors = append(p.result.Errors, messages...)
}

type transitionFunc func(ctx context.Context, tx repositories.SettlementTx, order domain.Order, now time.Time, plan *txPlan) error

// Place creates a pending order, applying and consuming the coupon in the same transaction.
func (m *LifecycleManager) Place(ctx context.Context, cmd PlaceOrderCommand) (TransitionResult, error) {
	ctx, span := startSpan(ctx, "settlement.order.place")
	defer span.End()

	if cmd.Actor.Empty() {
		return TransitionResult{}, fmt.Errorf("%w: actor is required", ErrLifecycleInvalidInput)
	}
	if err := ValidateOrderItems(cmd.Items); err != nil {
		return TransitionResult{}, fmt.Errorf("%w: %v", ErrLifecycleInvalidInput, err)
	}
	if err := ValidateAddress(cmd.Address); err != nil {
		return TransitionResult{}, fmt.Errorf("%w: %v", ErrLifecycleInvalidInput, err)
	}
	paymentStatus := cmd.PaymentStatus
	if paymentStatus == "" {
		paymentStatus = domain.PaymentStatusPending
	}

	rates, err := m.loadRates(ctx)
	if err != nil {
		return TransitionResult{}, err
	}

	now := m.clock()
	orderID := orderIDPrefix + m.newID()
	code := domain.NormalizeCouponCode(cmd.CouponCode)

	var plan txPlan
	err = m.unitOfWork.RunInTx(ctx, func(ctx context.Context, tx repositories.SettlementTx) error {
		plan = txPlan{}

		var coupon *domain.Coupon
		if code != "" {
			found, err := tx.GetCoupon(ctx, code)
			switch {
			case err == nil:
				coupon = &found
			case repositories.IsNotFound(err):
			default:
				return err
			}
		}

		breakdown := m.pricer.Price(PricingRequest{
			Items:      cmd.Items,
			Address:    cmd.Address,
			CouponCode: code,
			Coupon:     coupon,
			Rates:      rates,
			Now:        now,
		})
		if code != "" && !breakdown.CouponApplied {
			plan.reject(domain.Order{}, breakdown.Coupon.Reason)
			return nil
		}

		order := domain.Order{
			ID:              orderID,
			Address:         cmd.Address,
			Customer:        cmd.Customer,
			Status:          domain.OrderStatusPending,
			PaymentStatus:   paymentStatus,
			PaymentIntentID: strings.TrimSpace(cmd.PaymentIntentID),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		applyBreakdown(&order, breakdown)

		if breakdown.CouponApplied {
			coupon.UsageCount++
			if err := tx.PutCoupon(ctx, *coupon); err != nil {
				return err
			}
		}

		order = AppendAction(order, m.recorder.entry(domain.ActionOrderCreated, cmd.Actor, "", domain.OrderStatusPending, "", map[string]any{
			"total":      breakdown.Total.StringFixed(2),
			"couponCode": breakdown.CouponCode,
		}, now))
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		plan.apply(order)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "place order")
		return TransitionResult{}, m.mapRepositoryError(err)
	}
	return m.finalize(ctx, "place", plan), nil
}

// Confirm moves a pending order to confirmed. Insufficient stock blocks the
// transition entirely and reports every short product.
func (m *LifecycleManager) Confirm(ctx context.Context, cmd TransitionCommand) (TransitionResult, error) {
	return m.transition(ctx, "confirm", cmd, func(ctx context.Context, tx repositories.SettlementTx, order domain.Order, now time.Time, plan *txPlan) error {
		switch order.Status {
		case domain.OrderStatusPending:
		case domain.OrderStatusConfirmed, domain.OrderStatusShipped, domain.OrderStatusDelivered:
			plan.notApplicable(order, fmt.Sprintf("order is already %s", order.Status))
			return nil
		default:
			plan.reject(order, fmt.Sprintf("cannot confirm an order in status %s", order.Status))
			return nil
		}

		check, err := m.stock.CheckOrderStock(ctx, tx, order.Items)
		if err != nil {
			var stockErr *repositories.StockError
			if errors.As(err, &stockErr) {
				plan.reject(order, stockErr.Message)
				return nil
			}
			return err
		}
		if !check.CanFulfill {
			messages := make([]string, 0, len(check.InsufficientStock))
			for _, short := range check.InsufficientStock {
				messages = append(messages, fmt.Sprintf("insufficient stock for %s: requested %d, available %d", short.ProductID, short.Requested, short.Available))
			}
			plan.reject(order, messages...)
			plan.result.InsufficientStock = check.InsufficientStock
			return nil
		}

		adjustment, err := m.stock.ReduceStock(ctx, tx, order.Items, now)
		if err != nil {
			return err
		}
		if adjustment.Failed() {
			messages := make([]string, 0, len(adjustment.Failures))
			for _, failure := range adjustment.Failures {
				messages = append(messages, failure.Message)
			}
			plan.reject(order, messages...)
			return errTransitionAborted
		}

		next := order
		next.Status = domain.OrderStatusConfirmed
		next.UpdatedAt = now
		next = AppendAction(next, m.recorder.entry(domain.ActionOrderConfirmed, cmd.Actor, order.Status, next.Status, "", map[string]any{
			"stockAdjusted": adjustment.Adjusted,
		}, now))
		if err := tx.PutOrder(ctx, next); err != nil {
			return err
		}
		if err := m.enqueue(ctx, tx, plan, next.ID, now, "", domain.IntentCreateShipment, domain.IntentSendConfirmationEmail); err != nil {
			return err
		}
		plan.result.SideEffects.StockAdjusted = len(adjustment.Adjusted) > 0
		plan.apply(next)
		return nil
	})
}

// Cancel moves any non-terminal order to cancelled, restoring stock when it
// had been decremented. Products that no longer exist become warnings.
func (m *LifecycleManager) Cancel(ctx context.Context, cmd TransitionCommand) (TransitionResult, error) {
	return m.transition(ctx, "cancel", cmd, func(ctx context.Context, tx repositories.SettlementTx, order domain.Order, now time.Time, plan *txPlan) error {
		if order.Status.Terminal() {
			plan.notApplicable(order, fmt.Sprintf("order is already %s", order.Status))
			return nil
		}
		if !order.Status.Valid() {
			plan.reject(order, fmt.Sprintf("cannot cancel an order in status %q", order.Status))
			return nil
		}

		reason := textutil.SanitizeText(cmd.Reason, actionReasonLimit)
		details, err := m.restoreHeldStock(ctx, tx, order, now, plan)
		if err != nil {
			return err
		}

		next := order
		next.Status = domain.OrderStatusCancelled
		next.CancellationReason = reason
		next.UpdatedAt = now
		next = AppendAction(next, m.recorder.entry(domain.ActionOrderCancelled, cmd.Actor, order.Status, next.Status, reason, details, now))
		if err := tx.PutOrder(ctx, next); err != nil {
			return err
		}
		if err := m.enqueue(ctx, tx, plan, next.ID, now, reason, domain.IntentSendCancellationEmail); err != nil {
			return err
		}
		plan.apply(next)
		return nil
	})
}

// Refund moves a confirmed, shipped or delivered order to refunded, restores
// stock and requests the payment refund when a payment intent is on file.
func (m *LifecycleManager) Refund(ctx context.Context, cmd TransitionCommand) (TransitionResult, error) {
	return m.transition(ctx, "refund", cmd, func(ctx context.Context, tx repositories.SettlementTx, order domain.Order, now time.Time, plan *txPlan) error {
		if order.Status == domain.OrderStatusRefunded {
			plan.notApplicable(order, "order is already refunded")
			return nil
		}
		if !order.Status.HoldsStock() {
			plan.reject(order, fmt.Sprintf("cannot refund an order in status %s", order.Status))
			return nil
		}

		reason := textutil.SanitizeText(cmd.Reason, actionReasonLimit)
		details, err := m.restoreHeldStock(ctx, tx, order, now, plan)
		if err != nil {
			return err
		}

		next := order
		next.Status = domain.OrderStatusRefunded
		collected := order.PaymentStatus == domain.PaymentStatusCompleted
		if collected {
			next.PaymentStatus = domain.PaymentStatusRefunded
		}
		next.RefundReason = reason
		next.UpdatedAt = now
		next = AppendAction(next, m.recorder.entry(domain.ActionOrderRefunded, cmd.Actor, order.Status, next.Status, reason, details, now))
		if err := tx.PutOrder(ctx, next); err != nil {
			return err
		}
		kinds := []domain.IntentKind{domain.IntentSendRefundEmail}
		if collected && next.PaymentIntentID != "" {
			kinds = append(kinds, domain.IntentIssueRefund)
		}
		if err := m.enqueue(ctx, tx, plan, next.ID, now, reason, kinds...); err != nil {
			return err
		}
		plan.apply(next)
		return nil
	})
}

// MarkShipped moves a confirmed order to shipped.
func (m *LifecycleManager) MarkShipped(ctx context.Context, cmd TransitionCommand) (TransitionResult, error) {
	return m.advance(ctx, "ship", cmd, domain.OrderStatusConfirmed, domain.OrderStatusShipped, domain.ActionOrderShipped,
		domain.OrderStatusShipped, domain.OrderStatusDelivered)
}

// MarkDelivered moves a shipped order to delivered.
func (m *LifecycleManager) MarkDelivered(ctx context.Context, cmd TransitionCommand) (TransitionResult, error) {
	return m.advance(ctx, "deliver", cmd, domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.ActionOrderDelivered,
		domain.OrderStatusDelivered)
}

func (m *LifecycleManager) advance(ctx context.Context, name string, cmd TransitionCommand, from, to domain.OrderStatus, action string, reached ...domain.OrderStatus) (TransitionResult, error) {
	return m.transition(ctx, name, cmd, func(ctx context.Context, tx repositories.SettlementTx, order domain.Order, now time.Time, plan *txPlan) error {
		for _, status := range reached {
			if order.Status == status {
				plan.notApplicable(order, fmt.Sprintf("order is already %s", order.Status))
				return nil
			}
		}
		if order.Status != from {
			plan.reject(order, fmt.Sprintf("cannot mark an order in status %s as %s", order.Status, to))
			return nil
		}
		reason := textutil.SanitizeText(cmd.Reason, actionReasonLimit)
		next := order
		next.Status = to
		next.UpdatedAt = now
		next = AppendAction(next, m.recorder.entry(action, cmd.Actor, order.Status, to, reason, nil, now))
		if err := tx.PutOrder(ctx, next); err != nil {
			return err
		}
		plan.apply(next)
		return nil
	})
}

// transition runs fn inside the unit of work, then dispatches committed intents.
func (m *LifecycleManager) transition(ctx context.Context, name string, cmd TransitionCommand, fn transitionFunc) (TransitionResult, error) {
	ctx, span := startSpan(ctx, "settlement.order."+name, attribute.String("order.id", cmd.OrderID))
	defer span.End()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return TransitionResult{}, fmt.Errorf("%w: order id is required", ErrLifecycleInvalidInput)
	}
	if cmd.Actor.Empty() {
		return TransitionResult{}, fmt.Errorf("%w: actor is required", ErrLifecycleInvalidInput)
	}

	now := m.clock()

	var plan txPlan
	err := m.unitOfWork.RunInTx(ctx, func(ctx context.Context, tx repositories.SettlementTx) error {
		plan = txPlan{}
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return fn(ctx, tx, order, now, &plan)
	})
	if err != nil && !errors.Is(err, errTransitionAborted) {
		span.RecordError(err)
		span.SetStatus(codes.Error, name)
		return TransitionResult{}, m.mapRepositoryError(err)
	}
	return m.finalize(ctx, name, plan), nil
}

// finalize dispatches intents for committed transitions and folds their
// outcomes into warnings. Dispatch failures never revert the commit.
func (m *LifecycleManager) finalize(ctx context.Context, name string, plan txPlan) TransitionResult {
	result := plan.result
	result.Success = result.Outcome == OutcomeApplied

	if result.Success && m.dispatcher != nil && len(plan.intents) > 0 {
		for _, outcome := range m.dispatcher.DispatchNow(ctx, result.Order, plan.intents) {
			result.SideEffects.merge(outcome.Effects)
			result.Warnings = append(result.Warnings, outcome.Warnings...)
			if outcome.Shipment != nil {
				result.Order.Shipment = *outcome.Shipment
			}
			switch {
			case outcome.Err == nil, errors.Is(outcome.Err, errCollaboratorMissing), errors.Is(outcome.Err, errIntentObsolete):
			case outcome.Intent.Status == domain.IntentStatusDead:
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s failed: %v", outcome.Intent.Kind, outcome.Err))
			default:
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s failed, retry scheduled: %v", outcome.Intent.Kind, outcome.Err))
			}
		}
	}

	m.metrics.recordTransition(ctx, name, result.Outcome)
	m.logger(ctx, "lifecycle."+name, map[string]any{
		"orderId":  result.Order.ID,
		"outcome":  string(result.Outcome),
		"status":   string(result.Order.Status),
		"errors":   len(result.Errors),
		"warnings": len(result.Warnings),
	})
	return result
}

func (m *LifecycleManager) restoreHeldStock(ctx context.Context, tx repositories.SettlementTx, order domain.Order, now time.Time, plan *txPlan) (map[string]any, error) {
	if !order.Status.HoldsStock() {
		return nil, nil
	}
	adjustment, err := m.stock.RestoreStock(ctx, tx, order.Items, now)
	if err != nil {
		return nil, err
	}
	for _, failure := range adjustment.Failures {
		plan.result.Warnings = append(plan.result.Warnings, fmt.Sprintf("stock not restored: %s", failure.Message))
	}
	plan.result.SideEffects.StockAdjusted = len(adjustment.Adjusted) > 0
	return map[string]any{"stockRestored": adjustment.Adjusted}, nil
}

func (m *LifecycleManager) enqueue(ctx context.Context, tx repositories.SettlementTx, plan *txPlan, orderID string, now time.Time, reason string, kinds ...domain.IntentKind) error {
	for _, kind := range kinds {
		intent := domain.OutboxIntent{
			ID:            intentIDPrefix + m.newID(),
			OrderID:       orderID,
			Kind:          kind,
			Status:        domain.IntentStatusPending,
			Reason:        reason,
			NextAttemptAt: now.Add(m.lease),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.EnqueueIntent(ctx, intent); err != nil {
			return err
		}
		plan.intents = append(plan.intents, intent)
	}
	return nil
}

func (m *LifecycleManager) loadRates(ctx context.Context) (domain.RateTable, error) {
	if m.rates == nil {
		return domain.RateTable{}, nil
	}
	rates, err := m.rates.ListRates(ctx)
	if err != nil {
		return domain.RateTable{}, m.mapRepositoryError(err)
	}
	return domain.NewRateTable(rates), nil
}

func (m *LifecycleManager) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrLifecycleNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrLifecycleConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrLifecycleUnavailable, err)
		}
	}
	return err
}
