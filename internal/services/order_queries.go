package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/repositories"
)

// CommissionReport is the informational commission split of an order.
type CommissionReport struct {
	OrderID  string
	Total    decimal.Decimal
	ByVendor map[string]decimal.Decimal
	Rate     decimal.Decimal
}

// TrackingResult reports a read-only tracking lookup.
type TrackingResult struct {
	Success  bool
	Errors   []string
	Tracking domain.TrackingInfo
}

// OrderQueriesDeps wires the read side.
type OrderQueriesDeps struct {
	Orders  repositories.OrderRepository
	Stock   repositories.StockReader
	Checker *StockService
	Pricer  *OrderPricer
	Tracker ShippingProvider
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

// OrderQueries answers read-only questions about orders.
type OrderQueries struct {
	orders  repositories.OrderRepository
	stock   repositories.StockReader
	checker *StockService
	pricer  *OrderPricer
	tracker ShippingProvider
	logger  func(context.Context, string, map[string]any)
}

// NewOrderQueries validates dependencies.
func NewOrderQueries(deps OrderQueriesDeps) (*OrderQueries, error) {
	if deps.Orders == nil {
		return nil, errors.New("order queries: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order queries: stock reader is required")
	}
	if deps.Pricer == nil {
		return nil, errors.New("order queries: pricer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	checker := deps.Checker
	if checker == nil {
		checker = NewStockService(logger)
	}
	return &OrderQueries{
		orders:  deps.Orders,
		stock:   deps.Stock,
		checker: checker,
		pricer:  deps.Pricer,
		tracker: deps.Tracker,
		logger:  logger,
	}, nil
}

// Get loads an order.
func (q *OrderQueries) Get(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrLifecycleInvalidInput)
	}
	order, err := q.orders.FindByID(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Order{}, fmt.Errorf("%w: %v", ErrLifecycleNotFound, err)
		}
		return domain.Order{}, err
	}
	return order, nil
}

// CheckStock reports whether current stock can fulfil the order.
func (q *OrderQueries) CheckStock(ctx context.Context, orderID string) (StockCheck, error) {
	order, err := q.Get(ctx, orderID)
	if err != nil {
		return StockCheck{}, err
	}
	return q.checker.CheckOrderStock(ctx, q.stock, order.Items)
}

// History returns the order's ledger, optionally filtered by action name.
func (q *OrderQueries) History(ctx context.Context, orderID, action string) ([]domain.ActionEntry, error) {
	order, err := q.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if action = strings.TrimSpace(action); action != "" {
		return ActionsByType(order, action), nil
	}
	return order.ActionHistory, nil
}

// Commission recomputes the order's commission and its vendor breakdown.
func (q *OrderQueries) Commission(ctx context.Context, orderID string) (CommissionReport, error) {
	order, err := q.Get(ctx, orderID)
	if err != nil {
		return CommissionReport{}, err
	}
	rate := q.pricer.CommissionRate()
	return CommissionReport{
		OrderID:  order.ID,
		Total:    CalculateOrderCommission(order.Items, rate),
		ByVendor: CommissionBreakdownByVendor(order.Items, rate),
		Rate:     rate,
	}, nil
}

// Track asks the shipping provider for the shipment status. A missing
// shipment or provider failure is reported in the result, never as an error.
func (q *OrderQueries) Track(ctx context.Context, orderID string) (TrackingResult, error) {
	order, err := q.Get(ctx, orderID)
	if err != nil {
		return TrackingResult{}, err
	}
	if q.tracker == nil {
		return TrackingResult{Errors: []string{"shipping provider is not configured"}}, nil
	}
	if order.Shipment.ShipmentID == "" && order.Shipment.AWBCode == "" {
		return TrackingResult{Errors: []string{"order has no shipment yet"}}, nil
	}
	info, err := q.tracker.TrackShipment(ctx, order.Shipment.ShipmentID, order.Shipment.AWBCode)
	if err != nil {
		q.logger(ctx, "tracking.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return TrackingResult{Errors: []string{fmt.Sprintf("tracking unavailable: %v", err)}}, nil
	}
	return TrackingResult{Success: true, Tracking: info}, nil
}
