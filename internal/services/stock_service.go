package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/repositories"
)

// ErrStockInsufficient indicates at least one product cannot cover its requested quantity.
var ErrStockInsufficient = errors.New("stock: insufficient")

// StockShortfall reports one product that cannot be fulfilled.
type StockShortfall struct {
	ProductID string
	Requested int
	Available int
}

// StockCheck is the result of checkOrderStock.
type StockCheck struct {
	CanFulfill        bool
	InsufficientStock []StockShortfall
}

// StockAdjustment lists products whose counters were written and per-product failures.
type StockAdjustment struct {
	Adjusted []string
	Failures []*repositories.StockError
}

// Failed reports whether any product could not be adjusted.
func (a StockAdjustment) Failed() bool {
	return len(a.Failures) > 0
}

type productDemand struct {
	productID string
	quantity  int
}

// StockService checks and mutates per-product stock counters. It never decides
// whether a failure is fatal; callers inspect the returned structures.
type StockService struct {
	logger func(context.Context, string, map[string]any)
}

// NewStockService constructs a StockService. A nil logger is replaced with a no-op.
func NewStockService(logger func(context.Context, string, map[string]any)) *StockService {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StockService{logger: logger}
}

// CheckOrderStock compares summed demand per product against current stock.
// Missing products count as zero available. It does not mutate anything.
func (s *StockService) CheckOrderStock(ctx context.Context, reader repositories.StockReader, items []domain.OrderItem) (StockCheck, error) {
	demand, err := aggregateDemand(items)
	if err != nil {
		return StockCheck{}, err
	}
	check := StockCheck{CanFulfill: true}
	for _, d := range demand {
		available := 0
		record, err := reader.GetProductStock(ctx, d.productID)
		switch {
		case err == nil:
			available = record.StockQuantity
		case repositories.IsNotFound(err):
		default:
			return StockCheck{}, fmt.Errorf("stock: read %s: %w", d.productID, err)
		}
		if available < d.quantity {
			check.CanFulfill = false
			check.InsufficientStock = append(check.InsufficientStock, StockShortfall{
				ProductID: d.productID,
				Requested: d.quantity,
				Available: available,
			})
		}
	}
	return check, nil
}

// ReduceStock decrements each distinct product once by its summed quantity.
// The decrement is conditional: a counter below the requested quantity yields
// a stock_insufficient failure and is left untouched.
func (s *StockService) ReduceStock(ctx context.Context, tx repositories.StockWriter, items []domain.OrderItem, now time.Time) (StockAdjustment, error) {
	return s.adjust(ctx, tx, items, now, -1)
}

// RestoreStock increments each distinct product once by its summed quantity.
func (s *StockService) RestoreStock(ctx context.Context, tx repositories.StockWriter, items []domain.OrderItem, now time.Time) (StockAdjustment, error) {
	return s.adjust(ctx, tx, items, now, 1)
}

func (s *StockService) adjust(ctx context.Context, tx repositories.StockWriter, items []domain.OrderItem, now time.Time, sign int) (StockAdjustment, error) {
	op := "stock.restore"
	if sign < 0 {
		op = "stock.reduce"
	}
	demand, err := aggregateDemand(items)
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			stockErr.Op = op
			return StockAdjustment{Failures: []*repositories.StockError{stockErr}}, nil
		}
		return StockAdjustment{}, err
	}

	var result StockAdjustment
	for _, d := range demand {
		record, err := tx.GetProductStock(ctx, d.productID)
		if err != nil {
			if repositories.IsNotFound(err) {
				failure := repositories.NewStockError(repositories.StockErrorProductNotFound, d.productID, fmt.Sprintf("product %s not found", d.productID), err)
				failure.Op = op
				result.Failures = append(result.Failures, failure)
				s.logger(ctx, op+".missing_product", map[string]any{"productId": d.productID, "quantity": d.quantity})
				continue
			}
			return StockAdjustment{}, fmt.Errorf("%s: read %s: %w", op, d.productID, err)
		}
		next := record.StockQuantity + sign*d.quantity
		if next < 0 {
			failure := repositories.NewStockError(repositories.StockErrorInsufficient, d.productID,
				fmt.Sprintf("product %s has %d in stock, %d requested", d.productID, record.StockQuantity, d.quantity), nil)
			failure.Op = op
			result.Failures = append(result.Failures, failure)
			continue
		}
		if err := tx.SetProductStock(ctx, d.productID, next, now); err != nil {
			return StockAdjustment{}, fmt.Errorf("%s: write %s: %w", op, d.productID, err)
		}
		result.Adjusted = append(result.Adjusted, d.productID)
	}
	return result, nil
}

// aggregateDemand sums quantities per product preserving first-seen order.
func aggregateDemand(items []domain.OrderItem) ([]productDemand, error) {
	index := make(map[string]int, len(items))
	demand := make([]productDemand, 0, len(items))
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if item.Quantity <= 0 {
			return nil, repositories.NewStockError(repositories.StockErrorInvalidQuantity, productID,
				fmt.Sprintf("quantity for %s must be at least 1", productID), nil)
		}
		if i, ok := index[productID]; ok {
			demand[i].quantity += item.Quantity
			continue
		}
		index[productID] = len(demand)
		demand = append(demand, productDemand{productID: productID, quantity: item.Quantity})
	}
	return demand, nil
}
