package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Stock() StockReader
	Coupons() CouponRepository
	ShippingRates() ShippingRateRepository
	Outbox() OutboxRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups every settlement read and write into one commit-or-abort scope.
// Implementations may invoke fn more than once when the backend retries on
// contention, so fn must not carry state across invocations.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx SettlementTx) error) error
}

// StockReader reads product stock counters.
type StockReader interface {
	// GetProductStock returns the stock record. Should return a RepositoryError
	// with IsNotFound when the product does not exist.
	GetProductStock(ctx context.Context, productID string) (domain.StockRecord, error)
}

// StockWriter mutates product stock counters inside a settlement transaction.
type StockWriter interface {
	StockReader
	SetProductStock(ctx context.Context, productID string, quantity int, updatedAt time.Time) error
}

// SettlementTx is the transactional view used by lifecycle transitions. Reads
// observe the transaction snapshot and writes become visible only on commit.
type SettlementTx interface {
	StockWriter

	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	CreateOrder(ctx context.Context, order domain.Order) error
	PutOrder(ctx context.Context, order domain.Order) error

	GetCoupon(ctx context.Context, code string) (domain.Coupon, error)
	PutCoupon(ctx context.Context, coupon domain.Coupon) error

	EnqueueIntent(ctx context.Context, intent domain.OutboxIntent) error
}

// OrderRepository provides non-transactional order reads and shipment write-back.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	UpdateShipment(ctx context.Context, orderID string, shipment domain.ShipmentInfo, updatedAt time.Time) error
}

// CouponRepository loads coupons by normalised code.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
}

// ShippingRateRepository lists configured destination rates.
type ShippingRateRepository interface {
	ListRates(ctx context.Context) ([]domain.ShippingRate, error)
}

// OutboxRepository persists side-effect intents for the retrying relay.
type OutboxRepository interface {
	// ListDue returns pending intents whose next attempt is at or before now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxIntent, error)
	// Claim atomically moves NextAttemptAt of a still-claimable intent to until
	// and returns the stored copy. ok is false when another dispatcher claimed
	// or finished the intent first, or when it no longer exists.
	Claim(ctx context.Context, observed domain.OutboxIntent, until time.Time) (claimed domain.OutboxIntent, ok bool, err error)
	Save(ctx context.Context, intent domain.OutboxIntent) error
}
