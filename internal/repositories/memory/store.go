// Package memory implements the settlement repositories in process memory.
// Transactions hold the store lock for their whole duration and apply staged
// writes only when the callback succeeds.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/repositories"
)

// Error implements repositories.RepositoryError for the memory store.
type Error struct {
	op       string
	msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.op, e.msg)
}

func (e *Error) IsNotFound() bool { return e != nil && e.notFound }
func (e *Error) IsConflict() bool { return e != nil && e.conflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, id string) error {
	return &Error{op: op, msg: fmt.Sprintf("%s not found", id), notFound: true}
}

func conflict(op, id string) error {
	return &Error{op: op, msg: fmt.Sprintf("%s already exists", id), conflict: true}
}

// Store is a mutex guarded registry of settlement data.
type Store struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	products map[string]domain.StockRecord
	coupons  map[string]domain.Coupon
	rates    []domain.ShippingRate
	intents  map[string]domain.OutboxIntent
}

var _ repositories.Registry = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		orders:   make(map[string]domain.Order),
		products: make(map[string]domain.StockRecord),
		coupons:  make(map[string]domain.Coupon),
		intents:  make(map[string]domain.OutboxIntent),
	}
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Orders() repositories.OrderRepository { return s }
func (s *Store) Stock() repositories.StockReader { return s }
func (s *Store) Coupons() repositories.CouponRepository { return s }
func (s *Store) ShippingRates() repositories.ShippingRateRepository { return s }
func (s *Store) Outbox() repositories.OutboxRepository { return s }

// SeedOrder stores an order as-is, replacing any existing document.
func (s *Store) SeedOrder(order domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = cloneOrder(order)
}

// SeedProduct stores a product stock record.
func (s *Store) SeedProduct(record domain.StockRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[record.ProductID] = record
}

// DeleteProduct removes a product, simulating catalogue deletion.
func (s *Store) DeleteProduct(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.products, productID)
}

// SeedCoupon stores a coupon under its normalised code.
func (s *Store) SeedCoupon(coupon domain.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon.Code = domain.NormalizeCouponCode(coupon.Code)
	s.coupons[coupon.Code] = coupon
}

// SeedRates replaces the shipping rate table.
func (s *Store) SeedRates(rates []domain.ShippingRate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates = append([]domain.ShippingRate(nil), rates...)
}

// Intents returns every stored outbox intent ordered by creation time.
func (s *Store) Intents() []domain.OutboxIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboxIntent, 0, len(s.intents))
	for _, intent := range s.intents {
		out = append(out, intent)
	}
	sortIntents(out)
	return out
}

func (s *Store) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.get", orderID)
	}
	return cloneOrder(order), nil
}

func (s *Store) UpdateShipment(_ context.Context, orderID string, shipment domain.ShipmentInfo, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return notFound("orders.update_shipment", orderID)
	}
	order.Shipment = shipment
	order.UpdatedAt = updatedAt
	s.orders[orderID] = order
	return nil
}

func (s *Store) GetProductStock(_ context.Context, productID string) (domain.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.products[productID]
	if !ok {
		return domain.StockRecord{}, notFound("products.get", productID)
	}
	return record, nil
}

func (s *Store) FindByCode(_ context.Context, code string) (domain.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon, ok := s.coupons[domain.NormalizeCouponCode(code)]
	if !ok {
		return domain.Coupon{}, notFound("coupons.get", code)
	}
	return coupon, nil
}

func (s *Store) ListRates(context.Context) ([]domain.ShippingRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ShippingRate(nil), s.rates...), nil
}

func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]domain.OutboxIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.OutboxIntent
	for _, intent := range s.intents {
		if intent.Status == domain.IntentStatusPending && !intent.NextAttemptAt.After(now) {
			due = append(due, intent)
		}
	}
	sortIntents(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) Claim(_ context.Context, observed domain.OutboxIntent, until time.Time) (domain.OutboxIntent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.intents[observed.ID]
	if !ok || !stored.ClaimableAs(observed) {
		return domain.OutboxIntent{}, false, nil
	}
	stored.NextAttemptAt = until
	s.intents[stored.ID] = stored
	return stored, true, nil
}

func (s *Store) Save(_ context.Context, intent domain.OutboxIntent) error {
	if intent.ID == "" {
		return errors.New("outbox.save: intent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.ID] = intent
	return nil
}

// RunInTx executes fn while holding the store lock. Staged writes are applied
// only when fn returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repositories.SettlementTx) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &settlementTx{
		store:    s,
		orders:   make(map[string]domain.Order),
		created:  make(map[string]bool),
		products: make(map[string]domain.StockRecord),
		coupons:  make(map[string]domain.Coupon),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type settlementTx struct {
	store    *Store
	orders   map[string]domain.Order
	created  map[string]bool
	products map[string]domain.StockRecord
	coupons  map[string]domain.Coupon
	intents  []domain.OutboxIntent
}

var _ repositories.SettlementTx = (*settlementTx)(nil)

func (t *settlementTx) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	if order, ok := t.orders[orderID]; ok {
		return cloneOrder(order), nil
	}
	order, ok := t.store.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.get", orderID)
	}
	return cloneOrder(order), nil
}

func (t *settlementTx) CreateOrder(_ context.Context, order domain.Order) error {
	if _, exists := t.store.orders[order.ID]; exists || t.created[order.ID] {
		return conflict("orders.create", order.ID)
	}
	t.orders[order.ID] = cloneOrder(order)
	t.created[order.ID] = true
	return nil
}

func (t *settlementTx) PutOrder(_ context.Context, order domain.Order) error {
	if _, staged := t.orders[order.ID]; !staged {
		if _, exists := t.store.orders[order.ID]; !exists {
			return notFound("orders.put", order.ID)
		}
	}
	t.orders[order.ID] = cloneOrder(order)
	return nil
}

func (t *settlementTx) GetProductStock(_ context.Context, productID string) (domain.StockRecord, error) {
	if record, ok := t.products[productID]; ok {
		return record, nil
	}
	record, ok := t.store.products[productID]
	if !ok {
		return domain.StockRecord{}, notFound("products.get", productID)
	}
	return record, nil
}

func (t *settlementTx) SetProductStock(ctx context.Context, productID string, quantity int, updatedAt time.Time) error {
	record, err := t.GetProductStock(ctx, productID)
	if err != nil {
		return err
	}
	record.StockQuantity = quantity
	record.UpdatedAt = updatedAt
	t.products[productID] = record
	return nil
}

func (t *settlementTx) GetCoupon(_ context.Context, code string) (domain.Coupon, error) {
	code = domain.NormalizeCouponCode(code)
	if coupon, ok := t.coupons[code]; ok {
		return coupon, nil
	}
	coupon, ok := t.store.coupons[code]
	if !ok {
		return domain.Coupon{}, notFound("coupons.get", code)
	}
	return coupon, nil
}

func (t *settlementTx) PutCoupon(_ context.Context, coupon domain.Coupon) error {
	coupon.Code = domain.NormalizeCouponCode(coupon.Code)
	t.coupons[coupon.Code] = coupon
	return nil
}

func (t *settlementTx) EnqueueIntent(_ context.Context, intent domain.OutboxIntent) error {
	if intent.ID == "" {
		return errors.New("outbox.enqueue: intent id is required")
	}
	t.intents = append(t.intents, intent)
	return nil
}

func (t *settlementTx) commit() {
	for id, order := range t.orders {
		t.store.orders[id] = order
	}
	for id, record := range t.products {
		t.store.products[id] = record
	}
	for code, coupon := range t.coupons {
		t.store.coupons[code] = coupon
	}
	for _, intent := range t.intents {
		t.store.intents[intent.ID] = intent
	}
}

func sortIntents(intents []domain.OutboxIntent) {
	sort.SliceStable(intents, func(i, j int) bool {
		if intents[i].CreatedAt.Equal(intents[j].CreatedAt) {
			return intents[i].ID < intents[j].ID
		}
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	for i := range order.Items {
		if sale := order.Items[i].SalePrice; sale != nil {
			copied := *sale
			order.Items[i].SalePrice = &copied
		}
	}
	history := make([]domain.ActionEntry, len(order.ActionHistory))
	for i, entry := range order.ActionHistory {
		if entry.Details != nil {
			details := make(map[string]any, len(entry.Details))
			for k, v := range entry.Details {
				details[k] = v
			}
			entry.Details = details
		}
		history[i] = entry
	}
	order.ActionHistory = history
	return order
}
