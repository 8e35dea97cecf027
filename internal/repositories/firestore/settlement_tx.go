package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/settlement/internal/domain"
	pfirestore "github.com/hanko-field/settlement/internal/platform/firestore"
	"github.com/hanko-field/settlement/internal/repositories"
)

type stagedOrder struct {
	order  domain.Order
	create bool
}

// settlementTx overlays staged writes on transactional reads.
type settlementTx struct {
	r  *Registry
	tx *firestore.Transaction

	orders    map[string]stagedOrder
	products  map[string]domain.StockRecord
	coupons   map[string]domain.Coupon
	intents   []domain.OutboxIntent
	readCache map[string]*firestore.DocumentSnapshot
}

var _ repositories.SettlementTx = (*settlementTx)(nil)

func newSettlementTx(r *Registry, tx *firestore.Transaction) *settlementTx {
	return &settlementTx{
		r:         r,
		tx:        tx,
		orders:    make(map[string]stagedOrder),
		products:  make(map[string]domain.StockRecord),
		coupons:   make(map[string]domain.Coupon),
		readCache: make(map[string]*firestore.DocumentSnapshot),
	}
}

// read returns the snapshot for ref, or nil when the document does not exist.
// Each document is read at most once per attempt.
func (t *settlementTx) read(ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	if snap, ok := t.readCache[ref.Path]; ok {
		return snap, nil
	}
	snap, err := t.tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			t.readCache[ref.Path] = nil
			return nil, nil
		}
		return nil, pfirestore.WrapError("settlement.read", err)
	}
	t.readCache[ref.Path] = snap
	return snap, nil
}

func (t *settlementTx) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if staged, ok := t.orders[orderID]; ok {
		return staged.order, nil
	}
	ref, err := t.r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := t.read(ref)
	if err != nil {
		return domain.Order{}, err
	}
	if snap == nil {
		return domain.Order{}, pfirestore.NotFound("orders.get", orderID)
	}
	return t.r.orders.Decode(ctx, snap)
}

func (t *settlementTx) CreateOrder(ctx context.Context, order domain.Order) error {
	if _, staged := t.orders[order.ID]; staged {
		return pfirestore.WrapError("orders.create", status.Errorf(codes.AlreadyExists, "order %s already exists", order.ID))
	}
	ref, err := t.r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	snap, err := t.read(ref)
	if err != nil {
		return err
	}
	if snap != nil {
		return pfirestore.WrapError("orders.create", status.Errorf(codes.AlreadyExists, "order %s already exists", order.ID))
	}
	t.orders[order.ID] = stagedOrder{order: order, create: true}
	return nil
}

func (t *settlementTx) PutOrder(ctx context.Context, order domain.Order) error {
	if staged, ok := t.orders[order.ID]; ok {
		t.orders[order.ID] = stagedOrder{order: order, create: staged.create}
		return nil
	}
	if _, err := t.GetOrder(ctx, order.ID); err != nil {
		return err
	}
	t.orders[order.ID] = stagedOrder{order: order}
	return nil
}

func (t *settlementTx) GetProductStock(ctx context.Context, productID string) (domain.StockRecord, error) {
	if record, ok := t.products[productID]; ok {
		return record, nil
	}
	ref, err := t.r.products.DocumentRef(ctx, productID)
	if err != nil {
		return domain.StockRecord{}, err
	}
	snap, err := t.read(ref)
	if err != nil {
		return domain.StockRecord{}, err
	}
	if snap == nil {
		return domain.StockRecord{}, pfirestore.NotFound("products.get", productID)
	}
	return t.r.products.Decode(ctx, snap)
}

func (t *settlementTx) SetProductStock(ctx context.Context, productID string, quantity int, updatedAt time.Time) error {
	record, err := t.GetProductStock(ctx, productID)
	if err != nil {
		return err
	}
	record.StockQuantity = quantity
	record.UpdatedAt = updatedAt.UTC()
	t.products[productID] = record
	return nil
}

func (t *settlementTx) GetCoupon(ctx context.Context, code string) (domain.Coupon, error) {
	code = domain.NormalizeCouponCode(code)
	if coupon, ok := t.coupons[code]; ok {
		return coupon, nil
	}
	ref, err := t.r.coupons.DocumentRef(ctx, code)
	if err != nil {
		return domain.Coupon{}, err
	}
	snap, err := t.read(ref)
	if err != nil {
		return domain.Coupon{}, err
	}
	if snap == nil {
		return domain.Coupon{}, pfirestore.NotFound("coupons.get", code)
	}
	return t.r.coupons.Decode(ctx, snap)
}

func (t *settlementTx) PutCoupon(_ context.Context, coupon domain.Coupon) error {
	coupon.Code = domain.NormalizeCouponCode(coupon.Code)
	if coupon.Code == "" {
		return errors.New("coupons.put: code is required")
	}
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

// flush writes every staged mutation to the transaction.
func (t *settlementTx) flush(ctx context.Context) error {
	for id, staged := range t.orders {
		ref, err := t.r.orders.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		payload := encodeOrder(staged.order)
		if staged.create {
			err = t.tx.Create(ref, payload)
		} else {
			err = t.tx.Set(ref, payload)
		}
		if err != nil {
			return fmt.Errorf("stage order %s: %w", id, err)
		}
	}
	for id, record := range t.products {
		ref, err := t.r.products.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		if err := t.tx.Update(ref, []firestore.Update{
			{Path: "stockQuantity", Value: record.StockQuantity},
			{Path: "updatedAt", Value: record.UpdatedAt},
		}); err != nil {
			return fmt.Errorf("stage stock %s: %w", id, err)
		}
	}
	for code, coupon := range t.coupons {
		ref, err := t.r.coupons.DocumentRef(ctx, code)
		if err != nil {
			return err
		}
		if err := t.tx.Set(ref, encodeCoupon(coupon), firestore.MergeAll); err != nil {
			return fmt.Errorf("stage coupon %s: %w", code, err)
		}
	}
	for _, intent := range t.intents {
		ref, err := t.r.intents.DocumentRef(ctx, intent.ID)
		if err != nil {
			return err
		}
		if err := t.tx.Create(ref, newIntentDocument(intent)); err != nil {
			return fmt.Errorf("stage intent %s: %w", intent.ID, err)
		}
	}
	return nil
}
