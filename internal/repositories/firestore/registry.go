// Package firestore implements the settlement repositories on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/settlement/internal/domain"
	pfirestore "github.com/hanko-field/settlement/internal/platform/firestore"
	"github.com/hanko-field/settlement/internal/repositories"
)

// Logger receives data-integrity events raised while decoding documents.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Option customises the registry.
type Option func(*Registry)

// WithLogger sets the coercion event logger.
func WithLogger(logger Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry wires every settlement repository to one Firestore provider.
type Registry struct {
	provider *pfirestore.Provider
	logger   Logger

	orders   *pfirestore.BaseRepository[domain.Order]
	products *pfirestore.BaseRepository[domain.StockRecord]
	coupons  *pfirestore.BaseRepository[domain.Coupon]
	rates    *pfirestore.BaseRepository[domain.ShippingRate]
	intents  *pfirestore.BaseRepository[intentDocument]
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds the Firestore registry.
func NewRegistry(provider *pfirestore.Provider, opts ...Option) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("settlement registry requires firestore provider")
	}
	r := &Registry{
		provider: provider,
		logger:   func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	r.orders = pfirestore.NewBaseRepository[domain.Order](provider, ordersCollection,
		func(_ context.Context, order domain.Order) (any, error) { return encodeOrder(order), nil },
		func(ctx context.Context, snap *firestore.DocumentSnapshot) (domain.Order, error) {
			log := &coercionLog{collection: ordersCollection, id: snap.Ref.ID}
			order, err := decodeOrder(snap.Ref.ID, snap.Data(), log)
			log.flush(ctx, r.logger)
			return order, err
		})
	r.products = pfirestore.NewBaseRepository[domain.StockRecord](provider, productsCollection, nil,
		func(ctx context.Context, snap *firestore.DocumentSnapshot) (domain.StockRecord, error) {
			log := &coercionLog{collection: productsCollection, id: snap.Ref.ID}
			record := decodeProduct(snap.Ref.ID, snap.Data(), log)
			log.flush(ctx, r.logger)
			return record, nil
		})
	r.coupons = pfirestore.NewBaseRepository[domain.Coupon](provider, couponsCollection,
		func(_ context.Context, coupon domain.Coupon) (any, error) { return encodeCoupon(coupon), nil },
		func(ctx context.Context, snap *firestore.DocumentSnapshot) (domain.Coupon, error) {
			log := &coercionLog{collection: couponsCollection, id: snap.Ref.ID}
			coupon := decodeCoupon(snap.Ref.ID, snap.Data(), log)
			log.flush(ctx, r.logger)
			return coupon, nil
		})
	r.rates = pfirestore.NewBaseRepository[domain.ShippingRate](provider, shippingRatesCollection, nil,
		func(ctx context.Context, snap *firestore.DocumentSnapshot) (domain.ShippingRate, error) {
			log := &coercionLog{collection: shippingRatesCollection, id: snap.Ref.ID}
			rate := decodeRate(snap.Data(), log)
			log.flush(ctx, r.logger)
			return rate, nil
		})
	r.intents = pfirestore.NewBaseRepository[intentDocument](provider, outboxCollection, nil, nil)
	return r, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository             { return orderRepository{r} }
func (r *Registry) Stock() repositories.StockReader                   { return stockRepository{r} }
func (r *Registry) Coupons() repositories.CouponRepository            { return couponRepository{r} }
func (r *Registry) ShippingRates() repositories.ShippingRateRepository { return rateRepository{r} }
func (r *Registry) Outbox() repositories.OutboxRepository             { return outboxRepository{r} }

type orderRepository struct{ r *Registry }

func (o orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := o.r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data, nil
}

func (o orderRepository) UpdateShipment(ctx context.Context, orderID string, shipment domain.ShipmentInfo, updatedAt time.Time) error {
	return o.r.orders.Update(ctx, orderID, []firestore.Update{
		{Path: "shipment", Value: encodeShipment(shipment)},
		{Path: "updatedAt", Value: updatedAt.UTC()},
	})
}

type stockRepository struct{ r *Registry }

func (s stockRepository) GetProductStock(ctx context.Context, productID string) (domain.StockRecord, error) {
	doc, err := s.r.products.Get(ctx, productID)
	if err != nil {
		return domain.StockRecord{}, err
	}
	return doc.Data, nil
}

type couponRepository struct{ r *Registry }

func (c couponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	normalized := domain.NormalizeCouponCode(code)
	if normalized == "" {
		return domain.Coupon{}, pfirestore.NotFound("coupons.get", code)
	}
	doc, err := c.r.coupons.Get(ctx, normalized)
	if err != nil {
		return domain.Coupon{}, err
	}
	return doc.Data, nil
}

type rateRepository struct{ r *Registry }

func (s rateRepository) ListRates(ctx context.Context) ([]domain.ShippingRate, error) {
	docs, err := s.r.rates.Query(ctx, nil)
	if err != nil {
		return nil, err
	}
	rates := make([]domain.ShippingRate, 0, len(docs))
	for _, doc := range docs {
		rates = append(rates, doc.Data)
	}
	return rates, nil
}

type outboxRepository struct{ r *Registry }

// ListDue relies on the composite index (status ASC, nextAttemptAt ASC).
func (o outboxRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxIntent, error) {
	docs, err := o.r.intents.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "==", string(domain.IntentStatusPending)).
			Where("nextAttemptAt", "<=", now.UTC()).
			OrderBy("nextAttemptAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	intents := make([]domain.OutboxIntent, 0, len(docs))
	for _, doc := range docs {
		intents = append(intents, doc.Data.toDomain(doc.ID))
	}
	return intents, nil
}

func (o outboxRepository) Claim(ctx context.Context, observed domain.OutboxIntent, until time.Time) (domain.OutboxIntent, bool, error) {
	if observed.ID == "" {
		return domain.OutboxIntent{}, false, errors.New("outbox.claim: intent id is required")
	}
	var (
		claimed domain.OutboxIntent
		ok      bool
	)
	err := o.r.provider.RunTransaction(ctx, "outbox.claim", func(ctx context.Context, tx *firestore.Transaction) error {
		ok = false
		ref, err := o.r.intents.DocumentRef(ctx, observed.ID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		var doc intentDocument
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		stored := doc.toDomain(observed.ID)
		if !stored.ClaimableAs(observed) {
			return nil
		}
		stored.NextAttemptAt = until
		if err := tx.Set(ref, newIntentDocument(stored)); err != nil {
			return err
		}
		claimed, ok = stored, true
		return nil
	})
	if err != nil {
		return domain.OutboxIntent{}, false, err
	}
	return claimed, ok, nil
}

func (o outboxRepository) Save(ctx context.Context, intent domain.OutboxIntent) error {
	if intent.ID == "" {
		return errors.New("outbox.save: intent id is required")
	}
	return o.r.intents.Set(ctx, intent.ID, newIntentDocument(intent))
}

// RunInTx runs fn inside one Firestore transaction. Writes are staged and
// flushed after fn returns so every read precedes every write, as Firestore
// requires.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repositories.SettlementTx) error) error {
	if fn == nil {
		return errors.New("firestore: transaction function is nil")
	}
	return r.provider.RunTransaction(ctx, "settlement.tx", func(ctx context.Context, tx *firestore.Transaction) error {
		stx := newSettlementTx(r, tx)
		if err := fn(ctx, stx); err != nil {
			return err
		}
		return stx.flush(ctx)
	})
}
