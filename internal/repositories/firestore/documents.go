package firestore

import (
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/money"
)

const (
	ordersCollection        = "orders"
	productsCollection      = "products"
	couponsCollection       = "coupons"
	shippingRatesCollection = "shippingRates"
	outboxCollection        = "outbox"
)

func decodeProduct(id string, data map[string]any, log *coercionLog) domain.StockRecord {
	return domain.StockRecord{
		ProductID:     id,
		Name:          stringField(data, "name"),
		StockQuantity: log.quantity("stockQuantity", data["stockQuantity"]),
		UpdatedAt:     timeField(data, "updatedAt"),
	}
}

func decodeCoupon(id string, data map[string]any, log *coercionLog) domain.Coupon {
	active, _ := data["isActive"].(bool)
	code := stringField(data, "code")
	if code == "" {
		code = id
	}
	return domain.Coupon{
		Code:           domain.NormalizeCouponCode(code),
		DiscountType:   domain.DiscountType(stringField(data, "discountType")),
		DiscountValue:  log.amount("discountValue", data["discountValue"]),
		IsActive:       active,
		ValidTo:        timeField(data, "validTo"),
		MinOrderAmount: log.amount("minOrderAmount", data["minOrderAmount"]),
		UsageLimit:     log.quantity("usageLimit", data["usageLimit"]),
		UsageCount:     log.quantity("usageCount", data["usageCount"]),
		TotalQuantity:  log.quantity("totalQuantity", data["totalQuantity"]),
	}
}

func encodeCoupon(coupon domain.Coupon) map[string]any {
	doc := map[string]any{
		"code":           domain.NormalizeCouponCode(coupon.Code),
		"discountType":   string(coupon.DiscountType),
		"discountValue":  money.Float(coupon.DiscountValue),
		"isActive":       coupon.IsActive,
		"minOrderAmount": money.Float(coupon.MinOrderAmount),
		"usageLimit":     coupon.UsageLimit,
		"usageCount":     coupon.UsageCount,
		"totalQuantity":  coupon.TotalQuantity,
	}
	if !coupon.ValidTo.IsZero() {
		doc["validTo"] = coupon.ValidTo.UTC()
	}
	return doc
}

func decodeRate(data map[string]any, log *coercionLog) domain.ShippingRate {
	var fee decimal.Decimal
	if raw, ok := data["fee"]; ok {
		fee = log.amount("fee", raw)
	}
	return domain.ShippingRate{
		Country: stringField(data, "country"),
		State:   stringField(data, "state"),
		City:    stringField(data, "city"),
		Fee:     fee,
	}
}

type intentDocument struct {
	OrderID       string    `firestore:"orderId"`
	Kind          string    `firestore:"kind"`
	Status        string    `firestore:"status"`
	Reason        string    `firestore:"reason,omitempty"`
	Attempts      int       `firestore:"attempts"`
	LastError     string    `firestore:"lastError,omitempty"`
	NextAttemptAt time.Time `firestore:"nextAttemptAt"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

func newIntentDocument(intent domain.OutboxIntent) intentDocument {
	return intentDocument{
		OrderID:       intent.OrderID,
		Kind:          string(intent.Kind),
		Status:        string(intent.Status),
		Reason:        intent.Reason,
		Attempts:      intent.Attempts,
		LastError:     intent.LastError,
		NextAttemptAt: intent.NextAttemptAt.UTC(),
		CreatedAt:     intent.CreatedAt.UTC(),
		UpdatedAt:     intent.UpdatedAt.UTC(),
	}
}

func (d intentDocument) toDomain(id string) domain.OutboxIntent {
	return domain.OutboxIntent{
		ID:            id,
		OrderID:       d.OrderID,
		Kind:          domain.IntentKind(d.Kind),
		Status:        domain.IntentStatus(d.Status),
		Reason:        d.Reason,
		Attempts:      d.Attempts,
		LastError:     d.LastError,
		NextAttemptAt: d.NextAttemptAt.UTC(),
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}
