package firestore

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/services"
)

func TestOrderRoundTripThroughDocument(t *testing.T) {
	sale := decimal.RequireFromString("80")
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID: "ord_1",
		Items: []domain.OrderItem{{
			ProductID: "p1", Name: "Lamp", Price: decimal.RequireFromString("100"), SalePrice: &sale,
			Quantity: 2, Total: decimal.RequireFromString("160"), CommissionAmount: decimal.RequireFromString("5.5"),
			VendorID: "v1",
		}},
		Address:       domain.Address{City: "Pune", State: "Maharashtra", Country: "India"},
		Status:        domain.OrderStatusConfirmed,
		PaymentStatus: domain.PaymentStatusCompleted,
		Subtotal:      decimal.RequireFromString("160"),
		Shipping:      decimal.RequireFromString("100"),
		Total:         decimal.RequireFromString("260"),
		ActionHistory: []domain.ActionEntry{{
			ID: "act_1", Action: domain.ActionOrderConfirmed, Timestamp: at, PerformedBy: "ops@example.com",
			PreviousStatus: domain.OrderStatusPending, NewStatus: domain.OrderStatusConfirmed,
			Details: map[string]any{"items": int64(1)},
		}},
		Shipment:  domain.ShipmentInfo{ShipmentID: "s1", AWBCode: "AWB1"},
		CreatedAt: at,
		UpdatedAt: at,
	}

	log := &coercionLog{}
	got, err := decodeOrder("ord_1", encodeOrder(order), log)
	if err != nil {
		t.Fatalf("decodeOrder: %v", err)
	}
	if len(log.fields) != 0 {
		t.Fatalf("unexpected coercions %v", log.fields)
	}
	item := got.Items[0]
	if item.SalePrice == nil || !item.SalePrice.Equal(sale) || !item.CommissionAmount.Equal(decimal.RequireFromString("5.5")) {
		t.Fatalf("unexpected item %#v", item)
	}
	if !got.Total.Equal(order.Total) || got.Status != domain.OrderStatusConfirmed || got.Shipment.AWBCode != "AWB1" {
		t.Fatalf("unexpected order %#v", got)
	}
	if len(got.ActionHistory) != 1 || got.ActionHistory[0].NewStatus != domain.OrderStatusConfirmed || !got.ActionHistory[0].Timestamp.Equal(at) {
		t.Fatalf("unexpected history %#v", got.ActionHistory)
	}
}

func TestDecodeOrderCoercesMalformedNumbers(t *testing.T) {
	data := map[string]any{
		"orderStatus": "pending",
		"subtotal":    "1,250.50",
		"total":       "n/a",
		"items": []any{
			map[string]any{"productId": "p1", "price": int64(100), "quantity": "2", "commissionAmount": "ten"},
		},
	}
	var events []map[string]any
	logger := func(_ context.Context, event string, fields map[string]any) {
		if event == "order.decode.coerced" {
			events = append(events, fields)
		}
	}

	log := &coercionLog{collection: ordersCollection, id: "o1"}
	order, err := decodeOrder("o1", data, log)
	log.flush(context.Background(), logger)
	if err != nil {
		t.Fatalf("decodeOrder: %v", err)
	}
	if order.Subtotal.String() != "1250.5" || !order.Total.IsZero() {
		t.Fatalf("unexpected totals %s / %s", order.Subtotal, order.Total)
	}
	if order.Items[0].Quantity != 2 || !order.Items[0].CommissionAmount.IsZero() {
		t.Fatalf("unexpected item %#v", order.Items[0])
	}
	if len(events) != 1 || events[0]["fields"] != "total,items[0].commissionAmount" {
		t.Fatalf("unexpected coercion events %#v", events)
	}
}

func TestDecodeOrderKeepsSubCentUnitAmounts(t *testing.T) {
	want := decimal.RequireFromString("10.01")
	tests := []struct {
		name       string
		commission any
	}{
		{name: "string", commission: "3.335"},
		{name: "number", commission: 3.335},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data := map[string]any{
				"orderStatus": "confirmed",
				"items": []any{
					map[string]any{"productId": "p1", "price": "19.999", "quantity": int64(3), "commissionAmount": tc.commission, "vendorId": "v1"},
				},
			}
			log := &coercionLog{}
			order, err := decodeOrder("o1", data, log)
			if err != nil {
				t.Fatalf("decodeOrder: %v", err)
			}
			item := order.Items[0]
			if !item.CommissionAmount.Equal(decimal.RequireFromString("3.335")) || !item.Price.Equal(decimal.RequireFromString("19.999")) {
				t.Fatalf("unit amounts rounded on decode: commission=%s price=%s", item.CommissionAmount, item.Price)
			}
			if got := services.CalculateOrderCommission(order.Items, decimal.Zero); !got.Equal(want) {
				t.Fatalf("expected commission %s, got %s", want, got)
			}
		})
	}

	order := domain.Order{
		ID:     "o2",
		Status: domain.OrderStatusConfirmed,
		Items: []domain.OrderItem{{
			ProductID: "p1", Price: decimal.RequireFromString("20"), Quantity: 3,
			CommissionAmount: decimal.RequireFromString("3.335"),
		}},
	}
	decoded, err := decodeOrder("o2", encodeOrder(order), &coercionLog{})
	if err != nil {
		t.Fatalf("decodeOrder: %v", err)
	}
	if got := services.CalculateOrderCommission(decoded.Items, decimal.Zero); !got.Equal(want) {
		t.Fatalf("expected commission %s after round trip, got %s", want, got)
	}
}

func TestDecodeOrderRejectsUnknownStatus(t *testing.T) {
	if _, err := decodeOrder("o1", map[string]any{"orderStatus": "lost"}, &coercionLog{}); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestDecodeCouponDefaultsCodeToDocumentID(t *testing.T) {
	log := &coercionLog{}
	coupon := decodeCoupon("ten", map[string]any{
		"discountType":  "percentage",
		"discountValue": 10.0,
		"isActive":      true,
		"usageLimit":    int64(5),
	}, log)
	if coupon.Code != "TEN" || coupon.UsageLimit != 5 || !coupon.IsActive || !coupon.ValidTo.IsZero() {
		t.Fatalf("unexpected coupon %#v", coupon)
	}
}
