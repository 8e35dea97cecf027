package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/money"
)

// coercionLog collects malformed fields found while decoding one document.
type coercionLog struct {
	collection string
	id         string
	fields     []string
}

// amount decodes an order-level figure, already rounded when it was written.
func (c *coercionLog) amount(field string, raw any) decimal.Decimal {
	return money.Round2(c.unit(field, raw))
}

// unit decodes a per-unit value at full precision. Line commission and prices
// are multiplied by quantity and rounded once, later.
func (c *coercionLog) unit(field string, raw any) decimal.Decimal {
	value, ok := money.Coerce(raw)
	if !ok {
		c.fields = append(c.fields, field)
	}
	return value
}

func (c *coercionLog) quantity(field string, raw any) int {
	value, ok := money.Quantity(raw)
	if !ok {
		c.fields = append(c.fields, field)
	}
	return value
}

func (c *coercionLog) flush(ctx context.Context, logger Logger) {
	if len(c.fields) == 0 || logger == nil {
		return
	}
	logger(ctx, "order.decode.coerced", map[string]any{
		"collection": c.collection,
		"documentId": c.id,
		"fields":     strings.Join(c.fields, ","),
	})
}

func encodeOrder(order domain.Order) map[string]any {
	items := make([]any, 0, len(order.Items))
	for _, item := range order.Items {
		doc := map[string]any{
			"productId":        item.ProductID,
			"name":             item.Name,
			"price":            money.Float(item.Price),
			"quantity":         item.Quantity,
			"total":            money.Float(item.Total),
			"commissionAmount": money.Float(item.CommissionAmount),
			"vendorId":         item.VendorID,
			"vendorName":       item.VendorName,
			"vendorEmail":      item.VendorEmail,
		}
		if item.SalePrice != nil {
			doc["salePrice"] = money.Float(*item.SalePrice)
		}
		items = append(items, doc)
	}

	history := make([]any, 0, len(order.ActionHistory))
	for _, entry := range order.ActionHistory {
		doc := map[string]any{
			"id":             entry.ID,
			"action":         entry.Action,
			"timestamp":      entry.Timestamp.UTC(),
			"performedBy":    entry.PerformedBy,
			"previousStatus": string(entry.PreviousStatus),
			"newStatus":      string(entry.NewStatus),
		}
		if entry.Reason != "" {
			doc["reason"] = entry.Reason
		}
		if len(entry.Details) > 0 {
			doc["details"] = entry.Details
		}
		history = append(history, doc)
	}

	return map[string]any{
		"orderId": order.ID,
		"items":   items,
		"address": map[string]any{
			"street":     order.Address.Street,
			"city":       order.Address.City,
			"state":      order.Address.State,
			"country":    order.Address.Country,
			"postalCode": order.Address.PostalCode,
		},
		"customer": map[string]any{
			"name":  order.Customer.Name,
			"email": order.Customer.Email,
			"phone": order.Customer.Phone,
		},
		"orderStatus":        string(order.Status),
		"paymentStatus":      string(order.PaymentStatus),
		"paymentIntentId":    order.PaymentIntentID,
		"subtotal":           money.Float(order.Subtotal),
		"shipping":           money.Float(order.Shipping),
		"discountAmount":     money.Float(order.Discount),
		"totalCommission":    money.Float(order.Commission),
		"total":              money.Float(order.Total),
		"couponCode":         order.CouponCode,
		"cancellationReason": order.CancellationReason,
		"refundReason":       order.RefundReason,
		"actionHistory":      history,
		"shipment":           encodeShipment(order.Shipment),
		"createdAt":          order.CreatedAt.UTC(),
		"updatedAt":          order.UpdatedAt.UTC(),
	}
}

func encodeShipment(shipment domain.ShipmentInfo) map[string]any {
	return map[string]any{
		"shiprocketOrderId":    shipment.ProviderOrderID,
		"shiprocketShipmentId": shipment.ShipmentID,
		"awbCode":              shipment.AWBCode,
		"courierName":          shipment.CourierName,
	}
}

// decodeOrder maps a raw order document. Malformed numeric fields decode as
// zero and are reported through the coercion log instead of failing the read.
func decodeOrder(id string, data map[string]any, log *coercionLog) (domain.Order, error) {
	if data == nil {
		return domain.Order{}, fmt.Errorf("order %s: empty document", id)
	}
	order := domain.Order{
		ID:                 id,
		Status:             domain.OrderStatus(stringField(data, "orderStatus")),
		PaymentStatus:      domain.PaymentStatus(stringField(data, "paymentStatus")),
		PaymentIntentID:    stringField(data, "paymentIntentId"),
		Subtotal:           log.amount("subtotal", data["subtotal"]),
		Shipping:           log.amount("shipping", data["shipping"]),
		Discount:           log.amount("discountAmount", data["discountAmount"]),
		Commission:         log.amount("totalCommission", data["totalCommission"]),
		Total:              log.amount("total", data["total"]),
		CouponCode:         stringField(data, "couponCode"),
		CancellationReason: stringField(data, "cancellationReason"),
		RefundReason:       stringField(data, "refundReason"),
		CreatedAt:          timeField(data, "createdAt"),
		UpdatedAt:          timeField(data, "updatedAt"),
	}
	if !order.Status.Valid() {
		return domain.Order{}, fmt.Errorf("order %s: unknown status %q", id, order.Status)
	}

	address := mapField(data, "address")
	order.Address = domain.Address{
		Street:     stringField(address, "street"),
		City:       stringField(address, "city"),
		State:      stringField(address, "state"),
		Country:    stringField(address, "country"),
		PostalCode: stringField(address, "postalCode"),
	}
	customer := mapField(data, "customer")
	order.Customer = domain.Customer{
		Name:  stringField(customer, "name"),
		Email: stringField(customer, "email"),
		Phone: stringField(customer, "phone"),
	}
	shipment := mapField(data, "shipment")
	order.Shipment = domain.ShipmentInfo{
		ProviderOrderID: stringField(shipment, "shiprocketOrderId"),
		ShipmentID:      stringField(shipment, "shiprocketShipmentId"),
		AWBCode:         stringField(shipment, "awbCode"),
		CourierName:     stringField(shipment, "courierName"),
	}

	for i, raw := range sliceField(data, "items") {
		item, _ := raw.(map[string]any)
		prefix := fmt.Sprintf("items[%d].", i)
		line := domain.OrderItem{
			ProductID:        stringField(item, "productId"),
			Name:             stringField(item, "name"),
			Price:            log.unit(prefix+"price", item["price"]),
			Quantity:         log.quantity(prefix+"quantity", item["quantity"]),
			Total:            log.amount(prefix+"total", item["total"]),
			CommissionAmount: log.unit(prefix+"commissionAmount", item["commissionAmount"]),
			VendorID:         stringField(item, "vendorId"),
			VendorName:       stringField(item, "vendorName"),
			VendorEmail:      stringField(item, "vendorEmail"),
		}
		if rawSale, ok := item["salePrice"]; ok && rawSale != nil {
			sale := log.unit(prefix+"salePrice", rawSale)
			line.SalePrice = &sale
		}
		order.Items = append(order.Items, line)
	}

	for _, raw := range sliceField(data, "actionHistory") {
		entry, _ := raw.(map[string]any)
		order.ActionHistory = append(order.ActionHistory, domain.ActionEntry{
			ID:             stringField(entry, "id"),
			Action:         stringField(entry, "action"),
			Timestamp:      timeField(entry, "timestamp"),
			PerformedBy:    stringField(entry, "performedBy"),
			PreviousStatus: domain.OrderStatus(stringField(entry, "previousStatus")),
			NewStatus:      domain.OrderStatus(stringField(entry, "newStatus")),
			Reason:         stringField(entry, "reason"),
			Details:        mapField(entry, "details"),
		})
	}
	return order, nil
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	switch value := data[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func timeField(data map[string]any, key string) time.Time {
	if data == nil {
		return time.Time{}
	}
	if value, ok := data[key].(time.Time); ok {
		return value.UTC()
	}
	return time.Time{}
}

func mapField(data map[string]any, key string) map[string]any {
	if data == nil {
		return nil
	}
	value, _ := data[key].(map[string]any)
	return value
}

func sliceField(data map[string]any, key string) []any {
	if data == nil {
		return nil
	}
	value, _ := data[key].([]any)
	return value
}
