package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/money"
	"github.com/hanko-field/settlement/internal/platform/textutil"
	"github.com/hanko-field/settlement/internal/services"
)

const (
	maxNameLength  = 200
	maxEmailLength = 254
)

// looseAmount decodes an amount sent as a JSON number or a numeric string.
// Anything else decodes to zero and is flagged invalid.
type looseAmount struct {
	value   decimal.Decimal
	invalid bool
}

func (a *looseAmount) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	value, ok := money.Coerce(raw)
	a.value, a.invalid = value, !ok
	return nil
}

type orderItemRequest struct {
	ProductID        string       `json:"productId"`
	Name             string       `json:"name"`
	Price            looseAmount  `json:"price"`
	SalePrice        *looseAmount `json:"salePrice"`
	Quantity         int          `json:"quantity"`
	CommissionAmount looseAmount  `json:"commissionAmount"`
	VendorID         string       `json:"vendorId"`
	VendorName       string       `json:"vendorName"`
	VendorEmail      string       `json:"vendorEmail"`
}

type addressPayload struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	Country    string `json:"country"`
	PostalCode string `json:"postalCode,omitempty"`
}

type customerPayload struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type placeOrderRequest struct {
	Items           []orderItemRequest `json:"items"`
	Address         addressPayload     `json:"address"`
	Customer        customerPayload    `json:"customer"`
	CouponCode      string             `json:"couponCode"`
	PaymentIntentID string             `json:"paymentIntentId"`
	PaymentStatus   string             `json:"paymentStatus"`
}

type quoteRequest struct {
	Items      []orderItemRequest `json:"items"`
	Address    addressPayload     `json:"address"`
	CouponCode string             `json:"couponCode"`
}

type transitionRequest struct {
	Reason string `json:"reason"`
}

// toDomain normalises the line. Names of amount fields that had to be
// coerced to zero are appended to coerced.
func (r orderItemRequest) toDomain(index int, coerced *[]string) domain.OrderItem {
	note := func(field string, amount looseAmount) decimal.Decimal {
		if amount.invalid {
			*coerced = append(*coerced, fmt.Sprintf("items[%d].%s", index, field))
		}
		return amount.value
	}
	item := domain.OrderItem{
		ProductID:        strings.TrimSpace(r.ProductID),
		Name:             textutil.SanitizeText(r.Name, maxNameLength),
		Price:            note("price", r.Price),
		Quantity:         r.Quantity,
		CommissionAmount: note("commissionAmount", r.CommissionAmount),
		VendorID:         strings.TrimSpace(r.VendorID),
		VendorName:       textutil.SanitizeText(r.VendorName, maxNameLength),
		VendorEmail:      textutil.SanitizeText(r.VendorEmail, maxEmailLength),
	}
	if r.SalePrice != nil {
		sale := note("salePrice", *r.SalePrice)
		item.SalePrice = &sale
	}
	return item
}

// itemsToDomain normalises request lines and returns the coerced field paths.
func itemsToDomain(items []orderItemRequest) ([]domain.OrderItem, []string) {
	out := make([]domain.OrderItem, 0, len(items))
	var coerced []string
	for i, item := range items {
		out = append(out, item.toDomain(i, &coerced))
	}
	return out, coerced
}

func (a addressPayload) toDomain() domain.Address {
	return domain.Address{
		Street:     textutil.SanitizeText(a.Street, maxNameLength),
		City:       textutil.SanitizeText(a.City, maxNameLength),
		State:      textutil.SanitizeText(a.State, maxNameLength),
		Country:    textutil.SanitizeText(a.Country, maxNameLength),
		PostalCode: strings.TrimSpace(a.PostalCode),
	}
}

func (c customerPayload) toDomain() domain.Customer {
	return domain.Customer{
		Name:  textutil.SanitizeText(c.Name, maxNameLength),
		Email: textutil.SanitizeText(c.Email, maxEmailLength),
		Phone: strings.TrimSpace(c.Phone),
	}
}

type orderItemPayload struct {
	ProductID        string   `json:"productId"`
	Name             string   `json:"name,omitempty"`
	Price            float64  `json:"price"`
	SalePrice        *float64 `json:"salePrice,omitempty"`
	Quantity         int      `json:"quantity"`
	Total            float64  `json:"total"`
	CommissionAmount float64  `json:"commissionAmount"`
	VendorID         string   `json:"vendorId,omitempty"`
	VendorName       string   `json:"vendorName,omitempty"`
	VendorEmail      string   `json:"vendorEmail,omitempty"`
}

type shipmentPayload struct {
	ProviderOrderID string `json:"shiprocketOrderId,omitempty"`
	ShipmentID      string `json:"shiprocketShipmentId,omitempty"`
	AWBCode         string `json:"awbCode,omitempty"`
	CourierName     string `json:"courierName,omitempty"`
}

type actionPayload struct {
	ID             string         `json:"id"`
	Action         string         `json:"action"`
	Timestamp      string         `json:"timestamp"`
	PerformedBy    string         `json:"performedBy"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	NewStatus      string         `json:"newStatus,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

type orderPayload struct {
	ID                 string             `json:"id"`
	Status             string             `json:"orderStatus"`
	PaymentStatus      string             `json:"paymentStatus"`
	PaymentIntentID    string             `json:"paymentIntentId,omitempty"`
	Items              []orderItemPayload `json:"items"`
	Address            addressPayload     `json:"address"`
	Customer           customerPayload    `json:"customer"`
	Subtotal           float64            `json:"subtotal"`
	Shipping           float64            `json:"shipping"`
	Discount           float64            `json:"discountAmount"`
	Commission         float64            `json:"totalCommission"`
	Total              float64            `json:"total"`
	CouponCode         string             `json:"couponCode,omitempty"`
	CancellationReason string             `json:"cancellationReason,omitempty"`
	RefundReason       string             `json:"refundReason,omitempty"`
	Shipment           *shipmentPayload   `json:"shipment,omitempty"`
	ActionHistory      []actionPayload    `json:"actionHistory"`
	CreatedAt          string             `json:"createdAt,omitempty"`
	UpdatedAt          string             `json:"updatedAt,omitempty"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentIntentID: order.PaymentIntentID,
		Items:           buildItemPayloads(order.Items),
		Address: addressPayload{
			Street:     order.Address.Street,
			City:       order.Address.City,
			State:      order.Address.State,
			Country:    order.Address.Country,
			PostalCode: order.Address.PostalCode,
		},
		Customer: customerPayload{
			Name:  order.Customer.Name,
			Email: order.Customer.Email,
			Phone: order.Customer.Phone,
		},
		Subtotal:           money.Float(order.Subtotal),
		Shipping:           money.Float(order.Shipping),
		Discount:           money.Float(order.Discount),
		Commission:         money.Float(order.Commission),
		Total:              money.Float(order.Total),
		CouponCode:         order.CouponCode,
		CancellationReason: order.CancellationReason,
		RefundReason:       order.RefundReason,
		ActionHistory:      buildActionPayloads(order.ActionHistory),
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
	}
	if !order.Shipment.Empty() {
		payload.Shipment = &shipmentPayload{
			ProviderOrderID: order.Shipment.ProviderOrderID,
			ShipmentID:      order.Shipment.ShipmentID,
			AWBCode:         order.Shipment.AWBCode,
			CourierName:     order.Shipment.CourierName,
		}
	}
	return payload
}

func buildItemPayloads(items []domain.OrderItem) []orderItemPayload {
	out := make([]orderItemPayload, 0, len(items))
	for _, item := range items {
		payload := orderItemPayload{
			ProductID:        item.ProductID,
			Name:             item.Name,
			Price:            money.Float(item.Price),
			Quantity:         item.Quantity,
			Total:            money.Float(item.Total),
			CommissionAmount: money.Float(item.CommissionAmount),
			VendorID:         item.VendorID,
			VendorName:       item.VendorName,
			VendorEmail:      item.VendorEmail,
		}
		if item.SalePrice != nil {
			sale := money.Float(*item.SalePrice)
			payload.SalePrice = &sale
		}
		out = append(out, payload)
	}
	return out
}

func buildActionPayloads(entries []domain.ActionEntry) []actionPayload {
	out := make([]actionPayload, 0, len(entries))
	for _, entry := range entries {
		out = append(out, actionPayload{
			ID:             entry.ID,
			Action:         entry.Action,
			Timestamp:      formatTime(entry.Timestamp),
			PerformedBy:    entry.PerformedBy,
			PreviousStatus: string(entry.PreviousStatus),
			NewStatus:      string(entry.NewStatus),
			Reason:         entry.Reason,
			Details:        entry.Details,
		})
	}
	return out
}

type sideEffectsPayload struct {
	StockAdjusted   bool `json:"stockAdjusted"`
	ShipmentCreated bool `json:"shipmentCreated"`
	EmailSent       bool `json:"emailSent"`
	InvoiceRendered bool `json:"invoiceRendered"`
	InvoiceArchived bool `json:"invoiceArchived"`
	RefundIssued    bool `json:"refundIssued"`
}

type shortfallPayload struct {
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type transitionResponse struct {
	Success           bool               `json:"success"`
	Outcome           string             `json:"outcome"`
	Errors            []string           `json:"errors"`
	Warnings          []string           `json:"warnings"`
	SideEffects       sideEffectsPayload `json:"sideEffects"`
	Order             *orderPayload      `json:"order,omitempty"`
	InsufficientStock []shortfallPayload `json:"insufficientStock,omitempty"`
}

func buildTransitionResponse(result services.TransitionResult) transitionResponse {
	resp := transitionResponse{
		Success:  result.Success,
		Outcome:  string(result.Outcome),
		Errors:   nonNilStrings(result.Errors),
		Warnings: nonNilStrings(result.Warnings),
		SideEffects: sideEffectsPayload{
			StockAdjusted:   result.SideEffects.StockAdjusted,
			ShipmentCreated: result.SideEffects.ShipmentCreated,
			EmailSent:       result.SideEffects.EmailSent,
			InvoiceRendered: result.SideEffects.InvoiceRendered,
			InvoiceArchived: result.SideEffects.InvoiceArchived,
			RefundIssued:    result.SideEffects.RefundIssued,
		},
		InsufficientStock: buildShortfallPayloads(result.InsufficientStock),
	}
	if result.Order.ID != "" {
		order := buildOrderPayload(result.Order)
		resp.Order = &order
	}
	return resp
}

func buildShortfallPayloads(shortfalls []services.StockShortfall) []shortfallPayload {
	if len(shortfalls) == 0 {
		return nil
	}
	out := make([]shortfallPayload, 0, len(shortfalls))
	for _, s := range shortfalls {
		out = append(out, shortfallPayload{ProductID: s.ProductID, Requested: s.Requested, Available: s.Available})
	}
	return out
}

type couponPayload struct {
	Valid          bool    `json:"valid"`
	DiscountAmount float64 `json:"discountAmount"`
	FreeShipping   bool    `json:"freeShipping"`
	Reason         string  `json:"reason,omitempty"`
}

type quoteResponse struct {
	Items         []orderItemPayload `json:"items"`
	Subtotal      float64            `json:"subtotal"`
	Shipping      float64            `json:"shipping"`
	Discount      float64            `json:"discountAmount"`
	Commission    float64            `json:"totalCommission"`
	Total         float64            `json:"total"`
	CouponCode    string             `json:"couponCode,omitempty"`
	CouponApplied bool               `json:"couponApplied"`
	Coupon        *couponPayload     `json:"coupon,omitempty"`
}

func buildQuoteResponse(breakdown services.PriceBreakdown, requestedCode string) quoteResponse {
	resp := quoteResponse{
		Items:         buildItemPayloads(breakdown.Items),
		Subtotal:      money.Float(breakdown.Subtotal),
		Shipping:      money.Float(breakdown.Shipping),
		Discount:      money.Float(breakdown.Discount),
		Commission:    money.Float(breakdown.Commission),
		Total:         money.Float(breakdown.Total),
		CouponCode:    breakdown.CouponCode,
		CouponApplied: breakdown.CouponApplied,
	}
	if domain.NormalizeCouponCode(requestedCode) != "" {
		resp.Coupon = &couponPayload{
			Valid:          breakdown.Coupon.Valid,
			DiscountAmount: money.Float(breakdown.Coupon.DiscountAmount),
			FreeShipping:   breakdown.Coupon.FreeShipping,
			Reason:         breakdown.Coupon.Reason,
		}
	}
	return resp
}

type stockResponse struct {
	OrderID           string             `json:"orderId"`
	CanFulfill        bool               `json:"canFulfill"`
	InsufficientStock []shortfallPayload `json:"insufficientStock"`
}

type historyResponse struct {
	OrderID string          `json:"orderId"`
	Items   []actionPayload `json:"items"`
}

type commissionResponse struct {
	OrderID  string             `json:"orderId"`
	Total    float64            `json:"totalCommission"`
	Rate     float64            `json:"rate"`
	ByVendor map[string]float64 `json:"byVendor"`
}

func buildCommissionResponse(report services.CommissionReport) commissionResponse {
	byVendor := make(map[string]float64, len(report.ByVendor))
	for vendor, amount := range report.ByVendor {
		byVendor[vendor] = money.Float(amount)
	}
	return commissionResponse{
		OrderID:  report.OrderID,
		Total:    money.Float(report.Total),
		Rate:     money.Float(report.Rate),
		ByVendor: byVendor,
	}
}

type checkpointPayload struct {
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
	At       string `json:"at,omitempty"`
}

type trackingPayload struct {
	Status      string              `json:"status,omitempty"`
	AWBCode     string              `json:"awbCode,omitempty"`
	Checkpoints []checkpointPayload `json:"checkpoints"`
}

type trackingResponse struct {
	OrderID  string           `json:"orderId"`
	Success  bool             `json:"success"`
	Errors   []string         `json:"errors"`
	Tracking *trackingPayload `json:"tracking,omitempty"`
}

func buildTrackingResponse(orderID string, result services.TrackingResult) trackingResponse {
	resp := trackingResponse{OrderID: orderID, Success: result.Success, Errors: nonNilStrings(result.Errors)}
	if result.Success {
		tracking := &trackingPayload{
			Status:      result.Tracking.Status,
			AWBCode:     result.Tracking.AWBCode,
			Checkpoints: make([]checkpointPayload, 0, len(result.Tracking.Checkpoints)),
		}
		for _, cp := range result.Tracking.Checkpoints {
			tracking.Checkpoints = append(tracking.Checkpoints, checkpointPayload{Status: cp.Status, Location: cp.Location, At: formatTime(cp.At)})
		}
		resp.Tracking = tracking
	}
	return resp
}

type drainResponse struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Dead      int `json:"dead"`
	Skipped   int `json:"skipped"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
