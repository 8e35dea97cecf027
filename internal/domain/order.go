package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and stock has not been taken.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates stock was decremented and fulfilment started.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusShipped indicates the parcel left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the courier reported delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates the order was refunded after confirmation.
	OrderStatusRefunded OrderStatus = "refunded"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further lifecycle transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// HoldsStock reports whether an order in this status has decremented stock.
func (s OrderStatus) HoldsStock() bool {
	return s == OrderStatusConfirmed || s == OrderStatusShipped || s == OrderStatusDelivered
}

// PaymentStatus tracks the customer's payment independently of OrderStatus.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	// PaymentStatusRefunded is set when a refund commits on a completed payment.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Order is the aggregate root for one customer purchase.
type Order struct {
	ID                 string
	Items              []OrderItem
	Address            Address
	Customer           Customer
	Status             OrderStatus
	PaymentStatus      PaymentStatus
	PaymentIntentID    string
	Subtotal           decimal.Decimal
	Shipping           decimal.Decimal
	Discount           decimal.Decimal
	Commission         decimal.Decimal
	Total              decimal.Decimal
	CouponCode         string
	CancellationReason string
	RefundReason       string
	ActionHistory      []ActionEntry
	Shipment           ShipmentInfo
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string
	Name      string
	Price     decimal.Decimal
	// SalePrice is nil when the product had no sale price at checkout.
	SalePrice *decimal.Decimal
	Quantity  int
	Total     decimal.Decimal
	// CommissionAmount is the absolute per-unit commission configured on the product.
	CommissionAmount decimal.Decimal
	VendorID         string
	VendorName       string
	VendorEmail      string
}

// UnitPrice returns the sale price when one is set and positive, otherwise the list price.
func (i OrderItem) UnitPrice() decimal.Decimal {
	if i.SalePrice != nil && i.SalePrice.IsPositive() {
		return *i.SalePrice
	}
	return i.Price
}

// Address is the delivery address. City, state and country are required.
type Address struct {
	Street     string
	City       string
	State      string
	Country    string
	PostalCode string
}

// Customer carries the contact details used for notifications.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// ShipmentInfo correlates the order with the shipping provider.
type ShipmentInfo struct {
	ProviderOrderID string
	ShipmentID      string
	AWBCode         string
	CourierName     string
}

// Empty reports whether no shipment has been created for the order.
func (s ShipmentInfo) Empty() bool {
	return s.ShipmentID == "" && s.AWBCode == "" && s.ProviderOrderID == ""
}

// ActionEntry is one immutable audit record on an order.
type ActionEntry struct {
	ID             string
	Action         string
	Timestamp      time.Time
	PerformedBy    string
	PreviousStatus OrderStatus
	NewStatus      OrderStatus
	Reason         string
	Details        map[string]any
}

// Action names recorded in the history.
const (
	ActionOrderCreated   = "order_created"
	ActionOrderConfirmed = "order_confirmed"
	ActionOrderShipped   = "order_shipped"
	ActionOrderDelivered = "order_delivered"
	ActionOrderCancelled = "order_cancelled"
	ActionOrderRefunded  = "order_refunded"
)

// StockRecord is the per-product stock counter owned by the product catalogue.
type StockRecord struct {
	ProductID     string
	Name          string
	StockQuantity int
	UpdatedAt     time.Time
}
