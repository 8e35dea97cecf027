package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/money"
	"github.com/hanko-field/settlement/internal/repositories"
)

var (
	// ErrPricingInvalidInput indicates the cart or address failed validation.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
	// ErrPricingUnavailable indicates coupons or rates could not be loaded.
	ErrPricingUnavailable = errors.New("pricing: dependency unavailable")
)

// PricingRequest is the normalised input for pricing an order.
type PricingRequest struct {
	Items      []domain.OrderItem
	Address    domain.Address
	CouponCode string
	// Coupon is nil when the code did not resolve or no code was supplied.
	Coupon *domain.Coupon
	Rates  domain.RateTable
	Now    time.Time
}

// PriceBreakdown is the composed result of discount, shipping and commission.
type PriceBreakdown struct {
	Items         []domain.OrderItem
	Subtotal      decimal.Decimal
	Shipping      decimal.Decimal
	Discount      decimal.Decimal
	Commission    decimal.Decimal
	Total         decimal.Decimal
	CouponCode    string
	Coupon        CouponResult
	CouponApplied bool
}

// OrderPricerDeps wires the pricer. Coupons and Rates are only needed by Quote.
type OrderPricerDeps struct {
	Shipping              ShippingCalculator
	DefaultCommissionRate decimal.Decimal
	Coupons               repositories.CouponRepository
	Rates                 repositories.ShippingRateRepository
	Clock                 func() time.Time
}

// OrderPricer composes the discount, shipping and commission calculators.
type OrderPricer struct {
	shipping       ShippingCalculator
	commissionRate decimal.Decimal
	coupons        repositories.CouponRepository
	rates          repositories.ShippingRateRepository
	clock          func() time.Time
}

// NewOrderPricer constructs an OrderPricer.
func NewOrderPricer(deps OrderPricerDeps) *OrderPricer {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &OrderPricer{
		shipping:       deps.Shipping,
		commissionRate: money.NonNegative(deps.DefaultCommissionRate),
		coupons:        deps.Coupons,
		rates:          deps.Rates,
		clock: func() time.Time {
			return clock().UTC()
		},
	}
}

// CommissionRate returns the default commission percentage.
func (p *OrderPricer) CommissionRate() decimal.Decimal {
	return p.commissionRate
}

// Price computes line totals and order totals. Discount never exceeds the
// subtotal, so total = round2(subtotal + shipping - discount) stays non-negative.
func (p *OrderPricer) Price(req PricingRequest) PriceBreakdown {
	items := make([]domain.OrderItem, len(req.Items))
	subtotal := money.Zero
	for i, item := range req.Items {
		item.Total = money.Round2(item.UnitPrice().Mul(decimal.NewFromInt(int64(item.Quantity))))
		subtotal = subtotal.Add(item.Total)
		items[i] = item
	}
	subtotal = money.Round2(subtotal)

	breakdown := PriceBreakdown{Items: items, Subtotal: subtotal, Discount: money.Zero}
	code := domain.NormalizeCouponCode(req.CouponCode)
	if code != "" {
		breakdown.Coupon = ApplyCoupon(req.Coupon, subtotal, req.Now)
		if breakdown.Coupon.Valid {
			breakdown.CouponApplied = true
			breakdown.CouponCode = code
			breakdown.Discount = decimal.Min(breakdown.Coupon.DiscountAmount, subtotal)
		}
	}

	fee := p.shipping.CalculateShipping(req.Address.Country, req.Address.State, req.Address.City, subtotal, req.Rates)
	breakdown.Shipping = ApplyFreeShipping(fee, breakdown.Coupon)
	breakdown.Commission = CalculateOrderCommission(items, p.commissionRate)
	breakdown.Total = money.Round2(subtotal.Add(breakdown.Shipping).Sub(breakdown.Discount))
	return breakdown
}

// QuoteCommand prices a prospective cart without persisting anything.
type QuoteCommand struct {
	Items      []domain.OrderItem
	Address    domain.Address
	CouponCode string
}

// Quote validates the cart, loads the coupon and rate table, and prices it.
// An unusable coupon is reported in the breakdown rather than as an error.
func (p *OrderPricer) Quote(ctx context.Context, cmd QuoteCommand) (PriceBreakdown, error) {
	if err := ValidateOrderItems(cmd.Items); err != nil {
		return PriceBreakdown{}, err
	}
	rates, err := p.loadRates(ctx)
	if err != nil {
		return PriceBreakdown{}, err
	}
	req := PricingRequest{Items: cmd.Items, Address: cmd.Address, CouponCode: cmd.CouponCode, Rates: rates, Now: p.clock()}
	if code := domain.NormalizeCouponCode(cmd.CouponCode); code != "" && p.coupons != nil {
		coupon, err := p.coupons.FindByCode(ctx, code)
		switch {
		case err == nil:
			req.Coupon = &coupon
		case repositories.IsNotFound(err):
		default:
			return PriceBreakdown{}, fmt.Errorf("%w: load coupon: %v", ErrPricingUnavailable, err)
		}
	}
	return p.Price(req), nil
}

// RecomputeTotals reprices an order with its coupon removed.
func (p *OrderPricer) RecomputeTotals(order domain.Order, rates domain.RateTable) domain.Order {
	breakdown := p.Price(PricingRequest{Items: order.Items, Address: order.Address, Rates: rates, Now: p.clock()})
	applyBreakdown(&order, breakdown)
	order.CouponCode = ""
	return order
}

func (p *OrderPricer) loadRates(ctx context.Context) (domain.RateTable, error) {
	if p.rates == nil {
		return domain.RateTable{}, nil
	}
	rates, err := p.rates.ListRates(ctx)
	if err != nil {
		return domain.RateTable{}, fmt.Errorf("%w: load shipping rates: %v", ErrPricingUnavailable, err)
	}
	return domain.NewRateTable(rates), nil
}

func applyBreakdown(order *domain.Order, breakdown PriceBreakdown) {
	order.Items = breakdown.Items
	order.Subtotal = breakdown.Subtotal
	order.Shipping = breakdown.Shipping
	order.Discount = breakdown.Discount
	order.Commission = breakdown.Commission
	order.Total = breakdown.Total
	order.CouponCode = breakdown.CouponCode
}

// ValidateOrderItems enforces a non-empty cart with positive quantities and non-negative prices.
func ValidateOrderItems(items []domain.OrderItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", ErrPricingInvalidInput)
	}
	for i, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item %d product id is required", ErrPricingInvalidInput, i)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: item %s quantity must be at least 1", ErrPricingInvalidInput, item.ProductID)
		}
		if item.Price.IsNegative() || (item.SalePrice != nil && item.SalePrice.IsNegative()) {
			return fmt.Errorf("%w: item %s price must not be negative", ErrPricingInvalidInput, item.ProductID)
		}
		if item.CommissionAmount.IsNegative() {
			return fmt.Errorf("%w: item %s commission must not be negative", ErrPricingInvalidInput, item.ProductID)
		}
	}
	return nil
}

// ValidateAddress requires city, state and country.
func ValidateAddress(addr domain.Address) error {
	var missing []string
	if strings.TrimSpace(addr.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(addr.State) == "" {
		missing = append(missing, "state")
	}
	if strings.TrimSpace(addr.Country) == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: address %s required", ErrPricingInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}
