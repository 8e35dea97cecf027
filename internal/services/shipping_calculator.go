package services

import (
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/money"
)

var (
	defaultFreeShippingThreshold = decimal.NewFromInt(1000)
	defaultFlatShippingFee       = decimal.NewFromInt(100)
)

// ShippingPolicy configures the fallback heuristic used when no destination rate matches.
type ShippingPolicy struct {
	FreeShippingThreshold decimal.Decimal
	FlatFee               decimal.Decimal
}

// DefaultShippingPolicy returns threshold 1000 and flat fee 100.
func DefaultShippingPolicy() ShippingPolicy {
	return ShippingPolicy{FreeShippingThreshold: defaultFreeShippingThreshold, FlatFee: defaultFlatShippingFee}
}

// ShippingCalculator resolves shipping fees. The zero value uses the default policy.
type ShippingCalculator struct {
	policy ShippingPolicy
	set    bool
}

// NewShippingCalculator constructs a calculator with the supplied policy.
// Negative values are clamped to zero.
func NewShippingCalculator(policy ShippingPolicy) ShippingCalculator {
	policy.FreeShippingThreshold = money.NonNegative(policy.FreeShippingThreshold)
	policy.FlatFee = money.Round2(money.NonNegative(policy.FlatFee))
	return ShippingCalculator{policy: policy, set: true}
}

// Policy returns the effective policy.
func (c ShippingCalculator) Policy() ShippingPolicy {
	if !c.set {
		return DefaultShippingPolicy()
	}
	return c.policy
}

// CalculateShipping returns the rate table fee for an exact destination match,
// otherwise zero above the free shipping threshold and the flat fee at or below it.
// It never fails; unknown destinations degrade to the heuristic.
func (c ShippingCalculator) CalculateShipping(country, state, city string, subtotal decimal.Decimal, rates domain.RateTable) decimal.Decimal {
	if fee, ok := rates.Lookup(country, state, city); ok {
		return money.Round2(money.NonNegative(fee))
	}
	policy := c.Policy()
	if subtotal.GreaterThan(policy.FreeShippingThreshold) {
		return money.Zero
	}
	return policy.FlatFee
}

// ApplyFreeShipping zeroes the fee when a free shipping coupon was applied.
func ApplyFreeShipping(fee decimal.Decimal, coupon CouponResult) decimal.Decimal {
	if coupon.Valid && coupon.FreeShipping {
		return money.Zero
	}
	return fee
}
