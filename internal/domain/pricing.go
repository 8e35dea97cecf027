package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType enumerates coupon discount kinds.
type DiscountType string

const (
	DiscountTypePercentage   DiscountType = "percentage"
	DiscountTypeFixed        DiscountType = "fixed"
	DiscountTypeFreeShipping DiscountType = "free_shipping"
)

// Coupon is a named discount rule with eligibility constraints.
type Coupon struct {
	Code          string
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	IsActive      bool
	ValidTo       time.Time
	// MinOrderAmount is zero when no minimum applies.
	MinOrderAmount decimal.Decimal
	// UsageLimit is zero when usage is unlimited.
	UsageLimit int
	UsageCount int
	// TotalQuantity is zero when no stock of coupons was configured.
	TotalQuantity int
}

// NormalizeCouponCode canonicalises coupon codes for lookup.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ShippingRate is the fee configured for an exact country/state/city triple.
type ShippingRate struct {
	Country string
	State   string
	City    string
	Fee     decimal.Decimal
}

// RateTable indexes shipping rates by normalised destination.
type RateTable struct {
	rates map[string]decimal.Decimal
}

// NewRateTable builds a table from the provided rates. Later duplicates win.
func NewRateTable(rates []ShippingRate) RateTable {
	table := RateTable{rates: make(map[string]decimal.Decimal, len(rates))}
	for _, rate := range rates {
		key, ok := rateKey(rate.Country, rate.State, rate.City)
		if !ok {
			continue
		}
		table.rates[key] = rate.Fee
	}
	return table
}

// Lookup returns the fee for a fully specified destination.
func (t RateTable) Lookup(country, state, city string) (decimal.Decimal, bool) {
	if t.rates == nil {
		return decimal.Zero, false
	}
	key, ok := rateKey(country, state, city)
	if !ok {
		return decimal.Zero, false
	}
	fee, found := t.rates[key]
	return fee, found
}

// Len returns the number of configured rates.
func (t RateTable) Len() int {
	return len(t.rates)
}

func rateKey(country, state, city string) (string, bool) {
	parts := []string{country, state, city}
	for i, part := range parts {
		part = strings.ToLower(strings.Join(strings.Fields(part), " "))
		if part == "" {
			return "", false
		}
		parts[i] = part
	}
	return strings.Join(parts, "|"), true
}
