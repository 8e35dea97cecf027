package services

import (
	"testing"

	domain "github.com/hanko-field/settlement/internal/domain"
)

func TestCalculateShippingHeuristic(t *testing.T) {
	calc := ShippingCalculator{}
	empty := domain.NewRateTable(nil)

	cases := []struct {
		subtotal string
		want     string
	}{
		{"1200", "0"},
		{"500", "100"},
		{"1000", "100"},
		{"1000.01", "0"},
	}
	for _, tc := range cases {
		got := calc.CalculateShipping("India", "Kerala", "Kochi", dec(tc.subtotal), empty)
		if !got.Equal(dec(tc.want)) {
			t.Fatalf("subtotal %s: expected %s, got %s", tc.subtotal, tc.want, got)
		}
	}
}

func TestCalculateShippingPrefersRateTable(t *testing.T) {
	rates := domain.NewRateTable([]domain.ShippingRate{
		{Country: "India", State: "Kerala", City: "Kochi", Fee: dec("45.5")},
		{Country: "India", State: "Goa", City: "", Fee: dec("10")},
	})
	calc := NewShippingCalculator(DefaultShippingPolicy())

	if got := calc.CalculateShipping(" india ", "KERALA", "kochi", dec("5000"), rates); !got.Equal(dec("45.5")) {
		t.Fatalf("expected table rate 45.50, got %s", got)
	}
	if got := calc.CalculateShipping("India", "Goa", "Panaji", dec("200"), rates); !got.Equal(dec("100")) {
		t.Fatalf("partial rate must not match, expected flat fee, got %s", got)
	}
	if got := calc.CalculateShipping("", "", "", dec("200"), rates); !got.Equal(dec("100")) {
		t.Fatalf("unresolvable address must degrade to heuristic, got %s", got)
	}
}

func TestCalculateShippingCustomPolicy(t *testing.T) {
	calc := NewShippingCalculator(ShippingPolicy{FreeShippingThreshold: dec("250"), FlatFee: dec("40")})
	if got := calc.CalculateShipping("US", "CA", "LA", dec("251"), domain.RateTable{}); !got.IsZero() {
		t.Fatalf("expected free shipping above custom threshold, got %s", got)
	}
	if got := calc.CalculateShipping("US", "CA", "LA", dec("100"), domain.RateTable{}); !got.Equal(dec("40")) {
		t.Fatalf("expected custom flat fee, got %s", got)
	}
}

func TestApplyFreeShippingOverridesFee(t *testing.T) {
	if got := ApplyFreeShipping(dec("100"), CouponResult{Valid: true, FreeShipping: true}); !got.IsZero() {
		t.Fatalf("expected zero fee, got %s", got)
	}
	if got := ApplyFreeShipping(dec("100"), CouponResult{Valid: false, FreeShipping: true}); !got.Equal(dec("100")) {
		t.Fatalf("invalid coupon must not zero the fee, got %s", got)
	}
}
