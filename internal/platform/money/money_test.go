package money

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRound2HalfUp(t *testing.T) {
	cases := map[string]string{
		"2.345":   "2.35",
		"2.344":   "2.34",
		"0.005":   "0.01",
		"1000":    "1000",
		"99.9949": "99.99",
	}
	for in, want := range cases {
		got := Round2(decimal.RequireFromString(in))
		if !got.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("Round2(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestRound2AvoidsFloatDrift(t *testing.T) {
	sum := FromFloat(0.1).Add(FromFloat(0.2))
	if !Round2(sum).Equal(decimal.RequireFromString("0.3")) {
		t.Fatalf("expected 0.3, got %s", Round2(sum))
	}
}

func TestPercentOf(t *testing.T) {
	got := PercentOf(decimal.NewFromInt(1000), decimal.NewFromInt(10))
	if !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100, got %s", got)
	}
	got = PercentOf(decimal.RequireFromString("199.99"), decimal.RequireFromString("12.5"))
	if !Round2(got).Equal(decimal.RequireFromString("25")) {
		t.Fatalf("expected 25.00, got %s", Round2(got))
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name  string
		in    any
		want  string
		valid bool
	}{
		{"nil", nil, "0", true},
		{"float", 12.5, "12.5", true},
		{"int", 7, "7", true},
		{"int64", int64(9), "9", true},
		{"numeric string", " 45.10 ", "45.1", true},
		{"thousands separator", "1,250.50", "1250.5", true},
		{"empty string", "", "0", true},
		{"garbage", "abc", "0", false},
		{"nan", math.NaN(), "0", false},
		{"inf string", "Inf", "0", false},
		{"bool", true, "0", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Coerce(tc.in)
			if ok != tc.valid {
				t.Fatalf("valid = %v, want %v", ok, tc.valid)
			}
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestQuantity(t *testing.T) {
	if q, ok := Quantity("3"); !ok || q != 3 {
		t.Fatalf("expected 3, got %d (%v)", q, ok)
	}
	if q, ok := Quantity(int64(12)); !ok || q != 12 {
		t.Fatalf("expected 12, got %d (%v)", q, ok)
	}
	if _, ok := Quantity("three"); ok {
		t.Fatalf("expected invalid quantity")
	}
}

func TestNonNegative(t *testing.T) {
	if !NonNegative(decimal.NewFromInt(-5)).IsZero() {
		t.Fatalf("expected negative to clamp to zero")
	}
}
