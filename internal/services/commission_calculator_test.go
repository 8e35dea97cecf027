package services

import (
	"testing"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/money"
)

func TestItemCommission(t *testing.T) {
	rate := dec("10")

	explicit := domain.OrderItem{Price: dec("500"), Quantity: 3, CommissionAmount: money.Amount("25.50")}
	if got := ItemCommission(explicit, rate); !got.Equal(dec("76.5")) {
		t.Fatalf("expected explicit amount x qty = 76.50, got %s", got)
	}

	fallback := domain.OrderItem{Price: dec("199.99"), Quantity: 2}
	// 10% of 199.99 = 19.999 -> 20.00 per unit
	if got := ItemCommission(fallback, rate); !got.Equal(dec("40")) {
		t.Fatalf("expected rounded percentage x qty = 40, got %s", got)
	}

	malformed := domain.OrderItem{Price: dec("100"), Quantity: 1, CommissionAmount: money.Amount("n/a")}
	if got := ItemCommission(malformed, rate); !got.Equal(dec("10")) {
		t.Fatalf("malformed amount should fall back to rate, got %s", got)
	}

	if got := ItemCommission(domain.OrderItem{Price: dec("100"), Quantity: 0}, rate); !got.IsZero() {
		t.Fatalf("expected zero for empty line, got %s", got)
	}
}

func TestCalculateOrderCommissionZeroDefaultRate(t *testing.T) {
	items := []domain.OrderItem{
		{Price: dec("100"), Quantity: 1},
		{Price: dec("50"), Quantity: 2, CommissionAmount: dec("5")},
	}
	if got := CalculateOrderCommission(items, decimal.Zero); !got.Equal(dec("10")) {
		t.Fatalf("expected only explicit commission 10, got %s", got)
	}
}

// Two vendors: the breakdown has exactly two keys summing to the order total.
func TestCommissionBreakdownByVendorMatchesTotal(t *testing.T) {
	items := []domain.OrderItem{
		{ProductID: "p1", Price: dec("333.33"), Quantity: 3, VendorID: "vendor-a"},
		{ProductID: "p2", Price: dec("80"), Quantity: 1, CommissionAmount: dec("12.25"), VendorID: "vendor-b"},
	}
	rate := dec("7")

	total := CalculateOrderCommission(items, rate)
	breakdown := CommissionBreakdownByVendor(items, rate)
	if len(breakdown) != 2 {
		t.Fatalf("expected two vendors, got %d", len(breakdown))
	}
	sum := breakdown["vendor-a"].Add(breakdown["vendor-b"])
	if !sum.Equal(total) {
		t.Fatalf("breakdown sum %s != total %s", sum, total)
	}
	// 7% of 333.33 = 23.3331 -> 23.33 x 3 = 69.99
	if !breakdown["vendor-a"].Equal(dec("69.99")) {
		t.Fatalf("unexpected vendor-a commission %s", breakdown["vendor-a"])
	}
}

func TestCommissionBreakdownUnassignedVendor(t *testing.T) {
	items := []domain.OrderItem{{Price: dec("100"), Quantity: 1, CommissionAmount: dec("3")}}
	breakdown := CommissionBreakdownByVendor(items, decimal.Zero)
	if !breakdown[UnassignedVendor].Equal(dec("3")) {
		t.Fatalf("expected unassigned bucket, got %#v", breakdown)
	}
}
