package services

import (
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/money"
)

// UnassignedVendor keys commission for items that carry no vendor.
const UnassignedVendor = "unassigned"

// ItemCommission returns the commission for one line. A positive per-unit
// commission amount wins; otherwise the default percentage of the list price
// is rounded per unit and multiplied by quantity.
func ItemCommission(item domain.OrderItem, defaultRatePercent decimal.Decimal) decimal.Decimal {
	if item.Quantity <= 0 {
		return money.Zero
	}
	qty := decimal.NewFromInt(int64(item.Quantity))
	if item.CommissionAmount.IsPositive() {
		return item.CommissionAmount.Mul(qty)
	}
	perUnit := money.Round2(money.PercentOf(item.Price, money.NonNegative(defaultRatePercent)))
	return perUnit.Mul(qty)
}

// CalculateOrderCommission sums line commissions and rounds once at the end.
// The figure is informational and never reduces the customer total.
func CalculateOrderCommission(items []domain.OrderItem, defaultRatePercent decimal.Decimal) decimal.Decimal {
	total := money.Zero
	for _, item := range items {
		total = total.Add(ItemCommission(item, defaultRatePercent))
	}
	return money.Round2(total)
}

// CommissionBreakdownByVendor aggregates line commissions per vendor id.
func CommissionBreakdownByVendor(items []domain.OrderItem, defaultRatePercent decimal.Decimal) map[string]decimal.Decimal {
	sums := make(map[string]decimal.Decimal)
	for _, item := range items {
		vendor := strings.TrimSpace(item.VendorID)
		if vendor == "" {
			vendor = UnassignedVendor
		}
		sums[vendor] = sums[vendor].Add(ItemCommission(item, defaultRatePercent))
	}
	for vendor, amount := range sums {
		sums[vendor] = money.Round2(amount)
	}
	return sums
}
