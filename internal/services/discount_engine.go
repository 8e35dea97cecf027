package services

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/money"
)

// Coupon rejection reasons. Each validation step yields its own reason.
const (
	CouponReasonNotFound      = "coupon not found"
	CouponReasonInactive      = "coupon is not active"
	CouponReasonExpired       = "coupon has expired"
	CouponReasonUsageLimit    = "coupon usage limit reached"
	CouponReasonSoldOut       = "coupon is no longer available"
	CouponReasonUnsupported   = "coupon discount type is not supported"
	couponReasonMinimumFormat = "order subtotal must be at least %s to use this coupon"
)

// CouponResult is the outcome of applying a coupon to a cart subtotal.
type CouponResult struct {
	Valid          bool
	DiscountAmount decimal.Decimal
	FreeShipping   bool
	Reason         string
}

func rejectCoupon(reason string) CouponResult {
	return CouponResult{Valid: false, DiscountAmount: money.Zero, Reason: reason}
}

// ApplyCoupon validates coupon against the cart subtotal at instant now and
// computes the discount. A nil coupon means the code did not resolve. The
// function has no side effects; usage counting belongs to the caller.
func ApplyCoupon(coupon *domain.Coupon, cartSubtotal decimal.Decimal, now time.Time) CouponResult {
	if coupon == nil {
		return rejectCoupon(CouponReasonNotFound)
	}
	if !coupon.IsActive {
		return rejectCoupon(CouponReasonInactive)
	}
	if !coupon.ValidTo.IsZero() && !now.Before(coupon.ValidTo) {
		return rejectCoupon(CouponReasonExpired)
	}
	if coupon.UsageLimit > 0 && coupon.UsageCount >= coupon.UsageLimit {
		return rejectCoupon(CouponReasonUsageLimit)
	}
	if coupon.TotalQuantity > 0 && coupon.UsageCount >= coupon.TotalQuantity {
		return rejectCoupon(CouponReasonSoldOut)
	}
	if coupon.MinOrderAmount.IsPositive() && cartSubtotal.LessThan(coupon.MinOrderAmount) {
		return rejectCoupon(fmt.Sprintf(couponReasonMinimumFormat, money.Round2(coupon.MinOrderAmount).StringFixed(money.Scale)))
	}

	value := money.NonNegative(coupon.DiscountValue)
	switch coupon.DiscountType {
	case domain.DiscountTypePercentage:
		return CouponResult{Valid: true, DiscountAmount: money.Round2(money.PercentOf(cartSubtotal, value))}
	case domain.DiscountTypeFixed:
		return CouponResult{Valid: true, DiscountAmount: money.Round2(decimal.Min(value, money.NonNegative(cartSubtotal)))}
	case domain.DiscountTypeFreeShipping:
		return CouponResult{Valid: true, DiscountAmount: money.Zero, FreeShipping: true}
	default:
		return rejectCoupon(CouponReasonUnsupported)
	}
}
