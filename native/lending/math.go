package lending

import "github.com/holiman/uint256"

// secondsPerYear is the interest accrual divisor.
const secondsPerYear = 31_536_000

var (
	// decimalsFactor is the 1e18 fixed-point scale shared by rates and the
	// collateralization ratio (1e18 = 100%).
	decimalsFactor = uint256.NewInt(1_000_000_000_000_000_000)
	// minCollateralRatio is the 150% collateralization floor (1.5e18 on the
	// 1e18 = 100% scale).
	minCollateralRatio = mustUint256("1500000000000000000")
)

func mustUint256(value string) *uint256.Int {
	v, err := uint256.FromDecimal(value)
	if err != nil {
		panic("invalid uint256 constant")
	}
	return v
}

// satMul multiplies with saturation at the 256-bit boundary.
func satMul(a, b *uint256.Int) *uint256.Int {
	if a == nil || b == nil {
		return uint256.NewInt(0)
	}
	result, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return result
}

// satAdd adds with saturation at the 256-bit boundary.
func satAdd(a, b *uint256.Int) *uint256.Int {
	if a == nil {
		a = uint256.NewInt(0)
	}
	if b == nil {
		b = uint256.NewInt(0)
	}
	result, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return result
}

// satSub subtracts with a floor of zero.
func satSub(a, b *uint256.Int) *uint256.Int {
	if a == nil || b == nil || b.Cmp(a) > 0 {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Sub(a, b)
}

// collateralRatio computes collateral*1e18/principal with floor division. A
// zero denominator yields zero rather than an error.
func collateralRatio(collateral, principal *uint256.Int) *uint256.Int {
	if principal == nil || principal.IsZero() {
		return uint256.NewInt(0)
	}
	numerator := satMul(collateral, decimalsFactor)
	return new(uint256.Int).Div(numerator, principal)
}

// liquidationRatio recomputes the health ratio with the denominator clamped
// to at least one, mirroring the open-time formula.
func liquidationRatio(collateral, principal *uint256.Int) *uint256.Int {
	denominator := principal
	if denominator == nil || denominator.IsZero() {
		denominator = uint256.NewInt(1)
	}
	numerator := satMul(collateral, decimalsFactor)
	return new(uint256.Int).Div(numerator, denominator)
}

// accruedInterest computes principal*rate*elapsed/secondsPerYear/1e18 with
// saturating multiplication and floor division. Zero elapsed time yields
// exactly zero.
func accruedInterest(principal, rate *uint256.Int, elapsedSeconds uint64) *uint256.Int {
	if principal == nil || rate == nil || elapsedSeconds == 0 {
		return uint256.NewInt(0)
	}
	interest := satMul(principal, rate)
	interest = satMul(interest, uint256.NewInt(elapsedSeconds))
	interest.Div(interest, uint256.NewInt(secondsPerYear))
	interest.Div(interest, decimalsFactor)
	return interest
}
