package vault

import "math/big"

var basisPoints = big.NewInt(10_000)

// CollateralValue converts a native-precision collateral amount into
// stable-token units at the given price, rounding down.
func CollateralValue(amount *big.Int, price *big.Rat) *big.Int {
	if amount == nil || amount.Sign() <= 0 || price == nil || price.Sign() <= 0 {
		return big.NewInt(0)
	}
	value := new(big.Rat).SetInt(amount)
	value.Mul(value, price)
	return new(big.Int).Quo(value.Num(), value.Denom())
}

// MeetsRatio reports whether value/debt is at or above the threshold,
// expressed in basis points. A zero debt always passes.
func MeetsRatio(value, debt *big.Int, thresholdBps uint64) bool {
	if debt == nil || debt.Sign() == 0 {
		return true
	}
	if value == nil || value.Sign() <= 0 {
		return false
	}
	lhs := new(big.Int).Mul(value, basisPoints)
	rhs := new(big.Int).Mul(debt, new(big.Int).SetUint64(thresholdBps))
	return lhs.Cmp(rhs) >= 0
}

// RatioBps returns value/debt in basis points, rounding down. A zero debt
// yields nil meaning "infinite".
func RatioBps(value, debt *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return nil
	}
	if value == nil || value.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(value, basisPoints)
	return out.Quo(out, debt)
}

// CompareRatio orders two (value, debt) pairs by their ratio without
// dividing: returns -1, 0 or 1. A zero-debt pair sorts after everything.
func CompareRatio(valueA, debtA, valueB, debtB *big.Int) int {
	zeroA := debtA == nil || debtA.Sign() == 0
	zeroB := debtB == nil || debtB.Sign() == 0
	switch {
	case zeroA && zeroB:
		return 0
	case zeroA:
		return 1
	case zeroB:
		return -1
	}
	lhs := new(big.Int).Mul(valueA, debtB)
	rhs := new(big.Int).Mul(valueB, debtA)
	return lhs.Cmp(rhs)
}

// ApplyBps scales an amount by bps/10000, rounding down.
func ApplyBps(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, basisPoints)
}

// CollateralForValue converts a stable-token value into native collateral
// units at the given price, rounding down.
func CollateralForValue(value *big.Int, price *big.Rat) *big.Int {
	if value == nil || value.Sign() <= 0 || price == nil || price.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Rat).SetInt(value)
	out.Quo(out, price)
	return new(big.Int).Quo(out.Num(), out.Denom())
}

// ProportionalCut returns collateral*part/whole, rounding down. Used when a
// vault's debt and collateral are reduced together so the ratio is preserved.
func ProportionalCut(collateral, part, whole *big.Int) *big.Int {
	if collateral == nil || collateral.Sign() <= 0 || part == nil || part.Sign() <= 0 || whole == nil || whole.Sign() <= 0 {
		return big.NewInt(0)
	}
	if part.Cmp(whole) >= 0 {
		return new(big.Int).Set(collateral)
	}
	out := new(big.Int).Mul(collateral, part)
	return out.Quo(out, whole)
}
