package vault

import (
	"fmt"
	"math/bits"
)

const percentDenominator = 100

func checkedMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d * %d", ErrMathOverflow, a, b)
	}
	return lo, nil
}

func checkedDiv(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, fmt.Errorf("%w: %d / 0", ErrMathOverflow, a)
	}
	return a / b, nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d", ErrMathOverflow, a, b)
	}
	return sum, nil
}

func checkedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, fmt.Errorf("%w: %d - %d", ErrMathOverflow, a, b)
	}
	return diff, nil
}

// DebtForCollateral is floor(collateral * price * ltv / 100), every step
// checked and evaluated left to right.
func DebtForCollateral(collateral, price uint64, ltv uint8) (uint64, error) {
	value, err := checkedMul(collateral, price)
	if err != nil {
		return 0, err
	}
	value, err = checkedMul(value, uint64(ltv))
	if err != nil {
		return 0, err
	}
	return checkedDiv(value, percentDenominator)
}

// CollateralForDebt is floor(debt * 100 / (price * ltv)). The denominator is
// computed first.
func CollateralForDebt(debt, price uint64, ltv uint8) (uint64, error) {
	denominator, err := checkedMul(price, uint64(ltv))
	if err != nil {
		return 0, err
	}
	numerator, err := checkedMul(debt, percentDenominator)
	if err != nil {
		return 0, err
	}
	return checkedDiv(numerator, denominator)
}
