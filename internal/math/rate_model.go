package math

import (
	"math/big"

	"NFTLend/internal/errs"
)

// RateStrategy is the two-slope interest rate model of a reserve.
// All values are rays.
type RateStrategy struct {
	OptimalUtilization     *big.Int `json:"optimal_utilization"`
	BaseVariableBorrowRate *big.Int `json:"base_variable_borrow_rate"`
	VariableRateSlope1     *big.Int `json:"variable_rate_slope1"`
	VariableRateSlope2     *big.Int `json:"variable_rate_slope2"`
}

// Rates is the output of RateStrategy.Calculate.
type Rates struct {
	LiquidityRate      *big.Int
	VariableBorrowRate *big.Int
	Utilization        *big.Int
}

// Validate rejects strategies that would divide by zero at calculation time.
func (s RateStrategy) Validate() error {
	if s.OptimalUtilization == nil || s.BaseVariableBorrowRate == nil ||
		s.VariableRateSlope1 == nil || s.VariableRateSlope2 == nil {
		return errs.Wrapf(errs.ErrInvalidConfig, "rate strategy has unset fields")
	}
	if s.OptimalUtilization.Sign() <= 0 || s.OptimalUtilization.Cmp(Ray) >= 0 {
		return errs.Wrapf(errs.ErrInvalidConfig, "optimal utilization %s must be in (0, 1)",
			FormatRay(s.OptimalUtilization))
	}
	if s.BaseVariableBorrowRate.Sign() < 0 || s.VariableRateSlope1.Sign() < 0 || s.VariableRateSlope2.Sign() < 0 {
		return errs.Wrapf(errs.ErrInvalidConfig, "rates must not be negative")
	}
	return nil
}

// Clone returns a deep copy.
func (s RateStrategy) Clone() RateStrategy {
	return RateStrategy{
		OptimalUtilization:     cloneInt(s.OptimalUtilization),
		BaseVariableBorrowRate: cloneInt(s.BaseVariableBorrowRate),
		VariableRateSlope1:     cloneInt(s.VariableRateSlope1),
		VariableRateSlope2:     cloneInt(s.VariableRateSlope2),
	}
}

// Calculate derives the current rates from reserve balances.
//
//	u < optimal:  borrow = base + slope1 * u / optimal
//	u >= optimal: borrow = base + slope1 + slope2 * (u - optimal) / (1 - optimal)
//	liquidity = borrow * u * (1 - reserveFactor)
func (s RateStrategy) Calculate(totalDebt, availableLiquidity *big.Int, reserveFactorBps uint64) Rates {
	utilization := Utilization(totalDebt, availableLiquidity)

	borrowRate := new(big.Int).Set(s.BaseVariableBorrowRate)
	if utilization.Cmp(s.OptimalUtilization) > 0 {
		excess := new(big.Int).Sub(Ray, s.OptimalUtilization)
		ratio := RayDiv(new(big.Int).Sub(utilization, s.OptimalUtilization), excess)
		borrowRate.Add(borrowRate, s.VariableRateSlope1)
		borrowRate.Add(borrowRate, RayMul(s.VariableRateSlope2, ratio))
	} else {
		borrowRate.Add(borrowRate, RayDiv(RayMul(utilization, s.VariableRateSlope1), s.OptimalUtilization))
	}

	var keep uint64
	if reserveFactorBps < BasisPoints {
		keep = BasisPoints - reserveFactorBps
	}
	liquidityRate := PercentMul(RayMul(borrowRate, utilization), keep)

	return Rates{
		LiquidityRate:      liquidityRate,
		VariableBorrowRate: borrowRate,
		Utilization:        utilization,
	}
}

// Utilization returns totalDebt / (totalDebt + availableLiquidity) as a ray,
// zero for an empty reserve.
func Utilization(totalDebt, availableLiquidity *big.Int) *big.Int {
	total := new(big.Int).Add(totalDebt, availableLiquidity)
	if total.Sign() == 0 || totalDebt.Sign() == 0 {
		return new(big.Int)
	}
	return RayDiv(totalDebt, total)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
