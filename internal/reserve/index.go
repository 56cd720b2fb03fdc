package reserve

import (
	"math/big"

	"NFTLend/internal/errs"
	fpmath "NFTLend/internal/math"
)

// Index holds the cumulative interest indices of a reserve and the rates
// that drive them until the next accrual. Values are rays; LastUpdate is
// unix seconds.
//
// Fields are replaced on update, never mutated in place, so a shallow copy
// is a valid snapshot.
type Index struct {
	LiquidityIndex      *big.Int `json:"liquidity_index"`
	VariableBorrowIndex *big.Int `json:"variable_borrow_index"`
	LiquidityRate       *big.Int `json:"liquidity_rate"`
	VariableBorrowRate  *big.Int `json:"variable_borrow_rate"`
	LastUpdate          int64    `json:"last_update"`
}

func newIndex(now int64) Index {
	return Index{
		LiquidityIndex:      fpmath.NewRay(),
		VariableBorrowIndex: fpmath.NewRay(),
		LiquidityRate:       new(big.Int),
		VariableBorrowRate:  new(big.Int),
		LastUpdate:          now,
	}
}

// grow advances both indices to now using the stored rates. It returns false
// when no time has elapsed.
func (i *Index) grow(now int64) (bool, error) {
	if now < i.LastUpdate {
		return false, errs.Wrapf(errs.ErrTimestampRegression, "accrual at %d before last update %d", now, i.LastUpdate)
	}
	if now == i.LastUpdate {
		return false, nil
	}
	dt := now - i.LastUpdate

	if i.LiquidityRate.Sign() > 0 {
		i.LiquidityIndex = fpmath.RayMul(i.LiquidityIndex, fpmath.LinearInterest(i.LiquidityRate, dt))
	}
	if i.VariableBorrowRate.Sign() > 0 {
		i.VariableBorrowIndex = fpmath.RayMul(i.VariableBorrowIndex, fpmath.LinearInterest(i.VariableBorrowRate, dt))
	}
	i.LastUpdate = now
	return true, nil
}
