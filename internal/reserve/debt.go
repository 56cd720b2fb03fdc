package reserve

import (
	"math/big"

	"NFTLend/internal/errs"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/txn"

	"github.com/ethereum/go-ethereum/common"
)

// DebtLedger tracks borrower debt in scaled units against the variable
// borrow index.
type DebtLedger struct {
	index  *Index
	log    *txn.Log
	scaled map[common.Address]*big.Int
	total  *big.Int
}

func newDebtLedger(index *Index, log *txn.Log) *DebtLedger {
	return &DebtLedger{
		index:  index,
		log:    log,
		scaled: make(map[common.Address]*big.Int),
		total:  new(big.Int),
	}
}

// Increase adds amount of debt to account and returns the scaled units.
func (d *DebtLedger) Increase(account common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errs.ErrInvalidAmount
	}
	scaled := fpmath.RayDiv(amount, d.index.VariableBorrowIndex)
	if scaled.Sign() == 0 {
		return nil, errs.Wrapf(errs.ErrInvalidAmount, "amount %s rounds to zero scaled units", amount)
	}
	d.set(account, new(big.Int).Add(d.ScaledOf(account), scaled))
	d.setTotal(new(big.Int).Add(d.total, scaled))
	return scaled, nil
}

// Decrease removes amount of real debt from account and returns the scaled
// units burned. Callers clamp amount to RealDebt first.
func (d *DebtLedger) Decrease(account common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errs.ErrInvalidAmount
	}
	debt := d.RealDebt(account)
	if amount.Cmp(debt) > 0 {
		return nil, errs.Wrapf(errs.ErrOverRepayment, "repay %s exceeds debt %s", amount, debt)
	}
	position := d.ScaledOf(account)
	scaled := fpmath.RayDiv(amount, d.index.VariableBorrowIndex)
	if amount.Cmp(debt) == 0 || scaled.Cmp(position) > 0 {
		scaled = position
	}
	if err := d.DecreaseScaled(account, scaled); err != nil {
		return nil, err
	}
	return scaled, nil
}

// DecreaseScaled burns an exact number of scaled units, as when one borrow
// of a borrower with several is closed.
func (d *DebtLedger) DecreaseScaled(account common.Address, scaled *big.Int) error {
	if scaled == nil || scaled.Sign() < 0 {
		return errs.Wrapf(errs.ErrInvariant, "negative scaled debt decrease")
	}
	if scaled.Sign() == 0 {
		return nil
	}
	position := d.ScaledOf(account)
	if scaled.Cmp(position) > 0 {
		return errs.Wrapf(errs.ErrInvariant, "scaled decrease %s exceeds position %s of %s", scaled, position, account.Hex())
	}
	d.set(account, position.Sub(position, scaled))
	d.setTotal(new(big.Int).Sub(d.total, scaled))
	return nil
}

// RealDebt returns scaled * variableBorrowIndex rounded half up.
func (d *DebtLedger) RealDebt(account common.Address) *big.Int {
	return fpmath.RayMul(d.ScaledOf(account), d.index.VariableBorrowIndex)
}

// ScaledOf returns the stored scaled debt of account.
func (d *DebtLedger) ScaledOf(account common.Address) *big.Int {
	if v, ok := d.scaled[account]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// TotalScaled returns the sum of all scaled debt.
func (d *DebtLedger) TotalScaled() *big.Int { return new(big.Int).Set(d.total) }

// TotalDebt returns the real value of all debt.
func (d *DebtLedger) TotalDebt() *big.Int {
	return fpmath.RayMul(d.total, d.index.VariableBorrowIndex)
}

func (d *DebtLedger) set(account common.Address, scaled *big.Int) {
	prev, existed := d.scaled[account]
	d.log.Record(func() {
		if existed {
			d.scaled[account] = prev
		} else {
			delete(d.scaled, account)
		}
	})
	d.scaled[account] = scaled
}

func (d *DebtLedger) setTotal(total *big.Int) {
	prev := d.total
	d.log.Record(func() { d.total = prev })
	d.total = total
}

func (d *DebtLedger) export() map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(d.scaled))
	for k, v := range d.scaled {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

func (d *DebtLedger) restore(positions map[common.Address]*big.Int) {
	d.scaled = make(map[common.Address]*big.Int, len(positions))
	d.total = new(big.Int)
	for k, v := range positions {
		d.scaled[k] = new(big.Int).Set(v)
		d.total.Add(d.total, v)
	}
}
