package reserve

import (
	"math/big"

	"NFTLend/internal/errs"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/txn"

	"github.com/ethereum/go-ethereum/common"
)

// SupplyLedger tracks depositor positions in scaled units. Real balances
// are derived from the reserve's liquidity index at read time.
type SupplyLedger struct {
	index  *Index
	log    *txn.Log
	scaled map[common.Address]*big.Int
	total  *big.Int
}

func newSupplyLedger(index *Index, log *txn.Log) *SupplyLedger {
	return &SupplyLedger{
		index:  index,
		log:    log,
		scaled: make(map[common.Address]*big.Int),
		total:  new(big.Int),
	}
}

// Deposit credits amount to account and returns the scaled units minted.
func (s *SupplyLedger) Deposit(account common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errs.ErrInvalidAmount
	}
	scaled := fpmath.RayDiv(amount, s.index.LiquidityIndex)
	if scaled.Sign() == 0 {
		return nil, errs.Wrapf(errs.ErrInvalidAmount, "amount %s rounds to zero scaled units", amount)
	}
	s.mint(account, scaled)
	return scaled, nil
}

// Withdraw debits amount from account. availableLiquidity is the reserve's
// idle asset balance.
func (s *SupplyLedger) Withdraw(account common.Address, amount, availableLiquidity *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errs.ErrInvalidAmount
	}
	balance := s.RealBalance(account)
	if amount.Cmp(balance) > 0 {
		return nil, errs.Wrapf(errs.ErrInsufficientBalance, "withdraw %s exceeds balance %s", amount, balance)
	}
	if amount.Cmp(availableLiquidity) > 0 {
		return nil, errs.Wrapf(errs.ErrInsufficientLiquidity, "withdraw %s exceeds available %s", amount, availableLiquidity)
	}

	position := s.ScaledBalanceOf(account)
	scaled := fpmath.RayDiv(amount, s.index.LiquidityIndex)
	if amount.Cmp(balance) == 0 || scaled.Cmp(position) > 0 {
		scaled = position
	}
	s.burn(account, scaled)
	return scaled, nil
}

// RealBalance returns floor(scaled * liquidityIndex).
func (s *SupplyLedger) RealBalance(account common.Address) *big.Int {
	return fpmath.RayMulFloor(s.ScaledBalanceOf(account), s.index.LiquidityIndex)
}

// ScaledBalanceOf returns the stored scaled position of account.
func (s *SupplyLedger) ScaledBalanceOf(account common.Address) *big.Int {
	if v, ok := s.scaled[account]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// TotalScaled returns the sum of all scaled positions.
func (s *SupplyLedger) TotalScaled() *big.Int { return new(big.Int).Set(s.total) }

// TotalSupply returns the real value of all positions.
func (s *SupplyLedger) TotalSupply() *big.Int {
	return fpmath.RayMulFloor(s.total, s.index.LiquidityIndex)
}

// Accounts returns the number of positions ever opened.
func (s *SupplyLedger) Accounts() int { return len(s.scaled) }

func (s *SupplyLedger) mint(account common.Address, scaled *big.Int) {
	prev, existed := s.scaled[account]
	prevTotal := s.total
	s.log.Record(func() {
		if existed {
			s.scaled[account] = prev
		} else {
			delete(s.scaled, account)
		}
		s.total = prevTotal
	})

	next := new(big.Int).Set(scaled)
	if existed {
		next.Add(next, prev)
	}
	s.scaled[account] = next
	s.total = new(big.Int).Add(s.total, scaled)
}

func (s *SupplyLedger) burn(account common.Address, scaled *big.Int) {
	prev := s.scaled[account]
	prevTotal := s.total
	s.log.Record(func() {
		s.scaled[account] = prev
		s.total = prevTotal
	})

	s.scaled[account] = new(big.Int).Sub(prev, scaled)
	s.total = new(big.Int).Sub(s.total, scaled)
}

func (s *SupplyLedger) export() map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(s.scaled))
	for k, v := range s.scaled {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

func (s *SupplyLedger) restore(positions map[common.Address]*big.Int) {
	s.scaled = make(map[common.Address]*big.Int, len(positions))
	s.total = new(big.Int)
	for k, v := range positions {
		s.scaled[k] = new(big.Int).Set(v)
		s.total.Add(s.total, v)
	}
}
