package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains in-memory account balances. The external account
// goes negative by the amount bridged in; every other account stays >= 0.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amount := j.Amount.ToBig()
	bt.add(j.DebitAccount, amount)
	bt.add(j.CreditAccount, new(big.Int).Neg(amount))
}

func (bt *BalanceTracker) add(key AccountKey, delta *big.Int) {
	cur, ok := bt.balances[key]
	if !ok {
		bt.balances[key] = new(big.Int).Set(delta)
		return
	}
	bt.balances[key] = new(big.Int).Add(cur, delta)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if v, ok := bt.balances[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// ValidateSufficient checks that key holds at least required.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required *big.Int) error {
	have := bt.GetBalance(key)
	if have.Cmp(required) < 0 {
		return fmt.Errorf("insufficient balance in %s: have=%s, need=%s", key.AccountPath(), have, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for
// a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[common.Address]*big.Int {
	totals := make(map[common.Address]*big.Int)

	for key, balance := range bt.balances {
		cur, ok := totals[key.Asset]
		if !ok {
			cur = new(big.Int)
		}
		totals[key.Asset] = new(big.Int).Add(cur, balance)
	}

	return totals
}

// Keys returns every tracked account in path order.
func (bt *BalanceTracker) Keys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].AccountPath() < keys[j].AccountPath() })
	return keys
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(balances map[AccountKey]*big.Int) {
	bt.balances = make(map[AccountKey]*big.Int, len(balances))
	for k, v := range balances {
		bt.balances[k] = new(big.Int).Set(v)
	}
}
