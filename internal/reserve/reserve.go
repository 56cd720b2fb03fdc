// Package reserve implements the per-(collateral, asset) lending reserve:
// interest indices, supply positions and debt positions.
package reserve

import (
	"fmt"
	"math/big"

	"NFTLend/internal/errs"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/txn"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key identifies a reserve. Each collateral collection has its own reserve
// per borrowable asset.
type Key struct {
	Collateral common.Address `json:"collateral"`
	Asset      common.Address `json:"asset"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Collateral.Hex(), k.Asset.Hex())
}

// Account is the ledger address that holds the reserve's idle liquidity.
func (k Key) Account() common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("reserve"), k.Collateral.Bytes(), k.Asset.Bytes())[12:])
}

// Params are the governance parameters of a reserve.
type Params struct {
	Decimals         uint8               `json:"decimals"`
	ReserveFactorBps uint64              `json:"reserve_factor_bps"`
	Strategy         fpmath.RateStrategy `json:"strategy"`
	Treasury         common.Address      `json:"treasury"`
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	if p.ReserveFactorBps > fpmath.BasisPoints {
		return errs.Wrapf(errs.ErrInvalidConfig, "reserve factor %d bps above 100%%", p.ReserveFactorBps)
	}
	return p.Strategy.Validate()
}

// Snapshot is a read-only copy of a reserve's accounting state.
type Snapshot struct {
	Collateral          common.Address `json:"collateral"`
	Asset               common.Address `json:"asset"`
	LiquidityIndex      *big.Int       `json:"liquidity_index"`
	VariableBorrowIndex *big.Int       `json:"variable_borrow_index"`
	LiquidityRate       *big.Int       `json:"liquidity_rate"`
	VariableBorrowRate  *big.Int       `json:"variable_borrow_rate"`
	TotalSupply         *big.Int       `json:"total_supply"`
	TotalDebt           *big.Int       `json:"total_debt"`
	LastUpdate          int64          `json:"last_update"`
}

// Key returns the reserve key the snapshot was taken from.
func (s Snapshot) Key() Key { return Key{Collateral: s.Collateral, Asset: s.Asset} }

// Reserve owns the index and both ledgers of one market. It is not safe for
// concurrent use; the pool serializes access.
type Reserve struct {
	key    Key
	params Params
	index  Index
	log    txn.Log

	Supply *SupplyLedger
	Debt   *DebtLedger
}

// New creates a reserve with both indices at one ray.
func New(key Key, params Params, now int64) (*Reserve, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	r := &Reserve{key: key, params: params, index: newIndex(now)}
	r.Supply = newSupplyLedger(&r.index, &r.log)
	r.Debt = newDebtLedger(&r.index, &r.log)
	r.UpdateRates(new(big.Int))
	return r, nil
}

func (r *Reserve) Key() Key { return r.key }

func (r *Reserve) Params() Params {
	p := r.params
	p.Strategy = p.Strategy.Clone()
	return p
}

func (r *Reserve) Index() Index { return r.index }

// Begin opens an undo scope covering the index, params and both ledgers.
func (r *Reserve) Begin() { r.log.Begin() }

// Commit closes the undo scope.
func (r *Reserve) Commit() { r.log.Commit() }

// Rollback restores the state captured at Begin.
func (r *Reserve) Rollback() { r.log.Rollback() }

// Accrue grows both indices to now, mints the reserve factor share of the new
// borrow interest to the treasury and recomputes rates. It is a no-op when
// now equals the last update.
func (r *Reserve) Accrue(now int64, availableLiquidity *big.Int) error {
	prev := r.index
	oldBorrowIndex := r.index.VariableBorrowIndex

	grown, err := r.index.grow(now)
	if err != nil || !grown {
		return err
	}
	r.log.Record(func() { r.index = prev })

	r.mintToTreasury(oldBorrowIndex)
	r.UpdateRates(availableLiquidity)
	return nil
}

func (r *Reserve) mintToTreasury(oldBorrowIndex *big.Int) {
	if r.params.ReserveFactorBps == 0 {
		return
	}
	scaledDebt := r.Debt.TotalScaled()
	if scaledDebt.Sign() == 0 {
		return
	}
	accrued := new(big.Int).Sub(
		fpmath.RayMul(scaledDebt, r.index.VariableBorrowIndex),
		fpmath.RayMul(scaledDebt, oldBorrowIndex),
	)
	share := fpmath.PercentMul(accrued, r.params.ReserveFactorBps)
	if share.Sign() <= 0 {
		return
	}
	scaled := fpmath.RayDiv(share, r.index.LiquidityIndex)
	if scaled.Sign() > 0 {
		r.Supply.mint(r.params.Treasury, scaled)
	}
}

// UpdateRates recomputes both rates from the current debt and the given idle
// liquidity.
func (r *Reserve) UpdateRates(availableLiquidity *big.Int) {
	rates := r.params.Strategy.Calculate(r.Debt.TotalDebt(), availableLiquidity, r.params.ReserveFactorBps)
	prevLiquidity, prevBorrow := r.index.LiquidityRate, r.index.VariableBorrowRate
	r.log.Record(func() {
		r.index.LiquidityRate = prevLiquidity
		r.index.VariableBorrowRate = prevBorrow
	})
	r.index.LiquidityRate = rates.LiquidityRate
	r.index.VariableBorrowRate = rates.VariableBorrowRate
}

// SetParams replaces the governance parameters. Callers accrue first so past
// interest is computed with the old parameters.
func (r *Reserve) SetParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	prev := r.params
	r.log.Record(func() { r.params = prev })
	r.params = params
	return nil
}

// Snapshot returns a copy of the reserve's accounting state.
func (r *Reserve) Snapshot() Snapshot {
	return Snapshot{
		Collateral:          r.key.Collateral,
		Asset:               r.key.Asset,
		LiquidityIndex:      new(big.Int).Set(r.index.LiquidityIndex),
		VariableBorrowIndex: new(big.Int).Set(r.index.VariableBorrowIndex),
		LiquidityRate:       new(big.Int).Set(r.index.LiquidityRate),
		VariableBorrowRate:  new(big.Int).Set(r.index.VariableBorrowRate),
		TotalSupply:         r.Supply.TotalSupply(),
		TotalDebt:           r.Debt.TotalDebt(),
		LastUpdate:          r.index.LastUpdate,
	}
}

// State is the serializable form of a reserve used by engine snapshots.
type State struct {
	Key    Key                         `json:"key"`
	Params Params                      `json:"params"`
	Index  Index                       `json:"index"`
	Supply map[common.Address]*big.Int `json:"supply"`
	Debt   map[common.Address]*big.Int `json:"debt"`
}

// Export returns the reserve's full state.
func (r *Reserve) Export() State {
	return State{
		Key:    r.key,
		Params: r.Params(),
		Index:  r.index,
		Supply: r.Supply.export(),
		Debt:   r.Debt.export(),
	}
}

// Restore rebuilds a reserve from exported state.
func Restore(s State) (*Reserve, error) {
	if s.Index.LiquidityIndex == nil || s.Index.VariableBorrowIndex == nil ||
		s.Index.LiquidityRate == nil || s.Index.VariableBorrowRate == nil {
		return nil, fmt.Errorf("reserve %s: incomplete index in state", s.Key)
	}
	if err := s.Params.Validate(); err != nil {
		return nil, fmt.Errorf("reserve %s: %w", s.Key, err)
	}
	r := &Reserve{key: s.Key, params: s.Params, index: s.Index}
	r.Supply = newSupplyLedger(&r.index, &r.log)
	r.Debt = newDebtLedger(&r.index, &r.log)
	r.Supply.restore(s.Supply)
	r.Debt.restore(s.Debt)
	return r, nil
}
