// Package collateral owns borrow records and NFT escrow bookkeeping.
package collateral

import (
	"math/big"
	"sort"

	"NFTLend/internal/errs"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/txn"

	"github.com/ethereum/go-ethereum/common"
)

// Terms is the per-collection configuration read at borrow time.
type Terms struct {
	Whitelisted             bool
	LiquidationThresholdBps uint64
}

// OpenParams describes a borrow request against one NFT.
type OpenParams struct {
	Borrower   common.Address
	Collateral common.Address
	TokenID    *big.Int
	Asset      common.Address
	Amount     *big.Int
	// FloorValue is the NFT floor price in units of Asset.
	FloorValue *big.Int
	// BorrowIndex converts an existing borrow's scaled debt to real debt.
	BorrowIndex *big.Int
	Terms       Terms
	Now         int64
}

// MaxBorrowable returns floorValue / (thresholdBps / 10000).
func MaxBorrowable(floorValue *big.Int, thresholdBps uint64) *big.Int {
	if thresholdBps == 0 {
		return new(big.Int)
	}
	return fpmath.MulDiv(floorValue, big.NewInt(fpmath.BasisPoints), new(big.Int).SetUint64(thresholdBps))
}

// FloorValue converts a wad floor price into units of an asset with the
// given decimals and wad price.
func FloorValue(floorPriceWad, assetPriceWad *big.Int, decimals uint8) *big.Int {
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return fpmath.MulDiv(floorPriceWad, unit, assetPriceWad)
}

// Registry holds every borrow record keyed by BorrowID. It is not safe for
// concurrent use.
type Registry struct {
	borrows     map[common.Hash]*Borrow
	userBorrows map[common.Address][]common.Hash
	log         txn.Log
}

func NewRegistry() *Registry {
	return &Registry{
		borrows:     make(map[common.Hash]*Borrow),
		userBorrows: make(map[common.Address][]common.Hash),
	}
}

func (r *Registry) Begin()    { r.log.Begin() }
func (r *Registry) Commit()   { r.log.Commit() }
func (r *Registry) Rollback() { r.log.Rollback() }

// Open records a new borrow, or tops up an Active one held by the same
// borrower in the same asset. The returned flag is true for a fresh record.
// Debt is attached afterwards with AddDebt.
func (r *Registry) Open(p OpenParams) (*Borrow, bool, error) {
	if !p.Terms.Whitelisted {
		return nil, false, errs.Wrapf(errs.ErrNotWhitelisted, "collection %s", p.Collateral.Hex())
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, false, errs.ErrInvalidAmount
	}

	id := BorrowID(p.Collateral, p.TokenID)
	existing := r.borrows[id]
	outstanding := new(big.Int)
	if existing != nil && existing.Status.Open() {
		if existing.Status != StatusActive || existing.Borrower != p.Borrower || existing.Asset != p.Asset {
			return nil, false, errs.Wrapf(errs.ErrAlreadyEscrowed, "token %s of %s secures borrow %s",
				p.TokenID, p.Collateral.Hex(), id.Hex())
		}
		outstanding = fpmath.RayMul(existing.ScaledDebt, p.BorrowIndex)
	}

	limit := MaxBorrowable(p.FloorValue, p.Terms.LiquidationThresholdBps)
	total := new(big.Int).Add(outstanding, p.Amount)
	if total.Cmp(limit) > 0 {
		return nil, false, errs.Wrapf(errs.ErrUndercollateralized, "debt %s would exceed limit %s", total, limit)
	}

	if existing != nil && existing.Status.Open() {
		r.save(id)
		existing.BorrowAmount = total
		existing.Timestamp = p.Now
		return existing.Clone(), false, nil
	}

	r.save(id)
	r.borrows[id] = &Borrow{
		ID:           id,
		Status:       StatusActive,
		Borrower:     p.Borrower,
		Collateral:   p.Collateral,
		TokenID:      new(big.Int).Set(p.TokenID),
		Asset:        p.Asset,
		BorrowAmount: total,
		ScaledDebt:   new(big.Int),
		Timestamp:    p.Now,
	}
	r.index(p.Borrower, id)
	return r.borrows[id].Clone(), true, nil
}

// AddDebt attaches scaled debt minted by the debt ledger to a borrow.
func (r *Registry) AddDebt(id common.Hash, scaled *big.Int) error {
	b, err := r.open(id)
	if err != nil {
		return err
	}
	r.save(id)
	b.ScaledDebt = new(big.Int).Add(b.ScaledDebt, scaled)
	return nil
}

// ReduceDebt removes scaled debt after a partial repayment or redemption and
// refreshes the borrow amount snapshot.
func (r *Registry) ReduceDebt(id common.Hash, scaled, remaining *big.Int, now int64) error {
	b, err := r.open(id)
	if err != nil {
		return err
	}
	if scaled.Cmp(b.ScaledDebt) > 0 {
		return errs.Wrapf(errs.ErrInvariant, "scaled reduction %s exceeds borrow debt %s", scaled, b.ScaledDebt)
	}
	r.save(id)
	b.ScaledDebt = new(big.Int).Sub(b.ScaledDebt, scaled)
	b.BorrowAmount = new(big.Int).Set(remaining)
	b.Timestamp = now
	return nil
}

// StartAuction moves an Active borrow into auction with its first bid.
func (r *Registry) StartAuction(id common.Hash, bidder common.Address, bid *big.Int, now int64) error {
	b, err := r.get(id)
	if err != nil {
		return err
	}
	if !b.Status.CanTransitionTo(StatusActiveAuction) {
		return errs.Wrapf(errs.ErrInvalidStatusChange, "%s -> %s", b.Status, StatusActiveAuction)
	}
	r.save(id)
	b.Status = StatusActiveAuction
	b.Auction = &Auction{
		Caller:    bidder,
		Bidder:    bidder,
		Bid:       new(big.Int).Set(bid),
		StartedAt: now,
	}
	return nil
}

// ReplaceBid installs a higher bid. Caller and start time are kept.
func (r *Registry) ReplaceBid(id common.Hash, bidder common.Address, bid *big.Int) error {
	b, err := r.get(id)
	if err != nil {
		return err
	}
	if b.Status != StatusActiveAuction || b.Auction == nil {
		return errs.Wrapf(errs.ErrInactiveAuction, "borrow %s is %s", id.Hex(), b.Status)
	}
	r.save(id)
	b.Auction.Bidder = bidder
	b.Auction.Bid = new(big.Int).Set(bid)
	return nil
}

// Close moves a borrow to a terminal status and clears its debt share. The
// caller transfers the NFT to its new owner.
func (r *Registry) Close(id common.Hash, status Status, now int64) (*Borrow, error) {
	b, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if !b.Status.CanTransitionTo(status) {
		return nil, errs.Wrapf(errs.ErrInvalidStatusChange, "%s -> %s", b.Status, status)
	}
	r.save(id)
	b.Status = status
	b.ScaledDebt = new(big.Int)
	b.Timestamp = now
	return b.Clone(), nil
}

// Get returns a copy of the borrow.
func (r *Registry) Get(id common.Hash) (*Borrow, error) {
	b, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// UserBorrowIDs lists every borrow id the user has opened, oldest first.
func (r *Registry) UserBorrowIDs(user common.Address) []common.Hash {
	ids := r.userBorrows[user]
	out := make([]common.Hash, len(ids))
	copy(out, ids)
	return out
}

// IsEscrowed reports whether the NFT currently secures an open borrow.
func (r *Registry) IsEscrowed(collection common.Address, tokenID *big.Int) bool {
	b, ok := r.borrows[BorrowID(collection, tokenID)]
	return ok && b.Status.Open()
}

// OpenBorrows returns the ids of all Active and ActiveAuction borrows in id
// order.
func (r *Registry) OpenBorrows() []common.Hash {
	var ids []common.Hash
	for id, b := range r.borrows {
		if b.Status.Open() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
	return ids
}

func (r *Registry) get(id common.Hash) (*Borrow, error) {
	b, ok := r.borrows[id]
	if !ok {
		return nil, errs.Wrapf(errs.ErrUnknownBorrow, "borrow %s", id.Hex())
	}
	return b, nil
}

func (r *Registry) open(id common.Hash) (*Borrow, error) {
	b, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if !b.Status.Open() {
		return nil, errs.Wrapf(errs.ErrBorrowNotActive, "borrow %s is %s", id.Hex(), b.Status)
	}
	return b, nil
}

// save records the current version of id for rollback.
func (r *Registry) save(id common.Hash) {
	prev, existed := r.borrows[id]
	var snapshot *Borrow
	if existed {
		snapshot = prev.Clone()
	}
	r.log.Record(func() {
		if existed {
			r.borrows[id] = snapshot
		} else {
			delete(r.borrows, id)
		}
	})
}

func (r *Registry) index(user common.Address, id common.Hash) {
	for _, known := range r.userBorrows[user] {
		if known == id {
			return
		}
	}
	prev := r.userBorrows[user]
	r.log.Record(func() {
		if prev == nil {
			delete(r.userBorrows, user)
			return
		}
		r.userBorrows[user] = prev
	})
	r.userBorrows[user] = append(append([]common.Hash(nil), prev...), id)
}

// State is the serializable form of the registry.
type State struct {
	Borrows     []*Borrow                        `json:"borrows"`
	UserBorrows map[common.Address][]common.Hash `json:"user_borrows"`
}

// Export returns every record in id order.
func (r *Registry) Export() State {
	s := State{UserBorrows: make(map[common.Address][]common.Hash, len(r.userBorrows))}
	for _, b := range r.borrows {
		s.Borrows = append(s.Borrows, b.Clone())
	}
	sort.Slice(s.Borrows, func(i, j int) bool { return s.Borrows[i].ID.Cmp(s.Borrows[j].ID) < 0 })
	for user, ids := range r.userBorrows {
		s.UserBorrows[user] = append([]common.Hash(nil), ids...)
	}
	return s
}

// RestoreRegistry rebuilds a registry from exported state.
func RestoreRegistry(s State) *Registry {
	r := NewRegistry()
	for _, b := range s.Borrows {
		r.borrows[b.ID] = b.Clone()
	}
	for user, ids := range s.UserBorrows {
		r.userBorrows[user] = append([]common.Hash(nil), ids...)
	}
	return r
}
