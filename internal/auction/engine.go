// Package auction computes bid, redeem and liquidation outcomes for a
// borrow. It holds no state: the pool applies the returned plans to the
// registry, the ledgers and the token transfers.
package auction

import (
	"math/big"

	"NFTLend/internal/collateral"
	"NFTLend/internal/errs"
	fpmath "NFTLend/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// FeeSchedule holds the liquidation fee split in basis points.
type FeeSchedule struct {
	// LiquidationFeeBps is charged on the borrow amount by every auction
	// settlement path.
	LiquidationFeeBps uint64 `toml:"LiquidationFeeBps" json:"liquidation_fee_bps"`
	// CallerShareBps is the part of the liquidation fee paid to whoever
	// triggers liquidate.
	CallerShareBps uint64 `toml:"CallerShareBps" json:"caller_share_bps"`
	// TreasuryFeeBps is charged on the borrow amount for the treasury.
	TreasuryFeeBps uint64 `toml:"TreasuryFeeBps" json:"treasury_fee_bps"`
}

// DefaultFees returns 5% liquidation fee, 90% of it to the caller, 0.5% to
// the treasury.
func DefaultFees() FeeSchedule {
	return FeeSchedule{
		LiquidationFeeBps: 500,
		CallerShareBps:    9000,
		TreasuryFeeBps:    50,
	}
}

func (f FeeSchedule) Validate() error {
	if f.LiquidationFeeBps > fpmath.BasisPoints || f.CallerShareBps > fpmath.BasisPoints ||
		f.TreasuryFeeBps > fpmath.BasisPoints {
		return errs.Wrapf(errs.ErrInvalidConfig, "fee schedule exceeds 100%%")
	}
	return nil
}

// LiquidationFee is the fee a first bid and a redemption must cover.
func (f FeeSchedule) LiquidationFee(borrowAmount *big.Int) *big.Int {
	return fpmath.PercentMul(borrowAmount, f.LiquidationFeeBps)
}

// CallerReward is the liquidator's share of the liquidation fee.
func (f FeeSchedule) CallerReward(borrowAmount *big.Int) *big.Int {
	return fpmath.PercentMul(f.LiquidationFee(borrowAmount), f.CallerShareBps)
}

func (f FeeSchedule) TreasuryFee(borrowAmount *big.Int) *big.Int {
	return fpmath.PercentMul(borrowAmount, f.TreasuryFeeBps)
}

// Engine evaluates auction transitions against a fee schedule and duration.
type Engine struct {
	Fees FeeSchedule
	// Duration is the grace period in seconds between the first bid and
	// liquidation.
	Duration int64
}

func New(fees FeeSchedule, duration int64) *Engine {
	return &Engine{Fees: fees, Duration: duration}
}

// BidInput is what the pool observed for a bid.
type BidInput struct {
	Bidder        common.Address
	Amount        *big.Int
	RealDebt      *big.Int
	MaxBorrowable *big.Int
}

// BidPlan describes an accepted bid.
type BidPlan struct {
	First bool
	// Refund is the previous bid returned to PreviousBidder, nil on a first
	// bid.
	Refund         *big.Int
	PreviousBidder common.Address
	// MinBid is the threshold the bid had to meet.
	MinBid *big.Int
}

// Bid validates a bid on b.
func (e *Engine) Bid(b *collateral.Borrow, in BidInput) (BidPlan, error) {
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return BidPlan{}, errs.ErrInvalidAmount
	}
	if !b.Status.Open() {
		return BidPlan{}, errs.Wrapf(errs.ErrBorrowNotActive, "borrow %s is %s", b.ID.Hex(), b.Status)
	}
	if in.RealDebt.Cmp(in.MaxBorrowable) <= 0 {
		return BidPlan{}, errs.Wrapf(errs.ErrBorrowNotInDefault, "debt %s within limit %s", in.RealDebt, in.MaxBorrowable)
	}

	if b.Status == collateral.StatusActive {
		floor := new(big.Int).Add(in.RealDebt, e.Fees.LiquidationFee(b.BorrowAmount))
		if in.Amount.Cmp(floor) < 0 {
			return BidPlan{}, errs.Wrapf(errs.ErrInsufficientBid, "bid %s below debt plus fee %s", in.Amount, floor)
		}
		return BidPlan{First: true, MinBid: floor}, nil
	}

	current := b.Auction.Bid
	if in.Amount.Cmp(current) <= 0 {
		return BidPlan{}, errs.Wrapf(errs.ErrInsufficientBid, "bid %s does not beat %s", in.Amount, current)
	}
	return BidPlan{
		Refund:         new(big.Int).Set(current),
		PreviousBidder: b.Auction.Bidder,
		MinBid:         new(big.Int).Add(current, big.NewInt(1)),
	}, nil
}

// RedeemInput is what the pool observed for a redemption.
type RedeemInput struct {
	Collateral common.Address
	Asset      common.Address
	Amount     *big.Int
	RealDebt   *big.Int
}

// RedeemPlan describes an accepted redemption. Fee goes to the auction
// caller; Repayment reduces the debt.
type RedeemPlan struct {
	Fee       *big.Int
	Repayment *big.Int
	Owed      *big.Int
	Full      bool
}

// Redeem validates a redemption of b.
func (e *Engine) Redeem(b *collateral.Borrow, in RedeemInput) (RedeemPlan, error) {
	if err := matchIdentity(b, in.Collateral, in.Asset); err != nil {
		return RedeemPlan{}, err
	}
	if b.Status != collateral.StatusActiveAuction {
		return RedeemPlan{}, errs.Wrapf(errs.ErrInactiveAuction, "borrow %s is %s", b.ID.Hex(), b.Status)
	}
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return RedeemPlan{}, errs.ErrInvalidAmount
	}

	fee := e.Fees.LiquidationFee(b.BorrowAmount)
	if in.Amount.Cmp(fee) <= 0 {
		return RedeemPlan{}, errs.Wrapf(errs.ErrInsufficientAmount, "amount %s does not exceed fee %s", in.Amount, fee)
	}
	owed := new(big.Int).Add(in.RealDebt, fee)
	if in.Amount.Cmp(owed) > 0 {
		return RedeemPlan{}, errs.Wrapf(errs.ErrOverpayment, "amount %s exceeds owed %s", in.Amount, owed)
	}

	return RedeemPlan{
		Fee:       fee,
		Repayment: new(big.Int).Sub(in.Amount, fee),
		Owed:      owed,
		Full:      in.Amount.Cmp(owed) == 0,
	}, nil
}

// LiquidateInput is what the pool observed for a liquidation.
type LiquidateInput struct {
	Collateral common.Address
	Asset      common.Address
	RealDebt   *big.Int
	Now        int64
}

// LiquidationPlan splits the winning bid. The parts sum to the bid.
type LiquidationPlan struct {
	Winner           common.Address
	Bid              *big.Int
	CallerReward     *big.Int
	TreasuryFee      *big.Int
	Repayment        *big.Int
	BorrowerProceeds *big.Int
	// BadDebt is the debt the bid could not cover; it is written off.
	BadDebt *big.Int
}

// Liquidate settles the auction on b once the grace period has passed.
func (e *Engine) Liquidate(b *collateral.Borrow, in LiquidateInput) (LiquidationPlan, error) {
	if err := matchIdentity(b, in.Collateral, in.Asset); err != nil {
		return LiquidationPlan{}, err
	}
	if b.Status != collateral.StatusActiveAuction || b.Auction == nil {
		return LiquidationPlan{}, errs.Wrapf(errs.ErrAuctionNotTriggered, "borrow %s is %s", b.ID.Hex(), b.Status)
	}
	if elapsed := in.Now - b.Auction.StartedAt; elapsed < e.Duration {
		return LiquidationPlan{}, errs.Wrapf(errs.ErrAuctionStillActive, "%ds of %ds elapsed", elapsed, e.Duration)
	}

	bid := new(big.Int).Set(b.Auction.Bid)
	remaining := new(big.Int).Set(bid)
	take := func(want *big.Int) *big.Int {
		got := fpmath.Min(want, remaining)
		remaining.Sub(remaining, got)
		return got
	}

	caller := take(e.Fees.CallerReward(b.BorrowAmount))
	treasury := take(e.Fees.TreasuryFee(b.BorrowAmount))
	repayment := take(in.RealDebt)

	return LiquidationPlan{
		Winner:           b.Auction.Bidder,
		Bid:              bid,
		CallerReward:     caller,
		TreasuryFee:      treasury,
		Repayment:        repayment,
		BorrowerProceeds: remaining,
		BadDebt:          new(big.Int).Sub(in.RealDebt, repayment),
	}, nil
}

func matchIdentity(b *collateral.Borrow, collection, asset common.Address) error {
	if b.Asset != asset {
		return errs.Wrapf(errs.ErrIncorrectAsset, "borrow %s is in %s", b.ID.Hex(), b.Asset.Hex())
	}
	if b.Collateral != collection {
		return errs.Wrapf(errs.ErrIncorrectCollateral, "borrow %s is secured by %s", b.ID.Hex(), b.Collateral.Hex())
	}
	return nil
}
