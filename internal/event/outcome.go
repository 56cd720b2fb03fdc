package event

import (
	"encoding/json"
	"fmt"
	"math/big"

	"NFTLend/internal/collateral"
	"NFTLend/internal/reserve"

	"github.com/ethereum/go-ethereum/common"
)

// Domain events emitted by accepted commands. Every pool event carries the
// reserve state after the operation.

type Deposited struct {
	Reserve    reserve.Snapshot `json:"reserve"`
	Asset      common.Address   `json:"asset"`
	Collateral common.Address   `json:"collateral"`
	Amount     *big.Int         `json:"amount"`
	OnBehalfOf common.Address   `json:"on_behalf_of"`
	Initiator  common.Address   `json:"initiator"`
	Referral   uint16           `json:"referral"`
}

type Withdrawn struct {
	Reserve    reserve.Snapshot `json:"reserve"`
	Asset      common.Address   `json:"asset"`
	Collateral common.Address   `json:"collateral"`
	Amount     *big.Int         `json:"amount"`
	Initiator  common.Address   `json:"initiator"`
	To         common.Address   `json:"to"`
}

type Borrowed struct {
	Reserve    reserve.Snapshot   `json:"reserve"`
	Asset      common.Address     `json:"asset"`
	Amount     *big.Int           `json:"amount"`
	Collateral common.Address     `json:"collateral"`
	TokenID    *big.Int           `json:"token_id"`
	Borrower   common.Address     `json:"borrower"`
	Initiator  common.Address     `json:"initiator"`
	BorrowID   common.Hash        `json:"borrow_id"`
	Referral   uint16             `json:"referral"`
	TopUp      bool               `json:"top_up"`
	Borrow     *collateral.Borrow `json:"borrow"`
}

type BatchBorrowed struct {
	Borrows []*Borrowed `json:"borrows"`
}

type Repaid struct {
	Reserve     reserve.Snapshot   `json:"reserve"`
	BorrowID    common.Hash        `json:"borrow_id"`
	Asset       common.Address     `json:"asset"`
	Amount      *big.Int           `json:"amount"`
	Borrower    common.Address     `json:"borrower"`
	Payer       common.Address     `json:"payer"`
	FullyRepaid bool               `json:"fully_repaid"`
	Borrow      *collateral.Borrow `json:"borrow"`
}

type BidPlaced struct {
	Reserve        reserve.Snapshot   `json:"reserve"`
	BorrowID       common.Hash        `json:"borrow_id"`
	Asset          common.Address     `json:"asset"`
	Amount         *big.Int           `json:"amount"`
	Bidder         common.Address     `json:"bidder"`
	PreviousBidder common.Address     `json:"previous_bidder"`
	PreviousBid    *big.Int           `json:"previous_bid"`
	Borrow         *collateral.Borrow `json:"borrow"`
}

type Redeemed struct {
	Reserve       reserve.Snapshot   `json:"reserve"`
	BorrowID      common.Hash        `json:"borrow_id"`
	Asset         common.Address     `json:"asset"`
	Amount        *big.Int           `json:"amount"`
	Fee           *big.Int           `json:"fee"`
	Redeemer      common.Address     `json:"redeemer"`
	FullyRedeemed bool               `json:"fully_redeemed"`
	Borrow        *collateral.Borrow `json:"borrow"`
}

type Liquidated struct {
	Reserve          reserve.Snapshot   `json:"reserve"`
	BorrowID         common.Hash        `json:"borrow_id"`
	Asset            common.Address     `json:"asset"`
	Caller           common.Address     `json:"caller"`
	Bidder           common.Address     `json:"bidder"`
	Bid              *big.Int           `json:"bid"`
	CallerReward     *big.Int           `json:"caller_reward"`
	TreasuryFee      *big.Int           `json:"treasury_fee"`
	Repayment        *big.Int           `json:"repayment"`
	BorrowerProceeds *big.Int           `json:"borrower_proceeds"`
	BadDebt          *big.Int           `json:"bad_debt"`
	Borrow           *collateral.Borrow `json:"borrow"`
}

type ReserveInitialized struct {
	Reserve reserve.Snapshot `json:"reserve"`
	Params  reserve.Params   `json:"params"`
}

type ReserveParamsUpdated struct {
	Reserve reserve.Snapshot `json:"reserve"`
	Params  reserve.Params   `json:"params"`
}

type CollateralUpdated struct {
	Collateral              common.Address `json:"collateral"`
	Whitelisted             bool           `json:"whitelisted"`
	LiquidationThresholdBps uint64         `json:"liquidation_threshold_bps"`
}

type AuctionDurationUpdated struct {
	Seconds int64 `json:"seconds"`
}

// PriceUpdated reports a feed update. Applied is false for a stale update
// that was ignored.
type PriceUpdated struct {
	Feed     string   `json:"feed"`
	Price    *big.Int `json:"price"`
	Sequence int64    `json:"sequence"`
	Applied  bool     `json:"applied"`
}

type AssetBridged struct {
	Asset     common.Address `json:"asset"`
	Account   common.Address `json:"account"`
	Amount    *big.Int       `json:"amount"`
	Direction Direction      `json:"direction"`
	Balance   *big.Int       `json:"balance"`
}

type CollateralBridged struct {
	Collection common.Address `json:"collection"`
	TokenID    *big.Int       `json:"token_id"`
	Account    common.Address `json:"account"`
	Direction  Direction      `json:"direction"`
}

// NewOutcome returns an empty domain event for a command type.
func NewOutcome(et EventType) (interface{}, error) {
	switch et {
	case EventTypeDeposit:
		return &Deposited{}, nil
	case EventTypeWithdraw:
		return &Withdrawn{}, nil
	case EventTypeBorrow:
		return &Borrowed{}, nil
	case EventTypeBatchBorrow:
		return &BatchBorrowed{}, nil
	case EventTypeRepay:
		return &Repaid{}, nil
	case EventTypeBid:
		return &BidPlaced{}, nil
	case EventTypeRedeem:
		return &Redeemed{}, nil
	case EventTypeLiquidate:
		return &Liquidated{}, nil
	case EventTypeInitReserve:
		return &ReserveInitialized{}, nil
	case EventTypeSetInterestRateStrategy:
		return &ReserveParamsUpdated{}, nil
	case EventTypeSetLiquidationThreshold, EventTypeUpdateWhitelist:
		return &CollateralUpdated{}, nil
	case EventTypeSetAuctionDuration:
		return &AuctionDurationUpdated{}, nil
	case EventTypeAssetPriceUpdate, EventTypeFloorPriceUpdate:
		return &PriceUpdated{}, nil
	case EventTypeAssetTransfer:
		return &AssetBridged{}, nil
	case EventTypeCollateralTransfer:
		return &CollateralBridged{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// DecodeOutcome decodes the domain event stored in an envelope.
func DecodeOutcome(et EventType, data []byte) (interface{}, error) {
	out, err := NewOutcome(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode %s outcome: %w", et, err)
	}
	return out, nil
}

// Borrows returns the borrow records an outcome carries.
func Borrows(outcome interface{}) []*collateral.Borrow {
	switch o := outcome.(type) {
	case *Borrowed:
		return []*collateral.Borrow{o.Borrow}
	case *BatchBorrowed:
		out := make([]*collateral.Borrow, 0, len(o.Borrows))
		for _, b := range o.Borrows {
			out = append(out, b.Borrow)
		}
		return out
	case *Repaid:
		return []*collateral.Borrow{o.Borrow}
	case *BidPlaced:
		return []*collateral.Borrow{o.Borrow}
	case *Redeemed:
		return []*collateral.Borrow{o.Borrow}
	case *Liquidated:
		return []*collateral.Borrow{o.Borrow}
	default:
		return nil
	}
}

// Reserves returns the reserve snapshots an outcome carries.
func Reserves(outcome interface{}) []reserve.Snapshot {
	switch o := outcome.(type) {
	case *Deposited:
		return []reserve.Snapshot{o.Reserve}
	case *Withdrawn:
		return []reserve.Snapshot{o.Reserve}
	case *Borrowed:
		return []reserve.Snapshot{o.Reserve}
	case *BatchBorrowed:
		// later entries of the same reserve supersede earlier ones
		out := make([]reserve.Snapshot, 0, len(o.Borrows))
		for _, b := range o.Borrows {
			out = append(out, b.Reserve)
		}
		return out
	case *Repaid:
		return []reserve.Snapshot{o.Reserve}
	case *BidPlaced:
		return []reserve.Snapshot{o.Reserve}
	case *Redeemed:
		return []reserve.Snapshot{o.Reserve}
	case *Liquidated:
		return []reserve.Snapshot{o.Reserve}
	case *ReserveInitialized:
		return []reserve.Snapshot{o.Reserve}
	case *ReserveParamsUpdated:
		return []reserve.Snapshot{o.Reserve}
	default:
		return nil
	}
}
