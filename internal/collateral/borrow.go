package collateral

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Status tracks a borrow through its lifecycle.
type Status int32

const (
	StatusActive Status = iota
	StatusActiveAuction
	StatusRepaid
	StatusLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusActiveAuction:
		return "ActiveAuction"
	case StatusRepaid:
		return "Repaid"
	case StatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// Open reports whether the collateral is still held in escrow.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusActiveAuction
}

// CanTransitionTo validates state transitions
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusActive: {
			StatusActiveAuction,
			StatusRepaid,
		},
		StatusActiveAuction: {
			StatusRepaid,
			StatusLiquidated,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Auction is present once the first bid lands.
type Auction struct {
	Caller    common.Address `json:"caller"`
	Bidder    common.Address `json:"bidder"`
	Bid       *big.Int       `json:"bid"`
	StartedAt int64          `json:"started_at"`
}

// Borrow is one escrowed NFT and the debt it secures.
type Borrow struct {
	ID         common.Hash    `json:"id"`
	Status     Status         `json:"status"`
	Borrower   common.Address `json:"borrower"`
	Collateral common.Address `json:"collateral"`
	TokenID    *big.Int       `json:"token_id"`
	Asset      common.Address `json:"asset"`
	// BorrowAmount is the real debt as of the last borrow or partial
	// repayment. Fees are computed from it; live debt comes from ScaledDebt.
	BorrowAmount *big.Int `json:"borrow_amount"`
	// ScaledDebt is this borrow's share of the borrower's debt position.
	ScaledDebt *big.Int `json:"scaled_debt"`
	Timestamp  int64    `json:"timestamp"`
	Auction    *Auction `json:"auction,omitempty"`
}

// BorrowID derives the id of the borrow securing collection/tokenID.
// Reopening the same NFT after a close reuses the id.
func BorrowID(collection common.Address, tokenID *big.Int) common.Hash {
	return crypto.Keccak256Hash(collection.Bytes(), common.LeftPadBytes(tokenID.Bytes(), 32))
}

// Clone returns a deep copy.
func (b *Borrow) Clone() *Borrow {
	out := *b
	out.TokenID = new(big.Int).Set(b.TokenID)
	out.BorrowAmount = new(big.Int).Set(b.BorrowAmount)
	out.ScaledDebt = new(big.Int).Set(b.ScaledDebt)
	if b.Auction != nil {
		a := *b.Auction
		a.Bid = new(big.Int).Set(b.Auction.Bid)
		out.Auction = &a
	}
	return &out
}
