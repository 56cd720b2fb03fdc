package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeBridgeIn JournalType = iota
	JournalTypeBridgeOut
	JournalTypeSupply
	JournalTypeWithdraw
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeBidEscrow
	JournalTypeBidRefund
	JournalTypeRedeem
	JournalTypeRedeemFee
	JournalTypeLiquidationReward
	JournalTypeTreasuryFee
	JournalTypeLiquidationRepay
	JournalTypeBorrowerProceeds
	JournalTypeReversal
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeBridgeIn:
		return "bridge_in"
	case JournalTypeBridgeOut:
		return "bridge_out"
	case JournalTypeSupply:
		return "supply"
	case JournalTypeWithdraw:
		return "withdraw"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeBidEscrow:
		return "bid_escrow"
	case JournalTypeBidRefund:
		return "bid_refund"
	case JournalTypeRedeem:
		return "redeem"
	case JournalTypeRedeemFee:
		return "redeem_fee"
	case JournalTypeLiquidationReward:
		return "liquidation_reward"
	case JournalTypeTreasuryFee:
		return "treasury_fee"
	case JournalTypeLiquidationRepay:
		return "liquidation_repay"
	case JournalTypeBorrowerProceeds:
		return "borrower_proceeds"
	case JournalTypeReversal:
		return "reversal"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Deterministic from batch and position
	BatchID       uuid.UUID      // Groups entries of one command
	EventRef      string         // Idempotency key of source command
	Sequence      int64          // Global event sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	Asset         common.Address // Asset being transferred
	Amount        *uint256.Int   // Base units (ALWAYS positive)
	JournalType   JournalType    // Entry type
	Timestamp     int64          // Command timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from the credit account to the
// debit account, so every entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s moves %s between accounts of another asset", j.JournalID, j.Asset.Hex())
		}
	}

	return nil
}

// journalID derives a stable id so replays regenerate identical journals.
func journalID(batchID uuid.UUID, index int) uuid.UUID {
	return uuid.NewSHA1(batchID, []byte(fmt.Sprintf("journal:%d", index)))
}

// BatchID derives the batch id for a command's idempotency key.
func BatchID(eventRef string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("nftlend:batch:"+eventRef))
}
