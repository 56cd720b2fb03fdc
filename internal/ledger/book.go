package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Transfer is one movement of a fungible asset between two owners.
type Transfer struct {
	Asset  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
	Kind   JournalType
}

// Book is the custodial asset ledger. Every transfer becomes a journal in
// the current batch and is applied to the balance tracker immediately.
type Book struct {
	tracker *BalanceTracker
	system  map[common.Address]string
	batch   *Batch
}

func NewBook(tracker *BalanceTracker) *Book {
	return &Book{
		tracker: tracker,
		system:  make(map[common.Address]string),
	}
}

// RegisterSystemAccount marks owner as pool-owned.
func (b *Book) RegisterSystemAccount(owner common.Address, label string) {
	b.system[owner] = label
}

// SystemLabel returns the label of a system owner.
func (b *Book) SystemLabel(owner common.Address) (string, bool) {
	label, ok := b.system[owner]
	return label, ok
}

// Key maps an owner to its account key for asset.
func (b *Book) Key(owner, asset common.Address) AccountKey {
	if owner == ExternalOwner {
		return NewExternalAccountKey(asset)
	}
	if _, ok := b.system[owner]; ok {
		return NewSystemAccountKey(owner, asset)
	}
	return NewUserAccountKey(owner, asset)
}

func (b *Book) Tracker() *BalanceTracker { return b.tracker }

// BalanceOf returns owner's balance of asset.
func (b *Book) BalanceOf(asset, owner common.Address) *big.Int {
	return b.tracker.GetBalance(b.Key(owner, asset))
}

// BeginBatch starts collecting journals for one command.
func (b *Book) BeginBatch(eventRef string, sequence, timestamp int64) {
	b.batch = &Batch{
		BatchID:   BatchID(eventRef),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// TakeBatch returns the journals collected since BeginBatch, or nil when
// the command moved no funds.
func (b *Book) TakeBatch() *Batch {
	batch := b.batch
	b.batch = nil
	if batch == nil || len(batch.Journals) == 0 {
		return nil
	}
	return batch
}

// Transfer moves t.Amount from t.From to t.To. Only the external account may
// go negative.
func (b *Book) Transfer(t Transfer) error {
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}
	amount, overflow := uint256.FromBig(t.Amount)
	if overflow {
		return fmt.Errorf("transfer amount %s overflows 256 bits", t.Amount)
	}
	from := b.Key(t.From, t.Asset)
	to := b.Key(t.To, t.Asset)
	if from == to {
		return fmt.Errorf("self transfer on %s", from.AccountPath())
	}
	if from.Scope != AccountScopeExternal {
		if err := b.tracker.ValidateSufficient(from, t.Amount); err != nil {
			return err
		}
	}

	if b.batch == nil {
		b.BeginBatch("", 0, 0)
	}
	j := Journal{
		JournalID:     journalID(b.batch.BatchID, len(b.batch.Journals)),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		Asset:         t.Asset,
		Amount:        amount,
		JournalType:   t.Kind,
		Timestamp:     b.batch.Timestamp,
	}
	b.tracker.ApplyJournal(j)
	b.batch.Journals = append(b.batch.Journals, j)
	return nil
}
