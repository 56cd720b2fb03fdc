package ledger_test

import (
	"math/big"
	"testing"

	"NFTLend/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	reserveA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	punks    = common.HexToAddress("0x0000000000000000000000000000000000000721")
)

func mustBook(t *testing.T) *ledger.Book {
	t.Helper()
	b := ledger.NewBook(ledger.NewBalanceTracker())
	b.RegisterSystemAccount(reserveA, "reserve")
	return b
}

func mustTransfer(t *testing.T, b *ledger.Book, from, to common.Address, amount int64) {
	t.Helper()
	err := b.Transfer(ledger.Transfer{
		Asset:  usdc,
		From:   from,
		To:     to,
		Amount: big.NewInt(amount),
		Kind:   ledger.JournalTypeSupply,
	})
	if err != nil {
		t.Fatalf("transfer %d: %v", amount, err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.NewUserAccountKey(alice, usdc)

	path := key.AccountPath()
	expected := "user:" + alice.Hex() + ":" + usdc.Hex()
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(usdc)

	path := key.AccountPath()
	if path != "external:bridge:"+usdc.Hex() {
		t.Errorf("got %q", path)
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(alice, usdc),
		ledger.NewSystemAccountKey(reserveA, usdc),
		ledger.NewExternalAccountKey(usdc),
	}
	for _, k := range keys {
		parsed, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %q: %v", k.AccountPath(), err)
		}
		if parsed != k {
			t.Errorf("round trip: got %+v, want %+v", parsed, k)
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	for _, path := range []string{"", "user:0x1", "vault:" + alice.Hex() + ":" + usdc.Hex(), "user:nothex:" + usdc.Hex()} {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	balance := bt.GetBalance(ledger.NewUserAccountKey(alice, usdc))
	if balance.Sign() != 0 {
		t.Errorf("initial balance should be 0, got %s", balance)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(alice, usdc),
		CreditAccount: ledger.NewExternalAccountKey(usdc),
		Asset:         usdc,
		Amount:        uint256.NewInt(1_000_000),
	})
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		DebitAccount:  ledger.NewSystemAccountKey(reserveA, usdc),
		CreditAccount: ledger.NewUserAccountKey(alice, usdc),
		Asset:         usdc,
		Amount:        uint256.NewInt(300_000),
	})

	for asset, total := range bt.ComputeGlobalBalance() {
		if total.Sign() != 0 {
			t.Errorf("asset %s has non-zero global balance: %s", asset.Hex(), total)
		}
	}
	if got := bt.GetBalance(ledger.NewUserAccountKey(alice, usdc)).Int64(); got != 700_000 {
		t.Errorf("alice: got %d, want 700000", got)
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewUserAccountKey(alice, usdc)
	bt.ApplyJournal(ledger.Journal{
		DebitAccount:  key,
		CreditAccount: ledger.NewExternalAccountKey(usdc),
		Asset:         usdc,
		Amount:        uint256.NewInt(999),
	})

	snap := bt.Snapshot()
	for _, v := range snap {
		v.SetInt64(0)
	}

	if bt.GetBalance(key).Int64() != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot())
	if restored.GetBalance(key).Int64() != 999 {
		t.Error("restored tracker lost balance")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewUserAccountKey(alice, usdc),
			CreditAccount: ledger.NewExternalAccountKey(usdc),
			Asset:         usdc,
			Amount:        uint256.NewInt(0),
		}},
	}

	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	same := ledger.NewUserAccountKey(alice, usdc)
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  same,
			CreditAccount: same,
			Asset:         usdc,
			Amount:        uint256.NewInt(100),
		}},
	}

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_AssetMismatch_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewUserAccountKey(alice, usdc),
			CreditAccount: ledger.NewExternalAccountKey(punks),
			Asset:         usdc,
			Amount:        uint256.NewInt(100),
		}},
	}

	if err := batch.Validate(); err == nil {
		t.Error("cross-asset journal should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       uuid.New(),
			DebitAccount:  ledger.NewUserAccountKey(alice, usdc),
			CreditAccount: ledger.NewExternalAccountKey(usdc),
			Asset:         usdc,
			Amount:        uint256.NewInt(100),
		}},
	}

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

// ============================================================================
// Test: Book
// ============================================================================

func TestBook_TransferBuildsBatch(t *testing.T) {
	b := mustBook(t)
	b.BeginBatch("cmd-1", 7, 1_000)

	mustTransfer(t, b, ledger.ExternalOwner, alice, 500)
	mustTransfer(t, b, alice, reserveA, 200)

	batch := b.TakeBatch()
	if batch == nil || len(batch.Journals) != 2 {
		t.Fatalf("expected batch with 2 journals, got %+v", batch)
	}
	if err := batch.Validate(); err != nil {
		t.Fatalf("batch invalid: %v", err)
	}
	if batch.BatchID != ledger.BatchID("cmd-1") || batch.Sequence != 7 {
		t.Errorf("batch header: %+v", batch)
	}
	if batch.Journals[1].CreditAccount.Scope != ledger.AccountScopeUser ||
		batch.Journals[1].DebitAccount.Scope != ledger.AccountScopeSystem {
		t.Errorf("scopes: %+v", batch.Journals[1])
	}
	if got := b.BalanceOf(usdc, reserveA).Int64(); got != 200 {
		t.Errorf("reserve balance: got %d, want 200", got)
	}
	if b.TakeBatch() != nil {
		t.Error("second TakeBatch should be empty")
	}
}

func TestBook_JournalIDsAreDeterministic(t *testing.T) {
	run := func() uuid.UUID {
		b := mustBook(t)
		b.BeginBatch("cmd-9", 1, 1)
		mustTransfer(t, b, ledger.ExternalOwner, alice, 5)
		return b.TakeBatch().Journals[0].JournalID
	}
	if run() != run() {
		t.Error("journal ids must be reproducible on replay")
	}
}

func TestBook_RejectsOverdraft(t *testing.T) {
	b := mustBook(t)
	mustTransfer(t, b, ledger.ExternalOwner, alice, 100)

	err := b.Transfer(ledger.Transfer{Asset: usdc, From: alice, To: reserveA, Amount: big.NewInt(101)})
	if err == nil {
		t.Fatal("expected overdraft to fail")
	}
	if got := b.BalanceOf(usdc, alice).Int64(); got != 100 {
		t.Errorf("failed transfer changed balance: %d", got)
	}
}

func TestBook_RejectsNonPositive(t *testing.T) {
	b := mustBook(t)
	if err := b.Transfer(ledger.Transfer{Asset: usdc, From: ledger.ExternalOwner, To: alice, Amount: big.NewInt(0)}); err == nil {
		t.Error("zero transfer should fail")
	}
	if err := b.Transfer(ledger.Transfer{Asset: usdc, From: alice, To: alice, Amount: big.NewInt(1)}); err == nil {
		t.Error("self transfer should fail")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_AfterTransfers(t *testing.T) {
	b := mustBook(t)
	v := ledger.NewInvariantValidator(b.Tracker())

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	mustTransfer(t, b, ledger.ExternalOwner, alice, 1_000)
	mustTransfer(t, b, alice, reserveA, 400)
	mustTransfer(t, b, reserveA, ledger.ExternalOwner, 100)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
	if err := v.ValidateInternalNonNegative(); err != nil {
		t.Errorf("internal accounts negative: %v", err)
	}
}

// ============================================================================
// Test: Custody
// ============================================================================

func TestCustody_Lifecycle(t *testing.T) {
	c := ledger.NewCustody()
	id := big.NewInt(42)
	c.BeginBatch("cmd-1", 1, 10)

	if _, err := c.OwnerOf(punks, id); err == nil {
		t.Fatal("unknown token should error")
	}
	if err := c.TransferFrom(punks, ledger.ExternalOwner, alice, id); err != nil {
		t.Fatalf("bridge in: %v", err)
	}
	if err := c.TransferFrom(punks, ledger.ExternalOwner, alice, id); err == nil {
		t.Error("double bridge in should fail")
	}
	if err := c.TransferFrom(punks, reserveA, alice, id); err == nil {
		t.Error("transfer by non-owner should fail")
	}
	if err := c.TransferFrom(punks, alice, reserveA, id); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	owner, err := c.OwnerOf(punks, id)
	if err != nil || owner != reserveA {
		t.Errorf("owner: got %s, %v", owner.Hex(), err)
	}

	moves := c.TakeMoves()
	if len(moves) != 2 {
		t.Fatalf("expected 2 moves, got %d", len(moves))
	}
	if moves[0].MoveID == moves[1].MoveID {
		t.Error("move ids must differ")
	}

	rows := c.Export()
	restored := ledger.NewCustody()
	restored.Restore(rows)
	if owner, _ := restored.OwnerOf(punks, id); owner != reserveA {
		t.Errorf("restored owner: %s", owner.Hex())
	}
}
