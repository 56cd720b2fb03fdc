package core_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"NFTLend/internal/auction"
	"NFTLend/internal/config"
	"NFTLend/internal/core"
	"NFTLend/internal/errs"
	"NFTLend/internal/event"
	"NFTLend/internal/ledger"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/reserve"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const t0 = int64(1_700_000_000)

var (
	punks    = common.HexToAddress("0x0721")
	weth     = common.HexToAddress("0x00c0")
	treasury = common.HexToAddress("0xfeed")
	manager  = common.HexToAddress("0xc0de")
	alice    = common.HexToAddress("0xa11ce")
	bob      = common.HexToAddress("0xb0b")
	key      = reserve.Key{Collateral: punks, Asset: weth}
)

func testSettings() config.Settings {
	return config.Settings{
		Treasury:          treasury,
		CollateralManager: manager,
		AuctionDuration:   config.DefaultAuctionDuration,
		Fees:              auction.DefaultFees(),
		Collaterals: map[common.Address]config.Collateral{
			punks: {Whitelisted: true, LiquidationThresholdBps: 15000},
		},
	}
}

func genesis(t *testing.T) []config.GenesisReserve {
	t.Helper()
	strategy, err := config.ParseStrategy("0.65", "0.03", "0.08", "1")
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	return []config.GenesisReserve{{
		Key: key,
		Params: reserve.Params{
			Decimals:         18,
			ReserveFactorBps: 3000,
			Strategy:         strategy,
			Treasury:         treasury,
		},
	}}
}

// newTestEngine creates an engine with buffered channels and no DB checker.
func newTestEngine() (*core.Engine, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	e := core.NewEngine(core.Options{
		Settings:       testSettings(),
		PersistChan:    persistChan,
		ProjectionChan: projChan,
		Logger:         zerolog.Nop(),
	})
	return e, persistChan, projChan
}

// newBootstrapped returns an engine with the genesis reserve and prices set.
func newBootstrapped(t *testing.T) (*core.Engine, chan core.CoreOutput) {
	t.Helper()
	e, persistCh, _ := newTestEngine()
	if err := e.Bootstrap(genesis(t), time.Unix(t0, 0)); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	mustApply(t, e, assetPrice(1, "1"))
	mustApply(t, e, floorPrice(1, "100"))
	return e, persistCh
}

func units(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fpmath.ParseUnits(s, 18)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func header(at int64) event.Header {
	return event.Header{RequestID: uuid.New(), Timestamp: time.Unix(at, 0)}
}

func oracleHeader(seq int64) event.Header {
	return event.Header{RequestID: uuid.New(), Origin: "oracle", Sequence: seq, Timestamp: time.Unix(t0, 0)}
}

func assetPrice(seq int64, price string) *event.AssetPriceUpdate {
	v, _ := fpmath.ParseUnits(price, 18)
	return &event.AssetPriceUpdate{Header: oracleHeader(seq), Asset: weth, Price: v}
}

func floorPrice(seq int64, price string) *event.FloorPriceUpdate {
	v, _ := fpmath.ParseUnits(price, 18)
	return &event.FloorPriceUpdate{Header: oracleHeader(seq), Collection: punks, Price: v}
}

func bridgeIn(t *testing.T, who common.Address, amount string) *event.AssetTransfer {
	return &event.AssetTransfer{Header: header(t0), Asset: weth, Account: who, Amount: units(t, amount), Direction: event.DirectionIn}
}

func nftIn(who common.Address, tokenID int64) *event.CollateralTransfer {
	return &event.CollateralTransfer{Header: header(t0), Collection: punks, TokenID: big.NewInt(tokenID), Account: who, Direction: event.DirectionIn}
}

func deposit(t *testing.T, who common.Address, amount string, at int64) *event.Deposit {
	return &event.Deposit{Header: header(at), Collateral: punks, Asset: weth, Amount: units(t, amount), OnBehalfOf: who, Initiator: who}
}

func borrow(t *testing.T, who common.Address, tokenID int64, amount string, at int64) *event.Borrow {
	return &event.Borrow{
		Header: header(at), Asset: weth, Amount: units(t, amount), Collateral: punks,
		TokenID: big.NewInt(tokenID), OnBehalfOf: who, Initiator: who,
	}
}

func mustApply(t *testing.T, e *core.Engine, cmd event.Command) core.Result {
	t.Helper()
	res, err := e.Process(cmd)
	if err != nil {
		t.Fatalf("%s: Process failed: %v", cmd.EventType(), err)
	}
	if res.Err != nil {
		t.Fatalf("%s: rejected: %v", cmd.EventType(), res.Err)
	}
	return res
}

// openPosition funds alice and bob, supplies 200 and borrows 60 on token 1.
func openPosition(t *testing.T, e *core.Engine) common.Hash {
	t.Helper()
	mustApply(t, e, bridgeIn(t, alice, "1000"))
	mustApply(t, e, bridgeIn(t, bob, "100"))
	mustApply(t, e, nftIn(bob, 1))
	mustApply(t, e, deposit(t, alice, "200", t0))
	res := mustApply(t, e, borrow(t, bob, 1, "60", t0+10))
	return res.Outcome.(*event.Borrowed).BorrowID
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Bridging and pool flow
// ============================================================================

func TestBootstrap_InitializesGenesisReserves(t *testing.T) {
	e, persistCh := newBootstrapped(t)

	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	env := outputs[0].Envelope
	if env.EventType != event.EventTypeInitReserve || env.Source != core.GenesisSource {
		t.Errorf("unexpected genesis envelope: %s from %s", env.EventType, env.Source)
	}
	if env.ReserveKey == nil || *env.ReserveKey != key.String() {
		t.Errorf("genesis envelope has reserve %v", env.ReserveKey)
	}
	if _, err := e.Pool().Reserve(key); err != nil {
		t.Fatalf("reserve missing after bootstrap: %v", err)
	}
	if label, ok := e.Book().SystemLabel(key.Account()); !ok || label != "reserve:"+key.String() {
		t.Errorf("reserve account not registered, got %q", label)
	}

	// a second bootstrap is deduplicated by the deterministic request id
	if err := e.Bootstrap(genesis(t), time.Unix(t0, 0)); err != nil {
		t.Fatalf("second bootstrap failed: %v", err)
	}
	if got := e.GetSequence(); got != 3 {
		t.Errorf("expected sequence 3, got %d", got)
	}
}

func TestAssetTransfer_BridgesBalance(t *testing.T) {
	e, persistCh, _ := newTestEngine()

	res := mustApply(t, e, bridgeIn(t, alice, "10"))
	out := res.Outcome.(*event.AssetBridged)
	if out.Balance.Cmp(units(t, "10")) != 0 {
		t.Errorf("expected balance 10, got %s", out.Balance)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	batch := outputs[0].Batch
	if batch == nil || len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %+v", batch)
	}
	j := batch.Journals[0]
	if j.JournalType != ledger.JournalTypeBridgeIn {
		t.Errorf("expected JournalTypeBridgeIn, got %s", j.JournalType)
	}
	if j.CreditAccount.Scope != ledger.AccountScopeExternal || j.DebitAccount.Owner != alice {
		t.Errorf("unexpected accounts %s -> %s", j.CreditAccount.AccountPath(), j.DebitAccount.AccountPath())
	}

	// bridging out more than the balance is rejected but logged
	res, err := e.Process(&event.AssetTransfer{Header: header(t0), Asset: weth, Account: alice, Amount: units(t, "11"), Direction: event.DirectionOut})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !errors.Is(res.Err, errs.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", res.Err)
	}
	if !res.Envelope.Rejected || res.Envelope.ErrorCode != "INSUFFICIENT_BALANCE" {
		t.Errorf("expected rejected envelope, got %+v", res.Envelope)
	}
}

func TestAssetTransfer_SystemAccountRejected(t *testing.T) {
	e, _, _ := newTestEngine()

	res, err := e.Process(bridgeIn(t, treasury, "1"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !errors.Is(res.Err, errs.ErrInvalidCommand) {
		t.Errorf("expected ErrInvalidCommand, got %v", res.Err)
	}
}

func TestDepositAndBorrow_EmitEvents(t *testing.T) {
	e, persistCh := newBootstrapped(t)
	drainOutputs(persistCh)

	id := openPosition(t, e)

	outputs := drainOutputs(persistCh)
	if len(outputs) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(outputs))
	}
	last := outputs[4]
	if last.Envelope.EventType != event.EventTypeBorrow {
		t.Fatalf("expected Borrow envelope, got %s", last.Envelope.EventType)
	}
	if len(last.Moves) != 1 || last.Moves[0].To != manager || last.Moves[0].From != bob {
		t.Errorf("expected NFT escrow move, got %+v", last.Moves)
	}
	if len(last.Envelope.Outcome) == 0 {
		t.Error("accepted command must carry its domain event")
	}

	owner, err := e.Custody().OwnerOf(punks, big.NewInt(1))
	if err != nil || owner != manager {
		t.Errorf("expected NFT escrowed with the collateral manager, got %s (%v)", owner.Hex(), err)
	}
	if got := e.Book().BalanceOf(weth, bob); got.Cmp(units(t, "160")) != 0 {
		t.Errorf("expected bob balance 160, got %s", got)
	}
	b, err := e.Pool().GetBorrow(id)
	if err != nil {
		t.Fatalf("GetBorrow: %v", err)
	}
	if b.Borrower != bob {
		t.Errorf("expected borrower bob, got %s", b.Borrower.Hex())
	}
}

func TestBorrow_OverLimitRejected(t *testing.T) {
	e, persistCh := newBootstrapped(t)
	mustApply(t, e, bridgeIn(t, alice, "1000"))
	mustApply(t, e, nftIn(bob, 1))
	mustApply(t, e, deposit(t, alice, "200", t0))
	drainOutputs(persistCh)
	seq := e.GetSequence()

	res, err := e.Process(borrow(t, bob, 1, "70", t0+10))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !errors.Is(res.Err, errs.ErrUndercollateralized) {
		t.Fatalf("expected ErrUndercollateralized, got %v", res.Err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("rejected commands are logged: expected 1 output, got %d", len(outputs))
	}
	o := outputs[0]
	if o.Envelope.Sequence != seq || !o.Envelope.Rejected {
		t.Errorf("expected rejected envelope at %d, got %+v", seq, o.Envelope)
	}
	if o.Batch != nil || o.Moves != nil || len(o.Envelope.Outcome) != 0 {
		t.Error("rejected command must not carry journals, moves or an outcome")
	}
	if owner, _ := e.Custody().OwnerOf(punks, big.NewInt(1)); owner != bob {
		t.Errorf("NFT must stay with bob, owner is %s", owner.Hex())
	}
	if got := e.Book().BalanceOf(weth, bob); got.Sign() != 0 {
		t.Errorf("expected bob balance 0, got %s", got)
	}
}

// ============================================================================
// Test: Ordering and idempotency
// ============================================================================

func TestIdempotency_DuplicateIgnored(t *testing.T) {
	e, persistCh, _ := newTestEngine()
	cmd := bridgeIn(t, alice, "5")

	mustApply(t, e, cmd)
	res, err := e.Process(cmd)
	if err != nil {
		t.Fatalf("duplicate must not fail: %v", err)
	}
	if !res.Duplicate || res.Envelope != nil {
		t.Errorf("expected duplicate result, got %+v", res)
	}
	if got := len(drainOutputs(persistCh)); got != 1 {
		t.Errorf("expected 1 output, got %d", got)
	}
	if got := e.Book().BalanceOf(weth, alice); got.Cmp(units(t, "5")) != 0 {
		t.Errorf("expected balance 5, got %s", got)
	}
	if e.GetSequence() != 1 {
		t.Errorf("duplicate must not consume a sequence, got %d", e.GetSequence())
	}
}

func TestIdempotency_RejectedCommandNotRetried(t *testing.T) {
	e, persistCh, _ := newTestEngine()
	cmd := &event.AssetTransfer{Header: header(t0), Asset: weth, Account: alice, Amount: units(t, "1"), Direction: event.DirectionOut}

	res, err := e.Process(cmd)
	if err != nil || res.Err == nil {
		t.Fatalf("expected rejection, got %v / %v", err, res.Err)
	}
	res, err = e.Process(cmd)
	if err != nil || !res.Duplicate {
		t.Errorf("expected duplicate on retry, got %+v (%v)", res, err)
	}
	if got := len(drainOutputs(persistCh)); got != 1 {
		t.Errorf("expected 1 output, got %d", got)
	}
}

func TestMissingIdempotencyKey_Fails(t *testing.T) {
	e, persistCh, _ := newTestEngine()
	cmd := bridgeIn(t, alice, "1")
	cmd.RequestID = uuid.Nil

	if _, err := e.Process(cmd); !errors.Is(err, errs.ErrInvalidCommand) {
		t.Errorf("expected ErrInvalidCommand, got %v", err)
	}
	if got := len(drainOutputs(persistCh)); got != 0 {
		t.Errorf("expected no output, got %d", got)
	}
}

func TestSequenceValidation_GapDetected(t *testing.T) {
	e, persistCh, _ := newTestEngine()

	first := bridgeIn(t, alice, "1")
	first.Origin, first.Sequence = "chain", 0
	mustApply(t, e, first)

	gap := bridgeIn(t, alice, "1")
	gap.Origin, gap.Sequence = "chain", 2
	if _, err := e.Process(gap); err == nil {
		t.Fatal("expected sequence gap error")
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Errorf("expected 1 output, got %d", len(outputs))
	}
	if e.GetSequence() != 1 {
		t.Errorf("gap must not consume a sequence, got %d", e.GetSequence())
	}

	// the expected sequence is still accepted
	next := bridgeIn(t, alice, "1")
	next.Origin, next.Sequence = "chain", 1
	mustApply(t, e, next)
}

func TestPriceUpdate_StaleLoggedNotApplied(t *testing.T) {
	e, persistCh, _ := newTestEngine()

	mustApply(t, e, floorPrice(5, "100"))
	res := mustApply(t, e, floorPrice(3, "40"))

	out := res.Outcome.(*event.PriceUpdated)
	if out.Applied {
		t.Error("stale price must not be applied")
	}
	if res.Envelope.Rejected {
		t.Error("stale price is not a rejection")
	}
	floor, err := e.Feed().FloorPrice(punks)
	if err != nil || floor.Cmp(units(t, "100")) != 0 {
		t.Errorf("expected floor 100, got %s (%v)", floor, err)
	}

	// gaps are tolerated
	mustApply(t, e, floorPrice(9, "90"))
	if floor, _ := e.Feed().FloorPrice(punks); floor.Cmp(units(t, "90")) != 0 {
		t.Errorf("expected floor 90, got %s", floor)
	}
	if got := len(drainOutputs(persistCh)); got != 3 {
		t.Errorf("expected 3 outputs, got %d", got)
	}
}

func TestPriceUpdate_NonPositiveRejected(t *testing.T) {
	e, _, _ := newTestEngine()
	cmd := floorPrice(1, "1")
	cmd.Price = big.NewInt(0)

	res, err := e.Process(cmd)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !errors.Is(res.Err, errs.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", res.Err)
	}
}

func TestLogicalClock_NeverRegresses(t *testing.T) {
	e, persistCh := newBootstrapped(t)
	mustApply(t, e, bridgeIn(t, alice, "100"))
	mustApply(t, e, deposit(t, alice, "10", t0+100))
	mustApply(t, e, deposit(t, alice, "10", t0+50))

	outputs := drainOutputs(persistCh)
	last := outputs[len(outputs)-1].Envelope
	if last.Timestamp.Unix() != t0+100 {
		t.Errorf("expected clamped timestamp %d, got %d", t0+100, last.Timestamp.Unix())
	}
}

// ============================================================================
// Test: Hash chain, replay and snapshots
// ============================================================================

func TestStateHashChain_Linked(t *testing.T) {
	e, persistCh := newBootstrapped(t)
	openPosition(t, e)

	outputs := drainOutputs(persistCh)
	if outputs[0].Envelope.PrevHash != core.GenesisHash() {
		t.Error("first envelope must chain from the genesis hash")
	}
	for i := 1; i < len(outputs); i++ {
		prev, cur := outputs[i-1].Envelope, outputs[i].Envelope
		if cur.PrevHash != prev.StateHash {
			t.Errorf("seq %d: prev hash does not match seq %d state hash", cur.Sequence, prev.Sequence)
		}
		if cur.Sequence != prev.Sequence+1 {
			t.Errorf("sequence jumped from %d to %d", prev.Sequence, cur.Sequence)
		}
		if cur.StateHash != core.ChainHash(cur.PrevHash, cur.Sequence, outputs[i].StateDelta) {
			t.Errorf("seq %d: state hash does not match its digest", cur.Sequence)
		}
	}
	if e.GetStateHash() != outputs[len(outputs)-1].Envelope.StateHash {
		t.Error("chain tip must be the last state hash")
	}
}

func TestReplay_ReproducesHashes(t *testing.T) {
	e, persistCh := newBootstrapped(t)
	openPosition(t, e)
	// a rejection is part of the log too
	if res, _ := e.Process(borrow(t, alice, 9, "1", t0+20)); res.Err == nil {
		t.Fatal("expected rejection")
	}
	mustApply(t, e, floorPrice(2, "50"))

	outputs := drainOutputs(persistCh)

	fresh, freshCh, _ := newTestEngine()
	for _, o := range outputs {
		if err := fresh.Replay(o.Envelope); err != nil {
			t.Fatalf("replay failed: %v", err)
		}
	}
	if got := len(drainOutputs(freshCh)); got != 0 {
		t.Errorf("replay must not emit, got %d outputs", got)
	}
	if fresh.GetStateHash() != e.GetStateHash() {
		t.Error("replayed engine diverged")
	}
	if fresh.GetSequence() != e.GetSequence() {
		t.Errorf("expected sequence %d, got %d", e.GetSequence(), fresh.GetSequence())
	}
}

func TestReplay_DetectsTampering(t *testing.T) {
	e, persistCh := newBootstrapped(t)
	mustApply(t, e, bridgeIn(t, alice, "1"))
	outputs := drainOutputs(persistCh)

	outputs[len(outputs)-1].Envelope.StateHash[0] ^= 0xff

	fresh, _, _ := newTestEngine()
	var err error
	for _, o := range outputs {
		if err = fresh.Replay(o.Envelope); err != nil {
			break
		}
	}
	if err == nil {
		t.Fatal("expected state hash mismatch")
	}
}

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	e, persistCh := newBootstrapped(t)
	id := openPosition(t, e)
	drainOutputs(persistCh)

	seq, hash, data, err := e.MarshalSnapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if seq != e.GetSequence()-1 || hash != e.GetStateHash() {
		t.Errorf("snapshot header mismatch: seq %d hash %x", seq, hash)
	}

	restored, restoredCh, _ := newTestEngine()
	if err := restored.UnmarshalSnapshot(data); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	repay := &event.Repay{Header: header(t0 + 86400), Collateral: punks, Asset: weth, Amount: units(t, "10"), BorrowID: id, Initiator: bob}
	a := mustApply(t, e, repay)
	b := mustApply(t, restored, repay)
	if a.Envelope.StateHash != b.Envelope.StateHash {
		t.Error("restored engine diverged on the next command")
	}
	if got := len(drainOutputs(restoredCh)); got != 1 {
		t.Errorf("expected 1 output, got %d", got)
	}

	// new commands still apply after the restore
	res, err := restored.Process(deposit(t, alice, "1", t0))
	if err != nil || res.Duplicate {
		t.Fatalf("fresh deposit must apply: %+v (%v)", res, err)
	}
	if label, ok := restored.Book().SystemLabel(key.Account()); !ok || label == "" {
		t.Error("reserve account must be registered after restore")
	}
}

func TestSnapshot_KeepsIdempotencyKeys(t *testing.T) {
	e, _, _ := newTestEngine()
	cmd := bridgeIn(t, alice, "1")
	mustApply(t, e, cmd)

	_, _, data, err := e.MarshalSnapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	restored, _, _ := newTestEngine()
	if err := restored.UnmarshalSnapshot(data); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	res, err := restored.Process(cmd)
	if err != nil || !res.Duplicate {
		t.Errorf("expected duplicate after restore, got %+v (%v)", res, err)
	}
	if got := restored.Book().BalanceOf(weth, alice); got.Cmp(units(t, "1")) != 0 {
		t.Errorf("expected balance 1, got %s", got)
	}
}

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistChan := make(chan core.CoreOutput, 16)
	projChan := make(chan core.CoreOutput, 1)
	e := core.NewEngine(core.Options{
		Settings:       testSettings(),
		PersistChan:    persistChan,
		ProjectionChan: projChan,
		Logger:         zerolog.Nop(),
	})

	for i := 0; i < 3; i++ {
		mustApply(t, e, bridgeIn(t, alice, "1"))
	}
	if got := len(drainOutputs(persistChan)); got != 3 {
		t.Errorf("persistence must see every output, got %d", got)
	}
	if got := len(drainOutputs(projChan)); got != 1 {
		t.Errorf("expected 1 projection output, got %d", got)
	}
}
