package pool_test

import (
	"encoding/json"
	"math/big"
	"testing"

	"NFTLend/internal/auction"
	"NFTLend/internal/collateral"
	"NFTLend/internal/config"
	"NFTLend/internal/errs"
	"NFTLend/internal/event"
	"NFTLend/internal/ledger"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/oracle"
	"NFTLend/internal/pool"
	"NFTLend/internal/reserve"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = int64(1_700_000_000)

var (
	punks      = common.HexToAddress("0x0721")
	weth       = common.HexToAddress("0x00c0")
	treasury   = common.HexToAddress("0xfeed")
	manager    = common.HexToAddress("0xc0de")
	alice      = common.HexToAddress("0xa11ce")
	bob        = common.HexToAddress("0xb0b")
	carol      = common.HexToAddress("0xca401")
	dave       = common.HexToAddress("0xda4e")
	liquidator = common.HexToAddress("0x11")
	eve        = common.HexToAddress("0xe4e")
	key        = reserve.Key{Collateral: punks, Asset: weth}
)

func units(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fpmath.ParseUnits(s, 18)
	require.NoError(t, err)
	return v
}

func ray(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fpmath.ParseRay(s)
	require.NoError(t, err)
	return v
}

func sameJSON(t *testing.T, want, got any) {
	t.Helper()
	w, err := json.Marshal(want)
	require.NoError(t, err)
	g, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(w), string(g))
}

type fixture struct {
	t       *testing.T
	pool    *pool.Pool
	book    *ledger.Book
	custody *ledger.Custody
	feed    *oracle.Feed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := config.NewStore(config.Settings{
		Treasury:          treasury,
		CollateralManager: manager,
		AuctionDuration:   config.DefaultAuctionDuration,
		Fees:              auction.DefaultFees(),
		Collaterals: map[common.Address]config.Collateral{
			punks: {Whitelisted: true, LiquidationThresholdBps: 15000},
		},
	})
	book := ledger.NewBook(ledger.NewBalanceTracker())
	book.RegisterSystemAccount(treasury, "treasury")
	book.RegisterSystemAccount(manager, "collateral_manager")
	book.RegisterSystemAccount(key.Account(), "reserve")
	custody := ledger.NewCustody()
	feed := oracle.NewFeed()

	f := &fixture{
		t:       t,
		pool:    pool.New(store, book, custody, feed, zerolog.Nop()),
		book:    book,
		custody: custody,
		feed:    feed,
	}
	f.setFloor("100", 1)
	feed.SetAssetPrice(weth, oracle.Price{Value: units(t, "1"), Sequence: 1})

	_, err := f.pool.InitReserve(t0, &event.InitReserve{
		Collateral:       punks,
		Asset:            weth,
		Decimals:         18,
		ReserveFactorBps: 3000,
		Strategy: fpmath.RateStrategy{
			OptimalUtilization:     ray(t, "0.65"),
			BaseVariableBorrowRate: ray(t, "0.03"),
			VariableRateSlope1:     ray(t, "0.08"),
			VariableRateSlope2:     ray(t, "1"),
		},
	})
	require.NoError(t, err)

	for _, who := range []common.Address{alice, bob, carol, dave} {
		f.fund(who, "1000")
	}
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, custody.TransferFrom(punks, ledger.ExternalOwner, bob, big.NewInt(id)))
	}
	return f
}

func (f *fixture) fund(who common.Address, amount string) {
	require.NoError(f.t, f.book.Transfer(ledger.Transfer{
		Asset: weth, From: ledger.ExternalOwner, To: who, Amount: units(f.t, amount), Kind: ledger.JournalTypeBridgeIn,
	}))
}

func (f *fixture) setFloor(price string, seq int64) {
	f.feed.SetFloorPrice(punks, oracle.Price{Value: units(f.t, price), Sequence: seq})
}

func (f *fixture) balance(who common.Address) *big.Int {
	return f.book.BalanceOf(weth, who)
}

func (f *fixture) owner(tokenID int64) common.Address {
	owner, err := f.custody.OwnerOf(punks, big.NewInt(tokenID))
	require.NoError(f.t, err)
	return owner
}

func (f *fixture) deposit(now int64, amount string) {
	_, err := f.pool.Deposit(now, &event.Deposit{
		Collateral: punks, Asset: weth, Amount: units(f.t, amount), OnBehalfOf: alice, Initiator: alice,
	})
	require.NoError(f.t, err)
}

func (f *fixture) borrow(now int64, tokenID int64, amount string) (*event.Borrowed, error) {
	return f.pool.Borrow(now, &event.Borrow{
		Asset: weth, Amount: units(f.t, amount), Collateral: punks, TokenID: big.NewInt(tokenID),
		OnBehalfOf: bob, Initiator: bob,
	})
}

func (f *fixture) bid(now int64, bidder common.Address, id common.Hash, amount string) (*event.BidPlaced, error) {
	return f.pool.Bid(now, &event.Bid{Asset: weth, Amount: units(f.t, amount), BorrowID: id, Bidder: bidder})
}

func (f *fixture) redeem(now int64, who common.Address, id common.Hash, amount string) (*event.Redeemed, error) {
	return f.pool.Redeem(now, &event.Redeem{
		Collateral: punks, Asset: weth, Amount: units(f.t, amount), BorrowID: id, Initiator: who,
	})
}

// defaulted opens a 60 borrow against token 1, halves the floor price and
// places carol's 70 bid.
func (f *fixture) defaulted() common.Hash {
	f.deposit(t0, "200")
	b, err := f.borrow(t0, 1, "60")
	require.NoError(f.t, err)
	f.setFloor("50", 2)
	_, err = f.bid(t0, carol, b.BorrowID, "70")
	require.NoError(f.t, err)
	return b.BorrowID
}

func TestBorrowLimit(t *testing.T) {
	f := newFixture(t)
	f.deposit(t0, "200")

	out, err := f.borrow(t0, 1, "60")
	require.NoError(t, err)
	assert.False(t, out.TopUp)
	assert.Equal(t, collateral.BorrowID(punks, big.NewInt(1)), out.BorrowID)
	assert.Equal(t, manager, f.owner(1))
	assert.Equal(t, units(t, "1060"), f.balance(bob))
	assert.Equal(t, units(t, "140"), f.balance(key.Account()))

	_, err = f.borrow(t0, 1, "70")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUndercollateralized)
	assert.Equal(t, units(t, "1060"), f.balance(bob), "failed borrow must not move funds")

	top, err := f.borrow(t0, 1, "6")
	require.NoError(t, err)
	assert.True(t, top.TopUp)
	assert.Equal(t, units(t, "66"), top.Borrow.BorrowAmount)
	assert.Equal(t, units(t, "66"), top.Reserve.TotalDebt)
	assert.Equal(t, []common.Hash{out.BorrowID}, f.pool.UserBorrowIDs(bob))
}

func TestBorrowRejections(t *testing.T) {
	f := newFixture(t)
	f.deposit(t0, "50")

	_, err := f.borrow(t0, 1, "60")
	assert.ErrorIs(t, err, errs.ErrInsufficientLiquidity)
	assert.Equal(t, bob, f.owner(1))

	_, err = f.pool.Borrow(t0, &event.Borrow{
		Asset: weth, Amount: units(t, "10"), Collateral: punks, TokenID: big.NewInt(1), OnBehalfOf: eve, Initiator: eve,
	})
	assert.ErrorIs(t, err, errs.ErrTransferFailed, "eve does not own the token")
	_, err = f.pool.GetBorrow(collateral.BorrowID(punks, big.NewInt(1)))
	assert.ErrorIs(t, err, errs.ErrUnknownBorrow)
	snap, err := f.pool.Reserve(key)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.TotalDebt.Sign())

	_, err = f.pool.UpdateWhitelist(t0, &event.UpdateWhitelist{Collateral: punks, Whitelisted: false})
	require.NoError(t, err)
	_, err = f.borrow(t0, 1, "10")
	assert.ErrorIs(t, err, errs.ErrNotWhitelisted)

	_, err = f.pool.Borrow(t0, &event.Borrow{
		Asset: common.HexToAddress("0xdead"), Amount: units(t, "1"), Collateral: punks, TokenID: big.NewInt(1),
		OnBehalfOf: bob, Initiator: bob,
	})
	assert.ErrorIs(t, err, errs.ErrUnknownReserve)
}

func TestBatchBorrowIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.deposit(t0, "200")

	_, err := f.pool.BatchBorrow(t0, &event.BatchBorrow{
		Assets:      []common.Address{weth, weth},
		Amounts:     []*big.Int{units(t, "10")},
		Collaterals: []common.Address{punks, punks},
		TokenIDs:    []*big.Int{big.NewInt(1), big.NewInt(2)},
		OnBehalfOf:  bob,
		Initiator:   bob,
	})
	assert.ErrorIs(t, err, errs.ErrBatchLength)

	_, err = f.pool.BatchBorrow(t0, &event.BatchBorrow{
		Assets:      []common.Address{weth, weth},
		Amounts:     []*big.Int{units(t, "50"), units(t, "70")},
		Collaterals: []common.Address{punks, punks},
		TokenIDs:    []*big.Int{big.NewInt(1), big.NewInt(2)},
		OnBehalfOf:  bob,
		Initiator:   bob,
	})
	assert.ErrorIs(t, err, errs.ErrUndercollateralized)
	assert.Equal(t, bob, f.owner(1), "first entry must be unwound")
	assert.Equal(t, units(t, "1000"), f.balance(bob))
	assert.Empty(t, f.pool.OpenBorrows())

	out, err := f.pool.BatchBorrow(t0, &event.BatchBorrow{
		Assets:      []common.Address{weth, weth},
		Amounts:     []*big.Int{units(t, "50"), units(t, "60")},
		Collaterals: []common.Address{punks, punks},
		TokenIDs:    []*big.Int{big.NewInt(1), big.NewInt(2)},
		OnBehalfOf:  bob,
		Initiator:   bob,
	})
	require.NoError(t, err)
	require.Len(t, out.Borrows, 2)
	assert.Equal(t, units(t, "110"), out.Borrows[1].Reserve.TotalDebt)
	assert.Len(t, f.pool.OpenBorrows(), 2)
	assert.Equal(t, manager, f.owner(2))
}

func TestWithdrawChecks(t *testing.T) {
	f := newFixture(t)
	f.deposit(t0, "200")
	_, err := f.borrow(t0, 1, "60")
	require.NoError(t, err)

	withdraw := func(amount string) error {
		_, err := f.pool.Withdraw(t0, &event.Withdraw{
			Collateral: punks, Asset: weth, Amount: units(t, amount), To: alice, Initiator: alice,
		})
		return err
	}
	assert.ErrorIs(t, withdraw("250"), errs.ErrInsufficientBalance)
	assert.ErrorIs(t, withdraw("150"), errs.ErrInsufficientLiquidity)
	require.NoError(t, withdraw("140"))
	assert.Equal(t, units(t, "940"), f.balance(alice))

	bal, err := f.pool.SupplyBalance(key, alice)
	require.NoError(t, err)
	assert.Equal(t, units(t, "60"), bal)
}

func TestRepay(t *testing.T) {
	f := newFixture(t)
	f.deposit(t0, "200")
	b, err := f.borrow(t0, 1, "60")
	require.NoError(t, err)

	repay := func(amount string) (*event.Repaid, error) {
		return f.pool.Repay(t0, &event.Repay{
			Collateral: punks, Asset: weth, Amount: units(t, amount), BorrowID: b.BorrowID, Initiator: bob,
		})
	}

	part, err := repay("20")
	require.NoError(t, err)
	assert.False(t, part.FullyRepaid)
	assert.Equal(t, units(t, "40"), part.Borrow.BorrowAmount)
	assert.Equal(t, manager, f.owner(1))

	full, err := repay("100")
	require.NoError(t, err)
	assert.True(t, full.FullyRepaid)
	assert.Equal(t, units(t, "40"), full.Amount, "excess is not taken")
	assert.Equal(t, collateral.StatusRepaid, full.Borrow.Status)
	assert.Equal(t, bob, f.owner(1))
	assert.Equal(t, units(t, "1000"), f.balance(bob))
	assert.Equal(t, 0, full.Reserve.TotalDebt.Sign())

	_, err = repay("1")
	assert.ErrorIs(t, err, errs.ErrBorrowNotActive)

	again, err := f.borrow(t0, 1, "10")
	require.NoError(t, err, "a closed record is replaced")
	assert.False(t, again.TopUp)
	assert.Len(t, f.pool.UserBorrowIDs(bob), 1)
}

func TestBidSequence(t *testing.T) {
	f := newFixture(t)
	f.deposit(t0, "200")
	b, err := f.borrow(t0, 1, "60")
	require.NoError(t, err)

	_, err = f.bid(t0, carol, b.BorrowID, "70")
	assert.ErrorIs(t, err, errs.ErrBorrowNotInDefault)

	f.setFloor("50", 2)
	h, err := f.pool.BorrowHealth(b.BorrowID)
	require.NoError(t, err)
	assert.True(t, h.InDefault)

	_, err = f.bid(t0, carol, b.BorrowID, "62.9")
	assert.ErrorIs(t, err, errs.ErrInsufficientBid)

	first, err := f.bid(t0, carol, b.BorrowID, "70")
	require.NoError(t, err)
	assert.Equal(t, collateral.StatusActiveAuction, first.Borrow.Status)
	assert.Equal(t, 0, first.PreviousBid.Sign())
	assert.Equal(t, units(t, "70"), f.balance(manager))
	assert.Equal(t, units(t, "930"), f.balance(carol))

	_, err = f.bid(t0+10, dave, b.BorrowID, "60")
	assert.ErrorIs(t, err, errs.ErrInsufficientBid)
	_, err = f.bid(t0+10, dave, b.BorrowID, "70")
	assert.ErrorIs(t, err, errs.ErrInsufficientBid)

	second, err := f.bid(t0+10, dave, b.BorrowID, "70.1")
	require.NoError(t, err)
	assert.Equal(t, carol, second.PreviousBidder)
	assert.Equal(t, units(t, "70"), second.PreviousBid)
	assert.Equal(t, units(t, "1000"), f.balance(carol), "outbid bidder is refunded")
	assert.Equal(t, units(t, "70.1"), f.balance(manager))

	a := second.Borrow.Auction
	require.NotNil(t, a)
	assert.Equal(t, carol, a.Caller)
	assert.Equal(t, dave, a.Bidder)
	assert.Equal(t, t0, a.StartedAt)
}

func TestLiquidationPayouts(t *testing.T) {
	f := newFixture(t)
	id := f.defaulted()
	_, err := f.bid(t0, dave, id, "70.1")
	require.NoError(t, err)

	liquidate := func(now int64) (*event.Liquidated, error) {
		return f.pool.Liquidate(now, &event.Liquidate{Collateral: punks, Asset: weth, BorrowID: id, Initiator: liquidator})
	}
	_, err = liquidate(t0 + config.DefaultAuctionDuration - 1)
	assert.ErrorIs(t, err, errs.ErrAuctionStillActive)

	out, err := liquidate(t0 + config.DefaultAuctionDuration)
	require.NoError(t, err)

	assert.Equal(t, units(t, "2.7"), out.CallerReward)
	assert.Equal(t, units(t, "0.3"), out.TreasuryFee)
	assert.True(t, out.Repayment.Cmp(units(t, "60")) > 0, "a day of interest accrued")
	assert.True(t, out.Repayment.Cmp(units(t, "60.02")) < 0)
	assert.Equal(t, 0, out.BadDebt.Sign())

	sum := new(big.Int).Add(out.CallerReward, out.TreasuryFee)
	sum.Add(sum, out.Repayment).Add(sum, out.BorrowerProceeds)
	assert.Equal(t, units(t, "70.1"), sum)

	assert.Equal(t, units(t, "2.7"), f.balance(liquidator))
	assert.Equal(t, units(t, "0.3"), f.balance(treasury))
	assert.Equal(t, 0, f.balance(manager).Sign())
	assert.Equal(t, new(big.Int).Add(units(t, "1060"), out.BorrowerProceeds), f.balance(bob))
	assert.Equal(t, new(big.Int).Add(units(t, "140"), out.Repayment), f.balance(key.Account()))
	assert.Equal(t, dave, f.owner(1))
	assert.Equal(t, collateral.StatusLiquidated, out.Borrow.Status)
	assert.Equal(t, 0, out.Reserve.TotalDebt.Sign())

	_, err = liquidate(t0 + config.DefaultAuctionDuration + 1)
	assert.ErrorIs(t, err, errs.ErrAuctionNotTriggered)
}

func TestLiquidationShortfallIsBadDebt(t *testing.T) {
	f := newFixture(t)
	f.deposit(t0, "200")
	b, err := f.borrow(t0, 1, "60")
	require.NoError(t, err)
	f.setFloor("50", 2)

	// the minimum bid covers debt plus fee when placed; a year later it does not
	_, err = f.bid(t0, carol, b.BorrowID, "63")
	require.NoError(t, err)
	out, err := f.pool.Liquidate(t0+fpmath.SecondsPerYear, &event.Liquidate{
		Collateral: punks, Asset: weth, BorrowID: b.BorrowID, Initiator: liquidator,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.BorrowerProceeds.Sign())
	assert.Equal(t, units(t, "60"), out.Repayment)
	assert.True(t, out.BadDebt.Sign() > 0)
	assert.Equal(t, 0, out.Reserve.TotalDebt.Sign(), "bad debt is written off")
}

func TestRedeemAmounts(t *testing.T) {
	f := newFixture(t)
	id := f.defaulted()

	_, err := f.redeem(t0, bob, id, "3")
	assert.ErrorIs(t, err, errs.ErrInsufficientAmount)
	_, err = f.redeem(t0, bob, id, "64")
	assert.ErrorIs(t, err, errs.ErrOverpayment)
	_, err = f.pool.Redeem(t0, &event.Redeem{
		Collateral: common.HexToAddress("0x0722"), Asset: weth, Amount: units(t, "63"), BorrowID: id, Initiator: bob,
	})
	assert.ErrorIs(t, err, errs.ErrIncorrectCollateral)

	out, err := f.redeem(t0, bob, id, "63")
	require.NoError(t, err)
	assert.True(t, out.FullyRedeemed)
	assert.Equal(t, units(t, "3"), out.Fee)
	assert.Equal(t, collateral.StatusRepaid, out.Borrow.Status)
	assert.Equal(t, bob, f.owner(1))
	assert.Equal(t, units(t, "1003"), f.balance(carol), "bid refunded plus the fee")
	assert.Equal(t, units(t, "997"), f.balance(bob))
	assert.Equal(t, units(t, "200"), f.balance(key.Account()))
	assert.Equal(t, 0, f.balance(manager).Sign())

	_, err = f.redeem(t0, bob, id, "10")
	assert.ErrorIs(t, err, errs.ErrInactiveAuction)
}

func TestPartialRedeemKeepsAuction(t *testing.T) {
	f := newFixture(t)
	id := f.defaulted()

	out, err := f.redeem(t0, dave, id, "20")
	require.NoError(t, err, "any caller may redeem")
	assert.False(t, out.FullyRedeemed)
	assert.Equal(t, units(t, "43"), out.Borrow.BorrowAmount)
	assert.Equal(t, collateral.StatusActiveAuction, out.Borrow.Status)
	assert.Equal(t, units(t, "43"), out.Reserve.TotalDebt)
	assert.Equal(t, units(t, "933"), f.balance(carol))
	assert.Equal(t, units(t, "70"), f.balance(manager), "bid stays in escrow")
	assert.Equal(t, manager, f.owner(1))
}

func TestRollbackReversesTransfers(t *testing.T) {
	f := newFixture(t)
	id := f.defaulted()

	// the NFT leaves custody behind the pool's back, so the final move fails
	require.NoError(t, f.custody.TransferFrom(punks, manager, ledger.ExternalOwner, big.NewInt(1)))

	before, err := f.pool.Reserve(key)
	require.NoError(t, err)
	_, err = f.pool.Liquidate(t0+config.DefaultAuctionDuration, &event.Liquidate{
		Collateral: punks, Asset: weth, BorrowID: id, Initiator: liquidator,
	})
	assert.ErrorIs(t, err, errs.ErrTransferFailed)

	assert.Equal(t, 0, f.balance(liquidator).Sign())
	assert.Equal(t, 0, f.balance(treasury).Sign())
	assert.Equal(t, units(t, "70"), f.balance(manager))
	assert.Equal(t, units(t, "1060"), f.balance(bob))

	after, err := f.pool.Reserve(key)
	require.NoError(t, err)
	sameJSON(t, before, after)

	b, err := f.pool.GetBorrow(id)
	require.NoError(t, err)
	assert.Equal(t, collateral.StatusActiveAuction, b.Status)

	global := f.book.Tracker().ComputeGlobalBalance()
	assert.Equal(t, 0, global[weth].Sign())
}

func TestInterestConservation(t *testing.T) {
	f := newFixture(t)
	f.deposit(t0, "200")
	b, err := f.borrow(t0, 1, "60")
	require.NoError(t, err)

	later := t0 + fpmath.SecondsPerYear
	out, err := f.pool.Repay(later, &event.Repay{
		Collateral: punks, Asset: weth, Amount: units(t, "100"), BorrowID: b.BorrowID, Initiator: bob,
	})
	require.NoError(t, err)
	require.True(t, out.FullyRepaid)
	assert.True(t, out.Amount.Cmp(units(t, "60")) > 0)

	supplied, err := f.pool.SupplyBalance(key, alice)
	require.NoError(t, err)
	treasuryShare, err := f.pool.SupplyBalance(key, treasury)
	require.NoError(t, err)
	assert.True(t, treasuryShare.Sign() > 0)

	claims := new(big.Int).Add(supplied, treasuryShare)
	diff := new(big.Int).Sub(f.balance(key.Account()), claims)
	assert.True(t, diff.CmpAbs(big.NewInt(10)) <= 0, "liquidity %s vs claims %s", f.balance(key.Account()), claims)
}

func TestStrategyChangeAccruesFirst(t *testing.T) {
	f := newFixture(t)
	f.deposit(t0, "200")
	_, err := f.borrow(t0, 1, "60")
	require.NoError(t, err)

	later := t0 + 3600
	bad := &event.SetInterestRateStrategy{Collateral: punks, Asset: weth, Strategy: fpmath.RateStrategy{
		OptimalUtilization:     ray(t, "1.2"),
		BaseVariableBorrowRate: ray(t, "0"),
		VariableRateSlope1:     ray(t, "0.04"),
		VariableRateSlope2:     ray(t, "0.75"),
	}}
	_, err = f.pool.SetInterestRateStrategy(later, bad)
	assert.ErrorIs(t, err, errs.ErrInvalidConfig)
	snap, err := f.pool.Reserve(key)
	require.NoError(t, err)
	assert.Equal(t, t0, snap.LastUpdate)

	bad.Strategy.OptimalUtilization = ray(t, "0.8")
	rf := uint64(1000)
	bad.ReserveFactorBps = &rf
	out, err := f.pool.SetInterestRateStrategy(later, bad)
	require.NoError(t, err)
	assert.Equal(t, later, out.Reserve.LastUpdate)
	assert.True(t, out.Reserve.VariableBorrowIndex.Cmp(fpmath.Ray) > 0)
	assert.Equal(t, uint64(1000), out.Params.ReserveFactorBps)
	assert.Equal(t, ray(t, "0.8"), out.Params.Strategy.OptimalUtilization)
}

func TestAdminSettings(t *testing.T) {
	f := newFixture(t)

	_, err := f.pool.SetAuctionDuration(t0, &event.SetAuctionDuration{Seconds: 0})
	assert.ErrorIs(t, err, errs.ErrInvalidConfig)
	out, err := f.pool.SetAuctionDuration(t0, &event.SetAuctionDuration{Seconds: 3600})
	require.NoError(t, err)
	assert.Equal(t, int64(3600), out.Seconds)
	assert.Equal(t, int64(3600), f.pool.Settings().AuctionDuration)

	_, err = f.pool.SetLiquidationThreshold(t0, &event.SetLiquidationThreshold{Collateral: punks, ThresholdBps: 0})
	assert.ErrorIs(t, err, errs.ErrInvalidConfig)
	c, err := f.pool.SetLiquidationThreshold(t0, &event.SetLiquidationThreshold{Collateral: punks, ThresholdBps: 20000})
	require.NoError(t, err)
	assert.True(t, c.Whitelisted)
	assert.Equal(t, uint64(20000), c.LiquidationThresholdBps)

	f.deposit(t0, "200")
	_, err = f.borrow(t0, 1, "60")
	assert.ErrorIs(t, err, errs.ErrUndercollateralized, "limit is now 50")

	_, err = f.pool.InitReserve(t0, &event.InitReserve{Collateral: punks, Asset: weth, Decimals: 18})
	assert.ErrorIs(t, err, errs.ErrReserveExists)

	decimals, ok := f.pool.AssetDecimals(weth)
	assert.True(t, ok)
	assert.Equal(t, uint8(18), decimals)
	_, ok = f.pool.AssetDecimals(punks)
	assert.False(t, ok, "punks is not a borrowable asset")
}

func TestExportRestore(t *testing.T) {
	f := newFixture(t)
	id := f.defaulted()

	state := f.pool.Export()
	clone := pool.New(config.NewStore(config.Settings{}), f.book, f.custody, f.feed, zerolog.Nop())
	require.NoError(t, clone.Restore(state))

	want, err := f.pool.GetBorrow(id)
	require.NoError(t, err)
	got, err := clone.GetBorrow(id)
	require.NoError(t, err)
	sameJSON(t, want, got)

	ws, err := f.pool.Reserve(key)
	require.NoError(t, err)
	gs, err := clone.Reserve(key)
	require.NoError(t, err)
	sameJSON(t, ws, gs)
	assert.Equal(t, f.pool.Settings().Collaterals, clone.Settings().Collaterals)
	assert.Equal(t, []reserve.Key{key}, clone.ReserveKeys())
}
