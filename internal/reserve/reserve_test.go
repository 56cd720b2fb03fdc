package reserve_test

import (
	"math/big"
	"testing"

	"NFTLend/internal/errs"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/reserve"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice    = common.HexToAddress("0xa11ce")
	bob      = common.HexToAddress("0xb0b")
	treasury = common.HexToAddress("0x7ea5")
	key      = reserve.Key{
		Collateral: common.HexToAddress("0xc011"),
		Asset:      common.HexToAddress("0xa55e7"),
	}
)

const (
	genesis = int64(1_700_000_000)
	year    = int64(fpmath.SecondsPerYear)
)

func ray(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fpmath.ParseRay(s)
	require.NoError(t, err)
	return v
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fpmath.Wad)
}

func newReserve(t *testing.T) *reserve.Reserve {
	t.Helper()
	r, err := reserve.New(key, reserve.Params{
		Decimals:         18,
		ReserveFactorBps: 1000,
		Treasury:         treasury,
		Strategy: fpmath.RateStrategy{
			OptimalUtilization:     ray(t, "0.8"),
			BaseVariableBorrowRate: ray(t, "0"),
			VariableRateSlope1:     ray(t, "0.04"),
			VariableRateSlope2:     ray(t, "0.75"),
		},
	}, genesis)
	require.NoError(t, err)
	return r
}

// deposit 200, borrow 60 => 140 idle
func fundedReserve(t *testing.T) *reserve.Reserve {
	r := newReserve(t)
	_, err := r.Supply.Deposit(alice, ether(200))
	require.NoError(t, err)
	_, err = r.Debt.Increase(bob, ether(60))
	require.NoError(t, err)
	r.UpdateRates(ether(140))
	return r
}

func TestNewReserveStartsAtOneRay(t *testing.T) {
	r := newReserve(t)
	idx := r.Index()

	assert.Equal(t, fpmath.Ray.String(), idx.LiquidityIndex.String())
	assert.Equal(t, fpmath.Ray.String(), idx.VariableBorrowIndex.String())
	assert.Zero(t, idx.LiquidityRate.Sign())
	assert.Equal(t, genesis, idx.LastUpdate)
}

func TestAccrueOneYear(t *testing.T) {
	r := fundedReserve(t)
	require.Equal(t, ray(t, "0.015").String(), r.Index().VariableBorrowRate.String())

	require.NoError(t, r.Accrue(genesis+year, ether(140)))

	idx := r.Index()
	assert.Equal(t, ray(t, "1.015").String(), idx.VariableBorrowIndex.String())
	assert.Equal(t, ray(t, "1.00405").String(), idx.LiquidityIndex.String())

	wantDebt, _ := new(big.Int).SetString("60900000000000000000", 10)
	assert.Equal(t, wantDebt.String(), r.Debt.RealDebt(bob).String())

	wantSupply, _ := new(big.Int).SetString("200810000000000000000", 10)
	assert.Equal(t, wantSupply.String(), r.Supply.RealBalance(alice).String())

	// 10% of 0.9 interest
	treasuryShare, _ := new(big.Int).SetString("90000000000000000", 10)
	diff := new(big.Int).Sub(treasuryShare, r.Supply.RealBalance(treasury))
	assert.True(t, diff.Sign() >= 0 && diff.Cmp(big.NewInt(1)) <= 0, "treasury off by %s", diff)
}

func TestAccrueConservesValue(t *testing.T) {
	r := fundedReserve(t)
	require.NoError(t, r.Accrue(genesis+year/3, ether(140)))
	require.NoError(t, r.Accrue(genesis+year, ether(140)))

	assets := new(big.Int).Add(ether(140), r.Debt.TotalDebt())
	gap := new(big.Int).Sub(assets, r.Supply.TotalSupply())
	assert.True(t, new(big.Int).Abs(gap).Cmp(big.NewInt(4)) <= 0, "supply/asset gap %s", gap)
}

func TestAccrueIsIdempotentAtSameTimestamp(t *testing.T) {
	r := fundedReserve(t)
	require.NoError(t, r.Accrue(genesis+100, ether(140)))
	first := r.Snapshot()

	require.NoError(t, r.Accrue(genesis+100, ether(140)))
	second := r.Snapshot()

	assert.Equal(t, first, second)
}

func TestAccrueRejectsRegression(t *testing.T) {
	r := fundedReserve(t)
	require.NoError(t, r.Accrue(genesis+100, ether(140)))

	err := r.Accrue(genesis+99, ether(140))
	require.ErrorIs(t, err, errs.ErrTimestampRegression)
	assert.Equal(t, errs.KindInvariant, errs.KindOf(err))
}

func TestIndicesNeverDecrease(t *testing.T) {
	r := fundedReserve(t)
	prev := r.Index()
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, r.Accrue(genesis+i*86_400, ether(140)))
		cur := r.Index()
		assert.True(t, cur.LiquidityIndex.Cmp(prev.LiquidityIndex) >= 0)
		assert.True(t, cur.VariableBorrowIndex.Cmp(prev.VariableBorrowIndex) >= 0)
		prev = cur
	}
}

func TestWithdrawChecks(t *testing.T) {
	r := fundedReserve(t)

	_, err := r.Supply.Withdraw(alice, ether(201), ether(140))
	assert.ErrorIs(t, err, errs.ErrInsufficientBalance)

	_, err = r.Supply.Withdraw(alice, ether(150), ether(140))
	assert.ErrorIs(t, err, errs.ErrInsufficientLiquidity)

	_, err = r.Supply.Withdraw(alice, big.NewInt(0), ether(140))
	assert.ErrorIs(t, err, errs.ErrInvalidAmount)

	_, err = r.Supply.Withdraw(alice, ether(140), ether(140))
	require.NoError(t, err)
	assert.Equal(t, ether(60).String(), r.Supply.RealBalance(alice).String())
}

func TestWithdrawFullBalanceBurnsPosition(t *testing.T) {
	r := newReserve(t)
	_, err := r.Supply.Deposit(alice, ether(5))
	require.NoError(t, err)

	_, err = r.Supply.Withdraw(alice, ether(5), ether(5))
	require.NoError(t, err)
	assert.Zero(t, r.Supply.ScaledBalanceOf(alice).Sign())
	assert.Zero(t, r.Supply.TotalScaled().Sign())
}

func TestDebtDecrease(t *testing.T) {
	r := fundedReserve(t)

	_, err := r.Debt.Decrease(bob, ether(61))
	assert.ErrorIs(t, err, errs.ErrOverRepayment)

	_, err = r.Debt.Decrease(bob, ether(20))
	require.NoError(t, err)
	assert.Equal(t, ether(40).String(), r.Debt.RealDebt(bob).String())

	_, err = r.Debt.Decrease(bob, ether(40))
	require.NoError(t, err)
	assert.Zero(t, r.Debt.ScaledOf(bob).Sign())
	assert.Zero(t, r.Debt.TotalScaled().Sign())
}

func TestDecreaseScaledBeyondPosition(t *testing.T) {
	r := fundedReserve(t)

	err := r.Debt.DecreaseScaled(bob, ether(61))
	assert.ErrorIs(t, err, errs.ErrInvariant)
	assert.Equal(t, ether(60).String(), r.Debt.ScaledOf(bob).String())
}

func TestRollbackRestoresEverything(t *testing.T) {
	r := fundedReserve(t)
	before := r.Export()

	r.Begin()
	require.NoError(t, r.Accrue(genesis+year, ether(140)))
	_, err := r.Supply.Deposit(bob, ether(10))
	require.NoError(t, err)
	_, err = r.Debt.Increase(alice, ether(3))
	require.NoError(t, err)
	r.UpdateRates(ether(147))
	r.Rollback()

	assert.Equal(t, before, r.Export())
}

func TestSetParamsValidates(t *testing.T) {
	r := newReserve(t)
	p := r.Params()
	p.ReserveFactorBps = 10_001

	err := r.SetParams(p)
	assert.ErrorIs(t, err, errs.ErrInvalidConfig)
	assert.Equal(t, uint64(1000), r.Params().ReserveFactorBps)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	r := fundedReserve(t)
	require.NoError(t, r.Accrue(genesis+year, ether(140)))

	restored, err := reserve.Restore(r.Export())
	require.NoError(t, err)

	assert.Equal(t, r.Snapshot(), restored.Snapshot())
	assert.Equal(t, r.Supply.RealBalance(alice), restored.Supply.RealBalance(alice))
}

func TestReserveAccountIsStable(t *testing.T) {
	assert.Equal(t, key.Account(), key.Account())
	other := reserve.Key{Collateral: key.Collateral, Asset: common.HexToAddress("0xbeef")}
	assert.NotEqual(t, key.Account(), other.Account())
}
