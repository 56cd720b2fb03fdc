package oracle_test

import (
	"math/big"
	"testing"

	"NFTLend/internal/errs"
	"NFTLend/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var punks = common.HexToAddress("0x0721")

func TestFloorPriceSequencing(t *testing.T) {
	f := oracle.NewFeed()

	_, err := f.FloorPrice(punks)
	assert.ErrorIs(t, err, errs.ErrPriceUnavailable)

	assert.True(t, f.SetFloorPrice(punks, oracle.Price{Value: big.NewInt(100), Sequence: 1}))
	assert.True(t, f.SetFloorPrice(punks, oracle.Price{Value: big.NewInt(40), Sequence: 5}), "gaps are tolerated")
	assert.False(t, f.SetFloorPrice(punks, oracle.Price{Value: big.NewInt(999), Sequence: 5}))
	assert.False(t, f.SetFloorPrice(punks, oracle.Price{Value: big.NewInt(999), Sequence: 2}))

	v, err := f.FloorPrice(punks)
	require.NoError(t, err)
	assert.Equal(t, int64(40), v.Int64())
}

func TestAssetPriceMustBePositive(t *testing.T) {
	f := oracle.NewFeed()
	f.SetAssetPrice(punks, oracle.Price{Value: big.NewInt(0), Sequence: 1})

	_, err := f.AssetPrice(punks)
	assert.ErrorIs(t, err, errs.ErrPriceUnavailable)
}

func TestExportRestore(t *testing.T) {
	f := oracle.NewFeed()
	f.SetAssetPrice(punks, oracle.Price{Value: big.NewInt(7), Sequence: 3, UpdatedAt: 10})

	g := oracle.NewFeed()
	g.Restore(f.Export())

	v, err := g.AssetPrice(punks)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int64())
	assert.False(t, g.SetAssetPrice(punks, oracle.Price{Value: big.NewInt(8), Sequence: 3}))
}
