package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"NFTLend/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapfMatchesSentinel(t *testing.T) {
	err := errs.Wrapf(errs.ErrInsufficientBid, "bid %d below floor %d", 60, 63)

	require.ErrorIs(t, err, errs.ErrInsufficientBid)
	assert.NotErrorIs(t, err, errs.ErrOverpayment)
	assert.Equal(t, errs.KindInsufficientBid, errs.KindOf(err))
	assert.Equal(t, "INSUFFICIENT_BID", errs.CodeOf(err))
	assert.Equal(t, "INSUFFICIENT_BID: bid 60 below floor 63", err.Error())
}

func TestKindSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("borrow: %w", errs.ErrUndercollateralized)

	assert.Equal(t, errs.KindUndercollateralized, errs.KindOf(err))
	assert.Equal(t, "UNDERCOLLATERALIZED", errs.CodeOf(err))
}

func TestTransferWrapsCause(t *testing.T) {
	cause := errors.New("insufficient wallet balance")
	err := errs.Transfer(cause)

	assert.ErrorIs(t, err, errs.ErrTransferFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, errs.KindExternalTransfer, errs.KindOf(err))
}

func TestUnclassifiedError(t *testing.T) {
	err := errors.New("boom")

	assert.Equal(t, errs.KindUnknown, errs.KindOf(err))
	assert.Equal(t, "INTERNAL", errs.CodeOf(err))
	assert.Equal(t, "Unknown", errs.KindOf(err).String())
}
