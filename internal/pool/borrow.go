package pool

import (
	"fmt"
	"math/big"

	"NFTLend/internal/collateral"
	"NFTLend/internal/errs"
	"NFTLend/internal/event"
	"NFTLend/internal/ledger"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/reserve"

	"github.com/ethereum/go-ethereum/common"
)

type borrowArgs struct {
	asset      common.Address
	amount     *big.Int
	collection common.Address
	tokenID    *big.Int
	onBehalfOf common.Address
	initiator  common.Address
	referral   uint16
}

// Borrow escrows an NFT, or tops up the borrow it already secures, and pays
// the borrowed amount to the initiator.
func (p *Pool) Borrow(now int64, cmd *event.Borrow) (*event.Borrowed, error) {
	var out *event.Borrowed
	err := p.run("borrow", now, func(t *tx) error {
		var err error
		out, err = t.borrow(borrowArgs{
			asset:      cmd.Asset,
			amount:     cmd.Amount,
			collection: cmd.Collateral,
			tokenID:    cmd.TokenID,
			onBehalfOf: cmd.OnBehalfOf,
			initiator:  cmd.Initiator,
			referral:   cmd.Referral,
		})
		return err
	})
	return out, err
}

// BatchBorrow runs several borrows as one operation: either every entry
// succeeds or none does.
func (p *Pool) BatchBorrow(now int64, cmd *event.BatchBorrow) (*event.BatchBorrowed, error) {
	var out *event.BatchBorrowed
	err := p.run("batch_borrow", now, func(t *tx) error {
		n := len(cmd.Assets)
		if n == 0 {
			return errs.Wrapf(errs.ErrBatchLength, "empty batch")
		}
		if len(cmd.Amounts) != n || len(cmd.Collaterals) != n || len(cmd.TokenIDs) != n {
			return errs.Wrapf(errs.ErrBatchLength, "assets=%d amounts=%d collaterals=%d token_ids=%d",
				n, len(cmd.Amounts), len(cmd.Collaterals), len(cmd.TokenIDs))
		}

		res := &event.BatchBorrowed{Borrows: make([]*event.Borrowed, 0, n)}
		for i := 0; i < n; i++ {
			b, err := t.borrow(borrowArgs{
				asset:      cmd.Assets[i],
				amount:     cmd.Amounts[i],
				collection: cmd.Collaterals[i],
				tokenID:    cmd.TokenIDs[i],
				onBehalfOf: cmd.OnBehalfOf,
				initiator:  cmd.Initiator,
				referral:   cmd.Referral,
			})
			if err != nil {
				return fmt.Errorf("batch entry %d: %w", i, err)
			}
			res.Borrows = append(res.Borrows, b)
		}
		out = res
		return nil
	})
	return out, err
}

func (t *tx) borrow(a borrowArgs) (*event.Borrowed, error) {
	if err := requireAddress("initiator and borrower", a.initiator, a.onBehalfOf); err != nil {
		return nil, err
	}
	if a.tokenID == nil || a.tokenID.Sign() < 0 {
		return nil, errs.Wrapf(errs.ErrInvalidAmount, "token id is required")
	}
	key := reserve.Key{Collateral: a.collection, Asset: a.asset}
	r, err := t.reserve(key)
	if err != nil {
		return nil, err
	}

	c := t.settings.Collateral(a.collection)
	if !c.Whitelisted {
		return nil, errs.Wrapf(errs.ErrNotWhitelisted, "collection %s", a.collection.Hex())
	}
	if a.amount == nil || a.amount.Sign() <= 0 {
		return nil, errs.ErrInvalidAmount
	}
	_, floor, err := t.valuation(r, a.collection)
	if err != nil {
		return nil, err
	}

	b, fresh, err := t.p.registry.Open(collateral.OpenParams{
		Borrower:    a.onBehalfOf,
		Collateral:  a.collection,
		TokenID:     a.tokenID,
		Asset:       a.asset,
		Amount:      a.amount,
		FloorValue:  floor,
		BorrowIndex: r.Index().VariableBorrowIndex,
		Terms:       collateral.Terms{Whitelisted: c.Whitelisted, LiquidationThresholdBps: c.LiquidationThresholdBps},
		Now:         t.now,
	})
	if err != nil {
		return nil, err
	}

	if available := t.available(key); a.amount.Cmp(available) > 0 {
		return nil, errs.Wrapf(errs.ErrInsufficientLiquidity, "borrow %s exceeds available %s", a.amount, available)
	}
	scaled, err := r.Debt.Increase(a.onBehalfOf, a.amount)
	if err != nil {
		return nil, err
	}
	if err := t.p.registry.AddDebt(b.ID, scaled); err != nil {
		return nil, err
	}

	if fresh {
		if err := t.moveNFT(a.collection, a.tokenID, a.initiator, t.settings.CollateralManager); err != nil {
			return nil, err
		}
	}
	if err := t.transfer(a.asset, key.Account(), a.initiator, a.amount, ledger.JournalTypeBorrow); err != nil {
		return nil, err
	}
	r.UpdateRates(t.available(key))

	updated, err := t.p.registry.Get(b.ID)
	if err != nil {
		return nil, err
	}
	return &event.Borrowed{
		Reserve:    r.Snapshot(),
		Asset:      a.asset,
		Amount:     a.amount,
		Collateral: a.collection,
		TokenID:    a.tokenID,
		Borrower:   a.onBehalfOf,
		Initiator:  a.initiator,
		BorrowID:   b.ID,
		Referral:   a.referral,
		TopUp:      !fresh,
		Borrow:     updated,
	}, nil
}

// Repay pays down an Active borrow. Amounts above the outstanding debt are
// not taken. A full repayment returns the NFT to the borrower.
func (p *Pool) Repay(now int64, cmd *event.Repay) (*event.Repaid, error) {
	var out *event.Repaid
	err := p.run("repay", now, func(t *tx) error {
		if err := requireAddress("initiator", cmd.Initiator); err != nil {
			return err
		}
		if cmd.Amount == nil || cmd.Amount.Sign() <= 0 {
			return errs.ErrInvalidAmount
		}
		b, err := t.p.registry.Get(cmd.BorrowID)
		if err != nil {
			return err
		}
		if b.Asset != cmd.Asset {
			return errs.Wrapf(errs.ErrIncorrectAsset, "borrow %s is in %s", b.ID.Hex(), b.Asset.Hex())
		}
		if b.Collateral != cmd.Collateral {
			return errs.Wrapf(errs.ErrIncorrectCollateral, "borrow %s is secured by %s", b.ID.Hex(), b.Collateral.Hex())
		}
		if b.Status != collateral.StatusActive {
			return errs.Wrapf(errs.ErrBorrowNotActive, "borrow %s is %s", b.ID.Hex(), b.Status)
		}

		key := reserve.Key{Collateral: b.Collateral, Asset: b.Asset}
		r, err := t.reserve(key)
		if err != nil {
			return err
		}
		debt := realDebt(r, b)
		pay := fpmath.Min(cmd.Amount, debt)
		index := r.Index().VariableBorrowIndex
		scaled := fpmath.RayDiv(pay, index)
		full := pay.Cmp(debt) == 0 || scaled.Cmp(b.ScaledDebt) >= 0

		if full {
			if err := r.Debt.DecreaseScaled(b.Borrower, b.ScaledDebt); err != nil {
				return err
			}
			if _, err := t.p.registry.Close(b.ID, collateral.StatusRepaid, t.now); err != nil {
				return err
			}
		} else {
			if err := r.Debt.DecreaseScaled(b.Borrower, scaled); err != nil {
				return err
			}
			remaining := fpmath.RayMul(new(big.Int).Sub(b.ScaledDebt, scaled), index)
			if err := t.p.registry.ReduceDebt(b.ID, scaled, remaining, t.now); err != nil {
				return err
			}
		}

		if err := t.transfer(b.Asset, cmd.Initiator, key.Account(), pay, ledger.JournalTypeRepay); err != nil {
			return err
		}
		if full {
			if err := t.moveNFT(b.Collateral, b.TokenID, t.settings.CollateralManager, b.Borrower); err != nil {
				return err
			}
		}
		r.UpdateRates(t.available(key))

		updated, err := t.p.registry.Get(b.ID)
		if err != nil {
			return err
		}
		out = &event.Repaid{
			Reserve:     r.Snapshot(),
			BorrowID:    b.ID,
			Asset:       b.Asset,
			Amount:      pay,
			Borrower:    b.Borrower,
			Payer:       cmd.Initiator,
			FullyRepaid: full,
			Borrow:      updated,
		}
		return nil
	})
	return out, err
}
