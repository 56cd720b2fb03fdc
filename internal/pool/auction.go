package pool

import (
	"math/big"

	"NFTLend/internal/auction"
	"NFTLend/internal/collateral"
	"NFTLend/internal/errs"
	"NFTLend/internal/event"
	"NFTLend/internal/ledger"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/reserve"

	"github.com/ethereum/go-ethereum/common"
)

// Bid places a bid on a borrow in default. The first bid opens the auction;
// later bids must beat the current one, which is refunded. Bids are held by
// the collateral manager until the auction settles.
func (p *Pool) Bid(now int64, cmd *event.Bid) (*event.BidPlaced, error) {
	var out *event.BidPlaced
	err := p.run("bid", now, func(t *tx) error {
		if err := requireAddress("bidder", cmd.Bidder); err != nil {
			return err
		}
		b, err := t.p.registry.Get(cmd.BorrowID)
		if err != nil {
			return err
		}
		if b.Asset != cmd.Asset {
			return errs.Wrapf(errs.ErrIncorrectAsset, "borrow %s is in %s", b.ID.Hex(), b.Asset.Hex())
		}
		key := reserve.Key{Collateral: b.Collateral, Asset: b.Asset}
		r, err := t.reserve(key)
		if err != nil {
			return err
		}
		threshold, floor, err := t.valuation(r, b.Collateral)
		if err != nil {
			return err
		}

		plan, err := t.fees.Bid(b, auction.BidInput{
			Bidder:        cmd.Bidder,
			Amount:        cmd.Amount,
			RealDebt:      realDebt(r, b),
			MaxBorrowable: collateral.MaxBorrowable(floor, threshold),
		})
		if err != nil {
			return err
		}
		if plan.First {
			err = t.p.registry.StartAuction(b.ID, cmd.Bidder, cmd.Amount, t.now)
		} else {
			err = t.p.registry.ReplaceBid(b.ID, cmd.Bidder, cmd.Amount)
		}
		if err != nil {
			return err
		}

		escrow := t.settings.CollateralManager
		if err := t.transfer(b.Asset, cmd.Bidder, escrow, cmd.Amount, ledger.JournalTypeBidEscrow); err != nil {
			return err
		}
		if !plan.First {
			if err := t.transfer(b.Asset, escrow, plan.PreviousBidder, plan.Refund, ledger.JournalTypeBidRefund); err != nil {
				return err
			}
		}

		updated, err := t.p.registry.Get(b.ID)
		if err != nil {
			return err
		}
		previous := new(big.Int)
		if plan.Refund != nil {
			previous = plan.Refund
		}
		out = &event.BidPlaced{
			Reserve:        r.Snapshot(),
			BorrowID:       b.ID,
			Asset:          b.Asset,
			Amount:         cmd.Amount,
			Bidder:         cmd.Bidder,
			PreviousBidder: plan.PreviousBidder,
			PreviousBid:    previous,
			Borrow:         updated,
		}
		return nil
	})
	return out, err
}

// Redeem pays down a borrow under auction. The liquidation fee goes to the
// auction caller. Paying debt plus fee in full closes the borrow, returns
// the NFT to the borrower and refunds the highest bidder; a smaller amount
// reduces the debt and leaves the auction running.
func (p *Pool) Redeem(now int64, cmd *event.Redeem) (*event.Redeemed, error) {
	var out *event.Redeemed
	err := p.run("redeem", now, func(t *tx) error {
		if err := requireAddress("initiator", cmd.Initiator); err != nil {
			return err
		}
		b, err := t.p.registry.Get(cmd.BorrowID)
		if err != nil {
			return err
		}
		key := reserve.Key{Collateral: b.Collateral, Asset: b.Asset}
		r, err := t.reserve(key)
		if err != nil {
			return err
		}
		plan, err := t.fees.Redeem(b, auction.RedeemInput{
			Collateral: cmd.Collateral,
			Asset:      cmd.Asset,
			Amount:     cmd.Amount,
			RealDebt:   realDebt(r, b),
		})
		if err != nil {
			return err
		}

		index := r.Index().VariableBorrowIndex
		if plan.Full {
			if err := r.Debt.DecreaseScaled(b.Borrower, b.ScaledDebt); err != nil {
				return err
			}
			if _, err := t.p.registry.Close(b.ID, collateral.StatusRepaid, t.now); err != nil {
				return err
			}
		} else {
			scaled := fpmath.Min(fpmath.RayDiv(plan.Repayment, index), b.ScaledDebt)
			if err := r.Debt.DecreaseScaled(b.Borrower, scaled); err != nil {
				return err
			}
			remaining := fpmath.RayMul(new(big.Int).Sub(b.ScaledDebt, scaled), index)
			if err := t.p.registry.ReduceDebt(b.ID, scaled, remaining, t.now); err != nil {
				return err
			}
		}

		escrow := t.settings.CollateralManager
		if err := t.transfer(b.Asset, cmd.Initiator, key.Account(), plan.Repayment, ledger.JournalTypeRedeem); err != nil {
			return err
		}
		if err := t.transfer(b.Asset, cmd.Initiator, b.Auction.Caller, plan.Fee, ledger.JournalTypeRedeemFee); err != nil {
			return err
		}
		if plan.Full {
			if err := t.transfer(b.Asset, escrow, b.Auction.Bidder, b.Auction.Bid, ledger.JournalTypeBidRefund); err != nil {
				return err
			}
			if err := t.moveNFT(b.Collateral, b.TokenID, escrow, b.Borrower); err != nil {
				return err
			}
		}
		r.UpdateRates(t.available(key))

		updated, err := t.p.registry.Get(b.ID)
		if err != nil {
			return err
		}
		out = &event.Redeemed{
			Reserve:       r.Snapshot(),
			BorrowID:      b.ID,
			Asset:         b.Asset,
			Amount:        cmd.Amount,
			Fee:           plan.Fee,
			Redeemer:      cmd.Initiator,
			FullyRedeemed: plan.Full,
			Borrow:        updated,
		}
		return nil
	})
	return out, err
}

// Liquidate settles an auction whose grace period has passed. The winning
// bid pays the caller reward, the treasury fee and the debt; the rest goes
// to the borrower and any uncovered debt is written off.
func (p *Pool) Liquidate(now int64, cmd *event.Liquidate) (*event.Liquidated, error) {
	var out *event.Liquidated
	err := p.run("liquidate", now, func(t *tx) error {
		if err := requireAddress("initiator", cmd.Initiator); err != nil {
			return err
		}
		b, err := t.p.registry.Get(cmd.BorrowID)
		if err != nil {
			return err
		}
		key := reserve.Key{Collateral: b.Collateral, Asset: b.Asset}
		r, err := t.reserve(key)
		if err != nil {
			return err
		}
		plan, err := t.fees.Liquidate(b, auction.LiquidateInput{
			Collateral: cmd.Collateral,
			Asset:      cmd.Asset,
			RealDebt:   realDebt(r, b),
			Now:        t.now,
		})
		if err != nil {
			return err
		}

		if err := r.Debt.DecreaseScaled(b.Borrower, b.ScaledDebt); err != nil {
			return err
		}
		if _, err := t.p.registry.Close(b.ID, collateral.StatusLiquidated, t.now); err != nil {
			return err
		}

		escrow := t.settings.CollateralManager
		payouts := []struct {
			to     common.Address
			amount *big.Int
			kind   ledger.JournalType
		}{
			{cmd.Initiator, plan.CallerReward, ledger.JournalTypeLiquidationReward},
			{t.settings.Treasury, plan.TreasuryFee, ledger.JournalTypeTreasuryFee},
			{key.Account(), plan.Repayment, ledger.JournalTypeLiquidationRepay},
			{b.Borrower, plan.BorrowerProceeds, ledger.JournalTypeBorrowerProceeds},
		}
		for _, po := range payouts {
			if err := t.transfer(b.Asset, escrow, po.to, po.amount, po.kind); err != nil {
				return err
			}
		}
		if err := t.moveNFT(b.Collateral, b.TokenID, escrow, plan.Winner); err != nil {
			return err
		}
		r.UpdateRates(t.available(key))

		if plan.BadDebt.Sign() > 0 {
			t.p.log.Warn().Str("borrow_id", b.ID.Hex()).Str("reserve", key.String()).
				Str("bad_debt", plan.BadDebt.String()).Msg("liquidation left bad debt")
		}

		updated, err := t.p.registry.Get(b.ID)
		if err != nil {
			return err
		}
		out = &event.Liquidated{
			Reserve:          r.Snapshot(),
			BorrowID:         b.ID,
			Asset:            b.Asset,
			Caller:           cmd.Initiator,
			Bidder:           plan.Winner,
			Bid:              plan.Bid,
			CallerReward:     plan.CallerReward,
			TreasuryFee:      plan.TreasuryFee,
			Repayment:        plan.Repayment,
			BorrowerProceeds: plan.BorrowerProceeds,
			BadDebt:          plan.BadDebt,
			Borrow:           updated,
		}
		return nil
	})
	return out, err
}
