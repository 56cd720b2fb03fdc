package pool

import (
	"NFTLend/internal/config"
	"NFTLend/internal/errs"
	"NFTLend/internal/event"
	"NFTLend/internal/reserve"

	"github.com/ethereum/go-ethereum/common"
)

// InitReserve creates the reserve lending cmd.Asset against cmd.Collateral.
func (p *Pool) InitReserve(now int64, cmd *event.InitReserve) (*event.ReserveInitialized, error) {
	var out *event.ReserveInitialized
	err := p.run("init_reserve", now, func(t *tx) error {
		if err := requireAddress("collateral and asset", cmd.Collateral, cmd.Asset); err != nil {
			return err
		}
		key := cmd.ReserveKey()
		if _, ok := t.p.reserves[key]; ok {
			return errs.Wrapf(errs.ErrReserveExists, "reserve %s", key)
		}
		r, err := reserve.New(key, reserve.Params{
			Decimals:         cmd.Decimals,
			ReserveFactorBps: cmd.ReserveFactorBps,
			Strategy:         cmd.Strategy.Clone(),
			Treasury:         t.settings.Treasury,
		}, now)
		if err != nil {
			return err
		}
		t.p.reserves[key] = r
		t.p.log.Info().Str("reserve", key.String()).Uint64("reserve_factor_bps", cmd.ReserveFactorBps).Msg("reserve initialized")

		out = &event.ReserveInitialized{Reserve: r.Snapshot(), Params: r.Params()}
		return nil
	})
	return out, err
}

// SetInterestRateStrategy accrues the reserve under its current parameters
// and then installs the new strategy.
func (p *Pool) SetInterestRateStrategy(now int64, cmd *event.SetInterestRateStrategy) (*event.ReserveParamsUpdated, error) {
	var out *event.ReserveParamsUpdated
	err := p.run("set_interest_rate_strategy", now, func(t *tx) error {
		key := cmd.ReserveKey()
		r, err := t.reserve(key)
		if err != nil {
			return err
		}
		params := r.Params()
		params.Strategy = cmd.Strategy.Clone()
		if cmd.ReserveFactorBps != nil {
			params.ReserveFactorBps = *cmd.ReserveFactorBps
		}
		if err := r.SetParams(params); err != nil {
			return err
		}
		r.UpdateRates(t.available(key))

		out = &event.ReserveParamsUpdated{Reserve: r.Snapshot(), Params: r.Params()}
		return nil
	})
	return out, err
}

// SetLiquidationThreshold changes the threshold of a collection. It applies
// to existing borrows from the next valuation on.
func (p *Pool) SetLiquidationThreshold(now int64, cmd *event.SetLiquidationThreshold) (*event.CollateralUpdated, error) {
	return p.updateCollateral("set_liquidation_threshold", now, cmd.Collateral, func(c *config.Collateral) error {
		if cmd.ThresholdBps == 0 {
			return errs.Wrapf(errs.ErrInvalidConfig, "liquidation threshold must be positive")
		}
		c.LiquidationThresholdBps = cmd.ThresholdBps
		return nil
	})
}

// UpdateWhitelist allows or forbids new borrows against a collection.
// Existing borrows keep running.
func (p *Pool) UpdateWhitelist(now int64, cmd *event.UpdateWhitelist) (*event.CollateralUpdated, error) {
	return p.updateCollateral("update_whitelist", now, cmd.Collateral, func(c *config.Collateral) error {
		c.Whitelisted = cmd.Whitelisted
		return nil
	})
}

func (p *Pool) updateCollateral(op string, now int64, addr common.Address, fn func(*config.Collateral) error) (*event.CollateralUpdated, error) {
	var out *event.CollateralUpdated
	err := p.run(op, now, func(t *tx) error {
		if err := requireAddress("collateral", addr); err != nil {
			return err
		}
		var c config.Collateral
		err := t.p.settings.Update(func(s *config.Settings) error {
			c = s.Collaterals[addr]
			if err := fn(&c); err != nil {
				return err
			}
			s.Collaterals[addr] = c
			return nil
		})
		if err != nil {
			return err
		}
		out = &event.CollateralUpdated{
			Collateral:              addr,
			Whitelisted:             c.Whitelisted,
			LiquidationThresholdBps: c.LiquidationThresholdBps,
		}
		return nil
	})
	return out, err
}

// SetAuctionDuration changes the grace period. Running auctions use the new
// value when they are liquidated.
func (p *Pool) SetAuctionDuration(now int64, cmd *event.SetAuctionDuration) (*event.AuctionDurationUpdated, error) {
	var out *event.AuctionDurationUpdated
	err := p.run("set_auction_duration", now, func(t *tx) error {
		err := t.p.settings.Update(func(s *config.Settings) error {
			s.AuctionDuration = cmd.Seconds
			return nil
		})
		if err != nil {
			return err
		}
		out = &event.AuctionDurationUpdated{Seconds: cmd.Seconds}
		return nil
	})
	return out, err
}
