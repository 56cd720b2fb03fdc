package pool

import (
	"NFTLend/internal/errs"
	"NFTLend/internal/event"
	"NFTLend/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

func requireAddress(field string, addrs ...common.Address) error {
	for _, a := range addrs {
		if a == (common.Address{}) {
			return errs.Wrapf(errs.ErrInvalidAddress, "%s", field)
		}
	}
	return nil
}

// Deposit supplies cmd.Amount from the initiator and credits the position
// of cmd.OnBehalfOf.
func (p *Pool) Deposit(now int64, cmd *event.Deposit) (*event.Deposited, error) {
	var out *event.Deposited
	err := p.run("deposit", now, func(t *tx) error {
		if err := requireAddress("initiator and beneficiary", cmd.Initiator, cmd.OnBehalfOf); err != nil {
			return err
		}
		key := cmd.ReserveKey()
		r, err := t.reserve(key)
		if err != nil {
			return err
		}
		if _, err := r.Supply.Deposit(cmd.OnBehalfOf, cmd.Amount); err != nil {
			return err
		}
		if err := t.transfer(key.Asset, cmd.Initiator, key.Account(), cmd.Amount, ledger.JournalTypeSupply); err != nil {
			return err
		}
		r.UpdateRates(t.available(key))

		out = &event.Deposited{
			Reserve:    r.Snapshot(),
			Asset:      key.Asset,
			Collateral: key.Collateral,
			Amount:     cmd.Amount,
			OnBehalfOf: cmd.OnBehalfOf,
			Initiator:  cmd.Initiator,
			Referral:   cmd.Referral,
		}
		return nil
	})
	return out, err
}

// Withdraw redeems cmd.Amount of the initiator's supply position and pays
// it to cmd.To.
func (p *Pool) Withdraw(now int64, cmd *event.Withdraw) (*event.Withdrawn, error) {
	var out *event.Withdrawn
	err := p.run("withdraw", now, func(t *tx) error {
		if err := requireAddress("initiator and recipient", cmd.Initiator, cmd.To); err != nil {
			return err
		}
		key := cmd.ReserveKey()
		r, err := t.reserve(key)
		if err != nil {
			return err
		}
		if _, err := r.Supply.Withdraw(cmd.Initiator, cmd.Amount, t.available(key)); err != nil {
			return err
		}
		if err := t.transfer(key.Asset, key.Account(), cmd.To, cmd.Amount, ledger.JournalTypeWithdraw); err != nil {
			return err
		}
		r.UpdateRates(t.available(key))

		out = &event.Withdrawn{
			Reserve:    r.Snapshot(),
			Asset:      key.Asset,
			Collateral: key.Collateral,
			Amount:     cmd.Amount,
			Initiator:  cmd.Initiator,
			To:         cmd.To,
		}
		return nil
	})
	return out, err
}
