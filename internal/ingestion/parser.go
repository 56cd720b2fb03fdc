package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"NFTLend/internal/config"
	"NFTLend/internal/errs"
	"NFTLend/internal/event"
	fpmath "NFTLend/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// DefaultDecimals applies to assets no reserve declares.
const DefaultDecimals = uint8(18)

// DecimalsFunc returns the decimals of an asset.
type DecimalsFunc func(asset common.Address) (uint8, bool)

// DecimalsFromGenesis builds a DecimalsFunc from the configured reserves.
func DecimalsFromGenesis(reserves []config.GenesisReserve) DecimalsFunc {
	m := make(map[common.Address]uint8, len(reserves))
	for _, r := range reserves {
		m[r.Key.Asset] = r.Params.Decimals
	}
	return func(asset common.Address) (uint8, bool) {
		d, ok := m[asset]
		return d, ok
	}
}

// Parser converts the JSON wire format into typed commands. Amounts are
// human decimals in the asset's units, prices are decimals in the common
// quote unit and rate parameters are decimal fractions.
type Parser struct {
	decimals DecimalsFunc
}

func NewParser(decimals DecimalsFunc) *Parser {
	if decimals == nil {
		decimals = func(common.Address) (uint8, bool) { return 0, false }
	}
	return &Parser{decimals: decimals}
}

// ParseRawEvent decodes a message received from NATS.
func (p *Parser) ParseRawEvent(raw RawEvent) (event.Command, error) {
	return p.Parse(raw.EventType, raw.Data, raw.Timestamp)
}

// Parse decodes data as a command of type et. received stamps commands
// that carry no timestamp of their own.
func (p *Parser) Parse(et event.EventType, data []byte, received time.Time) (event.Command, error) {
	var h headerJSON
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, invalid("%s: %v", et, err)
	}
	header, err := h.header(received)
	if err != nil {
		return nil, invalid("%s: %v", et, err)
	}

	var cmd event.Command
	switch et {
	case event.EventTypeDeposit:
		cmd, err = p.parseDeposit(header, data)
	case event.EventTypeWithdraw:
		cmd, err = p.parseWithdraw(header, data)
	case event.EventTypeBorrow:
		cmd, err = p.parseBorrow(header, data)
	case event.EventTypeBatchBorrow:
		cmd, err = p.parseBatchBorrow(header, data)
	case event.EventTypeRepay:
		cmd, err = p.parseRepay(header, data)
	case event.EventTypeBid:
		cmd, err = p.parseBid(header, data)
	case event.EventTypeRedeem:
		cmd, err = p.parseRedeem(header, data)
	case event.EventTypeLiquidate:
		cmd, err = parseLiquidate(header, data)
	case event.EventTypeInitReserve:
		cmd, err = parseInitReserve(header, data)
	case event.EventTypeSetInterestRateStrategy:
		cmd, err = parseSetInterestRateStrategy(header, data)
	case event.EventTypeSetLiquidationThreshold:
		cmd, err = parseSetLiquidationThreshold(header, data)
	case event.EventTypeSetAuctionDuration:
		cmd, err = parseSetAuctionDuration(header, data)
	case event.EventTypeUpdateWhitelist:
		cmd, err = parseUpdateWhitelist(header, data)
	case event.EventTypeAssetPriceUpdate:
		cmd, err = parseAssetPrice(header, data)
	case event.EventTypeFloorPriceUpdate:
		cmd, err = parseFloorPrice(header, data)
	case event.EventTypeAssetTransfer:
		cmd, err = p.parseAssetTransfer(header, data)
	case event.EventTypeCollateralTransfer:
		cmd, err = parseCollateralTransfer(header, data)
	default:
		return nil, invalid("unknown event type %d", et)
	}
	if err != nil {
		return nil, invalid("%s: %v", et, err)
	}
	return cmd, nil
}

func invalid(format string, args ...interface{}) error {
	return errs.Wrapf(errs.ErrInvalidCommand, format, args...)
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type headerJSON struct {
	RequestID      string `json:"request_id"`
	Source         string `json:"source"`
	SourceSequence int64  `json:"source_sequence"`
	Timestamp      int64  `json:"timestamp"` // unix seconds, 0 = receive time
}

func (h headerJSON) header(received time.Time) (event.Header, error) {
	id, err := uuid.Parse(h.RequestID)
	if err != nil {
		return event.Header{}, fmt.Errorf("parse request_id: %w", err)
	}
	if h.SourceSequence < 0 {
		return event.Header{}, fmt.Errorf("negative source_sequence")
	}
	ts := received
	if h.Timestamp > 0 {
		ts = time.Unix(h.Timestamp, 0)
	}
	return event.Header{
		RequestID: id,
		Origin:    h.Source,
		Sequence:  h.SourceSequence,
		Timestamp: ts.UTC(),
	}, nil
}

func address(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", field, s)
	}
	return common.HexToAddress(s), nil
}

// optionalAddress returns fallback when s is empty.
func optionalAddress(field, s string, fallback common.Address) (common.Address, error) {
	if s == "" {
		return fallback, nil
	}
	return address(field, s)
}

func hash(field, s string) (common.Hash, error) {
	b := strings.TrimPrefix(s, "0x")
	if len(b) != 64 {
		return common.Hash{}, fmt.Errorf("%s %q is not a 32-byte hash", field, s)
	}
	return common.HexToHash(s), nil
}

func tokenID(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s %q is not a token id", field, s)
	}
	return v, nil
}

func (p *Parser) units(field, s string, asset common.Address) (*big.Int, error) {
	decimals, ok := p.decimals(asset)
	if !ok {
		decimals = DefaultDecimals
	}
	v, err := fpmath.ParseUnits(s, decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func wad(field, s string) (*big.Int, error) {
	v, err := fpmath.ParseWad(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

type depositJSON struct {
	Collateral string `json:"collateral"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Initiator  string `json:"initiator"`
	OnBehalfOf string `json:"on_behalf_of"`
	Referral   uint16 `json:"referral"`
}

func (p *Parser) parseDeposit(h event.Header, data []byte) (*event.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.Deposit{Header: h, Referral: j.Referral}
	var err error
	if c.Collateral, err = address("collateral", j.Collateral); err != nil {
		return nil, err
	}
	if c.Asset, err = address("asset", j.Asset); err != nil {
		return nil, err
	}
	if c.Initiator, err = address("initiator", j.Initiator); err != nil {
		return nil, err
	}
	if c.OnBehalfOf, err = optionalAddress("on_behalf_of", j.OnBehalfOf, c.Initiator); err != nil {
		return nil, err
	}
	if c.Amount, err = p.units("amount", j.Amount, c.Asset); err != nil {
		return nil, err
	}
	return c, nil
}

type withdrawJSON struct {
	Collateral string `json:"collateral"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Initiator  string `json:"initiator"`
	To         string `json:"to"`
}

func (p *Parser) parseWithdraw(h event.Header, data []byte) (*event.Withdraw, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.Withdraw{Header: h}
	var err error
	if c.Collateral, err = address("collateral", j.Collateral); err != nil {
		return nil, err
	}
	if c.Asset, err = address("asset", j.Asset); err != nil {
		return nil, err
	}
	if c.Initiator, err = address("initiator", j.Initiator); err != nil {
		return nil, err
	}
	if c.To, err = optionalAddress("to", j.To, c.Initiator); err != nil {
		return nil, err
	}
	if c.Amount, err = p.units("amount", j.Amount, c.Asset); err != nil {
		return nil, err
	}
	return c, nil
}

type borrowJSON struct {
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Collateral string `json:"collateral"`
	TokenID    string `json:"token_id"`
	Initiator  string `json:"initiator"`
	OnBehalfOf string `json:"on_behalf_of"`
	Referral   uint16 `json:"referral"`
}

func (p *Parser) parseBorrow(h event.Header, data []byte) (*event.Borrow, error) {
	var j borrowJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.Borrow{Header: h, Referral: j.Referral}
	var err error
	if c.Asset, err = address("asset", j.Asset); err != nil {
		return nil, err
	}
	if c.Collateral, err = address("collateral", j.Collateral); err != nil {
		return nil, err
	}
	if c.TokenID, err = tokenID("token_id", j.TokenID); err != nil {
		return nil, err
	}
	if c.Initiator, err = address("initiator", j.Initiator); err != nil {
		return nil, err
	}
	if c.OnBehalfOf, err = optionalAddress("on_behalf_of", j.OnBehalfOf, c.Initiator); err != nil {
		return nil, err
	}
	if c.Amount, err = p.units("amount", j.Amount, c.Asset); err != nil {
		return nil, err
	}
	return c, nil
}

type batchBorrowJSON struct {
	Assets      []string `json:"assets"`
	Amounts     []string `json:"amounts"`
	Collaterals []string `json:"collaterals"`
	TokenIDs    []string `json:"token_ids"`
	Initiator   string   `json:"initiator"`
	OnBehalfOf  string   `json:"on_behalf_of"`
	Referral    uint16   `json:"referral"`
}

// parseBatchBorrow keeps the arrays parallel as given. A length mismatch is
// left for the pool to reject so the command is still logged.
func (p *Parser) parseBatchBorrow(h event.Header, data []byte) (*event.BatchBorrow, error) {
	var j batchBorrowJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.BatchBorrow{Header: h, Referral: j.Referral}
	var err error
	if c.Initiator, err = address("initiator", j.Initiator); err != nil {
		return nil, err
	}
	if c.OnBehalfOf, err = optionalAddress("on_behalf_of", j.OnBehalfOf, c.Initiator); err != nil {
		return nil, err
	}
	for i, s := range j.Assets {
		a, err := address(fmt.Sprintf("assets[%d]", i), s)
		if err != nil {
			return nil, err
		}
		c.Assets = append(c.Assets, a)
	}
	for i, s := range j.Collaterals {
		a, err := address(fmt.Sprintf("collaterals[%d]", i), s)
		if err != nil {
			return nil, err
		}
		c.Collaterals = append(c.Collaterals, a)
	}
	for i, s := range j.TokenIDs {
		id, err := tokenID(fmt.Sprintf("token_ids[%d]", i), s)
		if err != nil {
			return nil, err
		}
		c.TokenIDs = append(c.TokenIDs, id)
	}
	for i, s := range j.Amounts {
		// amounts are scaled by the matching asset when there is one
		asset := common.Address{}
		if i < len(c.Assets) {
			asset = c.Assets[i]
		}
		v, err := p.units(fmt.Sprintf("amounts[%d]", i), s, asset)
		if err != nil {
			return nil, err
		}
		c.Amounts = append(c.Amounts, v)
	}
	return c, nil
}

type repayJSON struct {
	Collateral string `json:"collateral"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	BorrowID   string `json:"borrow_id"`
	Initiator  string `json:"initiator"`
}

func (p *Parser) parseRepay(h event.Header, data []byte) (*event.Repay, error) {
	var j repayJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.Repay{Header: h}
	var err error
	if c.Collateral, err = address("collateral", j.Collateral); err != nil {
		return nil, err
	}
	if c.Asset, err = address("asset", j.Asset); err != nil {
		return nil, err
	}
	if c.BorrowID, err = hash("borrow_id", j.BorrowID); err != nil {
		return nil, err
	}
	if c.Initiator, err = address("initiator", j.Initiator); err != nil {
		return nil, err
	}
	if c.Amount, err = p.units("amount", j.Amount, c.Asset); err != nil {
		return nil, err
	}
	return c, nil
}

type bidJSON struct {
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	BorrowID string `json:"borrow_id"`
	Bidder   string `json:"bidder"`
}

func (p *Parser) parseBid(h event.Header, data []byte) (*event.Bid, error) {
	var j bidJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.Bid{Header: h}
	var err error
	if c.Asset, err = address("asset", j.Asset); err != nil {
		return nil, err
	}
	if c.BorrowID, err = hash("borrow_id", j.BorrowID); err != nil {
		return nil, err
	}
	if c.Bidder, err = address("bidder", j.Bidder); err != nil {
		return nil, err
	}
	if c.Amount, err = p.units("amount", j.Amount, c.Asset); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Parser) parseRedeem(h event.Header, data []byte) (*event.Redeem, error) {
	var j repayJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.Redeem{Header: h}
	var err error
	if c.Collateral, err = address("collateral", j.Collateral); err != nil {
		return nil, err
	}
	if c.Asset, err = address("asset", j.Asset); err != nil {
		return nil, err
	}
	if c.BorrowID, err = hash("borrow_id", j.BorrowID); err != nil {
		return nil, err
	}
	if c.Initiator, err = address("initiator", j.Initiator); err != nil {
		return nil, err
	}
	if c.Amount, err = p.units("amount", j.Amount, c.Asset); err != nil {
		return nil, err
	}
	return c, nil
}

type liquidateJSON struct {
	Collateral string `json:"collateral"`
	Asset      string `json:"asset"`
	BorrowID   string `json:"borrow_id"`
	Initiator  string `json:"initiator"`
}

func parseLiquidate(h event.Header, data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.Liquidate{Header: h}
	var err error
	if c.Collateral, err = address("collateral", j.Collateral); err != nil {
		return nil, err
	}
	if c.Asset, err = address("asset", j.Asset); err != nil {
		return nil, err
	}
	if c.BorrowID, err = hash("borrow_id", j.BorrowID); err != nil {
		return nil, err
	}
	if c.Initiator, err = address("initiator", j.Initiator); err != nil {
		return nil, err
	}
	return c, nil
}

// strategyJSON matches the [reserves.strategy] table of the config file.
type strategyJSON struct {
	OptimalUtilization     string `json:"optimal_utilization"`
	BaseVariableBorrowRate string `json:"base_variable_borrow_rate"`
	VariableRateSlope1     string `json:"variable_rate_slope1"`
	VariableRateSlope2     string `json:"variable_rate_slope2"`
}

func (s strategyJSON) parse() (fpmath.RateStrategy, error) {
	return config.ParseStrategy(s.OptimalUtilization, s.BaseVariableBorrowRate, s.VariableRateSlope1, s.VariableRateSlope2)
}

type initReserveJSON struct {
	Collateral       string       `json:"collateral"`
	Asset            string       `json:"asset"`
	Decimals         uint8        `json:"decimals"`
	ReserveFactorBps uint64       `json:"reserve_factor_bps"`
	Strategy         strategyJSON `json:"strategy"`
}

func parseInitReserve(h event.Header, data []byte) (*event.InitReserve, error) {
	var j initReserveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.InitReserve{Header: h, Decimals: j.Decimals, ReserveFactorBps: j.ReserveFactorBps}
	var err error
	if c.Collateral, err = address("collateral", j.Collateral); err != nil {
		return nil, err
	}
	if c.Asset, err = address("asset", j.Asset); err != nil {
		return nil, err
	}
	if c.Strategy, err = j.Strategy.parse(); err != nil {
		return nil, err
	}
	return c, nil
}

type setStrategyJSON struct {
	Collateral       string       `json:"collateral"`
	Asset            string       `json:"asset"`
	Strategy         strategyJSON `json:"strategy"`
	ReserveFactorBps *uint64      `json:"reserve_factor_bps"`
}

func parseSetInterestRateStrategy(h event.Header, data []byte) (*event.SetInterestRateStrategy, error) {
	var j setStrategyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.SetInterestRateStrategy{Header: h, ReserveFactorBps: j.ReserveFactorBps}
	var err error
	if c.Collateral, err = address("collateral", j.Collateral); err != nil {
		return nil, err
	}
	if c.Asset, err = address("asset", j.Asset); err != nil {
		return nil, err
	}
	if c.Strategy, err = j.Strategy.parse(); err != nil {
		return nil, err
	}
	return c, nil
}

type thresholdJSON struct {
	Collateral   string `json:"collateral"`
	ThresholdBps uint64 `json:"threshold_bps"`
}

func parseSetLiquidationThreshold(h event.Header, data []byte) (*event.SetLiquidationThreshold, error) {
	var j thresholdJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.SetLiquidationThreshold{Header: h, ThresholdBps: j.ThresholdBps}
	var err error
	if c.Collateral, err = address("collateral", j.Collateral); err != nil {
		return nil, err
	}
	return c, nil
}

type auctionDurationJSON struct {
	Seconds  int64  `json:"seconds"`
	Duration string `json:"duration"` // alternative form, e.g. "24h"
}

func parseSetAuctionDuration(h event.Header, data []byte) (*event.SetAuctionDuration, error) {
	var j auctionDurationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	seconds := j.Seconds
	if j.Duration != "" {
		d, err := time.ParseDuration(j.Duration)
		if err != nil {
			return nil, fmt.Errorf("duration: %w", err)
		}
		seconds = int64(d / time.Second)
	}
	return &event.SetAuctionDuration{Header: h, Seconds: seconds}, nil
}

type whitelistJSON struct {
	Collateral  string `json:"collateral"`
	Whitelisted bool   `json:"whitelisted"`
}

func parseUpdateWhitelist(h event.Header, data []byte) (*event.UpdateWhitelist, error) {
	var j whitelistJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.UpdateWhitelist{Header: h, Whitelisted: j.Whitelisted}
	var err error
	if c.Collateral, err = address("collateral", j.Collateral); err != nil {
		return nil, err
	}
	return c, nil
}

type assetPriceJSON struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
}

func parseAssetPrice(h event.Header, data []byte) (*event.AssetPriceUpdate, error) {
	var j assetPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.AssetPriceUpdate{Header: h}
	var err error
	if c.Asset, err = address("asset", j.Asset); err != nil {
		return nil, err
	}
	if c.Price, err = wad("price", j.Price); err != nil {
		return nil, err
	}
	return c, nil
}

type floorPriceJSON struct {
	Collection string `json:"collection"`
	Price      string `json:"price"`
}

func parseFloorPrice(h event.Header, data []byte) (*event.FloorPriceUpdate, error) {
	var j floorPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.FloorPriceUpdate{Header: h}
	var err error
	if c.Collection, err = address("collection", j.Collection); err != nil {
		return nil, err
	}
	if c.Price, err = wad("price", j.Price); err != nil {
		return nil, err
	}
	return c, nil
}

type assetTransferJSON struct {
	Asset     string `json:"asset"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
}

func (p *Parser) parseAssetTransfer(h event.Header, data []byte) (*event.AssetTransfer, error) {
	var j assetTransferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.AssetTransfer{Header: h, Direction: event.Direction(j.Direction)}
	if !c.Direction.Valid() {
		return nil, fmt.Errorf("direction %q must be in or out", j.Direction)
	}
	var err error
	if c.Asset, err = address("asset", j.Asset); err != nil {
		return nil, err
	}
	if c.Account, err = address("account", j.Account); err != nil {
		return nil, err
	}
	if c.Amount, err = p.units("amount", j.Amount, c.Asset); err != nil {
		return nil, err
	}
	return c, nil
}

type collateralTransferJSON struct {
	Collection string `json:"collection"`
	TokenID    string `json:"token_id"`
	Account    string `json:"account"`
	Direction  string `json:"direction"`
}

func parseCollateralTransfer(h event.Header, data []byte) (*event.CollateralTransfer, error) {
	var j collateralTransferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	c := &event.CollateralTransfer{Header: h, Direction: event.Direction(j.Direction)}
	if !c.Direction.Valid() {
		return nil, fmt.Errorf("direction %q must be in or out", j.Direction)
	}
	var err error
	if c.Collection, err = address("collection", j.Collection); err != nil {
		return nil, err
	}
	if c.TokenID, err = tokenID("token_id", j.TokenID); err != nil {
		return nil, err
	}
	if c.Account, err = address("account", j.Account); err != nil {
		return nil, err
	}
	return c, nil
}
