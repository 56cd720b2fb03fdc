package event

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	fpmath "NFTLend/internal/math"
	"NFTLend/internal/reserve"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SourceAPI marks commands submitted through the RPC surface. They carry
// no upstream sequence.
const SourceAPI = "api"

// Header is embedded in every command.
type Header struct {
	RequestID uuid.UUID `json:"request_id"`
	Origin    string    `json:"source,omitempty"`
	Sequence  int64     `json:"source_sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (h Header) IdempotencyKey() string { return h.RequestID.String() }

func (h Header) Source() string {
	if h.Origin == "" {
		return SourceAPI
	}
	return h.Origin
}

func (h Header) SourceSequence() int64 { return h.Sequence }

func (h Header) OccurredAt() time.Time { return h.Timestamp }

// ReserveScoped is implemented by commands bound to one reserve.
type ReserveScoped interface {
	ReserveKey() reserve.Key
}

// ReserveOf returns the reserve key string of cmd, or nil.
func ReserveOf(cmd Command) *string {
	rs, ok := cmd.(ReserveScoped)
	if !ok {
		return nil
	}
	s := rs.ReserveKey().String()
	return &s
}

// --- Pool operations ---

type Deposit struct {
	Header
	Collateral common.Address `json:"collateral"`
	Asset      common.Address `json:"asset"`
	Amount     *big.Int       `json:"amount"`
	OnBehalfOf common.Address `json:"on_behalf_of"`
	Initiator  common.Address `json:"initiator"`
	Referral   uint16         `json:"referral"`
}

func (c *Deposit) EventType() EventType { return EventTypeDeposit }
func (c *Deposit) ReserveKey() reserve.Key {
	return reserve.Key{Collateral: c.Collateral, Asset: c.Asset}
}

type Withdraw struct {
	Header
	Collateral common.Address `json:"collateral"`
	Asset      common.Address `json:"asset"`
	Amount     *big.Int       `json:"amount"`
	To         common.Address `json:"to"`
	Initiator  common.Address `json:"initiator"`
}

func (c *Withdraw) EventType() EventType { return EventTypeWithdraw }
func (c *Withdraw) ReserveKey() reserve.Key {
	return reserve.Key{Collateral: c.Collateral, Asset: c.Asset}
}

type Borrow struct {
	Header
	Asset      common.Address `json:"asset"`
	Amount     *big.Int       `json:"amount"`
	Collateral common.Address `json:"collateral"`
	TokenID    *big.Int       `json:"token_id"`
	OnBehalfOf common.Address `json:"on_behalf_of"`
	Initiator  common.Address `json:"initiator"`
	Referral   uint16         `json:"referral"`
}

func (c *Borrow) EventType() EventType { return EventTypeBorrow }
func (c *Borrow) ReserveKey() reserve.Key {
	return reserve.Key{Collateral: c.Collateral, Asset: c.Asset}
}

// BatchBorrow takes parallel arrays; entry i borrows Amounts[i] of Assets[i]
// against TokenIDs[i] of Collaterals[i].
type BatchBorrow struct {
	Header
	Assets      []common.Address `json:"assets"`
	Amounts     []*big.Int       `json:"amounts"`
	Collaterals []common.Address `json:"collaterals"`
	TokenIDs    []*big.Int       `json:"token_ids"`
	OnBehalfOf  common.Address   `json:"on_behalf_of"`
	Initiator   common.Address   `json:"initiator"`
	Referral    uint16           `json:"referral"`
}

func (c *BatchBorrow) EventType() EventType { return EventTypeBatchBorrow }

type Repay struct {
	Header
	Collateral common.Address `json:"collateral"`
	Asset      common.Address `json:"asset"`
	Amount     *big.Int       `json:"amount"`
	BorrowID   common.Hash    `json:"borrow_id"`
	Initiator  common.Address `json:"initiator"`
}

func (c *Repay) EventType() EventType { return EventTypeRepay }
func (c *Repay) ReserveKey() reserve.Key {
	return reserve.Key{Collateral: c.Collateral, Asset: c.Asset}
}

type Bid struct {
	Header
	Asset    common.Address `json:"asset"`
	Amount   *big.Int       `json:"amount"`
	BorrowID common.Hash    `json:"borrow_id"`
	Bidder   common.Address `json:"bidder"`
}

func (c *Bid) EventType() EventType { return EventTypeBid }

type Redeem struct {
	Header
	Collateral common.Address `json:"collateral"`
	Asset      common.Address `json:"asset"`
	Amount     *big.Int       `json:"amount"`
	BorrowID   common.Hash    `json:"borrow_id"`
	Initiator  common.Address `json:"initiator"`
}

func (c *Redeem) EventType() EventType { return EventTypeRedeem }
func (c *Redeem) ReserveKey() reserve.Key {
	return reserve.Key{Collateral: c.Collateral, Asset: c.Asset}
}

type Liquidate struct {
	Header
	Collateral common.Address `json:"collateral"`
	Asset      common.Address `json:"asset"`
	BorrowID   common.Hash    `json:"borrow_id"`
	Initiator  common.Address `json:"initiator"`
}

func (c *Liquidate) EventType() EventType { return EventTypeLiquidate }
func (c *Liquidate) ReserveKey() reserve.Key {
	return reserve.Key{Collateral: c.Collateral, Asset: c.Asset}
}

// --- Admin ---

type InitReserve struct {
	Header
	Collateral       common.Address      `json:"collateral"`
	Asset            common.Address      `json:"asset"`
	Decimals         uint8               `json:"decimals"`
	ReserveFactorBps uint64              `json:"reserve_factor_bps"`
	Strategy         fpmath.RateStrategy `json:"strategy"`
}

func (c *InitReserve) EventType() EventType { return EventTypeInitReserve }
func (c *InitReserve) ReserveKey() reserve.Key {
	return reserve.Key{Collateral: c.Collateral, Asset: c.Asset}
}

// SetInterestRateStrategy replaces a reserve's strategy. A nil
// ReserveFactorBps keeps the current reserve factor.
type SetInterestRateStrategy struct {
	Header
	Collateral       common.Address      `json:"collateral"`
	Asset            common.Address      `json:"asset"`
	Strategy         fpmath.RateStrategy `json:"strategy"`
	ReserveFactorBps *uint64             `json:"reserve_factor_bps,omitempty"`
}

func (c *SetInterestRateStrategy) EventType() EventType { return EventTypeSetInterestRateStrategy }
func (c *SetInterestRateStrategy) ReserveKey() reserve.Key {
	return reserve.Key{Collateral: c.Collateral, Asset: c.Asset}
}

type SetLiquidationThreshold struct {
	Header
	Collateral   common.Address `json:"collateral"`
	ThresholdBps uint64         `json:"threshold_bps"`
}

func (c *SetLiquidationThreshold) EventType() EventType { return EventTypeSetLiquidationThreshold }

type SetAuctionDuration struct {
	Header
	Seconds int64 `json:"seconds"`
}

func (c *SetAuctionDuration) EventType() EventType { return EventTypeSetAuctionDuration }

type UpdateWhitelist struct {
	Header
	Collateral  common.Address `json:"collateral"`
	Whitelisted bool           `json:"whitelisted"`
}

func (c *UpdateWhitelist) EventType() EventType { return EventTypeUpdateWhitelist }

// --- Oracle ---

// AssetPriceUpdate carries a wad price of an asset. Sequence is the per-feed
// price sequence; gaps are tolerated.
type AssetPriceUpdate struct {
	Header
	Asset common.Address `json:"asset"`
	Price *big.Int       `json:"price"`
}

func (c *AssetPriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("asset:%s:price:%d", c.Asset.Hex(), c.Sequence)
}

func (c *AssetPriceUpdate) EventType() EventType { return EventTypeAssetPriceUpdate }

// Feed is the price partition of the update.
func (c *AssetPriceUpdate) Feed() string { return "asset:" + c.Asset.Hex() }

// FloorPriceUpdate carries a wad floor price of an NFT collection.
type FloorPriceUpdate struct {
	Header
	Collection common.Address `json:"collection"`
	Price      *big.Int       `json:"price"`
}

func (c *FloorPriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("floor:%s:price:%d", c.Collection.Hex(), c.Sequence)
}

func (c *FloorPriceUpdate) EventType() EventType { return EventTypeFloorPriceUpdate }

func (c *FloorPriceUpdate) Feed() string { return "floor:" + c.Collection.Hex() }

// --- Bridging ---

// Direction of a bridging transfer relative to the service.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

func (d Direction) Valid() bool { return d == DirectionIn || d == DirectionOut }

// AssetTransfer moves a fungible asset between the outside world and an
// account held by the service.
type AssetTransfer struct {
	Header
	Asset     common.Address `json:"asset"`
	Account   common.Address `json:"account"`
	Amount    *big.Int       `json:"amount"`
	Direction Direction      `json:"direction"`
}

func (c *AssetTransfer) EventType() EventType { return EventTypeAssetTransfer }

// CollateralTransfer moves an NFT into or out of custody.
type CollateralTransfer struct {
	Header
	Collection common.Address `json:"collection"`
	TokenID    *big.Int       `json:"token_id"`
	Account    common.Address `json:"account"`
	Direction  Direction      `json:"direction"`
}

func (c *CollateralTransfer) EventType() EventType { return EventTypeCollateralTransfer }

// NewCommand returns an empty command of the given type.
func NewCommand(et EventType) (Command, error) {
	switch et {
	case EventTypeDeposit:
		return &Deposit{}, nil
	case EventTypeWithdraw:
		return &Withdraw{}, nil
	case EventTypeBorrow:
		return &Borrow{}, nil
	case EventTypeBatchBorrow:
		return &BatchBorrow{}, nil
	case EventTypeRepay:
		return &Repay{}, nil
	case EventTypeBid:
		return &Bid{}, nil
	case EventTypeRedeem:
		return &Redeem{}, nil
	case EventTypeLiquidate:
		return &Liquidate{}, nil
	case EventTypeInitReserve:
		return &InitReserve{}, nil
	case EventTypeSetInterestRateStrategy:
		return &SetInterestRateStrategy{}, nil
	case EventTypeSetLiquidationThreshold:
		return &SetLiquidationThreshold{}, nil
	case EventTypeSetAuctionDuration:
		return &SetAuctionDuration{}, nil
	case EventTypeUpdateWhitelist:
		return &UpdateWhitelist{}, nil
	case EventTypeAssetPriceUpdate:
		return &AssetPriceUpdate{}, nil
	case EventTypeFloorPriceUpdate:
		return &FloorPriceUpdate{}, nil
	case EventTypeAssetTransfer:
		return &AssetTransfer{}, nil
	case EventTypeCollateralTransfer:
		return &CollateralTransfer{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// DecodeCommand rebuilds a command from its logged payload.
func DecodeCommand(et EventType, payload []byte) (Command, error) {
	cmd, err := NewCommand(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return cmd, nil
}
