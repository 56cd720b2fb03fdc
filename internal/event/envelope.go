package event

import (
	"time"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeBorrow
	EventTypeBatchBorrow
	EventTypeRepay
	EventTypeBid
	EventTypeRedeem
	EventTypeLiquidate
	EventTypeInitReserve
	EventTypeSetInterestRateStrategy
	EventTypeSetLiquidationThreshold
	EventTypeSetAuctionDuration
	EventTypeUpdateWhitelist
	EventTypeAssetPriceUpdate
	EventTypeFloorPriceUpdate
	EventTypeAssetTransfer
	EventTypeCollateralTransfer
)

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Upstream source used for ordering ("api" is exempt)
	Source string

	// Reserve context (nil for events not bound to one reserve)
	ReserveKey *string

	// Logical timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// JSON-encoded domain event, empty when rejected
	Outcome []byte

	// Rejected commands are logged so replay reproduces them
	Rejected  bool
	ErrorCode string

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all inbound payloads implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Source returns the upstream partition for sequence validation
	Source() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OccurredAt is the versioned input timestamp
	OccurredAt() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdraw:
		return "Withdraw"
	case EventTypeBorrow:
		return "Borrow"
	case EventTypeBatchBorrow:
		return "BatchBorrow"
	case EventTypeRepay:
		return "Repay"
	case EventTypeBid:
		return "Bid"
	case EventTypeRedeem:
		return "Redeem"
	case EventTypeLiquidate:
		return "Liquidate"
	case EventTypeInitReserve:
		return "InitReserve"
	case EventTypeSetInterestRateStrategy:
		return "SetInterestRateStrategy"
	case EventTypeSetLiquidationThreshold:
		return "SetLiquidationThreshold"
	case EventTypeSetAuctionDuration:
		return "SetAuctionDuration"
	case EventTypeUpdateWhitelist:
		return "UpdateWhitelist"
	case EventTypeAssetPriceUpdate:
		return "AssetPriceUpdate"
	case EventTypeFloorPriceUpdate:
		return "FloorPriceUpdate"
	case EventTypeAssetTransfer:
		return "AssetTransfer"
	case EventTypeCollateralTransfer:
		return "CollateralTransfer"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeDeposit; et <= EventTypeCollateralTransfer; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

// IsAdmin reports whether the command changes pool configuration.
func (et EventType) IsAdmin() bool {
	return et >= EventTypeInitReserve && et <= EventTypeUpdateWhitelist
}

// IsOracle reports whether the command is a price feed update.
func (et EventType) IsOracle() bool {
	return et == EventTypeAssetPriceUpdate || et == EventTypeFloorPriceUpdate
}
