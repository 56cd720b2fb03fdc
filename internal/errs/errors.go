// Package errs defines the classified errors returned by pool operations.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that map failures to transport codes.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindInsufficientLiquidity
	KindInsufficientBalance
	KindInsufficientBid
	KindInsufficientAmount
	KindUndercollateralized
	KindState
	KindExternalTransfer
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindInsufficientLiquidity:
		return "InsufficientLiquidity"
	case KindInsufficientBalance:
		return "InsufficientBalance"
	case KindInsufficientBid:
		return "InsufficientBid"
	case KindInsufficientAmount:
		return "InsufficientAmount"
	case KindUndercollateralized:
		return "Undercollateralized"
	case KindState:
		return "State"
	case KindExternalTransfer:
		return "ExternalTransfer"
	case KindInvariant:
		return "Invariant"
	default:
		return "Unknown"
	}
}

// Error carries a stable machine code next to the human-readable reason.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if inner, ok := e.Err.(*Error); ok && inner.Code == e.Code {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	if e.Err != nil && e.Reason != "" {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by code so copies made with Wrapf compare equal to their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newSentinel(kind Kind, code, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason}
}

var (
	ErrInvalidAmount       = newSentinel(KindValidation, "INVALID_AMOUNT", "amount must be greater than zero")
	ErrIncorrectAsset      = newSentinel(KindValidation, "INCORRECT_ASSET", "asset does not match the borrow")
	ErrIncorrectCollateral = newSentinel(KindValidation, "INCORRECT_COLLATERAL", "collateral does not match the borrow")
	ErrNotWhitelisted      = newSentinel(KindValidation, "COLLATERAL_NOT_WHITELISTED", "collateral is not whitelisted")
	ErrUnknownReserve      = newSentinel(KindValidation, "UNKNOWN_RESERVE", "reserve is not initialized")
	ErrReserveExists       = newSentinel(KindValidation, "RESERVE_ALREADY_INITIALIZED", "reserve is already initialized")
	ErrUnknownBorrow       = newSentinel(KindValidation, "UNKNOWN_BORROW", "borrow does not exist")
	ErrPriceUnavailable    = newSentinel(KindValidation, "PRICE_UNAVAILABLE", "oracle has no price")
	ErrBatchLength         = newSentinel(KindValidation, "BATCH_LENGTH_MISMATCH", "batch arrays differ in length")
	ErrInvalidAddress      = newSentinel(KindValidation, "INVALID_ADDRESS", "address must not be zero")
	ErrInvalidConfig       = newSentinel(KindValidation, "INVALID_CONFIG", "configuration rejected")
	ErrInvalidCommand      = newSentinel(KindValidation, "INVALID_COMMAND", "command is malformed")

	ErrInsufficientLiquidity = newSentinel(KindInsufficientLiquidity, "INSUFFICIENT_LIQUIDITY", "reserve cannot cover the amount")
	ErrInsufficientBalance   = newSentinel(KindInsufficientBalance, "INSUFFICIENT_BALANCE", "position balance is too low")
	ErrInsufficientBid       = newSentinel(KindInsufficientBid, "INSUFFICIENT_BID", "bid is too low")
	ErrInsufficientAmount    = newSentinel(KindInsufficientAmount, "INSUFFICIENT_AMOUNT", "amount does not cover the liquidation fee")
	ErrUndercollateralized   = newSentinel(KindUndercollateralized, "UNDERCOLLATERALIZED", "amount exceeds the borrowing limit")

	ErrAlreadyEscrowed     = newSentinel(KindState, "COLLATERAL_ALREADY_ESCROWED", "collateral secures another borrow")
	ErrBorrowNotActive     = newSentinel(KindState, "BORROW_NOT_ACTIVE", "borrow is not active")
	ErrBorrowNotInDefault  = newSentinel(KindState, "BORROW_NOT_IN_DEFAULT", "borrow is not in default")
	ErrInactiveAuction     = newSentinel(KindState, "INACTIVE_AUCTION", "auction is not running")
	ErrAuctionNotTriggered = newSentinel(KindState, "AUCTION_NOT_TRIGGERED", "auction has not started")
	ErrAuctionStillActive  = newSentinel(KindState, "AUCTION_STILL_ACTIVE", "auction has not ended")
	ErrOverpayment         = newSentinel(KindState, "OVERPAYMENT", "amount exceeds debt plus fee")
	ErrOverRepayment       = newSentinel(KindState, "OVER_REPAYMENT", "amount exceeds outstanding debt")
	ErrInvalidStatusChange = newSentinel(KindState, "INVALID_STATUS_TRANSITION", "status transition not allowed")
	ErrTransferFailed      = newSentinel(KindExternalTransfer, "TRANSFER_FAILED", "external transfer failed")
	ErrInvariant           = newSentinel(KindInvariant, "INVARIANT_VIOLATION", "internal invariant violated")
	ErrTimestampRegression = newSentinel(KindInvariant, "TIMESTAMP_REGRESSION", "timestamp precedes last accrual")
)

// Wrapf returns a copy of sentinel carrying extra context.
func Wrapf(sentinel *Error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:   sentinel.Kind,
		Code:   sentinel.Code,
		Reason: fmt.Sprintf(format, args...),
		Err:    sentinel,
	}
}

// Transfer wraps a ledger failure as an external transfer error.
func Transfer(err error) *Error {
	return &Error{
		Kind:   KindExternalTransfer,
		Code:   ErrTransferFailed.Code,
		Reason: ErrTransferFailed.Reason,
		Err:    err,
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first *Error in err's chain, or "INTERNAL".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}
