package server

import (
	"context"
	"errors"

	"NFTLend/internal/core"
	"NFTLend/internal/errs"
	"NFTLend/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// codeOf maps an error kind to the gRPC status code returned to callers.
func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, core.ErrOutOfSequence):
		return codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}

	switch errs.KindOf(err) {
	case errs.KindValidation:
		return codes.InvalidArgument
	case errs.KindInsufficientLiquidity, errs.KindInsufficientBalance,
		errs.KindInsufficientBid, errs.KindInsufficientAmount, errs.KindUndercollateralized,
		errs.KindState:
		return codes.FailedPrecondition
	case errs.KindExternalTransfer:
		return codes.Aborted
	case errs.KindInvariant:
		return codes.Internal
	}
	return codes.Unknown
}

// toStatus converts err into a status error. Domain errors already lead
// with their stable code.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}
