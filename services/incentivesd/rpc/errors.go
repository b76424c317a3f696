package rpc

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"rewardsledger/native/incentives"
)

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, errInvalidArgument),
		errors.Is(err, incentives.ErrLengthMismatch),
		errors.Is(err, incentives.ErrInvalidAddress),
		errors.Is(err, incentives.ErrInvalidAmount):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, incentives.ErrUnauthorized):
		return status.Errorf(codes.PermissionDenied, "unauthorized")
	case errors.Is(err, incentives.ErrArithmeticOverflow):
		return status.Errorf(codes.OutOfRange, "arithmetic overflow")
	case errors.Is(err, incentives.ErrStalePosition):
		return status.Errorf(codes.Aborted, "stale position report")
	default:
		return status.Errorf(codes.Internal, "internal error")
	}
}
