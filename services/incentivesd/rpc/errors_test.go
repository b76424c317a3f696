package rpc

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"rewardsledger/native/incentives"
)

func TestToStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		message string
	}{
		{
			name:    "unauthorized",
			err:     fmt.Errorf("wrap: %w", incentives.ErrUnauthorized),
			code:    codes.PermissionDenied,
			message: "unauthorized",
		},
		{
			name:    "overflow",
			err:     fmt.Errorf("wrap: %w", incentives.ErrArithmeticOverflow),
			code:    codes.OutOfRange,
			message: "arithmetic overflow",
		},
		{
			name:    "stale position",
			err:     fmt.Errorf("wrap: %w", incentives.ErrStalePosition),
			code:    codes.Aborted,
			message: "stale position report",
		},
		{
			name:    "length mismatch",
			err:     incentives.ErrLengthMismatch,
			code:    codes.InvalidArgument,
			message: incentives.ErrLengthMismatch.Error(),
		},
		{
			name:    "malformed payload",
			err:     fmt.Errorf("%w: user: bad checksum", errInvalidArgument),
			code:    codes.InvalidArgument,
			message: "invalid argument: user: bad checksum",
		},
		{
			name:    "unknown",
			err:     errors.New("disk on fire"),
			code:    codes.Internal,
			message: "internal error",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st, ok := status.FromError(toStatus(tc.err))
			if !ok {
				t.Fatalf("expected grpc status error")
			}
			if st.Code() != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, st.Code())
			}
			if st.Message() != tc.message {
				t.Fatalf("expected message %q, got %q", tc.message, st.Message())
			}
		})
	}

	if toStatus(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	passthrough := status.Error(codes.Unauthenticated, "missing principal")
	if toStatus(passthrough) != passthrough {
		t.Fatalf("expected status errors to pass through")
	}
}
