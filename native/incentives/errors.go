package incentives

import "errors"

var (
	// ErrArithmeticOverflow aborts any computation whose 256-bit intermediate
	// would wrap. No state is changed when it is returned.
	ErrArithmeticOverflow = errors.New("incentives: arithmetic overflow")
	// ErrLengthMismatch rejects ConfigureAssets calls whose parallel inputs
	// differ in size.
	ErrLengthMismatch = errors.New("incentives: input length mismatch")
	// ErrUnauthorized is returned when the caller lacks the admin capability
	// or is not the registered claimer for an on-behalf claim.
	ErrUnauthorized = errors.New("incentives: unauthorized")
	// ErrInvalidAddress rejects a zero address where one is required.
	ErrInvalidAddress = errors.New("incentives: address must be set")
	// ErrInvalidAmount rejects nil amounts.
	ErrInvalidAmount = errors.New("incentives: amount must be provided")
	// ErrStalePosition rejects a position report whose sequence is not newer
	// than the last one recorded for the asset.
	ErrStalePosition = errors.New("incentives: stale position report")
	// ErrInvalidPrecision is returned for precisions outside [1, 36].
	ErrInvalidPrecision = errors.New("incentives: precision out of range")

	errNilState         = errors.New("incentives: state not configured")
	errNoBalanceSource  = errors.New("incentives: balance source not configured")
	errSnapshotAhead    = errors.New("incentives: user snapshot ahead of asset index")
	errDebitExceedsFund = errors.New("incentives: debit exceeds unclaimed rewards")
)
