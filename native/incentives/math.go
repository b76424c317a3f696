package incentives

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// DefaultPrecision is the decimal precision used for indices and emission
	// rates unless the ledger is constructed with another value.
	DefaultPrecision uint8 = 18
	// maxPrecision keeps 10^p comfortably inside 256 bits with room for the
	// emission*elapsed product.
	maxPrecision uint8 = 36
)

// FixedPoint performs scaled-integer arithmetic at a fixed decimal precision.
// Every division truncates toward zero; dust stays with the protocol.
type FixedPoint struct {
	precision uint8
	scale     *uint256.Int
}

// NewFixedPoint returns the helper for 10^precision.
func NewFixedPoint(precision uint8) (FixedPoint, error) {
	if precision == 0 || precision > maxPrecision {
		return FixedPoint{}, fmt.Errorf("%w: %d", ErrInvalidPrecision, precision)
	}
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(precision)))
	return FixedPoint{precision: precision, scale: scale}, nil
}

// Precision returns the configured number of decimals.
func (f FixedPoint) Precision() uint8 { return f.precision }

// Scale returns a copy of 10^precision.
func (f FixedPoint) Scale() *uint256.Int {
	if f.scale == nil {
		return uint256.NewInt(1)
	}
	return new(uint256.Int).Set(f.scale)
}

// Mul returns a*b, surfacing ErrArithmeticOverflow instead of wrapping.
func (f FixedPoint) Mul(a, b *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(orZero(a), orZero(b))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return product, nil
}

// Add returns a+b, surfacing ErrArithmeticOverflow instead of wrapping.
func (f FixedPoint) Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(orZero(a), orZero(b))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return sum, nil
}

// MulDiv computes floor(a*b/denom). A zero denominator yields zero; callers
// short-circuit that case before reaching here.
func (f FixedPoint) MulDiv(a, b, denom *uint256.Int) (*uint256.Int, error) {
	product, err := f.Mul(a, b)
	if err != nil {
		return nil, err
	}
	if denom == nil || denom.IsZero() {
		return new(uint256.Int), nil
	}
	return product.Div(product, denom), nil
}

// IndexDelta returns emission*elapsed*scale/supply.
func (f FixedPoint) IndexDelta(emission *uint256.Int, elapsed uint64, supply *uint256.Int) (*uint256.Int, error) {
	emitted, err := f.Mul(emission, uint256.NewInt(elapsed))
	if err != nil {
		return nil, err
	}
	return f.MulDiv(emitted, f.Scale(), supply)
}

// RewardDelta returns balance*(assetIndex-userIndex)/scale. The caller
// guarantees assetIndex >= userIndex.
func (f FixedPoint) RewardDelta(balance, assetIndex, userIndex *uint256.Int) (*uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(orZero(assetIndex), orZero(userIndex))
	if underflow {
		return nil, errSnapshotAhead
	}
	return f.MulDiv(balance, diff, f.Scale())
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func minInt(a, b *uint256.Int) *uint256.Int {
	if orZero(a).Lt(orZero(b)) {
		return cloneInt(a)
	}
	return cloneInt(b)
}
