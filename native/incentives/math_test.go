package incentives

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func mustFixedPoint(t *testing.T, precision uint8) FixedPoint {
	t.Helper()
	fp, err := NewFixedPoint(precision)
	if err != nil {
		t.Fatalf("fixed point: %v", err)
	}
	return fp
}

func e18(v uint64) *uint256.Int {
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18))
	return new(uint256.Int).Mul(uint256.NewInt(v), scale)
}

func TestNewFixedPointBounds(t *testing.T) {
	for _, p := range []uint8{0, 37, 255} {
		if _, err := NewFixedPoint(p); !errors.Is(err, ErrInvalidPrecision) {
			t.Fatalf("precision %d: expected ErrInvalidPrecision, got %v", p, err)
		}
	}
	fp := mustFixedPoint(t, 6)
	if fp.Scale().Uint64() != 1_000_000 {
		t.Fatalf("unexpected scale %s", fp.Scale())
	}
	if fp.Precision() != 6 {
		t.Fatalf("unexpected precision %d", fp.Precision())
	}
}

func TestMulDivTruncates(t *testing.T) {
	fp := mustFixedPoint(t, DefaultPrecision)
	got, err := fp.MulDiv(uint256.NewInt(7), uint256.NewInt(1), uint256.NewInt(2))
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if got.Uint64() != 3 {
		t.Fatalf("expected truncation to 3, got %s", got)
	}
	got, err = fp.MulDiv(uint256.NewInt(999), uint256.NewInt(1), uint256.NewInt(1000))
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected dust to round to zero, got %s", got)
	}
}

func TestMulDivZeroDenominator(t *testing.T) {
	fp := mustFixedPoint(t, DefaultPrecision)
	got, err := fp.MulDiv(uint256.NewInt(5), uint256.NewInt(5), new(uint256.Int))
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero, got %s", got)
	}
}

func TestOverflowSurfaces(t *testing.T) {
	fp := mustFixedPoint(t, DefaultPrecision)
	max := new(uint256.Int).SetAllOne()
	if _, err := fp.Mul(max, uint256.NewInt(2)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow on mul, got %v", err)
	}
	if _, err := fp.Add(max, uint256.NewInt(1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow on add, got %v", err)
	}
	if _, err := fp.IndexDelta(max, 2, uint256.NewInt(1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow on index delta, got %v", err)
	}
}

func TestIndexDeltaScenario(t *testing.T) {
	fp := mustFixedPoint(t, DefaultPrecision)
	delta, err := fp.IndexDelta(uint256.NewInt(100), 10, uint256.NewInt(1000))
	if err != nil {
		t.Fatalf("index delta: %v", err)
	}
	if !delta.Eq(e18(1)) {
		t.Fatalf("expected 1e18, got %s", delta)
	}
	reward, err := fp.RewardDelta(uint256.NewInt(500), delta, new(uint256.Int))
	if err != nil {
		t.Fatalf("reward delta: %v", err)
	}
	if reward.Uint64() != 500 {
		t.Fatalf("expected 500, got %s", reward)
	}
}

func TestRewardDeltaRejectsSnapshotAhead(t *testing.T) {
	fp := mustFixedPoint(t, DefaultPrecision)
	if _, err := fp.RewardDelta(uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(2)); !errors.Is(err, errSnapshotAhead) {
		t.Fatalf("expected errSnapshotAhead, got %v", err)
	}
}
