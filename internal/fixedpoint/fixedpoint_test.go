package fixedpoint

import (
	"errors"
	"testing"

	"github.com/lanpishu6300/perpcore/internal/coreerr"
)

func TestMulBasic(t *testing.T) {
	got, err := Mul(3*Scale, 2*Scale, Scale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 6*Scale {
		t.Fatalf("3*2 scaled = %d, want %d", got, 6*Scale)
	}
}

func TestMulNegative(t *testing.T) {
	got, err := Mul(-3*Scale, 2*Scale, Scale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != -6*Scale {
		t.Fatalf("-3*2 scaled = %d, want %d", got, -6*Scale)
	}
}

func TestMulOverflow(t *testing.T) {
	_, err := Mul(1<<62, 1<<62, 1)
	if !errors.Is(err, coreerr.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestDivBasic(t *testing.T) {
	got, err := Div(6*Scale, 2*Scale, Scale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 3*Scale {
		t.Fatalf("6/2 scaled = %d, want %d", got, 3*Scale)
	}
}

func TestDivByZero(t *testing.T) {
	_, err := Div(Scale, 0, Scale)
	if !errors.Is(err, coreerr.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestCheckedAddOverflow(t *testing.T) {
	_, err := CheckedAdd(9223372036854775807, 1)
	if !errors.Is(err, coreerr.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestCheckedSubOverflow(t *testing.T) {
	_, err := CheckedSub(-9223372036854775808, 1)
	if !errors.Is(err, coreerr.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestFromScaledRoundTrip(t *testing.T) {
	v := ToScaled(1.234, Scale)
	f := FromScaled(v, Scale)
	if f < 1.2339 || f > 1.2341 {
		t.Fatalf("round trip drifted: got %f", f)
	}
}
