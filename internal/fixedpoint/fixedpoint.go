// Package fixedpoint provides the scaled-integer numeric domain shared by
// every other component: prices and quantities are int64 values scaled by
// a fixed factor, multiplied/divided through a 128-bit intermediate so
// overflow is detected rather than silently wrapped. Floating point only
// appears at the very edge, via FromScaled, for human-facing display.
package fixedpoint

import (
	"math/bits"

	"github.com/lanpishu6300/perpcore/internal/coreerr"
)

// Scale is the default scaling factor for both prices and quantities,
// matching spec §3's PRICE_SCALE = QTY_SCALE = 10^9.
const Scale int64 = 1_000_000_000

// ToScaled converts a human-facing float into the scaled integer domain.
// Never used on a hot path; only for constructing test fixtures or
// parsing operator input at the edge.
func ToScaled(v float64, scale int64) int64 {
	return int64(v * float64(scale))
}

// FromScaled converts a scaled integer back into a float64 for display.
// Display-only: never feed the result back into further computation.
func FromScaled(v int64, scale int64) float64 {
	return float64(v) / float64(scale)
}

// Mul computes a*b/scale using a 128-bit intermediate product, returning
// coreerr.ErrOverflow if the result does not fit in int64.
func Mul(a, b, scale int64) (int64, error) {
	if scale == 0 {
		return 0, coreerr.ErrOverflow
	}
	neg := false
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		neg = !neg
		ua = uint64(-a)
	}
	if b < 0 {
		neg = !neg
		ub = uint64(-b)
	}
	hi, lo := bits.Mul64(ua, ub)
	us := uint64(scale)
	if us == 0 {
		return 0, coreerr.ErrOverflow
	}
	// Divide the 128-bit (hi,lo) product by us. bits.Div64 requires
	// hi < us to avoid a 64-bit quotient overflow.
	if hi >= us {
		return 0, coreerr.ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, us)
	if neg {
		if q > uint64(1)<<63 {
			return 0, coreerr.ErrOverflow
		}
		return -int64(q), nil
	}
	if q > uint64(1)<<63-1 {
		return 0, coreerr.ErrOverflow
	}
	return int64(q), nil
}

// Div computes a*scale/b using a 128-bit intermediate, returning
// coreerr.ErrOverflow on overflow or division by zero.
func Div(a, b, scale int64) (int64, error) {
	if b == 0 {
		return 0, coreerr.ErrOverflow
	}
	neg := false
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		neg = !neg
		ua = uint64(-a)
	}
	if b < 0 {
		neg = !neg
		ub = uint64(-b)
	}
	us := uint64(scale)
	hi, lo := bits.Mul64(ua, us)
	if hi >= ub {
		return 0, coreerr.ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, ub)
	if neg {
		if q > uint64(1)<<63 {
			return 0, coreerr.ErrOverflow
		}
		return -int64(q), nil
	}
	if q > uint64(1)<<63-1 {
		return 0, coreerr.ErrOverflow
	}
	return int64(q), nil
}

// CheckedAdd returns a+b, or coreerr.ErrOverflow if the signed addition
// overflows int64.
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, coreerr.ErrOverflow
	}
	return sum, nil
}

// CheckedSub returns a-b, or coreerr.ErrOverflow if the signed
// subtraction overflows int64.
func CheckedSub(a, b int64) (int64, error) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return 0, coreerr.ErrOverflow
	}
	return diff, nil
}
