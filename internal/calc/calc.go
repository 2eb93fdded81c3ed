// Package calc holds the pure, deterministic functions every other
// component builds its decisions on: match predicates, trade pricing,
// PnL, margin, liquidation price, funding payment, and the sequence-key
// math that gives the order book its total order. Every function here
// depends only on its arguments — no clock, no RNG, no floating point —
// so that two replays of the same event log reach bit-identical state.
package calc

import "github.com/lanpishu6300/perpcore/internal/fixedpoint"

// MaxPrice bounds the price domain used by SortKey's bid transform. It
// must exceed any legal price so that (MaxPrice - price) stays
// non-negative for every admitted order.
const MaxPrice uint64 = 1 << 62

// CanMatch reports whether a taker at takerPrice may trade against a
// maker at makerPrice. A takerPrice of 0 denotes a market order, which
// always matches.
func CanMatch(takerPrice, makerPrice int64, takerIsBuy bool) bool {
	if takerPrice == 0 {
		return true
	}
	if takerIsBuy {
		return takerPrice >= makerPrice
	}
	return takerPrice <= makerPrice
}

// TradePrice returns the execution price of a match: the resting
// (maker) order's price, per price-time priority.
func TradePrice(makerPrice int64) int64 {
	return makerPrice
}

// TradeQty returns the quantity a match executes: the smaller of the
// taker's and maker's remaining quantity.
func TradeQty(takerRemaining, makerRemaining int64) int64 {
	if takerRemaining < makerRemaining {
		return takerRemaining
	}
	return makerRemaining
}

// PnL computes unrealized or realized profit/loss for a position of the
// given signed size moving from entry to current price.
func PnL(entry, current, size int64, isLong bool) (int64, error) {
	delta := current - entry
	if !isLong {
		delta = -delta
	}
	return fixedpoint.Mul(delta, size, fixedpoint.Scale)
}

// RequiredMargin returns the margin needed to hold a position of the
// given price and quantity at marginBps basis points (e.g. 200 bps for
// 50x leverage), following notional*bps/10000.
func RequiredMargin(price, qty, marginBps int64) (int64, error) {
	notional, err := fixedpoint.Mul(price, qty, fixedpoint.Scale)
	if err != nil {
		return 0, err
	}
	scaled, err := fixedpoint.Mul(notional, marginBps, 10000)
	if err != nil {
		return 0, err
	}
	return scaled, nil
}

// LiquidationPrice returns the mark price at which a position reaches
// its maintenance margin threshold: entry*(10000-maintBps)/10000 for a
// long, entry*(10000+maintBps)/10000 for a short.
func LiquidationPrice(entry int64, isLong bool, maintBps int64) (int64, error) {
	factor := int64(10000) - maintBps
	if !isLong {
		factor = int64(10000) + maintBps
	}
	return fixedpoint.Mul(entry, factor, 10000)
}

// FundingPayment returns the signed payment a position of the given
// size owes at the given mark price and funding rate (in bps). A
// positive rate means longs pay shorts; the sign convention follows
// size so a long (positive size) paying shows as a negative delta to
// its own balance at the call site.
func FundingPayment(size, mark, rateBps int64) (int64, error) {
	notional, err := fixedpoint.Mul(size, mark, fixedpoint.Scale)
	if err != nil {
		return 0, err
	}
	return fixedpoint.Mul(notional, rateBps, 10000)
}

// SequenceToTimestamp derives a deterministic nanosecond timestamp from
// a sequence number and a base anchor, so replayed events reproduce
// identical timestamps regardless of wall-clock time.
func SequenceToTimestamp(seq uint64, base int64) int64 {
	return base + int64(seq)
}

// SortKey produces the u128-domain (represented as two uint64 words,
// hi then lo) total-order key realizing price-time priority with a
// single comparison: for bids, (MaxPrice-price) in the high word and
// seq in the low word (so higher prices sort first); for asks, price
// in the high word and seq in the low word (so lower prices sort
// first). Two orders at the same price are ordered by ascending seq,
// giving FIFO within a level.
func SortKey(price int64, seq uint64, isBuy bool) (hi, lo uint64) {
	if isBuy {
		return MaxPrice - uint64(price), seq
	}
	return uint64(price), seq
}

// Less reports whether key a sorts before key b under SortKey's
// two-word representation.
func Less(aHi, aLo, bHi, bLo uint64) bool {
	if aHi != bHi {
		return aHi < bHi
	}
	return aLo < bLo
}
