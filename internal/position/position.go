// Package position implements the PositionBook component (spec §4.7):
// per-(user, instrument) signed net size with VWAP entry price, a
// position-limit advisory check, and realized-PnL accounting on fills.
// Grounded in the teacher's pkg/app/core/account/manager.go UpdatePosition
// (VWAP/flip/close arithmetic) and CheckMarginRequirement's
// size-vs-MaxPosition check, split out of the account aggregate into its
// own component per spec.md's C6/C7 separation. Locking follows spec §5:
// one mutex per user (not per instrument — a user's positions across
// instruments are touched together often enough, e.g. liquidation sweeps,
// that per-user granularity is the natural unit), plus a separate index
// mutex for the by-instrument non-zero-position set FundingScheduler
// walks (see Open Question resolution in DESIGN.md).
package position

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lanpishu6300/perpcore/internal/calc"
	"github.com/lanpishu6300/perpcore/internal/coreerr"
	"github.com/lanpishu6300/perpcore/internal/fixedpoint"
)

// Position is one (user, instrument) row.
type Position struct {
	NetSize    int64
	EntryPrice int64
	Margin     int64
}

type userPositions struct {
	mu        sync.Mutex
	positions map[string]*Position // instrument -> position
}

// Book maps (user, instrument) -> Position.
type Book struct {
	limit int64 // MaxPosition, shared across instruments served by this Book

	mu    sync.RWMutex
	users map[common.Address]*userPositions

	idxMu sync.RWMutex
	// nonZero indexes instrument -> set of users with a non-zero position,
	// so FundingScheduler can enumerate without a full table scan.
	nonZero map[string]map[common.Address]struct{}
}

// New creates an empty PositionBook. limit is the per-instrument
// MaxPosition bound used by CheckAndCompute.
func New(limit int64) *Book {
	return &Book{
		limit:   limit,
		users:   make(map[common.Address]*userPositions),
		nonZero: make(map[string]map[common.Address]struct{}),
	}
}

func (b *Book) getOrCreateUser(addr common.Address) *userPositions {
	b.mu.RLock()
	u, ok := b.users[addr]
	b.mu.RUnlock()
	if ok {
		return u
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.users[addr]; ok {
		return u
	}
	u = &userPositions{positions: make(map[string]*Position)}
	b.users[addr] = u
	return u
}

func (u *userPositions) get(instrument string) *Position {
	p, ok := u.positions[instrument]
	if !ok {
		p = &Position{}
		u.positions[instrument] = p
	}
	return p
}

// Get returns a copy of one user's position in one instrument. Absent
// positions read as zero.
func (b *Book) Get(addr common.Address, instrument string) Position {
	u := b.getOrCreateUser(addr)
	u.mu.Lock()
	defer u.mu.Unlock()
	return *u.get(instrument)
}

// AllForUser returns a snapshot of every instrument a user holds a
// (possibly zero) position in, keyed by instrument. Used by the
// LiquidationEvaluator, which checks each non-zero position's risk ratio
// separately, and by its Plan to emit one reducing order per position.
func (b *Book) AllForUser(addr common.Address) map[string]Position {
	u := b.getOrCreateUser(addr)
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]Position, len(u.positions))
	for instrument, p := range u.positions {
		out[instrument] = *p
	}
	return out
}

// CheckAndCompute returns the net size that would result from applying a
// signed delta, rejecting (without mutating) if the magnitude would
// exceed the instrument's MaxPosition. This is advisory: Controller calls
// it during admission; the actual mutation happens in ApplyFill during
// the post-match step (spec §4.7).
func (b *Book) CheckAndCompute(addr common.Address, instrument string, delta int64) (int64, error) {
	u := b.getOrCreateUser(addr)
	u.mu.Lock()
	defer u.mu.Unlock()
	p := u.get(instrument)
	wouldBeNet := p.NetSize + delta
	if abs(wouldBeNet) > b.limit {
		return wouldBeNet, fmt.Errorf("%w: position would be %d, limit %d", coreerr.ErrPositionLimit, wouldBeNet, b.limit)
	}
	return wouldBeNet, nil
}

// ApplyFill mutates a user's position for one fill: delta is the signed
// size change (positive for a buy fill, negative for a sell fill), price
// is the fill price, marginDelta is added to the position's Margin (or
// replaces it on a flip; a close zeroes it). Returns realized PnL (zero
// unless the fill reduces or flips the position), mirroring the teacher's
// UpdatePosition branches (same-direction VWAP average, opposite-direction
// reduce/close/flip with realized PnL).
func (b *Book) ApplyFill(addr common.Address, instrument string, delta, price, marginDelta int64) (realizedPnL int64, err error) {
	u := b.getOrCreateUser(addr)
	u.mu.Lock()
	defer u.mu.Unlock()

	p := u.get(instrument)
	oldSize := p.NetSize
	newSize := oldSize + delta

	switch {
	case newSize == 0:
		realizedPnL, err = closingPnL(p.EntryPrice, price, oldSize)
		if err != nil {
			return 0, err
		}
		p.NetSize, p.EntryPrice, p.Margin = 0, 0, 0

	case sameDirection(oldSize, newSize):
		if oldSize == 0 {
			p.EntryPrice = price
		} else {
			avg, werr := weightedEntry(p.EntryPrice, abs(oldSize), price, abs(delta), abs(newSize))
			if werr != nil {
				return 0, werr
			}
			p.EntryPrice = avg
		}
		p.NetSize = newSize
		p.Margin += marginDelta

	default:
		closedSize := abs(oldSize)
		if abs(delta) < closedSize {
			closedSize = abs(delta)
		}
		pnl, cerr := closingPnL(p.EntryPrice, price, signedMagnitude(closedSize, oldSize))
		if cerr != nil {
			return 0, cerr
		}
		realizedPnL = pnl
		p.NetSize = newSize
		if newSize == 0 {
			p.EntryPrice, p.Margin = 0, 0
		} else if flipped(oldSize, newSize) {
			p.EntryPrice = price
			p.Margin = marginDelta
		} else {
			p.Margin += marginDelta
		}
	}

	b.updateIndex(instrument, addr, p.NetSize != 0)
	return realizedPnL, nil
}

func (b *Book) updateIndex(instrument string, addr common.Address, nonZero bool) {
	b.idxMu.Lock()
	defer b.idxMu.Unlock()
	set, ok := b.nonZero[instrument]
	if !ok {
		set = make(map[common.Address]struct{})
		b.nonZero[instrument] = set
	}
	if nonZero {
		set[addr] = struct{}{}
	} else {
		delete(set, addr)
	}
}

// NonZeroUsers returns every user with a non-zero position in an
// instrument — the enumeration FundingScheduler settlement uses.
func (b *Book) NonZeroUsers(instrument string) []common.Address {
	b.idxMu.RLock()
	defer b.idxMu.RUnlock()
	set := b.nonZero[instrument]
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	return out
}

func sameDirection(oldSize, newSize int64) bool {
	return (oldSize >= 0 && newSize >= 0) || (oldSize <= 0 && newSize <= 0)
}

func flipped(oldSize, newSize int64) bool {
	return (oldSize > 0 && newSize < 0) || (oldSize < 0 && newSize > 0)
}

func signedMagnitude(mag, signOf int64) int64 {
	if signOf < 0 {
		return -mag
	}
	return mag
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// closingPnL computes realized PnL for closing a signed quantity of a
// position (size carries the position's sign: positive for long).
func closingPnL(entryPrice, exitPrice, size int64) (int64, error) {
	return calc.PnL(entryPrice, exitPrice, abs(size), size >= 0)
}

// weightedEntry computes the VWAP of an existing entry price and a new
// fill price, weighted by their respective (unsigned) sizes.
func weightedEntry(oldEntry, oldSize, newPrice, addedSize, newTotal int64) (int64, error) {
	oldWeighted, err := fixedpoint.Mul(oldEntry, oldSize, fixedpoint.Scale)
	if err != nil {
		return 0, err
	}
	newWeighted, err := fixedpoint.Mul(newPrice, addedSize, fixedpoint.Scale)
	if err != nil {
		return 0, err
	}
	sum, err := fixedpoint.CheckedAdd(oldWeighted, newWeighted)
	if err != nil {
		return 0, err
	}
	return fixedpoint.Div(sum, newTotal, fixedpoint.Scale)
}
