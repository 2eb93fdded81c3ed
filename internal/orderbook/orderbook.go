// Package orderbook implements one instrument's bid/ask sides: ordered
// price levels with FIFO time priority within a level, O(1) best-price
// lookup via a heap, and the match_against walk that MatchingEngine
// drives. The heap-cached-best-price design and FIFO semantics are
// grounded in the teacher's orderbook package; the O(1)-removal doubly
// linked price level is grounded in the wider pack (see DESIGN.md).
package orderbook

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/lanpishu6300/perpcore/internal/calc"
	"github.com/lanpishu6300/perpcore/internal/coreerr"
)

// FillFunc is invoked once per match during match_against. It must
// mutate taker/maker Filled and Status; OrderBook itself only tracks
// level occupancy and removes an exhausted maker from its level.
type FillFunc func(taker, maker *Order, price, qty int64)

type side struct {
	levels map[int64]*priceLevel
	byID   map[string]*Order
	isBuy  bool
	bidH   *maxPriceHeap
	askH   *minPriceHeap
}

func newSide(isBuy bool) *side {
	s := &side{
		levels: make(map[int64]*priceLevel),
		byID:   make(map[string]*Order),
		isBuy:  isBuy,
	}
	if isBuy {
		h := &maxPriceHeap{}
		heap.Init(h)
		s.bidH = h
	} else {
		h := &minPriceHeap{}
		heap.Init(h)
		s.askH = h
	}
	return s
}

func (s *side) bestPrice() (int64, bool) {
	if s.isBuy {
		if s.bidH.Len() == 0 {
			return 0, false
		}
		return s.bidH.peek(), true
	}
	if s.askH.Len() == 0 {
		return 0, false
	}
	return s.askH.peek(), true
}

func (s *side) pushPriceToHeap(price int64) {
	if s.isBuy {
		heap.Push(s.bidH, price)
	} else {
		heap.Push(s.askH, price)
	}
}

func (s *side) removePriceFromHeap(price int64) {
	if s.isBuy {
		for i := 0; i < s.bidH.Len(); i++ {
			if (*s.bidH)[i] == price {
				heap.Remove(s.bidH, i)
				return
			}
		}
		return
	}
	for i := 0; i < s.askH.Len(); i++ {
		if (*s.askH)[i] == price {
			heap.Remove(s.askH, i)
			return
		}
	}
}

func (s *side) levelAt(price int64) *priceLevel {
	return s.levels[price]
}

func (s *side) insert(o *Order) {
	lvl, ok := s.levels[o.Price]
	if !ok {
		lvl = newPriceLevel(o.Price)
		s.levels[o.Price] = lvl
		s.pushPriceToHeap(o.Price)
	}
	lvl.append(o)
	s.byID[o.ID] = o
}

func (s *side) remove(orderID string) (*Order, bool) {
	o, ok := s.byID[orderID]
	if !ok {
		return nil, false
	}
	lvl := s.levels[o.Price]
	lvl.remove(o)
	delete(s.byID, orderID)
	if lvl.empty() {
		delete(s.levels, o.Price)
		s.removePriceFromHeap(o.Price)
	}
	return o, true
}

// cumulativeQtyWithin sums remaining quantity across all levels at
// prices the given taker could legally match, used for FOK pre-checks.
func (s *side) cumulativeQtyWithin(takerPrice int64, takerIsBuy bool) int64 {
	var total int64
	for price, lvl := range s.levels {
		if calc.CanMatch(takerPrice, price, takerIsBuy) {
			total += lvl.totalQty
		}
	}
	return total
}

func (s *side) depth(n int) []PriceLevelSummary {
	prices := make([]int64, 0, len(s.levels))
	for p := range s.levels {
		prices = append(prices, p)
	}
	// Simple selection: good enough for the shallow depths callers ask
	// for (typical n <= 50); avoids pulling in a sort for a tiny slice
	// when the common case is a handful of levels.
	for i := 0; i < len(prices); i++ {
		best := i
		for j := i + 1; j < len(prices); j++ {
			less := prices[j] > prices[best]
			if !s.isBuy {
				less = prices[j] < prices[best]
			}
			if less {
				best = j
			}
		}
		prices[i], prices[best] = prices[best], prices[i]
	}
	out := make([]PriceLevelSummary, 0, n)
	for i, p := range prices {
		if i >= n {
			break
		}
		out = append(out, PriceLevelSummary{Price: p, TotalQty: s.levels[p].totalQty})
	}
	return out
}

// OrderBook holds both sides of one instrument.
type OrderBook struct {
	mu         sync.Mutex
	Instrument string
	bids       *side
	asks       *side
	lastPrice  int64
}

// New creates an empty OrderBook for the given instrument.
func New(instrument string) *OrderBook {
	return &OrderBook{
		Instrument: instrument,
		bids:       newSide(true),
		asks:       newSide(false),
	}
}

func (ob *OrderBook) sideFor(s Side) *side {
	if s == Buy {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) opposite(s Side) *side {
	if s == Buy {
		return ob.asks
	}
	return ob.bids
}

// Insert places a resting order at the tail of its price level. Callers
// must hold no expectation of matching — Insert never matches, it only
// rests; MatchingEngine calls MatchAgainst first.
func (ob *OrderBook) Insert(o *Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.sideFor(o.Side).insert(o)
}

// Remove cancels a resting order by ID, returning it if found.
func (ob *OrderBook) Remove(orderID string, s Side) (*Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.sideFor(s).remove(orderID)
}

// BestPrice returns the best price on the given side, if any.
func (ob *OrderBook) BestPrice(s Side) (int64, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.sideFor(s).bestPrice()
}

// Depth returns up to n price levels on the given side, best price
// first.
func (ob *OrderBook) Depth(s Side, n int) []PriceLevelSummary {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.sideFor(s).depth(n)
}

// LastPrice returns the most recent execution price, or 0 if none yet.
func (ob *OrderBook) LastPrice() int64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.lastPrice
}

// MidPrice returns the average of best bid and best ask, or 0 if either
// side is empty.
func (ob *OrderBook) MidPrice() int64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	bid, okB := ob.bids.bestPrice()
	ask, okA := ob.asks.bestPrice()
	if !okB || !okA {
		return 0
	}
	return (bid + ask) / 2
}

// MatchAgainst walks the opposite side of the book against taker,
// invoking fill for every match, per spec §4.3/§4.4:
//   - FOK pre-checks cumulative matchable quantity and rejects without
//     mutation if it falls short of taker's quantity.
//   - PostOnly rejects without mutation if any immediate match would
//     occur.
//   - Market/Limit/IOC all walk levels while CanMatch holds and both
//     sides have remaining quantity; self-trades are skipped (maker
//     cancelled) when selfTradePrevention is set.
//
// Resting the taker's remainder (for Limit/PostOnly) is the caller's
// responsibility — MatchAgainst only matches and never inserts.
func (ob *OrderBook) MatchAgainst(taker *Order, selfTradePrevention bool, fill FillFunc) ([]Fill, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	opp := ob.opposite(taker.Side)
	takerIsBuy := taker.Side == Buy

	if taker.Type == FOK {
		if opp.cumulativeQtyWithin(taker.Price, takerIsBuy) < taker.Remaining() {
			return nil, coreerr.ErrFokUnfillable
		}
	}
	if taker.Type == PostOnly {
		if bp, ok := opp.bestPrice(); ok && calc.CanMatch(taker.Price, bp, takerIsBuy) {
			return nil, coreerr.ErrPostOnlyWouldCross
		}
	}

	var fills []Fill
	for taker.Remaining() > 0 {
		bestPrice, ok := opp.bestPrice()
		if !ok {
			break
		}
		if !calc.CanMatch(taker.Price, bestPrice, takerIsBuy) {
			break
		}
		lvl := opp.levelAt(bestPrice)
		maker := lvl.front()
		if maker == nil {
			delete(opp.levels, bestPrice)
			opp.removePriceFromHeap(bestPrice)
			continue
		}
		if selfTradePrevention && maker.UserID == taker.UserID {
			lvl.remove(maker)
			delete(opp.byID, maker.ID)
			maker.Status = Cancelled
			if lvl.empty() {
				delete(opp.levels, bestPrice)
				opp.removePriceFromHeap(bestPrice)
			}
			continue
		}
		qty := calc.TradeQty(taker.Remaining(), maker.Remaining())
		if qty <= 0 {
			return nil, fmt.Errorf("internal error: zero-quantity trade computed")
		}
		price := calc.TradePrice(maker.Price)

		beforeMakerRem := maker.Remaining()
		fill(taker, maker, price, qty)
		afterMakerRem := maker.Remaining()
		lvl.adjustQty(afterMakerRem - beforeMakerRem)

		ob.lastPrice = price
		fills = append(fills, Fill{
			TakerOrderID: taker.ID,
			MakerOrderID: maker.ID,
			TakerUserID:  taker.UserID,
			MakerUserID:  maker.UserID,
			Price:        price,
			Qty:          qty,
			TakerIsBuy:   takerIsBuy,
		})

		if maker.Remaining() == 0 {
			lvl.remove(maker)
			delete(opp.byID, maker.ID)
			if lvl.empty() {
				delete(opp.levels, bestPrice)
				opp.removePriceFromHeap(bestPrice)
			}
		}
	}
	return fills, nil
}
