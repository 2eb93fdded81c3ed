// Package matching drives one instrument's OrderBook: validates inbound
// orders against the instrument's Market parameters, walks the book for
// matches, assigns trade sequence numbers, and decides whether an
// unfilled remainder rests or is cancelled based on order type. Exactly
// one goroutine owns an Engine's OrderBook (spec §5's single-writer
// sharding), so Engine itself performs no internal locking beyond what
// OrderBook already does for safe concurrent reads (Depth/BestPrice from
// query paths).
package matching

import (
	"fmt"
	"sync/atomic"

	"github.com/lanpishu6300/perpcore/internal/coreerr"
	"github.com/lanpishu6300/perpcore/internal/market"
	"github.com/lanpishu6300/perpcore/internal/orderbook"
)

// Engine matches orders for a single instrument.
type Engine struct {
	Instrument string
	Market     *market.Market
	Book       *orderbook.OrderBook

	tradeSeq uint64 // monotonic, engine-local trade ordering
}

// New creates an Engine for one instrument.
func New(m *market.Market) *Engine {
	return &Engine{
		Instrument: m.Symbol,
		Market:     m,
		Book:       orderbook.New(m.Symbol),
	}
}

// NextTradeSeq returns the next engine-local trade sequence number.
// This is distinct from the EventLog sequence id: it orders trades
// within one engine's matching loop, while the EventLog id is the
// global, durable logical clock (spec §4.4 point 4).
func (e *Engine) NextTradeSeq() uint64 {
	return atomic.AddUint64(&e.tradeSeq, 1)
}

// Result is what Process returns for one submitted order.
type Result struct {
	Order  *orderbook.Order
	Fills  []orderbook.Fill
	Rested bool
}

// Process validates, matches, and (if applicable) rests the given
// order, per spec §4.4's process(order) contract. Validation failures
// return a typed error without mutating the book.
func (e *Engine) Process(o *orderbook.Order, selfTradePrevention bool) (*Result, error) {
	if err := e.validate(o); err != nil {
		o.Status = orderbook.Rejected
		return nil, err
	}

	fills, err := e.Book.MatchAgainst(o, selfTradePrevention, e.applyFill)
	if err != nil {
		// FokUnfillable / PostOnlyWouldCross: book untouched, reject.
		o.Status = orderbook.Rejected
		return nil, err
	}

	res := &Result{Order: o, Fills: fills}

	if o.Remaining() == 0 {
		o.Status = orderbook.Filled
		return res, nil
	}

	switch o.Type {
	case orderbook.Limit, orderbook.PostOnly:
		if len(fills) > 0 {
			o.Status = orderbook.PartialFilled
		} else {
			o.Status = orderbook.Pending
		}
		e.Book.Insert(o)
		res.Rested = true
	case orderbook.Market, orderbook.IOC, orderbook.FOK:
		o.Status = orderbook.Cancelled
	default:
		return nil, fmt.Errorf("unknown order type %v", o.Type)
	}
	return res, nil
}

// Cancel removes a resting order from the book. Cancelling an already
// terminal order is a typed no-op per spec §8's idempotence law.
func (e *Engine) Cancel(orderID string, side orderbook.Side, userID string) (*orderbook.Order, error) {
	o, ok := e.Book.Remove(orderID, side)
	if !ok {
		return nil, coreerr.ErrNotFound
	}
	if o.UserID != userID {
		// Put it back; a failed ownership check must not mutate state.
		e.Book.Insert(o)
		return nil, coreerr.ErrWrongUser
	}
	if o.IsTerminal() {
		return nil, coreerr.ErrAlreadyTerminal
	}
	o.Status = orderbook.Cancelled
	return o, nil
}

func (e *Engine) applyFill(taker, maker *orderbook.Order, price, qty int64) {
	taker.Filled += qty
	maker.Filled += qty
	if maker.Remaining() == 0 {
		maker.Status = orderbook.Filled
	} else {
		maker.Status = orderbook.PartialFilled
	}
}

func (e *Engine) validate(o *orderbook.Order) error {
	if o.Instrument != e.Instrument {
		return fmt.Errorf("%w: order instrument %s does not match engine %s", coreerr.ErrInvalidOrder, o.Instrument, e.Instrument)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", coreerr.ErrInvalidOrder)
	}
	if o.Type != orderbook.Market && o.Price <= 0 {
		return fmt.Errorf("%w: non-market order must have a positive price", coreerr.ErrInvalidOrder)
	}
	validationPrice := o.Price
	if o.Type == orderbook.Market {
		// Market orders carry no price. ValidateOrder would skip the
		// tick and notional checks for price 0, so probe with the best
		// opposing price (one tick on an empty side) to apply the
		// notional check at the price the order would first trade at.
		if bp, ok := e.Book.BestPrice(opposite(o.Side)); ok {
			validationPrice = bp
		} else {
			validationPrice = e.Market.TickSize
		}
	}
	if err := e.Market.ValidateOrder(validationPrice, o.Qty); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrInvalidOrder, err)
	}
	return nil
}

func opposite(s orderbook.Side) orderbook.Side {
	if s == orderbook.Buy {
		return orderbook.Sell
	}
	return orderbook.Buy
}
