// Package controller implements the Controller component (spec §4.10):
// the sequential admission pipeline every submitted order passes through
// — validate, rate-limit, position-limit, margin-freeze, WAL append,
// match, WAL append, ledger/position update, reply. Grounded in the
// teacher's pkg/app/perp/app.go ApplyTx-style sequential stage
// application (flattened here from its block/FinalizeBlock staging model
// into a direct synchronous per-order call, since spec.md's Non-goals
// exclude cross-engine consensus), and in rishavpaul's
// internal/risk/checker.go sequential fail-fast CheckResult pattern for
// the validate/rate-limit/position-limit stages.
package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/lanpishu6300/perpcore/internal/calc"
	"github.com/lanpishu6300/perpcore/internal/coreerr"
	"github.com/lanpishu6300/perpcore/internal/eventlog"
	"github.com/lanpishu6300/perpcore/internal/funding"
	"github.com/lanpishu6300/perpcore/internal/ledger"
	"github.com/lanpishu6300/perpcore/internal/liquidation"
	"github.com/lanpishu6300/perpcore/internal/market"
	"github.com/lanpishu6300/perpcore/internal/matching"
	"github.com/lanpishu6300/perpcore/internal/orderbook"
	"github.com/lanpishu6300/perpcore/internal/position"
)

// RateLimitConfig bounds how many orders one user may submit per window.
type RateLimitConfig struct {
	MaxOrdersPerWindow int
	Window             time.Duration
}

// DefaultRateLimitConfig allows 50 orders/second per user, matching the
// order-of-magnitude rishavpaul's risk checker budgets for its own
// per-account limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{MaxOrdersPerWindow: 50, Window: time.Second}
}

type rateWindow struct {
	mu        sync.Mutex
	count     int
	windowEnd int64
}

// Controller owns one Engine per instrument plus the shared
// AccountLedger and PositionBook, and drives every order through the
// full admission pipeline.
type Controller struct {
	markets  *market.Registry
	ledger   *ledger.Ledger
	position *position.Book
	log      *eventlog.EventLog
	logger   *zap.Logger

	liquidation *liquidation.Evaluator
	funding     *funding.Scheduler

	rlCfg RateLimitConfig

	mu      sync.RWMutex
	engines map[string]*matching.Engine

	rlMu    sync.Mutex
	windows map[common.Address]*rateWindow

	marksMu sync.RWMutex
	marks   map[string]int64
}

// New creates a Controller. log may be nil only in tests that don't
// exercise durability. The LiquidationEvaluator and FundingScheduler are
// constructed internally over the same Ledger/PositionBook, keeping
// Controller the sole mutator of both (spec §9's message-passing design
// note) while still owning admin_set_mark/admin_trigger_funding.
func New(markets *market.Registry, l *ledger.Ledger, p *position.Book, log *eventlog.EventLog, logger *zap.Logger, rlCfg RateLimitConfig) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rlCfg.MaxOrdersPerWindow <= 0 {
		rlCfg = DefaultRateLimitConfig()
	}
	return &Controller{
		markets:     markets,
		ledger:      l,
		position:    p,
		log:         log,
		logger:      logger,
		liquidation: liquidation.New(l, p),
		funding:     funding.New(l, p, log, logger),
		rlCfg:       rlCfg,
		engines:     make(map[string]*matching.Engine),
		windows:     make(map[common.Address]*rateWindow),
		marks:       make(map[string]int64),
	}
}

func (c *Controller) engineFor(instrument string) (*matching.Engine, error) {
	c.mu.RLock()
	e, ok := c.engines[instrument]
	c.mu.RUnlock()
	if ok {
		return e, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.engines[instrument]; ok {
		return e, nil
	}
	m, err := c.markets.Get(instrument)
	if err != nil {
		return nil, err
	}
	e = matching.New(m)
	c.engines[instrument] = e
	return e, nil
}

// checkRateLimit is a fixed-window counter keyed per user, grounded in
// the teacher-pack's per-account daily-volume window idiom but sized for
// per-second admission control rather than per-day notional.
func (c *Controller) checkRateLimit(addr common.Address, now int64) error {
	c.rlMu.Lock()
	w, ok := c.windows[addr]
	if !ok {
		w = &rateWindow{}
		c.windows[addr] = w
	}
	c.rlMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if now >= w.windowEnd {
		w.windowEnd = now + int64(c.rlCfg.Window)
		w.count = 0
	}
	w.count++
	if w.count > c.rlCfg.MaxOrdersPerWindow {
		return fmt.Errorf("%w: exceeded %d orders per %s", coreerr.ErrRateLimited, c.rlCfg.MaxOrdersPerWindow, c.rlCfg.Window)
	}
	return nil
}

// SubmitResult is the outcome of a full SubmitOrder pipeline run.
type SubmitResult struct {
	Order *orderbook.Order
	Fills []orderbook.Fill
}

// SubmitOrder runs an order through the full admission pipeline:
// validate, rate-limit, position-limit, margin-freeze, WAL append
// (ORDER_PLACED), match, WAL append (ORDER_MATCHED and TRADE_EXECUTED
// per fill, then ORDER_CANCELLED for a Market/IOC remainder that does
// not rest), ledger and position update. A fully filled order gets no
// status event beyond its fills. A rejection before the WAL append
// (instrument, rate limit, position limit, margin) leaves no ledger or
// WAL mutation behind, and a WAL append failure after a successful
// freeze unwinds the freeze before returning (spec §4.10's
// two-phase-commit description). A rejection by the engine itself comes
// after ORDER_PLACED is logged: the freeze is released and
// ORDER_REJECTED is appended.
func (c *Controller) SubmitOrder(o *orderbook.Order, selfTradePrevention bool, now int64) (*SubmitResult, error) {
	return c.submitOrder(o, selfTradePrevention, now, false)
}

// submitLiquidationOrder runs the admission pipeline for a reducing order
// emitted by LiquidationEvaluator.Plan, bypassing the rate limiter per
// spec §4.8 ("bypasses rate limits, must not rest; treat as IOC"). The
// order's Type is forced to Market so the matching engine's type switch
// (see matching.Engine.Process) never rests it.
func (c *Controller) submitLiquidationOrder(o *orderbook.Order, now int64) (*SubmitResult, error) {
	o.Type = orderbook.Market
	return c.submitOrder(o, false, now, true)
}

func (c *Controller) submitOrder(o *orderbook.Order, selfTradePrevention bool, now int64, bypassRateLimit bool) (*SubmitResult, error) {
	m, err := c.markets.Get(o.Instrument)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrInvalidInstrument, err)
	}

	addr := common.HexToAddress(o.UserID)

	if !bypassRateLimit {
		if err := c.checkRateLimit(addr, now); err != nil {
			return nil, err
		}
	}

	delta := o.Qty
	if o.Side == orderbook.Sell {
		delta = -delta
	}
	if _, err := c.position.CheckAndCompute(addr, o.Instrument, delta); err != nil {
		return nil, err
	}

	probePrice := o.Price
	if o.Type == orderbook.Market {
		e, err := c.engineFor(o.Instrument)
		if err != nil {
			return nil, err
		}
		opp := orderbook.Buy
		if o.Side == orderbook.Buy {
			opp = orderbook.Sell
		}
		if bp, ok := e.Book.BestPrice(opp); ok {
			probePrice = bp
		} else {
			probePrice = m.TickSize
		}
	}
	requiredMargin, err := calc.RequiredMargin(probePrice, o.Qty, m.InitialMarginBps)
	if err != nil {
		return nil, err
	}
	if err := c.ledger.Freeze(addr, requiredMargin); err != nil {
		return nil, err
	}

	placedSeq, err := c.appendOrderPlaced(o)
	if err != nil {
		_ = c.ledger.Unfreeze(addr, requiredMargin)
		return nil, err
	}
	o.Sequence = placedSeq

	e, err := c.engineFor(o.Instrument)
	if err != nil {
		_ = c.ledger.Unfreeze(addr, requiredMargin)
		return nil, err
	}

	result, err := e.Process(o, selfTradePrevention)
	if err != nil {
		_ = c.ledger.Unfreeze(addr, requiredMargin)
		c.appendOrderRejected(o, err)
		return nil, err
	}

	var takerUsedMargin int64
	for _, f := range result.Fills {
		fillMargin, err := c.settleFill(o.Instrument, f, m.InitialMarginBps)
		if err != nil {
			c.logger.Error("fill settlement failed", zap.Error(err))
		} else {
			takerUsedMargin += fillMargin
		}
		c.appendOrderMatched(o, f)
		c.appendTradeExecuted(o, f, e.NextTradeSeq())
	}
	if takerUsedMargin > requiredMargin {
		takerUsedMargin = requiredMargin
	}
	if remainder := requiredMargin - takerUsedMargin; remainder > 0 && !result.Rested {
		_ = c.ledger.Unfreeze(addr, remainder)
	}
	if !result.Rested && o.Status == orderbook.Cancelled && c.log != nil {
		_, _ = c.log.Append(eventlog.KindOrderCancelled, o.Instrument, o.ID, eventlog.OrderCancelledPayload{
			OrderID:           o.ID,
			UserID:            o.UserID,
			RemainingAtCancel: o.Remaining(),
		})
	}

	return &SubmitResult{Order: o, Fills: result.Fills}, nil
}

// settleFill moves each side's margin from frozen into used_margin and
// applies realized PnL, then updates both sides' positions, mirroring
// the teacher's UpdatePosition arithmetic now split across
// AccountLedger.AdjustMargin and PositionBook.ApplyFill. The maker's
// margin was frozen when its order was originally placed and has sat in
// `frozen` ever since; this is the point at which it converts to
// used_margin. Returns the margin consumed by this fill (shared by both
// sides, since trade price and quantity are identical for maker and
// taker) so the caller can track the taker's aggregate usage against its
// up-front freeze.
func (c *Controller) settleFill(instrument string, f orderbook.Fill, initialMarginBps int64) (int64, error) {
	fillMargin, err := calc.RequiredMargin(f.Price, f.Qty, initialMarginBps)
	if err != nil {
		return 0, err
	}

	takerDelta := f.Qty
	if !f.TakerIsBuy {
		takerDelta = -takerDelta
	}
	makerDelta := -takerDelta

	takerAddr := common.HexToAddress(f.TakerUserID)
	makerAddr := common.HexToAddress(f.MakerUserID)

	takerPnL, err := c.position.ApplyFill(takerAddr, instrument, takerDelta, f.Price, fillMargin)
	if err != nil {
		return fillMargin, err
	}
	if err := c.ledger.AdjustMargin(takerAddr, fillMargin, takerPnL); err != nil {
		return fillMargin, err
	}
	c.appendBalanceUpdated(takerAddr)

	makerPnL, err := c.position.ApplyFill(makerAddr, instrument, makerDelta, f.Price, fillMargin)
	if err != nil {
		return fillMargin, err
	}
	if err := c.ledger.AdjustMargin(makerAddr, fillMargin, makerPnL); err != nil {
		return fillMargin, err
	}
	c.appendBalanceUpdated(makerAddr)

	return fillMargin, nil
}

// CancelOrder cancels a resting order, releases its frozen margin, and
// appends an ORDER_CANCELLED event.
func (c *Controller) CancelOrder(instrument, orderID string, side orderbook.Side, userID common.Address) error {
	e, err := c.engineFor(instrument)
	if err != nil {
		return err
	}
	o, err := e.Cancel(orderID, side, userID.Hex())
	if err != nil {
		return err
	}
	m, err := c.markets.Get(instrument)
	if err != nil {
		return err
	}
	remainingMargin, err := calc.RequiredMargin(o.Price, o.Remaining(), m.InitialMarginBps)
	if err == nil && remainingMargin > 0 {
		_ = c.ledger.Unfreeze(userID, remainingMargin)
	}
	if c.log != nil {
		_, _ = c.log.Append(eventlog.KindOrderCancelled, instrument, orderID, eventlog.OrderCancelledPayload{
			OrderID:           orderID,
			UserID:            userID.Hex(),
			RemainingAtCancel: o.Remaining(),
		})
	}
	return nil
}

// BookSide is one side of a depth snapshot for query_book.
type BookSide struct {
	Price int64
	Qty   int64
}

// QueryBook returns up to depth price levels per side, spec §6's
// query_book.
func (c *Controller) QueryBook(instrument string, depth int) (bids, asks []BookSide, err error) {
	e, err := c.engineFor(instrument)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", coreerr.ErrInvalidInstrument, err)
	}
	bids = toBookSide(e.Book.Depth(orderbook.Buy, depth))
	asks = toBookSide(e.Book.Depth(orderbook.Sell, depth))
	return bids, asks, nil
}

func toBookSide(levels []orderbook.PriceLevelSummary) []BookSide {
	out := make([]BookSide, len(levels))
	for i, l := range levels {
		out[i] = BookSide{Price: l.Price, Qty: l.TotalQty}
	}
	return out
}

// AccountSnapshot is the query_account response shape.
type AccountSnapshot struct {
	Balance    int64
	Frozen     int64
	Available  int64
	UsedMargin int64
}

// QueryAccount returns a user's ledger state, spec §6's query_account.
func (c *Controller) QueryAccount(userID common.Address) AccountSnapshot {
	balance, frozen, usedMargin := c.ledger.Balance(userID)
	return AccountSnapshot{
		Balance:    balance,
		Frozen:     frozen,
		Available:  c.ledger.Available(userID),
		UsedMargin: usedMargin,
	}
}

// PositionSnapshot is the query_position response shape.
type PositionSnapshot struct {
	NetSize    int64
	EntryPrice int64
	MarkPrice  int64
	PnL        int64
}

// QueryPosition returns a user's position in one instrument plus its
// unrealized PnL against the current mark price, spec §6's
// query_position.
func (c *Controller) QueryPosition(userID common.Address, instrument string) (PositionSnapshot, error) {
	p := c.position.Get(userID, instrument)
	mark := c.MarkPrice(instrument)
	if mark == 0 {
		mark = p.EntryPrice
	}
	var pnl int64
	if p.NetSize != 0 {
		unrealized, err := calc.PnL(p.EntryPrice, mark, abs(p.NetSize), p.NetSize > 0)
		if err != nil {
			return PositionSnapshot{}, err
		}
		pnl = unrealized
	}
	return PositionSnapshot{NetSize: p.NetSize, EntryPrice: p.EntryPrice, MarkPrice: mark, PnL: pnl}, nil
}

// MarkPrice returns the last mark price set via AdminSetMark for an
// instrument, or 0 if never set.
func (c *Controller) MarkPrice(instrument string) int64 {
	c.marksMu.RLock()
	defer c.marksMu.RUnlock()
	return c.marks[instrument]
}

// AdminSetMark records an instrument's current mark/index price, used by
// LiquidationEvaluator and FundingScheduler. spec §6's admin_set_mark;
// callers are responsible for authorizing the admin identity before
// calling this (PermissionDenied per spec §6 is an API-layer concern,
// not enforced here).
func (c *Controller) AdminSetMark(instrument string, price int64) {
	c.marksMu.Lock()
	c.marks[instrument] = price
	c.marksMu.Unlock()
}

// ConfigureFunding registers an instrument's funding interval, passed
// through to the internal FundingScheduler.
func (c *Controller) ConfigureFunding(instrument string, cfg funding.Config, startTime int64) {
	c.funding.Configure(instrument, cfg, startTime)
}

// DueFundingInstruments returns every configured instrument whose
// funding interval has elapsed as of now, so a periodic sweep can call
// AdminTriggerFunding only when settlement is actually due rather than
// on every tick.
func (c *Controller) DueFundingInstruments(now int64) []string {
	return c.funding.DueInstruments(now)
}

// AdminTriggerFunding settles funding for one instrument against its
// current book depth and stored mark price, spec §6's
// admin_trigger_funding. An empty book side is priced at the mark.
func (c *Controller) AdminTriggerFunding(instrument string, now int64) (int64, error) {
	e, err := c.engineFor(instrument)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", coreerr.ErrInvalidInstrument, err)
	}
	mark := c.MarkPrice(instrument)
	bestBid, okBid := e.Book.BestPrice(orderbook.Buy)
	bestAsk, okAsk := e.Book.BestPrice(orderbook.Sell)
	if !okBid {
		bestBid = mark
	}
	if !okAsk {
		bestAsk = mark
	}
	return c.funding.Settle(instrument, bestBid, bestAsk, mark)
}

// LiquidateUser evaluates one user's account against every configured
// market's maintenance margin and, if underwater, submits the reducing
// orders LiquidationEvaluator.Plan emits through the normal admission
// pipeline (bypassing rate limits, forced to Market/IOC semantics), per
// spec §4.8.
func (c *Controller) LiquidateUser(userID common.Address, now int64) ([]*SubmitResult, error) {
	markets := liquidation.Markets{}
	marks := liquidation.MarkPrices{}
	for _, m := range c.markets.List() {
		markets[m.Symbol] = m
		marks[m.Symbol] = c.MarkPrice(m.Symbol)
	}

	eval, err := c.liquidation.Evaluate(userID, markets, marks)
	if err != nil {
		return nil, err
	}
	if !eval.Liquidatable {
		return nil, nil
	}

	var results []*SubmitResult
	for i, ro := range c.liquidation.Plan(userID) {
		// Captured before closing: once the reducing order fully flattens
		// the position, this unrealized figure is what becomes realized.
		preClose, _ := c.QueryPosition(userID, ro.Instrument)

		o := &orderbook.Order{
			ID:         fmt.Sprintf("liq-%s-%d-%d", ro.Instrument, now, i),
			UserID:     userID.Hex(),
			Instrument: ro.Instrument,
			Side:       ro.Side,
			Type:       orderbook.Market,
			Qty:        ro.Qty,
		}
		res, err := c.submitLiquidationOrder(o, now)
		if err != nil {
			c.logger.Error("liquidation order failed", zap.String("instrument", ro.Instrument), zap.Error(err))
			continue
		}
		results = append(results, res)
		c.appendLiquidated(userID, ro.Instrument, ro.Qty, marks[ro.Instrument], preClose.PnL)
	}
	return results, nil
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func (c *Controller) appendOrderPlaced(o *orderbook.Order) (uint64, error) {
	if c.log == nil {
		return 0, nil
	}
	return c.log.Append(eventlog.KindOrderPlaced, o.Instrument, o.ID, eventlog.OrderPlacedPayload{
		OrderID: o.ID,
		UserID:  o.UserID,
		Side:    int8(o.Side),
		Type:    int8(o.Type),
		Price:   o.Price,
		Qty:     o.Qty,
	})
}

func (c *Controller) appendOrderMatched(taker *orderbook.Order, f orderbook.Fill) {
	if c.log == nil {
		return
	}
	_, _ = c.log.Append(eventlog.KindOrderMatched, taker.Instrument, taker.ID, eventlog.OrderMatchedPayload{
		TakerOrderID: f.TakerOrderID,
		MakerOrderID: f.MakerOrderID,
		TakerUserID:  f.TakerUserID,
		MakerUserID:  f.MakerUserID,
		Price:        f.Price,
		Qty:          f.Qty,
		TakerIsBuy:   f.TakerIsBuy,
	})
}

// appendTradeExecuted records the trade itself (spec §4.4 point 2),
// distinct from appendOrderMatched's taker-order-centric view: one
// TRADE_EXECUTED per fill, keyed by the side each order actually took.
func (c *Controller) appendTradeExecuted(taker *orderbook.Order, f orderbook.Fill, tradeSeq uint64) {
	if c.log == nil {
		return
	}
	buyOrderID, sellOrderID := f.MakerOrderID, f.TakerOrderID
	buyUserID, sellUserID := f.MakerUserID, f.TakerUserID
	if f.TakerIsBuy {
		buyOrderID, sellOrderID = f.TakerOrderID, f.MakerOrderID
		buyUserID, sellUserID = f.TakerUserID, f.MakerUserID
	}
	_, err := c.log.Append(eventlog.KindTradeExecuted, taker.Instrument, "", eventlog.TradeExecutedPayload{
		TradeSeq:    tradeSeq,
		BuyOrderID:  buyOrderID,
		SellOrderID: sellOrderID,
		BuyUserID:   buyUserID,
		SellUserID:  sellUserID,
		Price:       f.Price,
		Qty:         f.Qty,
		IsTakerBuy:  f.TakerIsBuy,
	})
	if err != nil {
		c.logger.Error("append trade_executed failed", zap.Error(err))
	}
}

// appendBalanceUpdated snapshots one account's ledger state after a
// mutation, per spec §4.5's BALANCE_UPDATED kind. Called after every
// AdjustMargin during fill settlement; funding settlement appends its
// own via the same pattern in internal/funding.
func (c *Controller) appendBalanceUpdated(addr common.Address) {
	if c.log == nil {
		return
	}
	balance, frozen, usedMargin := c.ledger.Balance(addr)
	_, _ = c.log.Append(eventlog.KindBalanceUpdated, "", "", eventlog.BalanceUpdatedPayload{
		UserID:     addr.Hex(),
		Balance:    balance,
		Frozen:     frozen,
		UsedMargin: usedMargin,
	})
}

// appendLiquidated records one closed position's liquidation, per spec
// §4.8's "emits events through C5". InsuranceDraw is always zero: this
// module has no insurance fund component, so nothing ever draws from
// one; the field is kept for schema parity with spec's event shape.
func (c *Controller) appendLiquidated(addr common.Address, instrument string, closedSize, closePrice, realizedPnL int64) {
	if c.log == nil {
		return
	}
	_, _ = c.log.Append(eventlog.KindLiquidated, instrument, "", eventlog.LiquidatedPayload{
		UserID:        addr.Hex(),
		ClosedSize:    closedSize,
		ClosePrice:    closePrice,
		RealizedPnL:   realizedPnL,
		InsuranceDraw: 0,
	})
}

func (c *Controller) appendOrderRejected(o *orderbook.Order, reason error) {
	if c.log == nil {
		return
	}
	_, _ = c.log.Append(eventlog.KindOrderRejected, o.Instrument, o.ID, eventlog.OrderRejectedPayload{
		UserID: o.UserID,
		Reason: reason.Error(),
	})
}
