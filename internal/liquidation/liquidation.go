// Package liquidation implements the LiquidationEvaluator component
// (spec §4.8): per-(user, instrument) risk_ratio evaluation against a
// configurable liquidation_threshold, and the reducing order it emits
// when a position crosses it. Grounded in the teacher's
// pkg/app/core/account/manager.go CheckLiquidation/Liquidate for the
// overall shape (per-position maintenance margin, close-at-mark,
// zero-out a negative balance and report the deficit), but the risk
// check itself follows spec §4.8's literal per-instrument formula
// (position_value/maintenance_margin/risk_ratio/liquidation_threshold)
// rather than the teacher's single aggregate-equity-vs-summed-margin
// comparison, and restructured per spec §9's message-passing design
// note: the teacher's Liquidate mutates the Account struct directly;
// here the evaluator only reads ledger/position snapshots and returns a
// ReducingOrder for the caller to resubmit through Controller, so
// Controller remains the sole mutator of AccountLedger/PositionBook
// state and liquidation never creates a second, conflicting write path
// into either.
package liquidation

import (
	"math"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lanpishu6300/perpcore/internal/calc"
	"github.com/lanpishu6300/perpcore/internal/fixedpoint"
	"github.com/lanpishu6300/perpcore/internal/ledger"
	"github.com/lanpishu6300/perpcore/internal/market"
	"github.com/lanpishu6300/perpcore/internal/orderbook"
	"github.com/lanpishu6300/perpcore/internal/position"
)

// MarkPrices resolves the current mark price for an instrument. Callers
// supply whatever the engine considers mark (last trade price, index
// price, etc.) — liquidation itself is agnostic to the source.
type MarkPrices map[string]int64

// Markets resolves instrument configuration for maintenance margin bps
// and the per-instrument liquidation threshold.
type Markets map[string]*market.Market

// PositionRisk is spec §4.8's per-(user, instrument) risk computation:
// position_value = |net_size|*mark, maintenance_margin =
// position_value*maint_bps/10000, risk_ratio =
// maintenance_margin/available_balance (bps-scaled, 10000 == 1.0),
// is_liquidatable = risk_ratio >= liquidation_threshold.
type PositionRisk struct {
	Instrument        string
	PositionValue     int64
	MaintenanceMargin int64
	AvailableBalance  int64
	RiskRatioBps      int64
	Liquidatable      bool
}

// Evaluation is the result of checking every instrument a user holds a
// position in. Liquidatable is true if any one of them crossed its
// threshold — spec §4.8 evaluates risk per-instrument, not as one
// account-wide aggregate.
type Evaluation struct {
	Liquidatable bool
	Positions    []PositionRisk
}

// Evaluator evaluates and liquidates underwater accounts.
type Evaluator struct {
	ledger   *ledger.Ledger
	position *position.Book
}

// New creates an Evaluator reading from the given Ledger and PositionBook.
func New(l *ledger.Ledger, p *position.Book) *Evaluator {
	return &Evaluator{ledger: l, position: p}
}

// Evaluate computes spec §4.8's risk_ratio for every non-zero position a
// user holds and flags the account liquidatable if any one position's
// ratio has reached its market's configured liquidation_threshold.
func (e *Evaluator) Evaluate(addr common.Address, markets Markets, marks MarkPrices) (Evaluation, error) {
	balance, frozen, _ := e.ledger.Balance(addr)
	availableBalance := balance - frozen // spec §4.6: available(user) = balance - frozen
	positions := e.position.AllForUser(addr)

	eval := Evaluation{}
	for instrument, p := range positions {
		if p.NetSize == 0 {
			continue
		}
		mkt, ok := markets[instrument]
		if !ok {
			continue
		}
		mark, ok := marks[instrument]
		if !ok {
			mark = p.EntryPrice
		}

		maintMargin, err := calc.RequiredMargin(mark, abs(p.NetSize), mkt.MaintenanceMarginBps)
		if err != nil {
			return Evaluation{}, err
		}
		positionValue, err := calc.RequiredMargin(mark, abs(p.NetSize), 10_000)
		if err != nil {
			return Evaluation{}, err
		}

		riskRatioBps := riskRatio(maintMargin, availableBalance)
		liquidatable := riskRatioBps >= mkt.LiquidationThresholdBps

		eval.Positions = append(eval.Positions, PositionRisk{
			Instrument:        instrument,
			PositionValue:     positionValue,
			MaintenanceMargin: maintMargin,
			AvailableBalance:  availableBalance,
			RiskRatioBps:      riskRatioBps,
			Liquidatable:      liquidatable,
		})
		if liquidatable {
			eval.Liquidatable = true
		}
	}
	return eval, nil
}

// riskRatio returns maintenance_margin/available_balance in bps (10000
// == 1.0), via fixedpoint.Div's 128-bit-intermediate a*scale/b so a
// large maintenance margin against a small available balance can't
// silently overflow. An account with no available balance left to cover
// a maintenance requirement is maximally at risk regardless of the
// exact ratio, so a non-positive denominator against a positive
// requirement saturates to math.MaxInt64 rather than erroring.
func riskRatio(maintMargin, availableBalance int64) int64 {
	if maintMargin <= 0 {
		return 0
	}
	if availableBalance <= 0 {
		return math.MaxInt64
	}
	ratio, err := fixedpoint.Div(maintMargin, availableBalance, 10_000)
	if err != nil {
		return math.MaxInt64
	}
	return ratio
}

// ReducingOrder is what the caller should submit through Controller to
// close out an underwater position. It is tagged to bypass rate limits
// and must never rest — the Controller submits it as a Market order,
// which never rests, per spec §4.8.
type ReducingOrder struct {
	Instrument string
	UserID     common.Address
	Side       orderbook.Side // opposite of the current position's side
	Qty        int64          // |net_size|, or a strategy-chosen fraction
}

// Plan returns the reducing order(s) needed to close every non-zero
// position an underwater account holds. Qty is the full position size:
// spec §4.8 permits a strategy-chosen fraction, but full closure is the
// simplest deterministic default and the one this evaluator implements.
func (e *Evaluator) Plan(addr common.Address) []ReducingOrder {
	positions := e.position.AllForUser(addr)
	var orders []ReducingOrder
	for instrument, p := range positions {
		if p.NetSize == 0 {
			continue
		}
		side := orderbook.Sell
		if p.NetSize < 0 {
			side = orderbook.Buy
		}
		orders = append(orders, ReducingOrder{
			Instrument: instrument,
			UserID:     addr,
			Side:       side,
			Qty:        abs(p.NetSize),
		})
	}
	return orders
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
