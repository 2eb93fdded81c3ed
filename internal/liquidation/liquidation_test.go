package liquidation

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lanpishu6300/perpcore/internal/ledger"
	"github.com/lanpishu6300/perpcore/internal/market"
	"github.com/lanpishu6300/perpcore/internal/orderbook"
	"github.com/lanpishu6300/perpcore/internal/position"
)

const scale = 1_000_000_000

var addrA = common.HexToAddress("0x1111111111111111111111111111111111111111")

func testMarket(t *testing.T) *market.Market {
	t.Helper()
	p := market.DefaultPerpParams()
	p.InitialMarginBps = 1000    // 10%, kept above maintenance
	p.MaintenanceMarginBps = 500 // 5%
	m, err := market.New("BTC-PERP", "BTC", "USD", p)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestEvaluateHealthyAccountNotLiquidatable(t *testing.T) {
	l := ledger.New(nil)
	p := position.New(1_000_000 * scale)
	l.Deposit(addrA, 100_000*scale)
	if _, err := p.ApplyFill(addrA, "BTC-PERP", 1*scale, 50_000*scale, 2500*scale); err != nil {
		t.Fatal(err)
	}
	e := New(l, p)
	markets := Markets{"BTC-PERP": testMarket(t)}
	marks := MarkPrices{"BTC-PERP": 50_000 * scale}
	eval, err := e.Evaluate(addrA, markets, marks)
	if err != nil {
		t.Fatal(err)
	}
	if eval.Liquidatable {
		t.Fatalf("well-collateralized account should not be liquidatable: %+v", eval)
	}
}

func TestEvaluateUnderwaterAccountLiquidatable(t *testing.T) {
	l := ledger.New(nil)
	p := position.New(1_000_000 * scale)
	l.Deposit(addrA, 1_000*scale) // too thin to cover maintenance margin once mark moves
	if _, err := p.ApplyFill(addrA, "BTC-PERP", 1*scale, 50_000*scale, 2500*scale); err != nil {
		t.Fatal(err)
	}
	e := New(l, p)
	markets := Markets{"BTC-PERP": testMarket(t)}
	// mark=30000, maint_bps=500 -> maintenance_margin=1500*scale against a
	// 1000*scale available balance: risk_ratio=150%, over the 100% default.
	marks := MarkPrices{"BTC-PERP": 30_000 * scale}
	eval, err := e.Evaluate(addrA, markets, marks)
	if err != nil {
		t.Fatal(err)
	}
	if !eval.Liquidatable {
		t.Fatalf("expected account to be liquidatable once available balance can't cover maintenance margin: %+v", eval)
	}
	if len(eval.Positions) != 1 || eval.Positions[0].RiskRatioBps < 10_000 {
		t.Fatalf("expected risk ratio at or above the 10000bps threshold, got %+v", eval.Positions)
	}
}

func TestPlanProducesReducingOrderOppositeSide(t *testing.T) {
	l := ledger.New(nil)
	p := position.New(1_000_000 * scale)
	if _, err := p.ApplyFill(addrA, "BTC-PERP", 1*scale, 50_000*scale, 0); err != nil {
		t.Fatal(err)
	}
	e := New(l, p)
	orders := e.Plan(addrA)
	if len(orders) != 1 {
		t.Fatalf("expected one reducing order, got %d", len(orders))
	}
	if orders[0].Side != orderbook.Sell || orders[0].Qty != 1*scale {
		t.Fatalf("expected Sell 1 to close a long, got %+v", orders[0])
	}
}
