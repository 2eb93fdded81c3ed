package position

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var addrA = common.HexToAddress("0x1111111111111111111111111111111111111111")

const scale = 1_000_000_000

func TestApplyFillOpensLongPosition(t *testing.T) {
	b := New(1_000_000 * scale)
	pnl, err := b.ApplyFill(addrA, "BTC-PERP", 100*scale, 50_000*scale, 1000*scale)
	if err != nil {
		t.Fatal(err)
	}
	if pnl != 0 {
		t.Fatalf("opening a position should realize no PnL, got %d", pnl)
	}
	p := b.Get(addrA, "BTC-PERP")
	if p.NetSize != 100*scale || p.EntryPrice != 50_000*scale {
		t.Fatalf("unexpected position after open: %+v", p)
	}
}

func TestApplyFillAddsSameDirectionVWAP(t *testing.T) {
	b := New(1_000_000 * scale)
	if _, err := b.ApplyFill(addrA, "BTC-PERP", 100*scale, 50_000*scale, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ApplyFill(addrA, "BTC-PERP", 100*scale, 52_000*scale, 0); err != nil {
		t.Fatal(err)
	}
	p := b.Get(addrA, "BTC-PERP")
	if p.NetSize != 200*scale {
		t.Fatalf("expected net size 200, got %d", p.NetSize/scale)
	}
	wantEntry := int64(51_000) * scale
	if p.EntryPrice != wantEntry {
		t.Fatalf("expected VWAP entry 51000, got %d", p.EntryPrice/scale)
	}
}

func TestApplyFillClosesPositionRealizesPnL(t *testing.T) {
	b := New(1_000_000 * scale)
	if _, err := b.ApplyFill(addrA, "BTC-PERP", 100*scale, 50_000*scale, 0); err != nil {
		t.Fatal(err)
	}
	pnl, err := b.ApplyFill(addrA, "BTC-PERP", -100*scale, 51_000*scale, 0)
	if err != nil {
		t.Fatal(err)
	}
	wantPnL := int64(100_000) * scale // (51000-50000)*100
	if pnl != wantPnL {
		t.Fatalf("expected realized pnl %d, got %d", wantPnL, pnl)
	}
	p := b.Get(addrA, "BTC-PERP")
	if p.NetSize != 0 {
		t.Fatalf("expected flat position after full close, got %d", p.NetSize)
	}
}

func TestApplyFillFlipsPosition(t *testing.T) {
	b := New(1_000_000 * scale)
	if _, err := b.ApplyFill(addrA, "BTC-PERP", 100*scale, 50_000*scale, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ApplyFill(addrA, "BTC-PERP", -150*scale, 51_000*scale, 500*scale); err != nil {
		t.Fatal(err)
	}
	p := b.Get(addrA, "BTC-PERP")
	if p.NetSize != -50*scale {
		t.Fatalf("expected flipped net size -50, got %d", p.NetSize/scale)
	}
	if p.EntryPrice != 51_000*scale {
		t.Fatalf("expected flip entry price to reset to fill price, got %d", p.EntryPrice/scale)
	}
}

func TestCheckAndComputeRejectsOverLimit(t *testing.T) {
	b := New(100 * scale)
	if _, err := b.CheckAndCompute(addrA, "BTC-PERP", 50*scale); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ApplyFill(addrA, "BTC-PERP", 50*scale, 50_000*scale, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.CheckAndCompute(addrA, "BTC-PERP", 100*scale); err == nil {
		t.Fatal("expected position limit rejection")
	}
}

func TestNonZeroIndexTracksOpenAndClose(t *testing.T) {
	b := New(1_000_000 * scale)
	if _, err := b.ApplyFill(addrA, "BTC-PERP", 100*scale, 50_000*scale, 0); err != nil {
		t.Fatal(err)
	}
	users := b.NonZeroUsers("BTC-PERP")
	if len(users) != 1 || users[0] != addrA {
		t.Fatalf("expected addrA in non-zero index, got %+v", users)
	}
	if _, err := b.ApplyFill(addrA, "BTC-PERP", -100*scale, 51_000*scale, 0); err != nil {
		t.Fatal(err)
	}
	users = b.NonZeroUsers("BTC-PERP")
	if len(users) != 0 {
		t.Fatalf("expected empty non-zero index after close, got %+v", users)
	}
}
