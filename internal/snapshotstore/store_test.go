package snapshotstore

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBalanceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	want := BalanceRow{UserID: addr, Balance: 1000, Frozen: 50, UsedMargin: 25}
	if err := s.SaveBalance(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadBalance(addr)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Balance != want.Balance {
		t.Fatalf("unexpected balance: %+v", got)
	}
}

func TestLoadBalanceMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.LoadBalance(common.HexToAddress("0x2222222222222222222222222222222222222222"))
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing balance, got %+v", got)
	}
}

func TestNonZeroPositionIndexExcludesClosedPositions(t *testing.T) {
	s := openTestStore(t)
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")

	if err := s.SavePosition(PositionRow{UserID: a, Instrument: "BTC-PERP", NetSize: 100, EntryPrice: 50000}); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePosition(PositionRow{UserID: b, Instrument: "BTC-PERP", NetSize: 0, EntryPrice: 0}); err != nil {
		t.Fatal(err)
	}

	rows, err := s.LoadNonZeroPositions("BTC-PERP")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].UserID != a {
		t.Fatalf("expected only user a's position in the non-zero index, got %+v", rows)
	}
}

func TestOpenOrdersRoundTrip(t *testing.T) {
	s := openTestStore(t)
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	row := OrderRow{Instrument: "BTC-PERP", OrderID: "o1", UserID: addr, Side: 0, Type: 0, Price: 50000, Qty: 100, Sequence: 1}
	if err := s.SaveOrder(row); err != nil {
		t.Fatal(err)
	}
	open, err := s.LoadOpenOrders("BTC-PERP")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].OrderID != "o1" {
		t.Fatalf("expected one open order, got %+v", open)
	}
	if err := s.DeleteOrder("BTC-PERP", "o1"); err != nil {
		t.Fatal(err)
	}
	open, err = s.LoadOpenOrders("BTC-PERP")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open orders after delete, got %+v", open)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	snap := Snapshot{
		Sequence:  42,
		Balances:  []BalanceRow{{UserID: common.HexToAddress("0x1111111111111111111111111111111111111111"), Balance: 100}},
		Positions: []PositionRow{{UserID: common.HexToAddress("0x1111111111111111111111111111111111111111"), Instrument: "BTC-PERP", NetSize: 10}},
	}
	if err := s.SaveSnapshot("BTC-PERP", snap); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadSnapshot(42)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Sequence != 42 || len(got.Balances) != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	lastSeq, err := s.LastSnapshotSequence("BTC-PERP")
	if err != nil {
		t.Fatal(err)
	}
	if lastSeq != 42 {
		t.Fatalf("expected last snapshot sequence 42, got %d", lastSeq)
	}
}
