package funding

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lanpishu6300/perpcore/internal/ledger"
	"github.com/lanpishu6300/perpcore/internal/position"
)

const scale = 1_000_000_000

var addrA = common.HexToAddress("0x1111111111111111111111111111111111111111")
var addrB = common.HexToAddress("0x2222222222222222222222222222222222222222")

func TestPremiumIndexPositiveWhenBookAboveMark(t *testing.T) {
	bid := int64(50_100) * scale
	ask := int64(50_200) * scale
	mark := int64(50_000) * scale
	bps, err := PremiumIndex(bid, ask, mark)
	if err != nil {
		t.Fatal(err)
	}
	if bps <= 0 {
		t.Fatalf("expected positive premium when book trades above mark, got %d", bps)
	}
}

func TestRateClampsToMax(t *testing.T) {
	if got := Rate(1000, 0); got != MaxRateBps {
		t.Fatalf("expected clamp to %d, got %d", MaxRateBps, got)
	}
	if got := Rate(-1000, 0); got != MinRateBps {
		t.Fatalf("expected clamp to %d, got %d", MinRateBps, got)
	}
}

func TestSettleTransfersFromLongToShort(t *testing.T) {
	l := ledger.New(nil)
	p := position.New(1_000_000 * scale)
	l.Deposit(addrA, 1_000_000*scale)
	l.Deposit(addrB, 1_000_000*scale)
	if _, err := p.ApplyFill(addrA, "BTC-PERP", 10*scale, 50_000*scale, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ApplyFill(addrB, "BTC-PERP", -10*scale, 50_000*scale, 0); err != nil {
		t.Fatal(err)
	}

	s := New(l, p, nil, nil)
	s.Configure("BTC-PERP", Config{Interval: 8 * time.Hour, InterestRateBps: 10}, 0)

	mark := int64(50_000) * scale
	rate, err := s.Settle("BTC-PERP", mark, mark, mark)
	if err != nil {
		t.Fatal(err)
	}
	if rate <= 0 {
		t.Fatalf("expected positive rate (long pays short), got %d", rate)
	}
	longAvail := l.Available(addrA)
	shortAvail := l.Available(addrB)
	if longAvail >= 1_000_000*scale {
		t.Fatalf("long should have paid funding, available=%d", longAvail)
	}
	if shortAvail <= 1_000_000*scale {
		t.Fatalf("short should have received funding, available=%d", shortAvail)
	}
}

func TestSettleAdvancesNextSettlementDeterministically(t *testing.T) {
	l := ledger.New(nil)
	p := position.New(1_000_000 * scale)
	s := New(l, p, nil, nil)
	interval := 8 * time.Hour
	s.Configure("BTC-PERP", Config{Interval: interval}, 1000)

	before := s.Info("BTC-PERP").NextSettlement
	if _, err := s.Settle("BTC-PERP", 50_000*scale, 50_000*scale, 50_000*scale); err != nil {
		t.Fatal(err)
	}
	after := s.Info("BTC-PERP").NextSettlement
	if after != before+int64(interval) {
		t.Fatalf("expected next settlement to advance by exactly one interval, before=%d after=%d", before, after)
	}
}
