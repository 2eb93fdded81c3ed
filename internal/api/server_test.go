package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/lanpishu6300/perpcore/internal/controller"
	"github.com/lanpishu6300/perpcore/internal/ledger"
	"github.com/lanpishu6300/perpcore/internal/market"
	"github.com/lanpishu6300/perpcore/internal/position"
)

const scale = 1_000_000_000

var addrA = common.HexToAddress("0x1111111111111111111111111111111111111111")
var addrB = common.HexToAddress("0x2222222222222222222222222222222222222222")

func testServer(t *testing.T) (*Server, *ledger.Ledger) {
	t.Helper()
	p := market.DefaultPerpParams()
	p.MinNotional = 0
	p.MinOrderSize = 1
	p.MaxOrderSize = 1_000_000_000 * scale
	p.MaxPosition = 1_000_000_000 * scale
	m, err := market.New("BTC-PERP", "BTC", "USD", p)
	if err != nil {
		t.Fatal(err)
	}
	r := market.NewRegistry()
	if err := r.Register(m); err != nil {
		t.Fatal(err)
	}

	l := ledger.New(nil)
	pos := position.New(1_000_000 * scale)
	ctl := controller.New(r, l, pos, nil, nil, controller.RateLimitConfig{MaxOrdersPerWindow: 1000, Window: 1})
	return NewServer(ctl, r, zap.NewNop()), l
}

func postJSON(t *testing.T, s *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func getPath(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleListMarkets(t *testing.T) {
	s, _ := testServer(t)
	rec := getPath(s, "/api/v1/markets")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var markets []MarketInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &markets); err != nil {
		t.Fatal(err)
	}
	if len(markets) != 1 || markets[0].Symbol != "BTC-PERP" {
		t.Fatalf("unexpected markets: %+v", markets)
	}
}

func TestHandleSubmitOrderRejectsWithoutMargin(t *testing.T) {
	s, _ := testServer(t)
	rec := postJSON(t, s, "/api/v1/orders", SubmitOrderRequest{
		OrderID: "o1", Address: addrA.Hex(), Symbol: "BTC-PERP",
		Side: "buy", Type: "limit", Price: 50_000 * scale, Qty: 1 * scale,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with rejected body, got %d", rec.Code)
	}
	var resp SubmitOrderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "rejected" {
		t.Fatalf("expected rejected status, got %+v", resp)
	}
}

func TestHandleSubmitOrderMatchesAndUpdatesBook(t *testing.T) {
	s, l := testServer(t)
	l.Deposit(addrA, 1_000_000*scale)
	l.Deposit(addrB, 1_000_000*scale)

	rec := postJSON(t, s, "/api/v1/orders", SubmitOrderRequest{
		OrderID: "sell1", Address: addrA.Hex(), Symbol: "BTC-PERP",
		Side: "sell", Type: "limit", Price: 50_000 * scale, Qty: 1 * scale,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("maker submit failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, s, "/api/v1/orders", SubmitOrderRequest{
		OrderID: "buy1", Address: addrB.Hex(), Symbol: "BTC-PERP",
		Side: "buy", Type: "limit", Price: 50_000 * scale, Qty: 1 * scale,
	})
	var resp SubmitOrderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "accepted" || len(resp.Fills) != 1 {
		t.Fatalf("expected one fill, got %+v", resp)
	}

	rec = getPath(s, "/api/v1/accounts/"+addrB.Hex())
	var acct AccountInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &acct); err != nil {
		t.Fatal(err)
	}
	if acct.UsedMargin <= 0 {
		t.Fatalf("expected used margin after fill, got %+v", acct)
	}

	rec = getPath(s, "/api/v1/accounts/"+addrB.Hex()+"/positions/BTC-PERP")
	var pos PositionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &pos); err != nil {
		t.Fatal(err)
	}
	if pos.NetSize != 1*scale {
		t.Fatalf("expected long 1, got %+v", pos)
	}
}

func TestHandleCancelOrderUnfreezesMargin(t *testing.T) {
	s, l := testServer(t)
	l.Deposit(addrA, 1_000_000*scale)

	postJSON(t, s, "/api/v1/orders", SubmitOrderRequest{
		OrderID: "o1", Address: addrA.Hex(), Symbol: "BTC-PERP",
		Side: "buy", Type: "limit", Price: 50_000 * scale, Qty: 1 * scale,
	})

	rec := postJSON(t, s, "/api/v1/orders/cancel", CancelOrderRequest{
		Address: addrA.Hex(), Symbol: "BTC-PERP", OrderID: "o1", Side: "buy",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = getPath(s, "/api/v1/accounts/"+addrA.Hex())
	var acct AccountInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &acct); err != nil {
		t.Fatal(err)
	}
	if acct.Frozen != 0 {
		t.Fatalf("expected margin released after cancel, got %+v", acct)
	}
}

func TestHandleAdminSetMarkAndQueryPosition(t *testing.T) {
	s, l := testServer(t)
	l.Deposit(addrA, 1_000_000*scale)
	l.Deposit(addrB, 1_000_000*scale)

	postJSON(t, s, "/api/v1/orders", SubmitOrderRequest{
		OrderID: "sell1", Address: addrA.Hex(), Symbol: "BTC-PERP",
		Side: "sell", Type: "limit", Price: 50_000 * scale, Qty: 1 * scale,
	})
	postJSON(t, s, "/api/v1/orders", SubmitOrderRequest{
		OrderID: "buy1", Address: addrB.Hex(), Symbol: "BTC-PERP",
		Side: "buy", Type: "limit", Price: 50_000 * scale, Qty: 1 * scale,
	})

	rec := postJSON(t, s, "/api/v1/admin/mark", AdminSetMarkRequest{Symbol: "BTC-PERP", Price: 51_000 * scale})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = getPath(s, "/api/v1/accounts/"+addrB.Hex()+"/positions/BTC-PERP")
	var pos PositionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &pos); err != nil {
		t.Fatal(err)
	}
	if pos.PnL <= 0 {
		t.Fatalf("expected positive PnL on a long after mark rose, got %+v", pos)
	}
}

func TestHandleHealth(t *testing.T) {
	s, _ := testServer(t)
	rec := getPath(s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
