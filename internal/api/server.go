package api

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/lanpishu6300/perpcore/internal/controller"
	"github.com/lanpishu6300/perpcore/internal/coreerr"
	"github.com/lanpishu6300/perpcore/internal/market"
	"github.com/lanpishu6300/perpcore/internal/orderbook"
)

// Server binds a Controller's seven operations (spec §6) to REST routes
// and fans book and trade updates out over WebSocket. Grounded in
// the teacher's pkg/api/server.go mux.Router/rs-cors wiring.
type Server struct {
	ctl     *controller.Controller
	markets *market.Registry
	router  *mux.Router
	hub     *Hub
	logger  *zap.Logger
}

// NewServer builds a Server with routes and a running WebSocket hub
// registered but not yet listening; call Start to bind the listener.
func NewServer(ctl *controller.Controller, markets *market.Registry, logger *zap.Logger) *Server {
	s := &Server{
		ctl:     ctl,
		markets: markets,
		router:  mux.NewRouter(),
		hub:     NewHub(),
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/markets", s.handleListMarkets).Methods("GET")
	v1.HandleFunc("/markets/{symbol}/orderbook", s.handleQueryBook).Methods("GET")

	v1.HandleFunc("/accounts/{address}", s.handleQueryAccount).Methods("GET")
	v1.HandleFunc("/accounts/{address}/positions/{symbol}", s.handleQueryPosition).Methods("GET")

	v1.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	v1.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	v1.HandleFunc("/admin/mark", s.handleAdminSetMark).Methods("POST")
	v1.HandleFunc("/admin/funding", s.handleAdminTriggerFunding).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the WebSocket hub and serves HTTP on addr, blocking until
// the listener returns an error.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})
	handler := c.Handler(s.router)

	s.logger.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, handler)
}

// ==============================
// REST handlers
// ==============================

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.markets.List()
	out := make([]MarketInfo, len(markets))
	for i, m := range markets {
		out[i] = MarketInfo{
			Symbol:               m.Symbol,
			BaseAsset:            m.BaseAsset,
			QuoteAsset:           m.QuoteAsset,
			Type:                 m.Type.String(),
			Status:               m.Status.String(),
			TickSize:             m.TickSize,
			LotSize:              m.LotSize,
			MaxLeverage:          m.MaxLeverage,
			InitialMarginBps:     m.InitialMarginBps,
			MaintenanceMarginBps: m.MaintenanceMarginBps,
			TakerFeeBps:          m.TakerFeeBps,
			MakerFeeBps:          m.MakerFeeBps,
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleQueryBook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	depth := 50
	if v := r.URL.Query().Get("depth"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			depth = n
		}
	}

	bids, asks, err := s.ctl.QueryBook(symbol, depth)
	if err != nil {
		respondErr(w, err)
		return
	}

	resp := OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      toPriceLevels(bids),
		Asks:      toPriceLevels(asks),
		Timestamp: time.Now().UnixMilli(),
	}
	respondJSON(w, resp)
}

func toPriceLevels(sides []controller.BookSide) []PriceLevel {
	out := make([]PriceLevel, len(sides))
	for i, s := range sides {
		out[i] = PriceLevel{Price: s.Price, Qty: s.Qty}
	}
	return out
}

func (s *Server) handleQueryAccount(w http.ResponseWriter, r *http.Request) {
	addrStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addrStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(addrStr)
	acct := s.ctl.QueryAccount(addr)

	respondJSON(w, AccountInfo{
		Address:    addr.Hex(),
		Balance:    acct.Balance,
		Frozen:     acct.Frozen,
		Available:  acct.Available,
		UsedMargin: acct.UsedMargin,
	})
}

func (s *Server) handleQueryPosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addrStr := vars["address"]
	symbol := vars["symbol"]
	if !common.IsHexAddress(addrStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(addrStr)

	pos, err := s.ctl.QueryPosition(addr, symbol)
	if err != nil {
		respondErr(w, err)
		return
	}

	respondJSON(w, PositionInfo{
		Symbol:     symbol,
		NetSize:    pos.NetSize,
		EntryPrice: pos.EntryPrice,
		MarkPrice:  pos.MarkPrice,
		PnL:        pos.PnL,
	})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}

	side, err := parseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	otype, err := parseType(req.Type)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid type", err.Error())
		return
	}

	now := time.Now().UnixNano()
	orderID := req.OrderID
	if orderID == "" {
		orderID = generateOrderID(req.Address, req.Symbol, now)
	}

	o := &orderbook.Order{
		ID:            orderID,
		ClientOrderID: req.ClientOrderID,
		UserID:        common.HexToAddress(req.Address).Hex(),
		Instrument:    req.Symbol,
		Side:          side,
		Type:          otype,
		Price:         req.Price,
		Qty:           req.Qty,
	}

	res, err := s.ctl.SubmitOrder(o, req.SelfTradePrevention, now)
	if err != nil {
		respondJSON(w, SubmitOrderResponse{Status: "rejected", OrderID: orderID, Message: err.Error()})
		return
	}

	fills := make([]Fill, len(res.Fills))
	for i, f := range res.Fills {
		fills[i] = Fill{Price: f.Price, Qty: f.Qty}
	}
	respondJSON(w, SubmitOrderResponse{Status: "accepted", OrderID: orderID, Fills: fills})

	s.broadcastBookAndTrades(req.Symbol, res.Fills, side)
}

func (s *Server) broadcastBookAndTrades(symbol string, fills []orderbook.Fill, takerSide orderbook.Side) {
	now := time.Now().UnixMilli()
	for _, f := range fills {
		s.hub.BroadcastToChannel("trades:"+symbol, TradeUpdate{
			Type:      "trade",
			Symbol:    symbol,
			Price:     f.Price,
			Qty:       f.Qty,
			TakerSide: takerSide.String(),
			Timestamp: now,
		})
	}
	if len(fills) == 0 {
		return
	}
	bids, asks, err := s.ctl.QueryBook(symbol, 50)
	if err != nil {
		return
	}
	s.hub.BroadcastToChannel("orderbook:"+symbol, OrderbookUpdate{
		Type:      "orderbook",
		Symbol:    symbol,
		Bids:      toPriceLevels(bids),
		Asks:      toPriceLevels(asks),
		Timestamp: now,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}

	addr := common.HexToAddress(req.Address)
	if err := s.ctl.CancelOrder(req.Symbol, req.OrderID, side, addr); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled", "orderId": req.OrderID})
}

func (s *Server) handleAdminSetMark(w http.ResponseWriter, r *http.Request) {
	var req AdminSetMarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	s.ctl.AdminSetMark(req.Symbol, req.Price)
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminTriggerFunding(w http.ResponseWriter, r *http.Request) {
	var req AdminTriggerFundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	rate, err := s.ctl.AdminTriggerFunding(req.Symbol, time.Now().UnixNano())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, AdminTriggerFundingResponse{Symbol: req.Symbol, RateBps: rate})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

// generateOrderID derives a stable order ID from the submitter's
// address, the instrument and the admission timestamp when the caller
// doesn't supply one, mirroring the teacher's own order-ID-from-
// signature-prefix idiom (pkg/api/server.go's handleSubmitOrder) but
// hashing the request fields with sha3 instead of slicing an EIP-712
// signature, since order submission here isn't a signed envelope.
func generateOrderID(address, symbol string, now int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(now))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(address))
	h.Write([]byte(symbol))
	h.Write(buf[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))[:16]
}

func parseSide(v string) (orderbook.Side, error) {
	switch v {
	case "buy", "Buy":
		return orderbook.Buy, nil
	case "sell", "Sell":
		return orderbook.Sell, nil
	default:
		return 0, coreerr.ErrInvalidOrder
	}
}

func parseType(v string) (orderbook.Type, error) {
	switch v {
	case "limit", "Limit", "":
		return orderbook.Limit, nil
	case "market", "Market":
		return orderbook.Market, nil
	case "post_only", "PostOnly":
		return orderbook.PostOnly, nil
	case "ioc", "IOC":
		return orderbook.IOC, nil
	case "fok", "FOK":
		return orderbook.FOK, nil
	default:
		return 0, coreerr.ErrInvalidOrder
	}
}

func parsePositiveInt(v string) (int, error) {
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, coreerr.ErrInvalidOrder
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, coreerr.ErrInvalidOrder
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: message})
}

// respondErr classifies a Controller error per coreerr and maps it to an
// HTTP status: user errors are 400/403/404/429 depending on sentinel,
// back-pressure is 503, anything else a caller shouldn't see directly
// is 500.
func respondErr(w http.ResponseWriter, err error) {
	switch coreerr.ClassifyErr(err) {
	case coreerr.ClassUser:
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, coreerr.ErrNotFound), errors.Is(err, coreerr.ErrInvalidInstrument):
			status = http.StatusNotFound
		case errors.Is(err, coreerr.ErrWrongUser), errors.Is(err, coreerr.ErrPermissionDenied):
			status = http.StatusForbidden
		case errors.Is(err, coreerr.ErrRateLimited):
			status = http.StatusTooManyRequests
		}
		respondError(w, status, "rejected", err.Error())
	case coreerr.ClassBackpressure:
		respondError(w, http.StatusServiceUnavailable, "backpressure", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
