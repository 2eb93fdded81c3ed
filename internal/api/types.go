// Package api exposes the Controller's seven operations (spec §6) over
// REST and streams book and trade updates over WebSocket. Grounded
// in the teacher's pkg/api/types.go, server.go and websocket.go; the
// JSON shapes below are the teacher's own REST/WS response types
// adapted to this module's fixed-point domain, with the consensus-only
// ChainStatus/mempool fields dropped since spec.md's Non-goals exclude
// cross-engine consensus.
package api

// MarketInfo is a market's static configuration.
type MarketInfo struct {
	Symbol               string `json:"symbol"`
	BaseAsset            string `json:"baseAsset"`
	QuoteAsset           string `json:"quoteAsset"`
	Type                 string `json:"type"`
	Status               string `json:"status"`
	TickSize             int64  `json:"tickSize"`
	LotSize              int64  `json:"lotSize"`
	MaxLeverage          int64  `json:"maxLeverage"`
	InitialMarginBps     int64  `json:"initialMarginBps"`
	MaintenanceMarginBps int64  `json:"maintenanceMarginBps"`
	TakerFeeBps          int64  `json:"takerFeeBps"`
	MakerFeeBps          int64  `json:"makerFeeBps"`
}

// PriceLevel is a [price, qty] tuple in the scaled fixed-point domain.
type PriceLevel struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// OrderbookSnapshot is the response body for GET .../orderbook.
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// AccountInfo is the response body for GET .../accounts/{address}.
type AccountInfo struct {
	Address    string `json:"address"`
	Balance    int64  `json:"balance"`
	Frozen     int64  `json:"frozen"`
	Available  int64  `json:"available"`
	UsedMargin int64  `json:"usedMargin"`
}

// PositionInfo is the response body for
// GET .../accounts/{address}/positions/{symbol}.
type PositionInfo struct {
	Symbol     string `json:"symbol"`
	NetSize    int64  `json:"netSize"`
	EntryPrice int64  `json:"entryPrice"`
	MarkPrice  int64  `json:"markPrice"`
	PnL        int64  `json:"pnl"`
}

// SubmitOrderRequest is the payload for POST /api/v1/orders.
type SubmitOrderRequest struct {
	OrderID             string `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Address             string `json:"address"`
	Symbol              string `json:"symbol"`
	Side                string `json:"side"` // "buy" | "sell"
	Type                string `json:"type"` // "limit" | "market" | "post_only" | "ioc" | "fok"
	Price               int64  `json:"price"`
	Qty                 int64  `json:"qty"`
	SelfTradePrevention bool   `json:"selfTradePrevention"`
}

// SubmitOrderResponse is the response from order submission.
type SubmitOrderResponse struct {
	Status  string  `json:"status"` // "accepted" | "rejected"
	OrderID string  `json:"orderId"`
	Fills   []Fill  `json:"fills,omitempty"`
	Message string  `json:"message,omitempty"`
}

// Fill is one match reported back to the submitter.
type Fill struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel.
type CancelOrderRequest struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	OrderID string `json:"orderId"`
	Side    string `json:"side"`
}

// AdminSetMarkRequest is the payload for POST /api/v1/admin/mark.
type AdminSetMarkRequest struct {
	Symbol string `json:"symbol"`
	Price  int64  `json:"price"`
}

// AdminTriggerFundingRequest is the payload for POST /api/v1/admin/funding.
type AdminTriggerFundingRequest struct {
	Symbol string `json:"symbol"`
}

// AdminTriggerFundingResponse reports the settled funding rate.
type AdminTriggerFundingResponse struct {
	Symbol  string `json:"symbol"`
	RateBps int64  `json:"rateBps"`
}

// ErrorResponse is returned for all error statuses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket message types
// ==============================

// WSSubscribeRequest is sent by a client to subscribe/unsubscribe.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

// OrderbookUpdate is broadcast after an order submission that produced
// fills; resting, cancelling or rejecting an order broadcasts nothing.
type OrderbookUpdate struct {
	Type      string       `json:"type"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// TradeUpdate is broadcast when a fill executes.
type TradeUpdate struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Price     int64  `json:"price"`
	Qty       int64  `json:"qty"`
	TakerSide string `json:"takerSide"`
	Timestamp int64  `json:"timestamp"`
}

// PositionUpdate is the message shape for a user's position in an
// instrument. Server does not broadcast it.
type PositionUpdate struct {
	Type       string `json:"type"`
	Address    string `json:"address"`
	Symbol     string `json:"symbol"`
	NetSize    int64  `json:"netSize"`
	EntryPrice int64  `json:"entryPrice"`
	Timestamp  int64  `json:"timestamp"`
}
