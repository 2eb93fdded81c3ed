package eventlog

// Per-event-type payload structs, gob-encoded into Event.Payload. These
// mirror the rows of spec §3's data model (Order, Trade, Account,
// Position) closely enough that Replay can rebuild state without
// consulting anything outside the log, satisfying the cold-replay
// determinism contract of spec §8.

type OrderPlacedPayload struct {
	OrderID string
	UserID  string
	Side    int8
	Type    int8
	Price   int64
	Qty     int64
}

type OrderMatchedPayload struct {
	TakerOrderID string
	MakerOrderID string
	TakerUserID  string
	MakerUserID  string
	Price        int64
	Qty          int64
	TakerIsBuy   bool
}

type OrderCancelledPayload struct {
	OrderID           string
	UserID            string
	RemainingAtCancel int64
}

type OrderRejectedPayload struct {
	UserID string
	Reason string
}

type TradeExecutedPayload struct {
	TradeSeq    uint64
	BuyOrderID  string
	SellOrderID string
	BuyUserID   string
	SellUserID  string
	Price       int64
	Qty         int64
	IsTakerBuy  bool
}

type FundingSettledPayload struct {
	UserID    string
	NetSize   int64
	MarkPrice int64
	RateBps   int64
	Payment   int64
}

type LiquidatedPayload struct {
	UserID        string
	ClosedSize    int64
	ClosePrice    int64
	RealizedPnL   int64
	InsuranceDraw int64
}

type BalanceUpdatedPayload struct {
	UserID     string
	Balance    int64
	Frozen     int64
	UsedMargin int64
}
