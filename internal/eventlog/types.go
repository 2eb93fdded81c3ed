package eventlog

// Kind identifies the type of a logged event, per spec §4.5.
type Kind uint8

const (
	KindOrderPlaced Kind = iota + 1
	KindOrderMatched
	KindOrderCancelled
	KindOrderRejected
	KindTradeExecuted
	KindFundingSettled
	KindLiquidated
	KindBalanceUpdated
)

func (k Kind) String() string {
	switch k {
	case KindOrderPlaced:
		return "ORDER_PLACED"
	case KindOrderMatched:
		return "ORDER_MATCHED"
	case KindOrderCancelled:
		return "ORDER_CANCELLED"
	case KindOrderRejected:
		return "ORDER_REJECTED"
	case KindTradeExecuted:
		return "TRADE_EXECUTED"
	case KindFundingSettled:
		return "FUNDING_SETTLED"
	case KindLiquidated:
		return "LIQUIDATED"
	case KindBalanceUpdated:
		return "BALANCE_UPDATED"
	default:
		return "UNKNOWN"
	}
}

// Event is one durable, ordered record. Timestamp is derived from
// Sequence via calc.SequenceToTimestamp, never the wall clock, so replay
// reproduces identical timestamps (spec §4.5/§9).
type Event struct {
	Type       Kind
	Sequence   uint64
	Instrument string
	Timestamp  int64
	Payload    []byte // gob-encoded, per-Kind concrete struct
}
