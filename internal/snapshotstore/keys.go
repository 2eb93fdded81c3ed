package snapshotstore

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema, grounded in pkg/app/core/account/keys.go: prefix per
// entity kind, lexicographic ordering so range scans double as queries.
const (
	prefixBalance  = "bal:"  // AccountLedger balance rows
	prefixPosition = "pos:"  // PositionBook rows
	prefixOrder    = "ord:"  // resting order snapshot rows
	prefixTrade    = "trd:"  // trade history
	prefixSnapshot = "snap:" // full-engine snapshot frames, keyed by sequence
	prefixMeta     = "meta:" // last-applied sequence per instrument
)

func balanceKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixBalance, addr.Hex()))
}

func positionKey(addr common.Address, instrument string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPosition, addr.Hex(), instrument))
}

func positionPrefix(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPosition, addr.Hex()))
}

func positionPrefixByInstrument(instrument string) []byte {
	return []byte(fmt.Sprintf("%sby-instr:%s:", prefixPosition, instrument))
}

func positionByInstrumentKey(instrument string, addr common.Address) []byte {
	return []byte(fmt.Sprintf("%sby-instr:%s:%s", prefixPosition, instrument, addr.Hex()))
}

func orderKey(instrument, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, instrument, orderID))
}

func orderPrefix(instrument string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, instrument))
}

func tradeKey(instrument string, timestamp int64, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, instrument, timestamp, tradeID))
}

func tradePrefix(instrument string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, instrument))
}

func snapshotKey(sequence uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixSnapshot, sequence))
}

func metaKey(instrument string) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixMeta, instrument))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
