// Package snapshotstore provides pebble-backed durable storage for
// account balances, positions, resting orders, trade history, and
// periodic full-engine snapshots. Grounded in the teacher's
// pkg/app/core/account/store.go and keys.go (Pebble options, prefix key
// schema, BatchWrite), generalized from a single-asset account store
// into the multi-instrument snapshot frame spec §6 describes:
// (sequence_id, AccountLedger dump, PositionBook dump, OrderBook dump).
package snapshotstore

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/lanpishu6300/perpcore/internal/coreerr"
)

// BalanceRow is the durable form of one user's ledger balance.
type BalanceRow struct {
	UserID     common.Address
	Balance    int64
	Frozen     int64
	UsedMargin int64
}

// PositionRow is the durable form of one (user, instrument) position.
type PositionRow struct {
	UserID     common.Address
	Instrument string
	NetSize    int64
	EntryPrice int64
}

// OrderRow is the durable form of a resting order.
type OrderRow struct {
	Instrument string
	OrderID    string
	UserID     common.Address
	Side       int8
	Type       int8
	Price      int64
	Qty        int64
	Filled     int64
	Sequence   uint64
}

// TradeRow is the durable form of an executed trade.
type TradeRow struct {
	Instrument string
	TradeID    string
	Timestamp  int64
	Price      int64
	Qty        int64
}

// Snapshot is a full point-in-time dump taken at a WAL sequence number,
// sufficient to resume matching without replaying the log from scratch
// (spec §6's snapshot format).
type Snapshot struct {
	Sequence  uint64
	Balances  []BalanceRow
	Positions []PositionRow
	Orders    []OrderRow
}

// Store wraps a Pebble database.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if necessary) a Pebble database at dbPath.
func Open(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(128 << 20),
		MemTableSize:                64 << 20,
		MaxConcurrentCompactions:    func() int { return 3 },
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		LBaseMaxBytes:               64 << 20,
		MaxOpenFiles:                1000,
		BytesPerSync:                512 << 10,
		DisableAutomaticCompactions: false,
	}
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble at %s: %v", coreerr.ErrSnapshotWriteFailed, dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBalance persists one user's ledger row.
func (s *Store) SaveBalance(row BalanceRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := s.db.Set(balanceKey(row.UserID), data, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrSnapshotWriteFailed, err)
	}
	return nil
}

// LoadBalance returns nil, nil if the row does not exist.
func (s *Store) LoadBalance(addr common.Address) (*BalanceRow, error) {
	data, closer, err := s.db.Get(balanceKey(addr))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var row BalanceRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// SavePosition persists one (user, instrument) position row, indexed both
// by user (for account queries) and by instrument (so funding settlement
// can enumerate non-zero positions for one instrument without a full
// table scan).
func (s *Store) SavePosition(row PositionRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(positionKey(row.UserID, row.Instrument), data, nil); err != nil {
		return err
	}
	if row.NetSize == 0 {
		_ = b.Delete(positionByInstrumentKey(row.Instrument, row.UserID), nil)
	} else {
		if err := b.Set(positionByInstrumentKey(row.Instrument, row.UserID), data, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrSnapshotWriteFailed, err)
	}
	return nil
}

// LoadPositionsByUser returns every position row for one user.
func (s *Store) LoadPositionsByUser(addr common.Address) ([]PositionRow, error) {
	prefix := positionPrefix(addr)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []PositionRow
	for iter.First(); iter.Valid(); iter.Next() {
		var row PositionRow
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// LoadNonZeroPositions returns every non-zero position for one
// instrument — the enumeration funding settlement needs, backed by the
// by-instrument index so it never scans the whole position table.
func (s *Store) LoadNonZeroPositions(instrument string) ([]PositionRow, error) {
	prefix := positionPrefixByInstrument(instrument)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []PositionRow
	for iter.First(); iter.Valid(); iter.Next() {
		var row PositionRow
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// SaveOrder persists a resting order row.
func (s *Store) SaveOrder(row OrderRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := s.db.Set(orderKey(row.Instrument, row.OrderID), data, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrSnapshotWriteFailed, err)
	}
	return nil
}

// DeleteOrder removes a resting order row once it leaves the book.
func (s *Store) DeleteOrder(instrument, orderID string) error {
	if err := s.db.Delete(orderKey(instrument, orderID), pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrSnapshotWriteFailed, err)
	}
	return nil
}

// LoadOpenOrders returns every resting order row for one instrument.
func (s *Store) LoadOpenOrders(instrument string) ([]OrderRow, error) {
	prefix := orderPrefix(instrument)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []OrderRow
	for iter.First(); iter.Valid(); iter.Next() {
		var row OrderRow
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// SaveTrade persists a trade row. Unsynced: trade history is
// reconstructible from the WAL, so this writes with NoSync for
// throughput, matching the teacher's rationale in account/store.go.
func (s *Store) SaveTrade(row TradeRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := s.db.Set(tradeKey(row.Instrument, row.Timestamp, row.TradeID), data, pebble.NoSync); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrSnapshotWriteFailed, err)
	}
	return nil
}

// LoadRecentTrades returns up to limit trades for an instrument, newest first.
func (s *Store) LoadRecentTrades(instrument string, limit int) ([]TradeRow, error) {
	prefix := tradePrefix(instrument)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []TradeRow
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var row TradeRow
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// SaveSnapshot persists a full engine snapshot frame keyed by the WAL
// sequence at which it was taken, and records that sequence as the
// instrument's last-applied point for fast recovery.
func (s *Store) SaveSnapshot(instrument string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(snapshotKey(snap.Sequence), data, nil); err != nil {
		return err
	}
	seqBytes := []byte(fmt.Sprintf("%020d", snap.Sequence))
	if err := b.Set(metaKey(instrument), seqBytes, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrSnapshotWriteFailed, err)
	}
	return nil
}

// LoadSnapshot loads the snapshot frame at the given sequence.
func (s *Store) LoadSnapshot(sequence uint64) (*Snapshot, error) {
	data, closer, err := s.db.Get(snapshotKey(sequence))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// LastSnapshotSequence returns the sequence of the most recent snapshot
// recorded for an instrument, or 0 if none exists.
func (s *Store) LastSnapshotSequence(instrument string) (uint64, error) {
	data, closer, err := s.db.Get(metaKey(instrument))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	var seq uint64
	if _, err := fmt.Sscanf(string(data), "%020d", &seq); err != nil {
		return 0, err
	}
	return seq, nil
}
