// Package eventlog implements the append-only write-ahead log: binary
// length-prefixed records, group-commit batching with a single fsync per
// batch, sequence assignment, replay, and torn-tail recovery. Grounded in
// the teacher's pkg/storage/wal.go (append idiom) and pkg/storage/codec.go
// (gob payload codec), enriched by rishavpaul's internal/events/log.go
// (sequence-gap detection, replay shape) and internal/disruptor/batcher.go
// (group-commit batching loop) — with that last file's silent-drop defect
// corrected: QueueFull propagates to the caller instead of being dropped.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/lanpishu6300/perpcore/internal/calc"
	"github.com/lanpishu6300/perpcore/internal/coreerr"
	"go.uber.org/zap"
)

// Options configures group-commit batching.
type Options struct {
	BatchSize     int           // default 100, per spec §4.5
	BatchInterval time.Duration // default 10ms, per spec §4.5
	QueueCapacity int           // backlog before Append returns QueueFull
	BaseTimestamp int64         // anchor for SequenceToTimestamp
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = 10 * time.Millisecond
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 4096
	}
	return o
}

type pendingRecord struct {
	seq   uint64
	frame []byte
	ack   chan error
}

// EventLog is the durable, ordered record of everything the core does.
type EventLog struct {
	opts   Options
	logger *zap.Logger

	f *os.File
	w *bufio.Writer

	mu        sync.Mutex
	seq       uint64
	committed uint64

	queue chan *pendingRecord
	stop  chan struct{}
	done  chan struct{}

	indexOrder      map[string][]uint64
	indexInstrument map[string][]uint64
}

// Open opens (creating if necessary) the WAL file at path and starts the
// group-commit background worker.
func Open(path string, opts Options, logger *zap.Logger) (*EventLog, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrMissingLogSegment, err)
	}
	el := &EventLog{
		opts:            opts,
		logger:          logger,
		f:               f,
		w:               bufio.NewWriter(f),
		queue:           make(chan *pendingRecord, opts.QueueCapacity),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		indexOrder:      make(map[string][]uint64),
		indexInstrument: make(map[string][]uint64),
	}
	lastSeq, err := el.recover()
	if err != nil {
		f.Close()
		return nil, err
	}
	el.seq = lastSeq
	el.committed = lastSeq
	go el.batchLoop()
	return el, nil
}

// Close stops the background worker and closes the underlying file.
func (el *EventLog) Close() error {
	close(el.stop)
	<-el.done
	return el.f.Close()
}

// Append assigns the next sequence number to an event, frames it, and
// blocks until it is part of a durably-fsynced batch (the commit point
// spec §4.10 describes for the margin-freeze/WAL two-phase sequence).
// Returns coreerr.ErrQueueFull — never silently drops — if the
// background worker's backlog is full (the defect this design
// deliberately fixes; see DESIGN.md).
func (el *EventLog) Append(kind Kind, instrument string, orderID string, payload any) (uint64, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	el.mu.Lock()
	seq := el.seq + 1
	ts := calc.SequenceToTimestamp(seq, el.opts.BaseTimestamp)
	ev := Event{Type: kind, Sequence: seq, Instrument: instrument, Timestamp: ts, Payload: buf.Bytes()}
	frame, err := encodeFrame(ev)
	if err != nil {
		el.mu.Unlock()
		return 0, err
	}
	pr := &pendingRecord{seq: seq, frame: frame, ack: make(chan error, 1)}
	select {
	case el.queue <- pr:
		el.seq = seq
		if orderID != "" {
			el.indexOrder[orderID] = append(el.indexOrder[orderID], seq)
		}
		el.indexInstrument[instrument] = append(el.indexInstrument[instrument], seq)
		el.mu.Unlock()
	default:
		el.mu.Unlock()
		return 0, coreerr.ErrQueueFull
	}

	if err := <-pr.ack; err != nil {
		return 0, err
	}
	return seq, nil
}

// MarkCommitted returns the sequence number of the last record known to
// be durably fsynced.
func (el *EventLog) MarkCommitted() uint64 {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.committed
}

func (el *EventLog) batchLoop() {
	defer close(el.done)
	ticker := time.NewTicker(el.opts.BatchInterval)
	defer ticker.Stop()

	var batch []*pendingRecord
	flush := func() {
		if len(batch) == 0 {
			return
		}
		var werr error
		for _, pr := range batch {
			if _, err := el.w.Write(pr.frame); err != nil {
				werr = fmt.Errorf("%w: %v", coreerr.ErrWALAppendFailed, err)
				break
			}
		}
		if werr == nil {
			if err := el.w.Flush(); err != nil {
				werr = fmt.Errorf("%w: %v", coreerr.ErrWALAppendFailed, err)
			}
		}
		if werr == nil {
			if err := el.f.Sync(); err != nil {
				werr = fmt.Errorf("%w: %v", coreerr.ErrWALAppendFailed, err)
			}
		}
		if werr == nil {
			el.mu.Lock()
			el.committed = batch[len(batch)-1].seq
			el.mu.Unlock()
		} else {
			el.logger.Error("wal batch flush failed", zap.Error(werr))
		}
		for _, pr := range batch {
			pr.ack <- werr
		}
		batch = batch[:0]
	}

	for {
		select {
		case pr := <-el.queue:
			batch = append(batch, pr)
			if len(batch) >= el.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-el.stop:
			// Drain whatever is already queued before exiting so no
			// acked-but-unflushed caller hangs on shutdown.
			for {
				select {
				case pr := <-el.queue:
					batch = append(batch, pr)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Range reads events with sequence in [from, to] from disk, in order.
func (el *EventLog) Range(from, to uint64) ([]Event, error) {
	var out []Event
	err := el.scan(func(ev Event) (bool, error) {
		if ev.Sequence < from {
			return false, nil
		}
		if ev.Sequence > to {
			return true, nil
		}
		out = append(out, ev)
		return false, nil
	})
	return out, err
}

// Replay invokes handler for every event in [from, to], in order,
// stopping early if handler returns stop=true. A sequence gap among
// committed records is a fatal determinism violation (spec §7/§8).
func (el *EventLog) Replay(from, to uint64, handler func(Event) (stop bool, err error)) error {
	var expected uint64
	first := true
	return el.scan(func(ev Event) (bool, error) {
		if ev.Sequence < from {
			return false, nil
		}
		if !first && ev.Sequence != expected {
			return false, fmt.Errorf("%w: expected %d, got %d", coreerr.ErrSequenceGap, expected, ev.Sequence)
		}
		first = false
		expected = ev.Sequence + 1
		if ev.Sequence > to {
			return true, nil
		}
		return handler(ev)
	})
}

// scan reads every well-formed record from the start of the file. It
// stops without error at a torn tail (an incomplete final record, which
// recover truncates) and reports any complete record whose CRC does not
// match as ErrCRCMismatch, wherever it lies in the file.
func (el *EventLog) scan(visit func(Event) (bool, error)) error {
	f, err := os.Open(el.f.Name())
	if err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrMissingLogSegment, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	for {
		ev, torn, err := decodeFrame(r)
		if err == io.EOF {
			return nil
		}
		if torn {
			// Incomplete record at EOF: the write crashed mid-frame.
			// Treat as the expected torn tail, not an error.
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", coreerr.ErrCRCMismatch, err)
		}
		stop, verr := visit(ev)
		if verr != nil {
			return verr
		}
		if stop {
			return nil
		}
	}
}

// recover scans the log on startup to find the last valid sequence,
// truncates a torn tail after it, and rebuilds the instrument_id index.
// The order_id index is not rebuilt: the frame header does not carry the
// order ID, so after a restart that index holds only events appended
// since Open.
func (el *EventLog) recover() (uint64, error) {
	var last uint64
	var validEnd int64
	err := el.scan(func(ev Event) (bool, error) {
		last = ev.Sequence
		validEnd += int64(4 + 4 + 1 + 8 + 8 + 2 + len(ev.Instrument) + len(ev.Payload))
		el.indexInstrument[ev.Instrument] = append(el.indexInstrument[ev.Instrument], ev.Sequence)
		return false, nil
	})
	if err != nil {
		return last, err
	}
	if err := el.f.Truncate(validEnd); err != nil {
		return last, fmt.Errorf("%w: truncate torn tail: %v", coreerr.ErrMissingLogSegment, err)
	}
	return last, nil
}

func encodeFrame(ev Event) ([]byte, error) {
	var body bytes.Buffer
	body.WriteByte(byte(ev.Type))
	seqB := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqB, ev.Sequence)
	body.Write(seqB)
	tsB := make([]byte, 8)
	binary.LittleEndian.PutUint64(tsB, uint64(ev.Timestamp))
	body.Write(tsB)
	instrB := []byte(ev.Instrument)
	instrLen := make([]byte, 2)
	binary.LittleEndian.PutUint16(instrLen, uint16(len(instrB)))
	body.Write(instrLen)
	body.Write(instrB)
	body.Write(ev.Payload)

	crc := crc32.ChecksumIEEE(body.Bytes())

	var frame bytes.Buffer
	lenB := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenB, uint32(body.Len()+4))
	frame.Write(lenB)
	crcB := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcB, crc)
	frame.Write(crcB)
	frame.Write(body.Bytes())
	return frame.Bytes(), nil
}

func decodeFrame(r *bufio.Reader) (Event, bool, error) {
	lenB := make([]byte, 4)
	if _, err := io.ReadFull(r, lenB); err != nil {
		return Event{}, true, io.EOF
	}
	recLen := binary.LittleEndian.Uint32(lenB)
	rest := make([]byte, recLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Event{}, true, io.EOF
	}
	crcWant := binary.LittleEndian.Uint32(rest[:4])
	body := rest[4:]
	if crc32.ChecksumIEEE(body) != crcWant {
		return Event{}, false, coreerr.ErrCRCMismatch
	}
	if len(body) < 1+8+8+2 {
		return Event{}, false, fmt.Errorf("truncated record body")
	}
	kind := Kind(body[0])
	seq := binary.LittleEndian.Uint64(body[1:9])
	ts := int64(binary.LittleEndian.Uint64(body[9:17]))
	instrLen := binary.LittleEndian.Uint16(body[17:19])
	off := 19
	if len(body) < off+int(instrLen) {
		return Event{}, false, fmt.Errorf("truncated instrument field")
	}
	instrument := string(body[off : off+int(instrLen)])
	off += int(instrLen)
	payload := body[off:]
	return Event{Type: kind, Sequence: seq, Instrument: instrument, Timestamp: ts, Payload: payload}, false, nil
}

// DecodePayload gob-decodes an event's payload into dst.
func DecodePayload(ev Event, dst any) error {
	return gob.NewDecoder(bytes.NewReader(ev.Payload)).Decode(dst)
}
