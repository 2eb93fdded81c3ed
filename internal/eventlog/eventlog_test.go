package eventlog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lanpishu6300/perpcore/internal/coreerr"
)

func openTestLog(t *testing.T, opts Options) *EventLog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.log")
	el, err := Open(path, opts, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { el.Close() })
	return el
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	el := openTestLog(t, Options{BatchSize: 1})
	seq1, err := el.Append(KindOrderPlaced, "BTC-PERP", "o1", OrderPlacedPayload{OrderID: "o1", UserID: "A", Price: 100, Qty: 1})
	if err != nil {
		t.Fatal(err)
	}
	seq2, err := el.Append(KindOrderPlaced, "BTC-PERP", "o2", OrderPlacedPayload{OrderID: "o2", UserID: "B", Price: 100, Qty: 1})
	if err != nil {
		t.Fatal(err)
	}
	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("expected sequences 1,2 got %d,%d", seq1, seq2)
	}
}

func TestRangeReturnsInOrder(t *testing.T) {
	el := openTestLog(t, Options{BatchSize: 1})
	for i := 0; i < 5; i++ {
		if _, err := el.Append(KindOrderPlaced, "BTC-PERP", "", OrderPlacedPayload{Qty: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	evs, err := el.Range(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	for i, ev := range evs {
		if ev.Sequence != uint64(2+i) {
			t.Fatalf("out-of-order event at %d: seq=%d", i, ev.Sequence)
		}
	}
}

func TestReplayRebuildsPayloads(t *testing.T) {
	el := openTestLog(t, Options{BatchSize: 1})
	if _, err := el.Append(KindOrderPlaced, "BTC-PERP", "o1", OrderPlacedPayload{OrderID: "o1", UserID: "A", Price: 50000, Qty: 100}); err != nil {
		t.Fatal(err)
	}
	var got OrderPlacedPayload
	err := el.Replay(1, 1, func(ev Event) (bool, error) {
		if err := DecodePayload(ev, &got); err != nil {
			return false, err
		}
		return false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.OrderID != "o1" || got.Qty != 100 {
		t.Fatalf("replay produced unexpected payload: %+v", got)
	}
}

func TestAppendReturnsQueueFullWhenBacklogged(t *testing.T) {
	el := openTestLog(t, Options{BatchSize: 1, QueueCapacity: 1})
	// Stop the draining worker so the one-slot queue stays saturated, then
	// occupy that slot directly (bypassing Append, which would otherwise
	// block forever waiting on an ack nobody will send).
	close(el.stop)
	<-el.done
	// Fresh stop channel so the cleanup's Close does not close it twice.
	el.stop = make(chan struct{})
	el.queue <- &pendingRecord{seq: 999, frame: []byte{0}, ack: make(chan error, 1)}

	_, err := el.Append(KindOrderPlaced, "BTC-PERP", "", OrderPlacedPayload{})
	if err == nil {
		t.Fatal("expected QueueFull once the backlog is saturated and nothing drains it")
	}
}

func TestRecoveryAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	el, err := Open(path, Options{BatchSize: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := el.Append(KindOrderPlaced, "BTC-PERP", "", OrderPlacedPayload{Qty: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := el.Close(); err != nil {
		t.Fatal(err)
	}

	el2, err := Open(path, Options{BatchSize: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer el2.Close()
	if el2.MarkCommitted() != 3 {
		t.Fatalf("expected recovered committed sequence 3, got %d", el2.MarkCommitted())
	}
	seq, err := el2.Append(KindOrderPlaced, "BTC-PERP", "", OrderPlacedPayload{Qty: 99})
	if err != nil {
		t.Fatal(err)
	}
	if seq != 4 {
		t.Fatalf("expected next sequence 4 after reopen, got %d", seq)
	}
}

func TestReplayDetectsSequenceGap(t *testing.T) {
	el := openTestLog(t, Options{BatchSize: 1})
	if _, err := el.Append(KindOrderPlaced, "BTC-PERP", "", OrderPlacedPayload{}); err != nil {
		t.Fatal(err)
	}
	if _, err := el.Append(KindOrderPlaced, "BTC-PERP", "", OrderPlacedPayload{}); err != nil {
		t.Fatal(err)
	}
	// Sequences 1 and 2 are contiguous, so replaying them reports no gap.
	err := el.Replay(1, 2, func(ev Event) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("contiguous replay should not report a gap: %v", err)
	}

	// Write a well-formed record with sequence 5 straight after sequence 2,
	// so the log skips 3 and 4.
	frame, err := encodeFrame(Event{Type: KindOrderPlaced, Sequence: 5, Instrument: "BTC-PERP"})
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(el.f.Name(), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, werr := f.Write(frame)
	f.Close()
	if werr != nil {
		t.Fatal(werr)
	}
	err = el.Replay(1, 5, func(ev Event) (bool, error) { return false, nil })
	if !errors.Is(err, coreerr.ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap for sequence 5 after 2, got %v", err)
	}
}
