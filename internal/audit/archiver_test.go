package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]Entry
}

func (r *batchRecorder) WriteBatch(ctx context.Context, entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]Entry, len(entries))
	copy(batch, entries)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *batchRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestArchiverFlushesFullBatches(t *testing.T) {
	rec := &batchRecorder{}
	a := NewArchiver(rec, 100, 5, time.Hour, zap.NewNop())
	a.Start()

	for i := 0; i < 5; i++ {
		a.Offer(Entry{ID: fmt.Sprintf("e-%d", i)})
	}

	deadline := time.After(2 * time.Second)
	for rec.total() < 5 {
		select {
		case <-deadline:
			t.Fatalf("batch not flushed: got %d entries", rec.total())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestArchiverDrainsBufferOnStop(t *testing.T) {
	rec := &batchRecorder{}
	// Большая пачка и долгий таймер: flush случится только при остановке
	a := NewArchiver(rec, 100, 50, time.Hour, zap.NewNop())
	a.Start()

	for i := 0; i < 7; i++ {
		a.Offer(Entry{ID: fmt.Sprintf("e-%d", i)})
	}
	a.Stop()

	if rec.total() != 7 {
		t.Fatalf("drain lost entries: got %d, want 7", rec.total())
	}
}

func TestArchiverShedsLoadWhenBufferFull(t *testing.T) {
	rec := &batchRecorder{}
	a := NewArchiver(rec, 2, 100, time.Hour, zap.NewNop())
	// Воркер не запущен: буфер заполняется и лишнее сбрасывается

	for i := 0; i < 10; i++ {
		a.Offer(Entry{ID: fmt.Sprintf("e-%d", i)})
	}
	if a.Depth() != 2 {
		t.Fatalf("buffer depth: got %d, want 2", a.Depth())
	}

	a.Start()
	a.Stop()
	if rec.total() != 2 {
		t.Fatalf("got %d archived entries, want 2", rec.total())
	}
}

func TestOfferAfterStopIsNoop(t *testing.T) {
	rec := &batchRecorder{}
	a := NewArchiver(rec, 10, 5, time.Hour, zap.NewNop())
	a.Start()
	a.Stop()

	// Не должно паниковать отправкой в закрытый канал
	a.Offer(Entry{ID: "late"})
	if rec.total() != 0 {
		t.Fatalf("late entry must be dropped, got %d", rec.total())
	}
}
