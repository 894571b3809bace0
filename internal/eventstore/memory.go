package eventstore

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xela07ax/aaps-coordinator/internal/domain"
)

// MemoryStore — эталонное in-memory хранилище журнала.
// Продакшен-архив пишется отдельно (internal/repository/postgres), но
// семантика append-only и контроль sequence живут здесь.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]domain.Event // ключ: aggregateType:aggregateID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]domain.Event)}
}

func streamKey(aggregateType, aggregateID string) string {
	return aggregateType + ":" + aggregateID
}

func (s *MemoryStore) Append(ctx context.Context, p AppendParams) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey(p.AggregateType, p.AggregateID)
	stream := s.streams[key]

	var tail int64
	if n := len(stream); n > 0 {
		tail = stream[n-1].SequenceNumber
	}
	if tail != p.ExpectedSequence {
		return domain.Event{}, fmt.Errorf("%w: aggregate %s expected seq %d, tail is %d",
			domain.ErrConcurrentWrite, p.AggregateID, p.ExpectedSequence, tail)
	}

	event := domain.Event{
		EventID:        uuid.New().String(),
		AggregateType:  p.AggregateType,
		AggregateID:    p.AggregateID,
		TraceID:        p.TraceID,
		EventType:      p.EventType,
		SequenceNumber: tail + 1,
		Data:           p.Data,
		RecordedAt:     time.Now().UTC(),
	}
	s.streams[key] = append(stream, event)
	return event, nil
}

func (s *MemoryStore) Read(aggregateType, aggregateID string) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		// Снимок под RLock: итерация не держит блокировку и не видит дозаписей.
		s.mu.RLock()
		stream := s.streams[streamKey(aggregateType, aggregateID)]
		snapshot := make([]domain.Event, len(stream))
		copy(snapshot, stream)
		s.mu.RUnlock()

		for _, ev := range snapshot {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) LastSequence(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[streamKey(aggregateType, aggregateID)]
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].SequenceNumber, nil
}

// DiscardTail реализует TailDiscarder. Снимает хвостовое событие, если его номер
// совпадает с переданным. Валидно только как компенсация в рамках незавершенной
// транзакции перехода; для закоммиченных событий не вызывается.
func (s *MemoryStore) DiscardTail(ctx context.Context, aggregateType, aggregateID string, sequence int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey(aggregateType, aggregateID)
	stream := s.streams[key]
	n := len(stream)
	if n == 0 || stream[n-1].SequenceNumber != sequence {
		return fmt.Errorf("discard tail: sequence %d is not the tail of %s", sequence, aggregateID)
	}
	s.streams[key] = stream[:n-1]
	return nil
}
