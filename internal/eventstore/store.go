package eventstore

import (
	"context"
	"iter"

	"github.com/xela07ax/aaps-coordinator/internal/domain"
)

// AppendParams — параметры записи события.
// ExpectedSequence должен совпадать с текущим хвостом агрегата (0 для первого события),
// иначе запись отклоняется с ErrConcurrentWrite. Это страховка single-writer
// на случай гонки, даже при наличии per-incident блокировки роутера.
type AppendParams struct {
	AggregateType    string
	AggregateID      string
	TraceID          string
	EventType        string
	Data             map[string]interface{}
	ExpectedSequence int64
}

// Store — журнал событий, источник правды о состоянии инцидентов.
// События не обновляются и не удаляются; компакция вне зоны ответственности.
type Store interface {
	// Append присваивает событию следующий номер в агрегате и фиксирует его.
	Append(ctx context.Context, p AppendParams) (domain.Event, error)

	// Read — ленивый, перезапускаемый проход по событиям агрегата
	// в порядке sequence_number.
	Read(aggregateType, aggregateID string) iter.Seq2[domain.Event, error]

	// LastSequence возвращает номер хвостового события агрегата (0, если событий нет).
	LastSequence(ctx context.Context, aggregateType, aggregateID string) (int64, error)
}

// TailDiscarder — компенсация транзакции: откат только что записанного
// хвостового события, когда сопутствующая запись аудита не удалась.
// Реализуется хранилищами, умеющими отменять незакоммиченный хвост;
// проверяется через type assertion в State Machine.
type TailDiscarder interface {
	DiscardTail(ctx context.Context, aggregateType, aggregateID string, sequence int64) error
}
