package audit

/*
Файл archiver.go реализует асинхронное зеркалирование журнала аудита в архив
(Postgres). Основное хранилище пишется синхронно (fail-closed), архив — нет:
задержки базы не должны влиять на Hot Path координатора.

- Non-blocking Offer: передача записей через неблокирующий канал.
- Batching: накопление в памяти и пакетная запись по таймеру или при
  достижении лимита пачки.
- Drain Pattern: при остановке канал закрывается, воркер вычитывает остатки
  и делает финальный flush — записи при перезапуске не теряются.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ArchiveStorage — пакетный приемник архива.
type ArchiveStorage interface {
	WriteBatch(ctx context.Context, entries []Entry) error
}

type Archiver struct {
	ch     chan Entry
	repo   ArchiveStorage
	logger *zap.Logger
	wg     sync.WaitGroup

	batchSize     int
	flushInterval time.Duration

	// Атомарный флаг против Offer после Stop
	isClosed int32

	// Метрика заполненности буфера снимается снаружи через Depth()
}

func NewArchiver(repo ArchiveStorage, bufferSize, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Archiver {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &Archiver{
		ch:            make(chan Entry, bufferSize),
		repo:          repo,
		logger:        logger.Named("audit-archiver"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.worker()
}

// Stop запирает вход и ждет, пока воркер допишет буфер.
func (a *Archiver) Stop() {
	atomic.StoreInt32(&a.isClosed, 1)

	// Крошечная пауза, чтобы конкурентные Offer успели проскочить до закрытия
	time.Sleep(10 * time.Millisecond)

	a.logger.Info("stopping archiver: closing channel and flushing buffer...")
	close(a.ch)
	a.wg.Wait()
	a.logger.Info("archiver stopped gracefully")
}

// Offer — неблокирующая передача записи. При переполнении буфера запись
// сбрасывается (Load Shedding): источником правды остается основное хранилище.
func (a *Archiver) Offer(entry Entry) {
	if atomic.LoadInt32(&a.isClosed) == 1 {
		a.logger.Warn("archive entry dropped: archiver is stopping", zap.String("id", entry.ID))
		return
	}

	select {
	case a.ch <- entry:
	default:
		a.logger.Error("archive_buffer_overflow",
			zap.String("trace_id", entry.TraceID),
			zap.String("action", string(entry.Action)),
		)
	}
}

// Depth — текущая заполненность буфера (для Prometheus gauge).
func (a *Archiver) Depth() int {
	return len(a.ch)
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	batch := make([]Entry, 0, a.batchSize)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст приложения к этому моменту может быть закрыт
		if err := a.repo.WriteBatch(context.Background(), batch); err != nil {
			a.logger.Error("archive flush failed", zap.Error(err), zap.Int("batch", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-a.ch:
			if !ok {
				// Закрытый канал — самодостаточный сигнал остановки: сначала
				// вычитываются остатки очереди, затем финальный flush.
				flush()
				a.logger.Info("archive worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= a.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
