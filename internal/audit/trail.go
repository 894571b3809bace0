package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/aaps-coordinator/internal/domain"
)

// Storage определяет, куда физически уходят записи аудита.
type Storage interface {
	Append(ctx context.Context, entry Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// Mirror — необязательный асинхронный приемник (архив в Postgres и т.п.).
// Ошибки зеркала не влияют на итог операции.
type Mirror interface {
	Offer(entry Entry)
}

// Trail — журнал аудита с политикой fail-closed: если запись в основное
// хранилище не прошла, операция-инициатор обязана завершиться ошибкой,
// а не продолжиться без аудита.
type Trail struct {
	storage Storage
	mirror  Mirror
	logger  *zap.Logger
}

func NewTrail(storage Storage, mirror Mirror, logger *zap.Logger) *Trail {
	return &Trail{
		storage: storage,
		mirror:  mirror,
		logger:  logger.Named("audit"),
	}
}

// LogParams — параметры записи.
type LogParams struct {
	Action       Action
	Actor        string
	TraceID      string
	ResourceType string
	ResourceID   string
	Success      bool
	ErrorMessage string
	Details      map[string]string
}

// Log — синхронная запись. Ошибка оборачивается в AuditWriteError и
// логируется на уровне, который должен разбудить дежурного.
func (t *Trail) Log(ctx context.Context, p LogParams) (Entry, error) {
	entry := Entry{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		Action:       p.Action,
		Actor:        p.Actor,
		TraceID:      p.TraceID,
		ResourceType: p.ResourceType,
		ResourceID:   p.ResourceID,
		Success:      p.Success,
		ErrorMessage: p.ErrorMessage,
		Details:      p.Details,
	}
	entry.Checksum = entry.ComputeChecksum()

	if err := t.storage.Append(ctx, entry); err != nil {
		t.logger.Error("audit append failed, aborting triggering operation",
			zap.String("action", string(p.Action)),
			zap.String("trace_id", p.TraceID),
			zap.Error(err),
		)
		return Entry{}, &domain.AuditWriteError{Cause: err}
	}

	if t.mirror != nil {
		t.mirror.Offer(entry)
	}
	return entry, nil
}

// Query — выборка с фильтрами (комплаенс-представление).
func (t *Trail) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return t.storage.Query(ctx, f)
}

// Stats — сводка журнала: объем, доля отказов, раскладка по действиям.
type Stats struct {
	TotalEntries int            `json:"total_entries"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	Actions      map[Action]int `json:"actions"`
}

// Stats собирает сводку по всему журналу.
func (t *Trail) Stats(ctx context.Context) (Stats, error) {
	entries, err := t.storage.Query(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	s := Stats{TotalEntries: len(entries), Actions: make(map[Action]int)}
	for _, e := range entries {
		s.Actions[e.Action]++
		if e.Success {
			s.SuccessCount++
		} else {
			s.FailureCount++
		}
	}
	return s, nil
}

// IntegrityReport — результат проверки контрольных сумм журнала.
type IntegrityReport struct {
	Total      int      `json:"total"`
	Valid      int      `json:"valid"`
	Invalid    int      `json:"invalid"`
	InvalidIDs []string `json:"invalid_ids,omitempty"`
}

// VerifyIntegrity пересчитывает контрольные суммы всех записей.
func (t *Trail) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	entries, err := t.storage.Query(ctx, Filter{})
	if err != nil {
		return IntegrityReport{}, err
	}
	report := IntegrityReport{Total: len(entries)}
	for _, e := range entries {
		if e.Checksum == e.ComputeChecksum() {
			report.Valid++
			continue
		}
		report.Invalid++
		if len(report.InvalidIDs) < 10 {
			report.InvalidIDs = append(report.InvalidIDs, e.ID)
		}
	}
	return report, nil
}

// MemoryStorage — эталонное in-memory хранилище аудита. Запись — чистый
// append, координация читателей — через RWMutex.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	snapshot := make([]Entry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.RUnlock()

	filtered := snapshot[:0:0]
	for _, e := range snapshot {
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		if f.TraceID != "" && e.TraceID != f.TraceID {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && e.ResourceID != f.ResourceID {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		filtered = append(filtered, e)
	}

	if f.Offset > 0 {
		if f.Offset >= len(filtered) {
			return []Entry{}, nil
		}
		filtered = filtered[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(filtered) {
		filtered = filtered[:f.Limit]
	}
	return filtered, nil
}
