package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/aaps-coordinator/internal/domain"
	"github.com/xela07ax/aaps-coordinator/internal/eventstore"
)

// EventRepo — Postgres-реализация журнала событий (eventstore.Store).
// Инвариант single-writer обеспечивается уникальным индексом
// (aggregate_type, aggregate_id, sequence_number): нарушение уникальности
// мапится в domain.ErrConcurrentWrite.
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(connString string) (*EventRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open event repo: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &EventRepo{db: db}, nil
}

func (r *EventRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const eventColumns = "event_id, aggregate_type, aggregate_id, trace_id, event_type, sequence_number, data, recorded_at"

func (r *EventRepo) Append(ctx context.Context, p eventstore.AppendParams) (domain.Event, error) {
	tail, err := r.LastSequence(ctx, p.AggregateType, p.AggregateID)
	if err != nil {
		return domain.Event{}, err
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
	data, _ := json.Marshal(event.Data)

	query := fmt.Sprintf(
		"INSERT INTO events (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		eventColumns,
	)
	_, err = r.db.ExecContext(ctx, query,
		event.EventID, event.AggregateType, event.AggregateID, event.TraceID,
		event.EventType, event.SequenceNumber, data, event.RecordedAt,
	)
	if err != nil {
		// 23505 unique_violation: кто-то успел записать этот номер раньше нас
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Event{}, fmt.Errorf("%w: aggregate %s seq %d already taken",
				domain.ErrConcurrentWrite, p.AggregateID, event.SequenceNumber)
		}
		return domain.Event{}, fmt.Errorf("postgres: append event: %w", err)
	}
	return event, nil
}

// Read — ленивый проход: запрос выполняется при каждом вызове итератора,
// поэтому последовательность перезапускаемая.
func (r *EventRepo) Read(aggregateType, aggregateID string) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		query := fmt.Sprintf(
			"SELECT %s FROM events WHERE aggregate_type = $1 AND aggregate_id = $2 ORDER BY sequence_number ASC",
			eventColumns,
		)
		rows, err := r.db.QueryContext(context.Background(), query, aggregateType, aggregateID)
		if err != nil {
			yield(domain.Event{}, fmt.Errorf("postgres: read events: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var ev domain.Event
			var data []byte
			if err := rows.Scan(
				&ev.EventID, &ev.AggregateType, &ev.AggregateID, &ev.TraceID,
				&ev.EventType, &ev.SequenceNumber, &data, &ev.RecordedAt,
			); err != nil {
				yield(domain.Event{}, fmt.Errorf("postgres: scan event: %w", err))
				return
			}
			if len(data) > 0 {
				_ = json.Unmarshal(data, &ev.Data)
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Event{}, fmt.Errorf("postgres: rows iteration error: %w", err))
		}
	}
}

func (r *EventRepo) LastSequence(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	var tail sql.NullInt64
	query := "SELECT MAX(sequence_number) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2"
	if err := r.db.QueryRowContext(ctx, query, aggregateType, aggregateID).Scan(&tail); err != nil {
		return 0, fmt.Errorf("postgres: last sequence: %w", err)
	}
	if !tail.Valid {
		return 0, nil
	}
	return tail.Int64, nil
}

// DiscardTail — компенсация незавершенной транзакции перехода: снимает
// хвостовое событие, если его номер совпадает с переданным.
func (r *EventRepo) DiscardTail(ctx context.Context, aggregateType, aggregateID string, sequence int64) error {
	query := `DELETE FROM events
	          WHERE aggregate_type = $1 AND aggregate_id = $2 AND sequence_number = $3
	            AND sequence_number = (SELECT MAX(sequence_number) FROM events
	                                   WHERE aggregate_type = $1 AND aggregate_id = $2)`
	result, err := r.db.ExecContext(ctx, query, aggregateType, aggregateID, sequence)
	if err != nil {
		return fmt.Errorf("postgres: discard tail: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("postgres: discard tail: sequence %d is not the tail of %s", sequence, aggregateID)
	}
	return nil
}

func (r *EventRepo) Close() error {
	return r.db.Close()
}
