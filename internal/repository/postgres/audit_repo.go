package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/aaps-coordinator/internal/audit"
)

// AuditRepo — архив журнала аудита в Postgres. Реализует и синхронный
// audit.Storage, и пакетный audit.ArchiveStorage: одна и та же таблица
// служит либо основным хранилищем, либо асинхронным зеркалом.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(connString string) (*AuditRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open audit repo: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AuditRepo{db: db}, nil
}

func (r *AuditRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const auditColumns = "id, timestamp, action, actor, trace_id, resource_type, resource_id, success, error_message, details, checksum"

// Append — одиночная синхронная вставка (fail-closed путь).
func (r *AuditRepo) Append(ctx context.Context, entry audit.Entry) error {
	details, _ := json.Marshal(entry.Details)
	query := fmt.Sprintf(
		"INSERT INTO audit_entries (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		auditColumns,
	)
	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.Timestamp, entry.Action, entry.Actor, entry.TraceID,
		entry.ResourceType, entry.ResourceID, entry.Success, entry.ErrorMessage,
		details, entry.Checksum,
	)
	if err != nil {
		return fmt.Errorf("postgres: append audit entry: %w", err)
	}
	return nil
}

// WriteBatch сохраняет пачку записей за один запрос (путь архиватора).
func (r *AuditRepo) WriteBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	const numFields = 11
	placeholderStr := ""
	vals := make([]interface{}, 0, len(entries)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11)

		details, _ := json.Marshal(e.Details)
		vals = append(vals,
			e.ID, e.Timestamp, e.Action, e.Actor, e.TraceID,
			e.ResourceType, e.ResourceID, e.Success, e.ErrorMessage,
			details, e.Checksum,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO audit_entries (%s) VALUES %s ON CONFLICT (id) DO NOTHING",
		auditColumns,
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

// Query — выборка с фильтрами для комплаенс-представления.
func (r *AuditRepo) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	query := fmt.Sprintf("SELECT %s FROM audit_entries WHERE 1=1", auditColumns)
	var args []interface{}

	add := func(col string, val interface{}) {
		args = append(args, val)
		query += fmt.Sprintf(" AND %s = $%d", col, len(args))
	}
	if f.Action != "" {
		add("action", f.Action)
	}
	if f.Actor != "" {
		add("actor", f.Actor)
	}
	if f.TraceID != "" {
		add("trace_id", f.TraceID)
	}
	if f.ResourceType != "" {
		add("resource_type", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id", f.ResourceID)
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}

	query += " ORDER BY timestamp ASC"
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit entries: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	results := make([]audit.Entry, 0)
	for rows.Next() {
		var e audit.Entry
		var details []byte
		err := rows.Scan(
			&e.ID, &e.Timestamp, &e.Action, &e.Actor, &e.TraceID,
			&e.ResourceType, &e.ResourceID, &e.Success, &e.ErrorMessage,
			&details, &e.Checksum,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func (r *AuditRepo) Close() error {
	return r.db.Close()
}
