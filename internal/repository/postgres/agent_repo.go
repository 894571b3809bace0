package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/aaps-coordinator/internal/agents"
)

// AgentRepo — персистентный справочник агентов. Используется для холодной
// загрузки реестра при старте координатора; рантайм работает с RAM-реестром,
// а Redis-сигналы обновляют его вживую.
type AgentRepo struct {
	db *sql.DB
}

func NewAgentRepo(connString string) (*AgentRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open agent repo: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AgentRepo{db: db}, nil
}

// Ping проверяет доступность базы при старте
func (r *AgentRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// ListAgents возвращает всех зарегистрированных агентов для прогрева реестра.
func (r *AgentRepo) ListAgents(ctx context.Context) ([]agents.Info, error) {
	query := `SELECT id, url, agent_type, status, last_seen FROM agents`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query agents: %w", err)
	}
	defer rows.Close()

	result := make([]agents.Info, 0)
	for rows.Next() {
		var info agents.Info
		var lastSeen sql.NullTime
		if err := rows.Scan(&info.AgentID, &info.URL, &info.AgentType, &info.Status, &lastSeen); err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		if lastSeen.Valid {
			info.LastSeen = lastSeen.Time
		}
		result = append(result, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return result, nil
}

// SaveAgent регистрирует агента или обновляет его адрес/тип.
func (r *AgentRepo) SaveAgent(ctx context.Context, info agents.Info) error {
	query := `INSERT INTO agents (id, url, agent_type, status, last_seen)
	          VALUES ($1, $2, $3, $4, NOW())
	          ON CONFLICT (id) DO UPDATE SET url = $2, agent_type = $3, status = $4, last_seen = NOW()`
	_, err := r.db.ExecContext(ctx, query, info.AgentID, info.URL, info.AgentType, info.Status)
	if err != nil {
		return fmt.Errorf("postgres: save agent: %w", err)
	}
	return nil
}

// UpdateStatus меняет статус агента (healthy/timeout/error/blocked).
func (r *AgentRepo) UpdateStatus(ctx context.Context, id string, status string) error {
	query := `UPDATE agents SET status = $1, last_seen = NOW() WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("postgres: agent %s not found", id)
	}
	return nil
}

func (r *AgentRepo) Close() error {
	return r.db.Close()
}
