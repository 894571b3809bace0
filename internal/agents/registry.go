package agents

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/aaps-coordinator/internal/domain"
)

// Статусы агентов в реестре
const (
	StatusRegistered = "registered"
	StatusHealthy    = "healthy"
	StatusUnhealthy  = "unhealthy"
	StatusTimeout    = "timeout"
	StatusError      = "error"
	StatusBlocked    = "blocked"
)

// Info — сведения о зарегистрированном агенте.
type Info struct {
	AgentID      string    `json:"agent_id"`
	URL          string    `json:"url"`
	AgentType    string    `json:"agent_type"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// Caller — исходящий канал к агенту. Потребляется роутером через Resilience-обертку.
type Caller interface {
	Call(ctx context.Context, agentID string, env domain.MessageEnvelope) (map[string]interface{}, error)
	HealthCheck(ctx context.Context, agentID string) (string, error)
}

// Registry — RAM-реестр агентов. Источник allow-list для валидации конвертов.
// Прогревается из Postgres при старте, обновляется Redis-сигналами вживую.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Info
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Info)}
}

// Register добавляет или перезаписывает агента.
func (r *Registry) Register(info Info) Info {
	if info.Status == "" {
		info.Status = StatusRegistered
	}
	info.LastSeen = time.Now().UTC()

	r.mu.Lock()
	r.agents[info.AgentID] = info
	r.mu.Unlock()
	return info
}

// Deregister убирает агента из allow-list.
func (r *Registry) Deregister(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return false
	}
	delete(r.agents, agentID)
	return true
}

// Get возвращает сведения об агенте.
func (r *Registry) Get(agentID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[agentID]
	return info, ok
}

// IsAllowed — входит ли агент в allow-list и не заблокирован ли он.
func (r *Registry) IsAllowed(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[agentID]
	return ok && info.Status != StatusBlocked
}

// List возвращает агентов, отсортированных по ID (стабильный вывод для API).
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// UpdateStatus помечает статус и время последнего контакта.
func (r *Registry) UpdateStatus(agentID, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[agentID]
	if !ok {
		return false
	}
	info.Status = status
	info.LastSeen = time.Now().UTC()
	r.agents[agentID] = info
	return true
}

// IDs — список всех ID (для прогрева Redis).
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}
