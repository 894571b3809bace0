package incident

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/xela07ax/aaps-coordinator/internal/domain"
)

// ListFilter — фильтры выборки инцидентов.
type ListFilter struct {
	State    domain.IncidentState
	Severity string
	Limit    int
}

// Repository — явное хранилище инцидентов вместо глобальных словарей.
// Снимок инцидента вторичен: источник правды — журнал событий.
type Repository interface {
	Save(inc domain.Incident)
	Get(incidentID string) (domain.Incident, bool)
	FindByTraceID(traceID string) (domain.Incident, bool)
	List(f ListFilter) []domain.Incident
}

const shardCount = 16

type shard struct {
	mu        sync.RWMutex
	incidents map[string]domain.Incident
	byTrace   map[string]string // trace_id -> incident_id
}

// MemoryRepository — шардированная таблица: блокировки по ключу,
// без единого глобального мьютекса, чтобы инциденты не мешали друг другу.
type MemoryRepository struct {
	shards [shardCount]*shard
}

func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{}
	for i := range r.shards {
		r.shards[i] = &shard{
			incidents: make(map[string]domain.Incident),
			byTrace:   make(map[string]string),
		}
	}
	return r
}

func (r *MemoryRepository) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()%shardCount]
}

func (r *MemoryRepository) Save(inc domain.Incident) {
	s := r.shardFor(inc.IncidentID)
	s.mu.Lock()
	s.incidents[inc.IncidentID] = inc
	s.byTrace[inc.TraceID] = inc.IncidentID
	s.mu.Unlock()
}

func (r *MemoryRepository) Get(incidentID string) (domain.Incident, bool) {
	s := r.shardFor(incidentID)
	s.mu.RLock()
	inc, ok := s.incidents[incidentID]
	s.mu.RUnlock()
	return inc, ok
}

// FindByTraceID обходит шарды: trace_id хранится в шарде своего инцидента.
func (r *MemoryRepository) FindByTraceID(traceID string) (domain.Incident, bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		id, ok := s.byTrace[traceID]
		if ok {
			inc := s.incidents[id]
			s.mu.RUnlock()
			return inc, true
		}
		s.mu.RUnlock()
	}
	return domain.Incident{}, false
}

func (r *MemoryRepository) List(f ListFilter) []domain.Incident {
	var out []domain.Incident
	for _, s := range r.shards {
		s.mu.RLock()
		for _, inc := range s.incidents {
			if f.State != "" && inc.State != f.State {
				continue
			}
			if f.Severity != "" && inc.Severity != f.Severity {
				continue
			}
			out = append(out, inc)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}
