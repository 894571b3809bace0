package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/aaps-coordinator/internal/audit"
	"github.com/xela07ax/aaps-coordinator/internal/domain"
	"github.com/xela07ax/aaps-coordinator/internal/eventstore"
)

// StateMachine — единственный владелец переходов Incident.State.
// Каждый успешный переход атомарен: событие в журнале, запись аудита и
// обновление снимка происходят вместе или не происходят вовсе. Точка
// коммита — запись события; несложившийся аудит компенсируется откатом хвоста.
type StateMachine struct {
	repo   Repository
	events eventstore.Store
	trail  *audit.Trail
	logger *zap.Logger
	now    func() time.Time
}

func NewStateMachine(repo Repository, events eventstore.Store, trail *audit.Trail, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		repo:   repo,
		events: events,
		trail:  trail,
		logger: logger.Named("state-machine"),
		now:    time.Now,
	}
}

// CreateParams — параметры заведения инцидента из входящего сигнала.
type CreateParams struct {
	TraceID           string
	Severity          string
	IncidentType      string
	Title             string
	Description       string
	AffectedResources []string
	Metadata          map[string]string
	CreatedBy         string
	MessageID         string
}

// Create заводит инцидент в TRIAGE — единственном начальном состоянии.
func (sm *StateMachine) Create(ctx context.Context, p CreateParams) (domain.Incident, error) {
	now := sm.now().UTC()
	inc := domain.Incident{
		IncidentID:        uuid.New().String(),
		TraceID:           p.TraceID,
		State:             domain.StateTriage,
		Severity:          p.Severity,
		IncidentType:      p.IncidentType,
		Title:             p.Title,
		Description:       p.Description,
		AffectedResources: p.AffectedResources,
		Metadata:          p.Metadata,
		CreatedBy:         p.CreatedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	ev, err := sm.events.Append(ctx, eventstore.AppendParams{
		AggregateType:    domain.AggregateIncident,
		AggregateID:      inc.IncidentID,
		TraceID:          inc.TraceID,
		EventType:        domain.EventIncidentCreated,
		Data:             incidentToData(inc, p.MessageID),
		ExpectedSequence: 0,
	})
	if err != nil {
		return domain.Incident{}, err
	}

	if _, err := sm.trail.Log(ctx, audit.LogParams{
		Action:       audit.ActionIncidentCreated,
		Actor:        p.CreatedBy,
		TraceID:      inc.TraceID,
		ResourceType: "incident",
		ResourceID:   inc.IncidentID,
		Success:      true,
		Details: map[string]string{
			"severity":      inc.Severity,
			"incident_type": inc.IncidentType,
			"state":         string(inc.State),
		},
	}); err != nil {
		sm.discardTail(ctx, inc.IncidentID, ev.SequenceNumber)
		return domain.Incident{}, err
	}

	sm.repo.Save(inc)
	sm.logger.Info("incident created",
		zap.String("incident_id", inc.IncidentID),
		zap.String("trace_id", inc.TraceID),
		zap.String("severity", inc.Severity),
	)
	return inc, nil
}

// TransitionParams — параметры перевода инцидента в новое состояние.
type TransitionParams struct {
	IncidentID  string
	ToState     domain.IncidentState
	Trigger     string
	TriggeredBy string
	MessageID   string
}

// Transition проверяет ребро по таблице переходов и фиксирует его.
// Недопустимый переход отклоняется без каких-либо записей: состояние
// инцидента и журнал событий остаются нетронутыми.
func (sm *StateMachine) Transition(ctx context.Context, p TransitionParams) (domain.Incident, error) {
	inc, ok := sm.repo.Get(p.IncidentID)
	if !ok {
		return domain.Incident{}, fmt.Errorf("%w: %s", domain.ErrIncidentNotFound, p.IncidentID)
	}

	tr := domain.StateTransition{
		FromState:   inc.State,
		ToState:     p.ToState,
		Trigger:     p.Trigger,
		TriggeredBy: p.TriggeredBy,
		MessageID:   p.MessageID,
		Timestamp:   sm.now().UTC(),
	}

	// Чистая функция перехода: та же, что при восстановлении из журнала
	next, err := domain.ApplyTransition(inc, tr)
	if err != nil {
		return domain.Incident{}, err
	}

	// Конфликт sequence при гонке дозаписи повторяется один раз со свежим
	// хвостом; вторая неудача отдается вызывающему как есть
	var ev domain.Event
	for attempt := 0; ; attempt++ {
		lastSeq, err := sm.events.LastSequence(ctx, domain.AggregateIncident, inc.IncidentID)
		if err != nil {
			return domain.Incident{}, err
		}
		ev, err = sm.events.Append(ctx, eventstore.AppendParams{
			AggregateType:    domain.AggregateIncident,
			AggregateID:      inc.IncidentID,
			TraceID:          inc.TraceID,
			EventType:        domain.EventIncidentTransitioned,
			Data:             transitionToData(tr),
			ExpectedSequence: lastSeq,
		})
		if err == nil {
			break
		}
		if attempt == 0 && errors.Is(err, domain.ErrConcurrentWrite) {
			continue
		}
		return domain.Incident{}, err
	}

	if _, err := sm.trail.Log(ctx, audit.LogParams{
		Action:       audit.ActionIncidentMoved,
		Actor:        p.TriggeredBy,
		TraceID:      inc.TraceID,
		ResourceType: "incident",
		ResourceID:   inc.IncidentID,
		Success:      true,
		Details: map[string]string{
			"from_state": string(tr.FromState),
			"to_state":   string(tr.ToState),
			"trigger":    tr.Trigger,
		},
	}); err != nil {
		sm.discardTail(ctx, inc.IncidentID, ev.SequenceNumber)
		return domain.Incident{}, err
	}

	sm.repo.Save(next)
	sm.logger.Info("incident transitioned",
		zap.String("incident_id", inc.IncidentID),
		zap.String("from", string(tr.FromState)),
		zap.String("to", string(tr.ToState)),
		zap.String("trigger", tr.Trigger),
	)
	return next, nil
}

func (sm *StateMachine) discardTail(ctx context.Context, incidentID string, seq int64) {
	td, ok := sm.events.(eventstore.TailDiscarder)
	if !ok {
		sm.logger.Error("event store cannot compensate tail, journal and audit diverged",
			zap.String("incident_id", incidentID), zap.Int64("sequence", seq))
		return
	}
	if err := td.DiscardTail(ctx, domain.AggregateIncident, incidentID, seq); err != nil {
		sm.logger.Error("tail compensation failed",
			zap.String("incident_id", incidentID), zap.Int64("sequence", seq), zap.Error(err))
	}
}

// Get возвращает живой снимок инцидента.
func (sm *StateMachine) Get(incidentID string) (domain.Incident, error) {
	inc, ok := sm.repo.Get(incidentID)
	if !ok {
		return domain.Incident{}, fmt.Errorf("%w: %s", domain.ErrIncidentNotFound, incidentID)
	}
	return inc, nil
}

// FindByTraceID — поиск по сквозному корреляционному ключу.
func (sm *StateMachine) FindByTraceID(traceID string) (domain.Incident, error) {
	inc, ok := sm.repo.FindByTraceID(traceID)
	if !ok {
		return domain.Incident{}, fmt.Errorf("%w: trace %s", domain.ErrIncidentNotFound, traceID)
	}
	return inc, nil
}

// List — выборка по фильтрам.
func (sm *StateMachine) List(f ListFilter) []domain.Incident {
	return sm.repo.List(f)
}

// History — переходы инцидента в порядке журнала.
func (sm *StateMachine) History(ctx context.Context, incidentID string) ([]domain.StateTransition, error) {
	if _, ok := sm.repo.Get(incidentID); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIncidentNotFound, incidentID)
	}
	var out []domain.StateTransition
	for ev, err := range sm.events.Read(domain.AggregateIncident, incidentID) {
		if err != nil {
			return nil, err
		}
		if ev.EventType != domain.EventIncidentTransitioned {
			continue
		}
		tr, err := transitionFromData(ev.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// Replay восстанавливает инцидент сверткой его событий через ту же чистую
// функцию перехода, что работает вживую: результат обязан совпасть со снимком.
func (sm *StateMachine) Replay(ctx context.Context, incidentID string) (domain.Incident, error) {
	var (
		inc   domain.Incident
		found bool
	)
	for ev, err := range sm.events.Read(domain.AggregateIncident, incidentID) {
		if err != nil {
			return domain.Incident{}, err
		}
		switch ev.EventType {
		case domain.EventIncidentCreated:
			inc, err = incidentFromData(ev.Data)
			if err != nil {
				return domain.Incident{}, err
			}
			found = true
		case domain.EventIncidentTransitioned:
			tr, err := transitionFromData(ev.Data)
			if err != nil {
				return domain.Incident{}, err
			}
			inc, err = domain.ApplyTransition(inc, tr)
			if err != nil {
				return domain.Incident{}, fmt.Errorf("replay diverged at sequence %d: %w", ev.SequenceNumber, err)
			}
		}
	}
	if !found {
		return domain.Incident{}, fmt.Errorf("%w: %s", domain.ErrIncidentNotFound, incidentID)
	}
	return inc, nil
}

// StateCounts — раскладка инцидентов по состояниям.
func (sm *StateMachine) StateCounts() map[domain.IncidentState]int {
	counts := make(map[domain.IncidentState]int)
	for _, inc := range sm.repo.List(ListFilter{}) {
		counts[inc.State]++
	}
	return counts
}

// SeverityCounts — раскладка инцидентов по критичности.
func (sm *StateMachine) SeverityCounts() map[string]int {
	counts := make(map[string]int)
	for _, inc := range sm.repo.List(ListFilter{}) {
		counts[inc.Severity]++
	}
	return counts
}

// Кодирование полезных нагрузок событий идет через JSON round-trip:
// журнал хранит map[string]interface{}, типы восстанавливаются при чтении.

func incidentToData(inc domain.Incident, messageID string) map[string]interface{} {
	raw, _ := json.Marshal(inc)
	var data map[string]interface{}
	_ = json.Unmarshal(raw, &data)
	if messageID != "" {
		data["message_id"] = messageID
	}
	return data
}

func incidentFromData(data map[string]interface{}) (domain.Incident, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return domain.Incident{}, err
	}
	var inc domain.Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		return domain.Incident{}, err
	}
	return inc, nil
}

func transitionToData(tr domain.StateTransition) map[string]interface{} {
	raw, _ := json.Marshal(tr)
	var data map[string]interface{}
	_ = json.Unmarshal(raw, &data)
	return data
}

func transitionFromData(data map[string]interface{}) (domain.StateTransition, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return domain.StateTransition{}, err
	}
	var tr domain.StateTransition
	if err := json.Unmarshal(raw, &tr); err != nil {
		return domain.StateTransition{}, err
	}
	return tr, nil
}
