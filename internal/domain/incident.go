package domain

import (
	"time"
)

// Состояния жизненного цикла инцидента (State Machine)
type IncidentState string

const (
	StateTriage   IncidentState = "TRIAGE"
	StatePropose  IncidentState = "PROPOSE"
	StateVerify   IncidentState = "VERIFY"
	StateApprove  IncidentState = "APPROVE"
	StateExecute  IncidentState = "EXECUTE"
	StateValidate IncidentState = "VALIDATE"
	StateRollback IncidentState = "ROLLBACK"
)

// validTransitions — статическая таблица допустимых переходов.
// VERIFY -> PROPOSE — возврат на доработку, EXECUTE -> ROLLBACK — откат при сбое.
// VALIDATE и ROLLBACK — терминальные.
var validTransitions = map[IncidentState][]IncidentState{
	StateTriage:   {StatePropose},
	StatePropose:  {StateVerify},
	StateVerify:   {StateApprove, StatePropose},
	StateApprove:  {StateExecute},
	StateExecute:  {StateValidate, StateRollback},
	StateValidate: {},
	StateRollback: {},
}

// ValidNextStates возвращает копию списка разрешенных переходов из состояния.
func ValidNextStates(from IncidentState) []IncidentState {
	next := validTransitions[from]
	out := make([]IncidentState, len(next))
	copy(out, next)
	return out
}

// IsTerminal — из терминального состояния переходов нет.
func (s IncidentState) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// CanTransitionTo проверяет ребро по таблице переходов.
func (s IncidentState) CanTransitionTo(to IncidentState) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Incident — отслеживаемая проблема, движущаяся по конечному автомату.
// Единственное изменяемое поле — State; вся история живет в событиях (Event Sourcing).
type Incident struct {
	IncidentID        string            `json:"incident_id"`
	TraceID           string            `json:"trace_id"` // Сквозной корреляционный ключ
	State             IncidentState     `json:"state"`
	Severity          string            `json:"severity"`
	IncidentType      string            `json:"incident_type"`
	Title             string            `json:"title"`
	Description       string            `json:"description,omitempty"`
	AffectedResources []string          `json:"affected_resources"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedBy         string            `json:"created_by"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// StateTransition — полезная нагрузка события перехода.
// MessageID служит ключом идемпотентности на уровне инцидента.
type StateTransition struct {
	FromState   IncidentState `json:"from_state"`
	ToState     IncidentState `json:"to_state"`
	Trigger     string        `json:"trigger"`
	TriggeredBy string        `json:"triggered_by"`
	MessageID   string        `json:"message_id,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// ApplyTransition — чистая функция перехода. Именно через нее идет и живое
// исполнение, и восстановление из журнала событий (Replay), поэтому результаты совпадают.
func ApplyTransition(inc Incident, tr StateTransition) (Incident, error) {
	if inc.State != tr.FromState {
		return inc, &InvalidTransitionError{From: inc.State, To: tr.ToState}
	}
	if !inc.State.CanTransitionTo(tr.ToState) {
		return inc, &InvalidTransitionError{From: inc.State, To: tr.ToState}
	}
	inc.State = tr.ToState
	inc.UpdatedAt = tr.Timestamp
	return inc, nil
}
