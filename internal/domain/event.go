package domain

import "time"

// Типы событий журнала
const (
	EventIncidentCreated      = "IncidentCreated"
	EventIncidentTransitioned = "IncidentTransitioned"
	EventConsensusRequested   = "ConsensusRequested"
	EventConsensusVoteCast    = "ConsensusVoteCast"
	EventConsensusDecided     = "ConsensusDecided"
)

// AggregateIncident — единственный тип агрегата ядра плюс consensus как вспомогательный.
const (
	AggregateIncident  = "incident"
	AggregateConsensus = "consensus"
)

// Event — неизменяемая запись журнала. Для агрегата sequence_number строго
// возрастает без пропусков — это второй, независимый от блокировок контроль порядка.
type Event struct {
	EventID        string                 `json:"event_id"`
	AggregateType  string                 `json:"aggregate_type"`
	AggregateID    string                 `json:"aggregate_id"`
	TraceID        string                 `json:"trace_id,omitempty"`
	EventType      string                 `json:"event_type"`
	SequenceNumber int64                  `json:"sequence_number"`
	Data           map[string]interface{} `json:"data"`
	RecordedAt     time.Time              `json:"recorded_at"`
}
