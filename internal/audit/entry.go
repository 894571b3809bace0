package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Действия, фиксируемые в журнале аудита
type Action string

const (
	ActionMessageReceived  Action = "message_received"
	ActionMessageRejected  Action = "message_rejected"
	ActionMessageRouted    Action = "message_routed"
	ActionMessageSent      Action = "message_sent"
	ActionIncidentCreated  Action = "incident_created"
	ActionIncidentMoved    Action = "incident_transitioned"
	ActionConsensusOpened  Action = "consensus_requested"
	ActionVoteCast         Action = "consensus_vote_received"
	ActionConsensusDecided Action = "consensus_decided"
	ActionAgentHealthCheck Action = "agent_health_check"
	ActionRollbackOutcome  Action = "rollback_outcome"
	ActionErrorOccurred    Action = "error_occurred"
)

// Entry — одна запись аудита. Журнал append-only; порядок по Timestamp
// в рамках trace_id — комплаенс-представление жизни инцидента.
type Entry struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Action       Action            `json:"action"`
	Actor        string            `json:"actor"`
	TraceID      string            `json:"trace_id,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	Checksum     string            `json:"checksum,omitempty"`
}

// ComputeChecksum — SHA-256 по каноническому содержимому записи.
// Поле Checksum в расчет не входит.
func (e Entry) ComputeChecksum() string {
	canonical, _ := json.Marshal(struct {
		ID           string            `json:"id"`
		Timestamp    time.Time         `json:"timestamp"`
		Action       Action            `json:"action"`
		Actor        string            `json:"actor"`
		TraceID      string            `json:"trace_id"`
		ResourceType string            `json:"resource_type"`
		ResourceID   string            `json:"resource_id"`
		Success      bool              `json:"success"`
		Details      map[string]string `json:"details"`
	}{e.ID, e.Timestamp, e.Action, e.Actor, e.TraceID, e.ResourceType, e.ResourceID, e.Success, e.Details})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Filter — фильтры выборки записей аудита.
type Filter struct {
	Action       Action
	Actor        string
	TraceID      string
	ResourceType string
	ResourceID   string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}
