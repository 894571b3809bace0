package domain

import "time"

// Типы голосов
type VoteType string

const (
	VoteApprove VoteType = "approve"
	VoteReject  VoteType = "reject"
	VoteAbstain VoteType = "abstain"
	VoteVeto    VoteType = "veto"
)

// Итоговые состояния раунда консенсуса
type ConsensusState string

const (
	ConsensusPending  ConsensusState = "pending"
	ConsensusApproved ConsensusState = "approved"
	ConsensusRejected ConsensusState = "rejected"
	ConsensusVetoed   ConsensusState = "vetoed"
	ConsensusExpired  ConsensusState = "expired"
)

// IsFinal — pending единственное нетерминальное состояние.
func (s ConsensusState) IsFinal() bool { return s != ConsensusPending }

// QuorumRule — правило кворума: фиксированный порог одобрений плюс приоритет вето.
// Порог настраивается, а не зашит в код.
type QuorumRule struct {
	Threshold int `json:"threshold" mapstructure:"threshold"` // Минимум голосов approve
}

// ConsensusRequest — одна заявка на многоагентное одобрение рискованного перехода.
// Инвариант: не более одного открытого раунда на инцидент.
type ConsensusRequest struct {
	ConsensusID string                 `json:"consensus_id"`
	TraceID     string                 `json:"trace_id"`
	RequestType string                 `json:"request_type"`
	Title       string                 `json:"title"`
	IncidentID  string                 `json:"incident_id"`
	ProposalID  string                 `json:"proposal_id,omitempty"`
	RequestedBy string                 `json:"requested_by"`
	QuorumRule  QuorumRule             `json:"quorum_rule"`
	CreatedAt   time.Time              `json:"created_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// Vote — живой голос агента. Повторный голос того же агента замещает предыдущий.
type Vote struct {
	VoteID       string    `json:"vote_id"`
	ConsensusID  string    `json:"consensus_id"`
	AgentID      string    `json:"agent_id"`
	VoteType     VoteType  `json:"vote_type"`
	Reasoning    string    `json:"reasoning,omitempty"`
	EvidenceRefs []string  `json:"evidence_refs,omitempty"`
	Conditions   []string  `json:"conditions,omitempty"`
	CastAt       time.Time `json:"cast_at"`
}

// VoteTally — раскладка голосов на момент решения.
type VoteTally struct {
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
	Abstain int `json:"abstain"`
	Veto    int `json:"veto"`
	Total   int `json:"total"`
}

// ConsensusResult — итог раунда. Став нетерминальным, больше не меняется.
type ConsensusResult struct {
	ConsensusID    string         `json:"consensus_id"`
	State          ConsensusState `json:"state"`
	Tally          VoteTally      `json:"tally"`
	DecidingFactor string         `json:"deciding_factor,omitempty"`
	Conditions     []string       `json:"conditions,omitempty"` // Условия из approve-голосов
	DecidedAt      time.Time      `json:"decided_at,omitempty"`
}
