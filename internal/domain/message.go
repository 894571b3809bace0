package domain

// Типы сообщений межагентного протокола
type MessageType string

const (
	MsgIncidentSignal     MessageType = "IncidentSignal"
	MsgRCAReport          MessageType = "RCAReport"
	MsgFixProposal        MessageType = "FixProposal"
	MsgVerificationReport MessageType = "VerificationReport"
	MsgExecutionOrder     MessageType = "ExecutionOrder"
	MsgExecutionResult    MessageType = "ExecutionResult"
	MsgConsensusVote      MessageType = "ConsensusVote"
	MsgHeartbeat          MessageType = "Heartbeat"
)

var knownMessageTypes = map[MessageType]struct{}{
	MsgIncidentSignal:     {},
	MsgRCAReport:          {},
	MsgFixProposal:        {},
	MsgVerificationReport: {},
	MsgExecutionOrder:     {},
	MsgExecutionResult:    {},
	MsgConsensusVote:      {},
	MsgHeartbeat:          {},
}

// IsKnown — известен ли тип сообщения протоколу.
func (t MessageType) IsKnown() bool {
	_, ok := knownMessageTypes[t]
	return ok
}

// MessageMeta — обязательные метаданные конверта.
type MessageMeta struct {
	TraceID        string      `json:"trace_id"`
	SpanID         string      `json:"span_id,omitempty"`
	Timestamp      string      `json:"timestamp,omitempty"`
	SourceAgent    string      `json:"source_agent"`
	TargetAgent    string      `json:"target_agent"`
	MessageType    MessageType `json:"message_type"`
	SchemaVersion  string      `json:"schema_version,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// MessageContext — контекст исполнения (откуда пришел сигнал).
type MessageContext struct {
	Namespace string `json:"namespace"`
	Cluster   string `json:"cluster"`
	Urgency   string `json:"urgency,omitempty"`
}

// MessageEnvelope — транспортно-независимый конверт сообщения.
type MessageEnvelope struct {
	Meta    MessageMeta            `json:"meta"`
	Context MessageContext         `json:"context"`
	Payload map[string]interface{} `json:"payload"`
}

// MessageID — ключ идемпотентности конверта. Поле необязательное: если
// агент его не проставил, дубликат отличить нельзя, и конверт
// обрабатывается заново без участия в дедупликации.
func (e *MessageEnvelope) MessageID() string {
	return e.Meta.IdempotencyKey
}

// Validate проверяет конверт ДО любых побочных эффектов.
// Возвращает *ValidationError с перечнем проблемных полей.
func (e *MessageEnvelope) Validate() error {
	var missing []string
	if e.Meta.TraceID == "" {
		missing = append(missing, "meta.trace_id")
	}
	if e.Meta.SourceAgent == "" {
		missing = append(missing, "meta.source_agent")
	}
	if e.Meta.TargetAgent == "" {
		missing = append(missing, "meta.target_agent")
	}
	if e.Meta.MessageType == "" {
		missing = append(missing, "meta.message_type")
	}
	if e.Context.Namespace == "" {
		missing = append(missing, "context.namespace")
	}
	if e.Context.Cluster == "" {
		missing = append(missing, "context.cluster")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing, Reason: "missing required fields"}
	}
	if !e.Meta.MessageType.IsKnown() {
		return &ValidationError{
			Fields: []string{"meta.message_type"},
			Reason: "unknown message type " + string(e.Meta.MessageType),
		}
	}
	return nil
}

// StringField достает строковое поле из payload (JSON-числа и прочее игнорируются).
func (e *MessageEnvelope) StringField(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// StringsField достает список строк из payload.
func (e *MessageEnvelope) StringsField(key string) []string {
	raw, ok := e.Payload[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
