package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/aaps-coordinator/internal/agents"
	"github.com/xela07ax/aaps-coordinator/internal/audit"
	"github.com/xela07ax/aaps-coordinator/internal/broker"
	"github.com/xela07ax/aaps-coordinator/internal/consensus"
	"github.com/xela07ax/aaps-coordinator/internal/domain"
	"github.com/xela07ax/aaps-coordinator/internal/incident"
)

// Исходы маршрутизации
const (
	StatusProcessed = "processed"
	StatusDuplicate = "duplicate"
	StatusNoHandler = "no_handler"
	StatusError     = "error"
)

// RoutingResult — структурированный итог обработки конверта.
type RoutingResult struct {
	Status      string                `json:"status"`
	Handler     string                `json:"handler,omitempty"`
	IncidentID  string                `json:"incident_id,omitempty"`
	State       domain.IncidentState  `json:"state,omitempty"`
	ConsensusID string                `json:"consensus_id,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// Roles — кто из зарегистрированных агентов играет какую роль конвейера.
// Роутер шлет им уведомления о следующем шаге через Resilience-обертку.
type Roles struct {
	Diagnosis    string `mapstructure:"diagnosis"`
	Proposal     string `mapstructure:"proposal"`
	Verification string `mapstructure:"verification"`
	Execution    string `mapstructure:"execution"`
}

// Config — настройки роутера.
type Config struct {
	QuorumThreshold  int           `mapstructure:"quorum_threshold"`
	ConsensusTimeout time.Duration `mapstructure:"consensus_timeout"`
	Roles            Roles         `mapstructure:"roles"`
}

// Router — точка входа межагентного протокола: валидация конверта,
// сериализация по trace_id, идемпотентность, диспетчеризация по типу
// сообщения и композиция автомата, консенсуса и исходящих вызовов.
type Router struct {
	machine   *incident.StateMachine
	consensus *consensus.Manager
	registry  *agents.Registry
	caller    agents.Caller
	trail     *audit.Trail
	publisher *broker.DecisionPublisher
	metrics   *Metrics
	locks     *keyedLocks
	cache     *resultCache
	logger    *zap.Logger
	cfg       Config
}

func NewRouter(
	machine *incident.StateMachine,
	cons *consensus.Manager,
	registry *agents.Registry,
	caller agents.Caller,
	trail *audit.Trail,
	publisher *broker.DecisionPublisher,
	metrics *Metrics,
	cfg Config,
	logger *zap.Logger,
) *Router {
	if cfg.QuorumThreshold < 1 {
		cfg.QuorumThreshold = 2
	}
	if cfg.ConsensusTimeout <= 0 {
		cfg.ConsensusTimeout = 5 * time.Minute
	}
	r := &Router{
		machine:   machine,
		consensus: cons,
		registry:  registry,
		caller:    caller,
		trail:     trail,
		publisher: publisher,
		metrics:   metrics,
		locks:     newKeyedLocks(),
		cache:     newResultCache(),
		logger:    logger.Named("router"),
		cfg:       cfg,
	}
	// Разрешение раунда двигает инцидент дальше через тот же роутер
	cons.OnDecided(r.onConsensusDecided)
	return r
}

// Route обрабатывает входящий конверт. Ошибка валидации возвращается
// без какой-либо мутации состояния; единственный след — запись об отказе.
func (r *Router) Route(ctx context.Context, env domain.MessageEnvelope) (RoutingResult, error) {
	started := time.Now()
	msgType := string(env.Meta.MessageType)

	res, err := r.route(ctx, env)
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}

	r.metrics.MessagesTotal.WithLabelValues(msgType, res.Status).Inc()
	r.metrics.RouteDuration.WithLabelValues(msgType, res.Status).Observe(time.Since(started).Seconds())
	return res, err
}

func (r *Router) route(ctx context.Context, env domain.MessageEnvelope) (RoutingResult, error) {
	if err := env.Validate(); err != nil {
		r.reject(ctx, env, err)
		r.metrics.ErrorsTotal.WithLabelValues("validation").Inc()
		return RoutingResult{Status: StatusError}, err
	}
	if !r.registry.IsAllowed(env.Meta.SourceAgent) {
		err := &domain.ValidationError{
			Fields: []string{"meta.source_agent"},
			Reason: "agent is not registered or is blocked: " + env.Meta.SourceAgent,
		}
		r.reject(ctx, env, err)
		r.metrics.ErrorsTotal.WithLabelValues("not_allowed").Inc()
		return RoutingResult{Status: StatusError}, err
	}

	// Heartbeat не привязан к инциденту и не проходит через per-trace очередь
	if env.Meta.MessageType == domain.MsgHeartbeat {
		return r.handleHeartbeat(ctx, env)
	}

	release := r.locks.Acquire(env.Meta.TraceID)
	defer release()

	// Идемпотентность: уже примененный message_id возвращает прежний
	// результат — ни новых событий, ни новых записей аудита.
	// Ключ необязателен: конверт без него не участвует в дедупликации.
	if env.MessageID() != "" {
		if prev, ok := r.cache.Get(env.Meta.TraceID, env.MessageID()); ok {
			r.logger.Debug("duplicate message replayed from cache",
				zap.String("trace_id", env.Meta.TraceID),
				zap.String("message_id", env.MessageID()),
			)
			dup := prev
			dup.Status = StatusDuplicate
			return dup, nil
		}
	}

	if _, err := r.trail.Log(ctx, audit.LogParams{
		Action:       audit.ActionMessageReceived,
		Actor:        env.Meta.SourceAgent,
		TraceID:      env.Meta.TraceID,
		ResourceType: "message",
		ResourceID:   env.MessageID(),
		Success:      true,
		Details:      map[string]string{"message_type": string(env.Meta.MessageType)},
	}); err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("audit").Inc()
		return RoutingResult{Status: StatusError}, err
	}

	res, err := r.dispatch(ctx, env)
	if err != nil {
		res.Error = err.Error()
	}
	if env.MessageID() != "" {
		r.cache.Put(env.Meta.TraceID, env.MessageID(), res)
	}
	r.observeStates()
	return res, err
}

// dispatch — диспетчеризация по типу сообщения: ровно один обработчик.
// Известный тип без входящего обработчика — no_handler, не ошибка.
func (r *Router) dispatch(ctx context.Context, env domain.MessageEnvelope) (RoutingResult, error) {
	switch env.Meta.MessageType {
	case domain.MsgIncidentSignal:
		return r.handleSignal(ctx, env)
	case domain.MsgRCAReport:
		return r.handleRCAReport(ctx, env)
	case domain.MsgFixProposal:
		return r.handleFixProposal(ctx, env)
	case domain.MsgVerificationReport:
		return r.handleVerificationReport(ctx, env)
	case domain.MsgExecutionResult:
		return r.handleExecutionResult(ctx, env)
	case domain.MsgConsensusVote:
		return r.handleVote(ctx, env)
	default:
		// ExecutionOrder — исходящий тип: координатор его шлет, не принимает
		return RoutingResult{Status: StatusNoHandler, Handler: string(env.Meta.MessageType)}, nil
	}
}

// reject — след об отклоненном конверте. Запись best-effort: отказ
// уже состоялся, fail-closed здесь нечего защищать.
func (r *Router) reject(ctx context.Context, env domain.MessageEnvelope, cause error) {
	if _, err := r.trail.Log(ctx, audit.LogParams{
		Action:       audit.ActionMessageRejected,
		Actor:        env.Meta.SourceAgent,
		TraceID:      env.Meta.TraceID,
		ResourceType: "message",
		ResourceID:   env.MessageID(),
		Success:      false,
		ErrorMessage: cause.Error(),
		Details:      map[string]string{"message_type": string(env.Meta.MessageType)},
	}); err != nil {
		r.logger.Error("failed to audit message rejection", zap.Error(err))
	}
	r.logger.Warn("envelope rejected",
		zap.String("trace_id", env.Meta.TraceID),
		zap.String("source_agent", env.Meta.SourceAgent),
		zap.Error(cause),
	)
}

// observeStates обновляет гейдж раскладки инцидентов по состояниям.
func (r *Router) observeStates() {
	counts := r.machine.StateCounts()
	for _, st := range []domain.IncidentState{
		domain.StateTriage, domain.StatePropose, domain.StateVerify,
		domain.StateApprove, domain.StateExecute, domain.StateValidate, domain.StateRollback,
	} {
		r.metrics.IncidentsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// notify — исходящее уведомление агенту о следующем шаге конвейера.
// Best-effort: сбой логируется, основная операция уже зафиксирована.
func (r *Router) notify(ctx context.Context, agentID string, env domain.MessageEnvelope) {
	if agentID == "" {
		return
	}
	if _, err := r.caller.Call(ctx, agentID, env); err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("downstream").Inc()
		r.logger.Warn("downstream notification failed",
			zap.String("agent_id", agentID),
			zap.String("trace_id", env.Meta.TraceID),
			zap.Error(err),
		)
		return
	}
	if _, err := r.trail.Log(ctx, audit.LogParams{
		Action:       audit.ActionMessageSent,
		Actor:        "coordinator",
		TraceID:      env.Meta.TraceID,
		ResourceType: "agent",
		ResourceID:   agentID,
		Success:      true,
		Details:      map[string]string{"message_type": string(env.Meta.MessageType)},
	}); err != nil {
		r.logger.Error("failed to audit outbound message", zap.Error(err))
	}
}
