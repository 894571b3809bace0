package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/aaps-coordinator/internal/agents"
	"github.com/xela07ax/aaps-coordinator/internal/audit"
	"github.com/xela07ax/aaps-coordinator/internal/consensus"
	"github.com/xela07ax/aaps-coordinator/internal/domain"
	"github.com/xela07ax/aaps-coordinator/internal/incident"
)

// handleSignal заводит инцидент в TRIAGE и зовет диагностику.
func (r *Router) handleSignal(ctx context.Context, env domain.MessageEnvelope) (RoutingResult, error) {
	if existing, err := r.machine.FindByTraceID(env.Meta.TraceID); err == nil {
		return RoutingResult{
				Status:     StatusError,
				Handler:    "signal",
				IncidentID: existing.IncidentID,
				State:      existing.State,
			}, fmt.Errorf("incident %s already exists for trace %s",
				existing.IncidentID, env.Meta.TraceID)
	}

	inc, err := r.machine.Create(ctx, incident.CreateParams{
		TraceID:           env.Meta.TraceID,
		Severity:          env.StringField("severity"),
		IncidentType:      env.StringField("incident_type"),
		Title:             env.StringField("title"),
		Description:       env.StringField("description"),
		AffectedResources: env.StringsField("affected_resources"),
		Metadata:          stringMap(env.Payload["metadata"]),
		CreatedBy:         env.Meta.SourceAgent,
		MessageID:         env.MessageID(),
	})
	if err != nil {
		return RoutingResult{Status: StatusError, Handler: "signal"}, err
	}

	r.notify(ctx, r.cfg.Roles.Diagnosis, r.outbound(env, r.cfg.Roles.Diagnosis, domain.MsgIncidentSignal, map[string]interface{}{
		"incident_id": inc.IncidentID,
		"severity":    inc.Severity,
		"title":       inc.Title,
	}))
	return RoutingResult{Status: StatusProcessed, Handler: "signal", IncidentID: inc.IncidentID, State: inc.State}, nil
}

// handleRCAReport — готовый анализ первопричины двигает инцидент в PROPOSE.
func (r *Router) handleRCAReport(ctx context.Context, env domain.MessageEnvelope) (RoutingResult, error) {
	return r.advance(ctx, env, "rca_report", domain.StatePropose, r.cfg.Roles.Proposal, "rca")
}

// handleFixProposal — предложение фикса двигает инцидент в VERIFY.
func (r *Router) handleFixProposal(ctx context.Context, env domain.MessageEnvelope) (RoutingResult, error) {
	return r.advance(ctx, env, "fix_proposal", domain.StateVerify, r.cfg.Roles.Verification, "proposal")
}

// advance — общий путь линейных переходов: найти инцидент по trace_id,
// перевести автомат, уведомить следующего агента конвейера.
func (r *Router) advance(ctx context.Context, env domain.MessageEnvelope, trigger string, to domain.IncidentState, nextAgent, handler string) (RoutingResult, error) {
	inc, err := r.machine.FindByTraceID(env.Meta.TraceID)
	if err != nil {
		return RoutingResult{Status: StatusError, Handler: handler}, err
	}

	next, err := r.machine.Transition(ctx, incident.TransitionParams{
		IncidentID:  inc.IncidentID,
		ToState:     to,
		Trigger:     trigger,
		TriggeredBy: env.Meta.SourceAgent,
		MessageID:   env.MessageID(),
	})
	if err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("transition").Inc()
		return RoutingResult{Status: StatusError, Handler: handler, IncidentID: inc.IncidentID, State: inc.State}, err
	}

	r.notify(ctx, nextAgent, r.outbound(env, nextAgent, env.Meta.MessageType, env.Payload))
	return RoutingResult{Status: StatusProcessed, Handler: handler, IncidentID: next.IncidentID, State: next.State}, nil
}

// handleVerificationReport: одобренная верификация открывает раунд
// консенсуса — переход VERIFY -> APPROVE случится только по его решению.
// Отклоненная возвращает инцидент в PROPOSE на доработку.
func (r *Router) handleVerificationReport(ctx context.Context, env domain.MessageEnvelope) (RoutingResult, error) {
	inc, err := r.machine.FindByTraceID(env.Meta.TraceID)
	if err != nil {
		return RoutingResult{Status: StatusError, Handler: "verification"}, err
	}

	switch env.StringField("status") {
	case "approved":
		req, err := r.consensus.CreateRequest(ctx, consensus.CreateParams{
			TraceID:     env.Meta.TraceID,
			RequestType: "fix_approval",
			Title:       "Approve fix for incident " + inc.IncidentID,
			IncidentID:  inc.IncidentID,
			ProposalID:  env.StringField("proposal_id"),
			RequestedBy: env.Meta.SourceAgent,
			QuorumRule:  domain.QuorumRule{Threshold: r.cfg.QuorumThreshold},
			Timeout:     r.cfg.ConsensusTimeout,
			Payload:     env.Payload,
		})
		if err != nil {
			return RoutingResult{Status: StatusError, Handler: "verification", IncidentID: inc.IncidentID}, err
		}
		return RoutingResult{
			Status:      StatusProcessed,
			Handler:     "verification",
			IncidentID:  inc.IncidentID,
			State:       inc.State,
			ConsensusID: req.ConsensusID,
		}, nil

	case "rejected":
		next, err := r.machine.Transition(ctx, incident.TransitionParams{
			IncidentID:  inc.IncidentID,
			ToState:     domain.StatePropose,
			Trigger:     "verification_rejected",
			TriggeredBy: env.Meta.SourceAgent,
			MessageID:   env.MessageID(),
		})
		if err != nil {
			r.metrics.ErrorsTotal.WithLabelValues("transition").Inc()
			return RoutingResult{Status: StatusError, Handler: "verification", IncidentID: inc.IncidentID}, err
		}
		r.notify(ctx, r.cfg.Roles.Proposal, r.outbound(env, r.cfg.Roles.Proposal, domain.MsgVerificationReport, env.Payload))
		return RoutingResult{Status: StatusProcessed, Handler: "verification", IncidentID: next.IncidentID, State: next.State}, nil

	default:
		return RoutingResult{Status: StatusError, Handler: "verification", IncidentID: inc.IncidentID},
			&domain.ValidationError{Fields: []string{"payload.status"}, Reason: "expected approved or rejected"}
	}
}

// handleVote передает голос менеджеру консенсуса. Голоса не повторяются
// и не буферизуются: отказ возвращается агенту как есть.
func (r *Router) handleVote(ctx context.Context, env domain.MessageEnvelope) (RoutingResult, error) {
	consensusID := env.StringField("consensus_id")
	voteType := env.StringField("vote_type")
	if consensusID == "" || voteType == "" {
		return RoutingResult{Status: StatusError, Handler: "vote"},
			&domain.ValidationError{
				Fields: []string{"payload.consensus_id", "payload.vote_type"},
				Reason: "vote requires consensus_id and vote_type",
			}
	}

	vote, err := r.consensus.SubmitVote(ctx, consensus.VoteParams{
		ConsensusID:  consensusID,
		AgentID:      env.Meta.SourceAgent,
		VoteType:     domain.VoteType(voteType),
		Reasoning:    env.StringField("reasoning"),
		EvidenceRefs: env.StringsField("evidence_refs"),
		Conditions:   env.StringsField("conditions"),
	})
	if err != nil {
		return RoutingResult{Status: StatusError, Handler: "vote", ConsensusID: consensusID}, err
	}
	return RoutingResult{Status: StatusProcessed, Handler: "vote", ConsensusID: vote.ConsensusID}, nil
}

// handleExecutionResult: успех закрывает инцидент через VALIDATE,
// провал уводит в ROLLBACK с best-effort откатом затронутых ресурсов.
func (r *Router) handleExecutionResult(ctx context.Context, env domain.MessageEnvelope) (RoutingResult, error) {
	inc, err := r.machine.FindByTraceID(env.Meta.TraceID)
	if err != nil {
		return RoutingResult{Status: StatusError, Handler: "execution_result"}, err
	}

	var to domain.IncidentState
	switch env.StringField("status") {
	case "success":
		to = domain.StateValidate
	case "failure":
		to = domain.StateRollback
	default:
		return RoutingResult{Status: StatusError, Handler: "execution_result", IncidentID: inc.IncidentID},
			&domain.ValidationError{Fields: []string{"payload.status"}, Reason: "expected success or failure"}
	}

	next, err := r.machine.Transition(ctx, incident.TransitionParams{
		IncidentID:  inc.IncidentID,
		ToState:     to,
		Trigger:     "execution_" + env.StringField("status"),
		TriggeredBy: env.Meta.SourceAgent,
		MessageID:   env.MessageID(),
	})
	if err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("transition").Inc()
		return RoutingResult{Status: StatusError, Handler: "execution_result", IncidentID: inc.IncidentID}, err
	}

	if to == domain.StateRollback {
		r.performRollback(ctx, next, env)
	}
	r.publisher.PublishTerminal(ctx, next)
	return RoutingResult{Status: StatusProcessed, Handler: "execution_result", IncidentID: next.IncidentID, State: next.State}, nil
}

// performRollback откатывает каждый затронутый ресурс независимо.
// Итог — completed, failed или partially_completed; частичный провал
// никогда не маскируется под успех.
func (r *Router) performRollback(ctx context.Context, inc domain.Incident, env domain.MessageEnvelope) {
	var succeeded, failed int
	for _, resource := range inc.AffectedResources {
		out := r.outbound(env, r.cfg.Roles.Execution, domain.MsgExecutionOrder, map[string]interface{}{
			"action":      "rollback",
			"incident_id": inc.IncidentID,
			"resource":    resource,
		})
		if _, err := r.caller.Call(ctx, r.cfg.Roles.Execution, out); err != nil {
			failed++
			r.logger.Warn("rollback item failed",
				zap.String("incident_id", inc.IncidentID),
				zap.String("resource", resource),
				zap.Error(err),
			)
			continue
		}
		succeeded++
	}

	outcome := "completed"
	switch {
	case failed > 0 && succeeded > 0:
		outcome = "partially_completed"
	case failed > 0:
		outcome = "failed"
	}

	if _, err := r.trail.Log(ctx, audit.LogParams{
		Action:       audit.ActionRollbackOutcome,
		Actor:        "coordinator",
		TraceID:      inc.TraceID,
		ResourceType: "incident",
		ResourceID:   inc.IncidentID,
		Success:      failed == 0,
		Details: map[string]string{
			"outcome":   outcome,
			"succeeded": fmt.Sprintf("%d", succeeded),
			"failed":    fmt.Sprintf("%d", failed),
		},
	}); err != nil {
		r.logger.Error("failed to audit rollback outcome", zap.Error(err))
	}

	if outcome != "completed" {
		// Повторные попытки — решение оператора, не автоматика
		r.logger.Error("rollback did not fully complete, operator attention required",
			zap.String("incident_id", inc.IncidentID),
			zap.String("outcome", outcome),
		)
	}
}

// handleHeartbeat обновляет реестр: агент жив.
func (r *Router) handleHeartbeat(ctx context.Context, env domain.MessageEnvelope) (RoutingResult, error) {
	if !r.registry.UpdateStatus(env.Meta.SourceAgent, agents.StatusHealthy) {
		return RoutingResult{Status: StatusError, Handler: "heartbeat"},
			fmt.Errorf("unknown agent: %s", env.Meta.SourceAgent)
	}
	return RoutingResult{Status: StatusProcessed, Handler: "heartbeat"}, nil
}

// onConsensusDecided — продолжение конвейера после разрешения раунда.
// Выполняется под per-trace блокировкой, как и любая обработка инцидента.
func (r *Router) onConsensusDecided(ctx context.Context, req domain.ConsensusRequest, res domain.ConsensusResult) {
	release := r.locks.Acquire(req.TraceID)
	defer release()

	r.publisher.PublishConsensus(ctx, req, res)
	r.metrics.ConsensusTotal.WithLabelValues(string(res.State)).Inc()

	if res.State != domain.ConsensusApproved {
		// Вето, истечение или отказ: фикс возвращается на доработку
		if _, err := r.machine.Transition(ctx, incident.TransitionParams{
			IncidentID:  req.IncidentID,
			ToState:     domain.StatePropose,
			Trigger:     "consensus_" + string(res.State),
			TriggeredBy: "consensus-manager",
			MessageID:   req.ConsensusID + ":reject",
		}); err != nil {
			r.logger.Error("post-consensus transition failed",
				zap.String("incident_id", req.IncidentID), zap.Error(err))
		}
		r.observeStates()
		return
	}

	inc, err := r.machine.Transition(ctx, incident.TransitionParams{
		IncidentID:  req.IncidentID,
		ToState:     domain.StateApprove,
		Trigger:     "consensus_approved",
		TriggeredBy: "consensus-manager",
		MessageID:   req.ConsensusID + ":approve",
	})
	if err != nil {
		r.logger.Error("post-consensus transition failed",
			zap.String("incident_id", req.IncidentID), zap.Error(err))
		return
	}

	inc, err = r.machine.Transition(ctx, incident.TransitionParams{
		IncidentID:  inc.IncidentID,
		ToState:     domain.StateExecute,
		Trigger:     "execution_ordered",
		TriggeredBy: "coordinator",
		MessageID:   req.ConsensusID + ":execute",
	})
	if err != nil {
		r.logger.Error("post-consensus transition failed",
			zap.String("incident_id", req.IncidentID), zap.Error(err))
		return
	}

	order := domain.MessageEnvelope{
		Meta: domain.MessageMeta{
			TraceID:        req.TraceID,
			Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
			SourceAgent:    "coordinator",
			TargetAgent:    r.cfg.Roles.Execution,
			MessageType:    domain.MsgExecutionOrder,
			IdempotencyKey: uuid.New().String(),
		},
		Context: domain.MessageContext{Namespace: "default", Cluster: "default"},
		Payload: map[string]interface{}{
			"incident_id":  inc.IncidentID,
			"consensus_id": req.ConsensusID,
			"proposal_id":  req.ProposalID,
			"conditions":   res.Conditions,
		},
	}
	r.notify(ctx, r.cfg.Roles.Execution, order)
	r.observeStates()
}

// outbound строит конверт координатора для уведомления следующего агента.
// target — агент-получатель: он же попадает в журнал исходящих.
func (r *Router) outbound(in domain.MessageEnvelope, target string, msgType domain.MessageType, payload map[string]interface{}) domain.MessageEnvelope {
	return domain.MessageEnvelope{
		Meta: domain.MessageMeta{
			TraceID:        in.Meta.TraceID,
			Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
			SourceAgent:    "coordinator",
			TargetAgent:    target,
			MessageType:    msgType,
			IdempotencyKey: uuid.New().String(),
		},
		Context: in.Context,
		Payload: payload,
	}
}

func stringMap(raw interface{}) map[string]string {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
