package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/aaps-coordinator/internal/agents"
	"github.com/xela07ax/aaps-coordinator/internal/audit"
	"github.com/xela07ax/aaps-coordinator/internal/consensus"
	"github.com/xela07ax/aaps-coordinator/internal/domain"
	"github.com/xela07ax/aaps-coordinator/internal/eventstore"
	"github.com/xela07ax/aaps-coordinator/internal/incident"
)

// fakeCaller фиксирует исходящие вызовы, сетевого I/O нет.
type fakeCaller struct {
	mu    sync.Mutex
	sent  []sentCall
	fails atomic.Int64 // Сколько ближайших вызовов провалить
}

type sentCall struct {
	AgentID string
	Target  string
	Type    domain.MessageType
	Payload map[string]interface{}
}

func (f *fakeCaller) Call(ctx context.Context, agentID string, env domain.MessageEnvelope) (map[string]interface{}, error) {
	if f.fails.Load() > 0 {
		f.fails.Add(-1)
		return nil, errors.New("agent unreachable")
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentCall{
		AgentID: agentID,
		Target:  env.Meta.TargetAgent,
		Type:    env.Meta.MessageType,
		Payload: env.Payload,
	})
	f.mu.Unlock()
	return map[string]interface{}{"status": "accepted"}, nil
}

func (f *fakeCaller) HealthCheck(ctx context.Context, agentID string) (string, error) {
	return "healthy", nil
}

func (f *fakeCaller) callsTo(agentID string) []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentCall
	for _, c := range f.sent {
		if c.AgentID == agentID {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	router  *Router
	machine *incident.StateMachine
	cons    *consensus.Manager
	events  *eventstore.MemoryStore
	storage *audit.MemoryStorage
	caller  *fakeCaller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	events := eventstore.NewMemoryStore()
	storage := audit.NewMemoryStorage()
	trail := audit.NewTrail(storage, nil, logger)

	machine := incident.NewStateMachine(incident.NewMemoryRepository(), events, trail, logger)
	cons := consensus.NewManager(events, trail, logger)

	registry := agents.NewRegistry()
	for _, id := range []string{
		"monitor-agent", "diagnosis-agent", "proposal-agent",
		"verification-agent", "execution-agent", "sre-agent", "security-agent",
	} {
		registry.Register(agents.Info{AgentID: id, URL: "http://" + id})
	}

	caller := &fakeCaller{}
	router := NewRouter(machine, cons, registry, caller, trail, nil, NewMetrics(nil), Config{
		QuorumThreshold:  2,
		ConsensusTimeout: time.Minute,
		Roles: Roles{
			Diagnosis:    "diagnosis-agent",
			Proposal:     "proposal-agent",
			Verification: "verification-agent",
			Execution:    "execution-agent",
		},
	}, logger)

	return &fixture{router: router, machine: machine, cons: cons, events: events, storage: storage, caller: caller}
}

func envelope(src string, msgType domain.MessageType, trace string, payload map[string]interface{}) domain.MessageEnvelope {
	return domain.MessageEnvelope{
		Meta: domain.MessageMeta{
			TraceID:        trace,
			SourceAgent:    src,
			TargetAgent:    "coordinator",
			MessageType:    msgType,
			IdempotencyKey: uuid.New().String(),
		},
		Context: domain.MessageContext{Namespace: "prod", Cluster: "eu-west"},
		Payload: payload,
	}
}

func signalEnvelope(trace string) domain.MessageEnvelope {
	return envelope("monitor-agent", domain.MsgIncidentSignal, trace, map[string]interface{}{
		"severity":           "critical",
		"incident_type":      "pod_crash",
		"title":              "api pods crashlooping",
		"affected_resources": []interface{}{"deploy/api", "deploy/worker"},
	})
}

func (f *fixture) mustRoute(t *testing.T, env domain.MessageEnvelope) RoutingResult {
	t.Helper()
	res, err := f.router.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("route %s: %v", env.Meta.MessageType, err)
	}
	if res.Status != StatusProcessed {
		t.Fatalf("route %s: status %s (%s)", env.Meta.MessageType, res.Status, res.Error)
	}
	return res
}

func (f *fixture) waitForState(t *testing.T, incidentID string, want domain.IncidentState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		inc, err := f.machine.Get(incidentID)
		if err == nil && inc.State == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("incident never reached %s, state=%s", want, inc.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (f *fixture) waitForCalls(t *testing.T, agentID string, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(f.caller.callsTo(agentID)) >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("agent %s received %d calls, want %d", agentID, len(f.caller.callsTo(agentID)), want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestValidationRejectsWithoutSideEffects(t *testing.T) {
	f := newFixture(t)

	bad := signalEnvelope("tr-1")
	bad.Context.Namespace = "" // обязательное поле

	_, err := f.router.Route(context.Background(), bad)
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("want ValidationError, got %v", err)
	}

	if _, err := f.machine.FindByTraceID("tr-1"); !errors.Is(err, domain.ErrIncidentNotFound) {
		t.Fatal("validation failure must not create incidents")
	}
	// Единственный след — запись об отклонении
	entries, _ := f.storage.Query(context.Background(), audit.Filter{TraceID: "tr-1"})
	if len(entries) != 1 || entries[0].Action != audit.ActionMessageRejected {
		t.Fatalf("audit trail: %+v", entries)
	}
}

func TestUnknownSourceAgentRejected(t *testing.T) {
	f := newFixture(t)

	env := signalEnvelope("tr-1")
	env.Meta.SourceAgent = "rogue-agent"

	_, err := f.router.Route(context.Background(), env)
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestUnhandledTypeReturnsNoHandler(t *testing.T) {
	f := newFixture(t)

	env := envelope("monitor-agent", domain.MsgExecutionOrder, "tr-1", nil)
	res, err := f.router.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("no_handler must not be an error: %v", err)
	}
	if res.Status != StatusNoHandler {
		t.Fatalf("status: %s", res.Status)
	}
}

// Повтор того же (trace_id, message_id) дает ровно одно событие и одну
// запись аудита о переходе; второй ответ — сохраненный результат.
func TestIdempotentReplayProducesOneEventAndOneAudit(t *testing.T) {
	f := newFixture(t)
	created := f.mustRoute(t, signalEnvelope("tr-1"))

	rca := envelope("diagnosis-agent", domain.MsgRCAReport, "tr-1", map[string]interface{}{"root_cause": "oom"})
	first := f.mustRoute(t, rca)

	second, err := f.router.Route(context.Background(), rca)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Status != StatusDuplicate {
		t.Fatalf("replay status: %s", second.Status)
	}
	if second.IncidentID != first.IncidentID || second.State != first.State {
		t.Fatal("replay must return the previously computed result")
	}

	last, _ := f.events.LastSequence(context.Background(), domain.AggregateIncident, created.IncidentID)
	if last != 2 { // created + один переход
		t.Fatalf("event tail: %d, want 2", last)
	}
	moved, _ := f.storage.Query(context.Background(), audit.Filter{Action: audit.ActionIncidentMoved, TraceID: "tr-1"})
	if len(moved) != 1 {
		t.Fatalf("transition audited %d times, want 1", len(moved))
	}
}

func TestSecondSignalForSameTraceRejected(t *testing.T) {
	f := newFixture(t)
	f.mustRoute(t, signalEnvelope("tr-1"))

	res, err := f.router.Route(context.Background(), signalEnvelope("tr-1"))
	if err == nil || res.Status != StatusError {
		t.Fatalf("duplicate incident signal must fail: %+v", res)
	}
}

// Гонка сообщений одного trace_id: переходы сериализуются, применяется ровно один.
func TestConcurrentMessagesForOneTraceAreSerialized(t *testing.T) {
	f := newFixture(t)
	created := f.mustRoute(t, signalEnvelope("tr-1"))

	const writers = 8
	var wg sync.WaitGroup
	statuses := make([]string, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := f.router.Route(context.Background(),
				envelope("diagnosis-agent", domain.MsgRCAReport, "tr-1", map[string]interface{}{"n": fmt.Sprint(i)}))
			statuses[i] = res.Status
		}()
	}
	wg.Wait()

	var processed int
	for _, s := range statuses {
		if s == StatusProcessed {
			processed++
		}
	}
	if processed != 1 {
		t.Fatalf("exactly one RCA must win, got %d", processed)
	}
	last, _ := f.events.LastSequence(context.Background(), domain.AggregateIncident, created.IncidentID)
	if last != 2 {
		t.Fatalf("event tail: %d, want 2", last)
	}
}

func TestHeartbeatUpdatesRegistry(t *testing.T) {
	f := newFixture(t)
	res := f.mustRoute(t, envelope("sre-agent", domain.MsgHeartbeat, "tr-hb", nil))
	if res.Handler != "heartbeat" {
		t.Fatalf("handler: %s", res.Handler)
	}
}

// Сценарий целиком: сигнал -> TRIAGE -> PROPOSE -> VERIFY -> консенсус ->
// APPROVE -> EXECUTE -> VALIDATE.
func TestEndToEndApprovedScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.mustRoute(t, signalEnvelope("tr-e2e"))
	if created.State != domain.StateTriage {
		t.Fatalf("after signal: %s", created.State)
	}

	f.mustRoute(t, envelope("diagnosis-agent", domain.MsgRCAReport, "tr-e2e",
		map[string]interface{}{"root_cause": "bad deploy"}))
	f.waitForState(t, created.IncidentID, domain.StatePropose)

	f.mustRoute(t, envelope("proposal-agent", domain.MsgFixProposal, "tr-e2e",
		map[string]interface{}{"proposal_id": "fix-1", "change": "rollback deploy"}))
	f.waitForState(t, created.IncidentID, domain.StateVerify)

	verified := f.mustRoute(t, envelope("verification-agent", domain.MsgVerificationReport, "tr-e2e",
		map[string]interface{}{"status": "approved", "proposal_id": "fix-1"}))
	if verified.ConsensusID == "" {
		t.Fatal("approved verification must open a consensus round")
	}
	// Раунд открыт, инцидент ждет решения в VERIFY
	if inc, _ := f.machine.Get(created.IncidentID); inc.State != domain.StateVerify {
		t.Fatalf("state before quorum: %s", inc.State)
	}

	f.mustRoute(t, envelope("sre-agent", domain.MsgConsensusVote, "tr-e2e",
		map[string]interface{}{"consensus_id": verified.ConsensusID, "vote_type": "approve"}))
	f.mustRoute(t, envelope("security-agent", domain.MsgConsensusVote, "tr-e2e",
		map[string]interface{}{"consensus_id": verified.ConsensusID, "vote_type": "approve"}))

	// Кворум достигнут: APPROVE, затем EXECUTE с приказом исполнителю
	f.waitForState(t, created.IncidentID, domain.StateExecute)
	f.waitForCalls(t, "execution-agent", 1)

	orders := f.caller.callsTo("execution-agent")
	if orders[len(orders)-1].Type != domain.MsgExecutionOrder {
		t.Fatalf("execution agent received wrong message: %+v", orders)
	}

	f.mustRoute(t, envelope("execution-agent", domain.MsgExecutionResult, "tr-e2e",
		map[string]interface{}{"status": "success"}))
	f.waitForState(t, created.IncidentID, domain.StateValidate)

	// Replay после полного цикла сходится с живым состоянием
	replayed, err := f.machine.Replay(ctx, created.IncidentID)
	if err != nil {
		t.Fatal(err)
	}
	if replayed.State != domain.StateValidate {
		t.Fatalf("replay: %s", replayed.State)
	}
}

// Вето возвращает инцидент в PROPOSE, не дожидаясь остальных голосов.
func TestVetoSendsIncidentBackToPropose(t *testing.T) {
	f := newFixture(t)

	created := f.mustRoute(t, signalEnvelope("tr-veto"))
	f.mustRoute(t, envelope("diagnosis-agent", domain.MsgRCAReport, "tr-veto", nil))
	f.mustRoute(t, envelope("proposal-agent", domain.MsgFixProposal, "tr-veto", nil))
	verified := f.mustRoute(t, envelope("verification-agent", domain.MsgVerificationReport, "tr-veto",
		map[string]interface{}{"status": "approved"}))

	f.mustRoute(t, envelope("sre-agent", domain.MsgConsensusVote, "tr-veto",
		map[string]interface{}{"consensus_id": verified.ConsensusID, "vote_type": "approve"}))
	f.mustRoute(t, envelope("security-agent", domain.MsgConsensusVote, "tr-veto",
		map[string]interface{}{"consensus_id": verified.ConsensusID, "vote_type": "veto"}))

	f.waitForState(t, created.IncidentID, domain.StatePropose)

	res, _ := f.cons.GetResult(verified.ConsensusID)
	if res.State != domain.ConsensusVetoed {
		t.Fatalf("consensus state: %s", res.State)
	}
}

// Отклоненная верификация — корректирующее ребро VERIFY -> PROPOSE без консенсуса.
func TestRejectedVerificationReturnsToPropose(t *testing.T) {
	f := newFixture(t)

	created := f.mustRoute(t, signalEnvelope("tr-rej"))
	f.mustRoute(t, envelope("diagnosis-agent", domain.MsgRCAReport, "tr-rej", nil))
	f.mustRoute(t, envelope("proposal-agent", domain.MsgFixProposal, "tr-rej", nil))

	res := f.mustRoute(t, envelope("verification-agent", domain.MsgVerificationReport, "tr-rej",
		map[string]interface{}{"status": "rejected"}))
	if res.ConsensusID != "" {
		t.Fatal("rejected verification must not open consensus")
	}
	f.waitForState(t, created.IncidentID, domain.StatePropose)
}

// Провал исполнения: ROLLBACK, каждый ресурс откатывается независимо,
// частичный провал фиксируется как partially_completed.
func TestFailedExecutionTriggersBestEffortRollback(t *testing.T) {
	f := newFixture(t)

	created := f.mustRoute(t, signalEnvelope("tr-rb"))
	f.mustRoute(t, envelope("diagnosis-agent", domain.MsgRCAReport, "tr-rb", nil))
	f.mustRoute(t, envelope("proposal-agent", domain.MsgFixProposal, "tr-rb", nil))
	verified := f.mustRoute(t, envelope("verification-agent", domain.MsgVerificationReport, "tr-rb",
		map[string]interface{}{"status": "approved"}))
	f.mustRoute(t, envelope("sre-agent", domain.MsgConsensusVote, "tr-rb",
		map[string]interface{}{"consensus_id": verified.ConsensusID, "vote_type": "approve"}))
	f.mustRoute(t, envelope("security-agent", domain.MsgConsensusVote, "tr-rb",
		map[string]interface{}{"consensus_id": verified.ConsensusID, "vote_type": "approve"}))
	f.waitForState(t, created.IncidentID, domain.StateExecute)
	f.waitForCalls(t, "execution-agent", 1) // приказ на исполнение уже ушел

	// Первый из двух откатов провалится
	f.caller.fails.Store(1)
	f.mustRoute(t, envelope("execution-agent", domain.MsgExecutionResult, "tr-rb",
		map[string]interface{}{"status": "failure"}))
	f.waitForState(t, created.IncidentID, domain.StateRollback)

	outcomes, _ := f.storage.Query(context.Background(), audit.Filter{Action: audit.ActionRollbackOutcome})
	if len(outcomes) != 1 {
		t.Fatalf("rollback outcome audited %d times, want 1", len(outcomes))
	}
	if outcomes[0].Details["outcome"] != "partially_completed" {
		t.Fatalf("outcome: %s", outcomes[0].Details["outcome"])
	}
	if outcomes[0].Success {
		t.Fatal("partial rollback must not be reported as success")
	}
}

// Ключ идемпотентности необязателен: конверт без него обрабатывается,
// но повтор неотличим от нового сообщения и проходит обработку заново.
func TestMissingIdempotencyKeyProcessedWithoutDedup(t *testing.T) {
	f := newFixture(t)

	env := signalEnvelope("tr-1")
	env.Meta.IdempotencyKey = ""

	res := f.mustRoute(t, env)
	if res.State != domain.StateTriage {
		t.Fatalf("keyless signal: state %s", res.State)
	}
	if _, err := f.machine.FindByTraceID("tr-1"); err != nil {
		t.Fatalf("incident not created: %v", err)
	}

	rca := envelope("diagnosis-agent", domain.MsgRCAReport, "tr-1", nil)
	rca.Meta.IdempotencyKey = ""
	f.mustRoute(t, rca)

	// Тот же конверт без ключа — не дубликат: повторная TRIAGE -> PROPOSE
	// отклоняется автоматом, а не кешем
	again, err := f.router.Route(context.Background(), rca)
	if again.Status == StatusDuplicate {
		t.Fatal("keyless message must not hit the idempotency cache")
	}
	var trErr *domain.InvalidTransitionError
	if !errors.As(err, &trErr) {
		t.Fatalf("want InvalidTransitionError on reprocess, got %v", err)
	}
}

// Исходящий конверт адресован уведомляемому агенту, а не получателю
// исходного сообщения.
func TestOutboundEnvelopeTargetsNotifiedAgent(t *testing.T) {
	f := newFixture(t)
	f.mustRoute(t, signalEnvelope("tr-out"))
	f.waitForCalls(t, "diagnosis-agent", 1)

	call := f.caller.callsTo("diagnosis-agent")[0]
	if call.Target != "diagnosis-agent" {
		t.Fatalf("outbound target_agent = %q, want diagnosis-agent", call.Target)
	}
}
