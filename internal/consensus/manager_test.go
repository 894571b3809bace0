package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/aaps-coordinator/internal/audit"
	"github.com/xela07ax/aaps-coordinator/internal/domain"
	"github.com/xela07ax/aaps-coordinator/internal/eventstore"
)

func newManager(t *testing.T) (*Manager, *audit.MemoryStorage) {
	t.Helper()
	storage := audit.NewMemoryStorage()
	trail := audit.NewTrail(storage, nil, zap.NewNop())
	m := NewManager(eventstore.NewMemoryStore(), trail, zap.NewNop())
	return m, storage
}

func openRound(t *testing.T, m *Manager, incidentID string, threshold int, timeout time.Duration) domain.ConsensusRequest {
	t.Helper()
	req, err := m.CreateRequest(context.Background(), CreateParams{
		TraceID:     "tr-" + incidentID,
		RequestType: "fix_approval",
		Title:       "approve fix",
		IncidentID:  incidentID,
		RequestedBy: "verification-agent",
		QuorumRule:  domain.QuorumRule{Threshold: threshold},
		Timeout:     timeout,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func vote(t *testing.T, m *Manager, consensusID, agentID string, vt domain.VoteType) {
	t.Helper()
	if _, err := m.SubmitVote(context.Background(), VoteParams{
		ConsensusID: consensusID,
		AgentID:     agentID,
		VoteType:    vt,
	}); err != nil {
		t.Fatalf("vote %s/%s: %v", agentID, vt, err)
	}
}

// Кворум 2 из 3: A за, B вето, C молчит — раунд закрывается вето немедленно
// и позднее не перещелкивается в approved.
func TestVetoResolvesImmediately(t *testing.T) {
	m, _ := newManager(t)
	req := openRound(t, m, "inc-1", 2, time.Minute)

	vote(t, m, req.ConsensusID, "agent-a", domain.VoteApprove)
	vote(t, m, req.ConsensusID, "agent-b", domain.VoteVeto)

	res, err := m.GetResult(req.ConsensusID)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != domain.ConsensusVetoed {
		t.Fatalf("want vetoed, got %s", res.State)
	}
	if res.Tally.Approve != 1 || res.Tally.Veto != 1 {
		t.Fatalf("tally: %+v", res.Tally)
	}

	// Голос C после решения отклоняется, итог не меняется
	_, err = m.SubmitVote(context.Background(), VoteParams{
		ConsensusID: req.ConsensusID, AgentID: "agent-c", VoteType: domain.VoteApprove,
	})
	if !errors.Is(err, domain.ErrConsensusClosed) {
		t.Fatalf("want ErrConsensusClosed, got %v", err)
	}
	res, _ = m.GetResult(req.ConsensusID)
	if res.State != domain.ConsensusVetoed {
		t.Fatalf("result flipped after decision: %s", res.State)
	}
}

// Кворум 2 из 3: два approve решают раунд до таймаута, третий голос не нужен.
func TestQuorumApprovesBeforeTimeout(t *testing.T) {
	m, _ := newManager(t)

	decided := make(chan domain.ConsensusResult, 1)
	m.OnDecided(func(ctx context.Context, req domain.ConsensusRequest, res domain.ConsensusResult) {
		decided <- res
	})

	req := openRound(t, m, "inc-1", 2, time.Minute)
	vote(t, m, req.ConsensusID, "agent-a", domain.VoteApprove)

	if res, _ := m.GetResult(req.ConsensusID); res.State != domain.ConsensusPending {
		t.Fatalf("one approve of two must stay pending, got %s", res.State)
	}
	vote(t, m, req.ConsensusID, "agent-b", domain.VoteApprove)

	res, _ := m.GetResult(req.ConsensusID)
	if res.State != domain.ConsensusApproved {
		t.Fatalf("want approved, got %s", res.State)
	}
	if res.Tally.Approve != 2 {
		t.Fatalf("tally: %+v", res.Tally)
	}

	select {
	case cb := <-decided:
		if cb.State != domain.ConsensusApproved {
			t.Fatalf("callback state: %s", cb.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDecided callback was not invoked")
	}
}

func TestRoundExpiresOnDeadline(t *testing.T) {
	m, _ := newManager(t)
	req := openRound(t, m, "inc-1", 2, 30*time.Millisecond)
	vote(t, m, req.ConsensusID, "agent-a", domain.VoteApprove)

	deadline := time.After(2 * time.Second)
	for {
		res, err := m.GetResult(req.ConsensusID)
		if err != nil {
			t.Fatal(err)
		}
		if res.State == domain.ConsensusExpired {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("round did not expire: %s", res.State)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Просроченный раунд не принимает голоса
	_, err := m.SubmitVote(context.Background(), VoteParams{
		ConsensusID: req.ConsensusID, AgentID: "agent-b", VoteType: domain.VoteApprove,
	})
	if !errors.Is(err, domain.ErrConsensusClosed) {
		t.Fatalf("want ErrConsensusClosed, got %v", err)
	}
}

// Повторный голос агента замещает предыдущий, а не суммируется с ним.
func TestRepeatVoteReplacesPrior(t *testing.T) {
	m, _ := newManager(t)
	req := openRound(t, m, "inc-1", 2, time.Minute)

	vote(t, m, req.ConsensusID, "agent-a", domain.VoteReject)
	vote(t, m, req.ConsensusID, "agent-a", domain.VoteApprove)

	res, _ := m.GetResult(req.ConsensusID)
	if res.Tally.Total != 1 || res.Tally.Approve != 1 || res.Tally.Reject != 0 {
		t.Fatalf("replacement broken: %+v", res.Tally)
	}

	// Замещенный approve добирает кворум вторым агентом
	vote(t, m, req.ConsensusID, "agent-b", domain.VoteApprove)
	res, _ = m.GetResult(req.ConsensusID)
	if res.State != domain.ConsensusApproved {
		t.Fatalf("want approved, got %s", res.State)
	}
}

func TestSecondOpenRoundPerIncidentRejected(t *testing.T) {
	m, _ := newManager(t)
	openRound(t, m, "inc-1", 2, time.Minute)

	_, err := m.CreateRequest(context.Background(), CreateParams{
		TraceID:     "tr-inc-1",
		RequestType: "fix_approval",
		IncidentID:  "inc-1",
		RequestedBy: "verification-agent",
		QuorumRule:  domain.QuorumRule{Threshold: 2},
		Timeout:     time.Minute,
	})
	if !errors.Is(err, domain.ErrOpenConsensusExists) {
		t.Fatalf("want ErrOpenConsensusExists, got %v", err)
	}

	// Другой инцидент открывает раунд свободно
	if _, err := m.CreateRequest(context.Background(), CreateParams{
		TraceID:     "tr-inc-2",
		RequestType: "fix_approval",
		IncidentID:  "inc-2",
		RequestedBy: "verification-agent",
		QuorumRule:  domain.QuorumRule{Threshold: 2},
		Timeout:     time.Minute,
	}); err != nil {
		t.Fatalf("independent incident blocked: %v", err)
	}
}

func TestResolvedRoundFreesIncidentForNewRound(t *testing.T) {
	m, _ := newManager(t)
	req := openRound(t, m, "inc-1", 1, time.Minute)
	vote(t, m, req.ConsensusID, "agent-a", domain.VoteVeto)

	// Вето закрыло раунд — инцидент может открыть новый
	if _, err := m.CreateRequest(context.Background(), CreateParams{
		TraceID:     "tr-inc-1",
		RequestType: "fix_approval",
		IncidentID:  "inc-1",
		RequestedBy: "verification-agent",
		QuorumRule:  domain.QuorumRule{Threshold: 1},
		Timeout:     time.Minute,
	}); err != nil {
		t.Fatalf("incident still locked after resolution: %v", err)
	}
}

func TestUnknownVoteTypeAndUnknownRound(t *testing.T) {
	m, _ := newManager(t)
	req := openRound(t, m, "inc-1", 2, time.Minute)

	_, err := m.SubmitVote(context.Background(), VoteParams{
		ConsensusID: req.ConsensusID, AgentID: "agent-a", VoteType: "maybe",
	})
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("want ValidationError, got %v", err)
	}

	_, err = m.SubmitVote(context.Background(), VoteParams{
		ConsensusID: "missing", AgentID: "agent-a", VoteType: domain.VoteApprove,
	})
	if !errors.Is(err, domain.ErrConsensusNotFound) {
		t.Fatalf("want ErrConsensusNotFound, got %v", err)
	}
}

func TestApprovedResultCollectsConditions(t *testing.T) {
	m, _ := newManager(t)
	req := openRound(t, m, "inc-1", 2, time.Minute)

	if _, err := m.SubmitVote(context.Background(), VoteParams{
		ConsensusID: req.ConsensusID,
		AgentID:     "agent-a",
		VoteType:    domain.VoteApprove,
		Conditions:  []string{"canary first"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SubmitVote(context.Background(), VoteParams{
		ConsensusID: req.ConsensusID,
		AgentID:     "agent-b",
		VoteType:    domain.VoteApprove,
		Conditions:  []string{"backup snapshot"},
	}); err != nil {
		t.Fatal(err)
	}

	res, _ := m.GetResult(req.ConsensusID)
	if len(res.Conditions) != 2 {
		t.Fatalf("conditions: %v", res.Conditions)
	}
}

func TestConcurrentVotesKeepTallyConsistent(t *testing.T) {
	m, _ := newManager(t)
	req := openRound(t, m, "inc-1", 100, time.Minute)

	const voters = 20
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agentID := string(rune('a'+i%26)) + "-voter"
			_, _ = m.SubmitVote(context.Background(), VoteParams{
				ConsensusID: req.ConsensusID,
				AgentID:     agentID,
				VoteType:    domain.VoteApprove,
			})
		}()
	}
	wg.Wait()

	res, _ := m.GetResult(req.ConsensusID)
	if res.Tally.Total != res.Tally.Approve {
		t.Fatalf("tally mismatch: %+v", res.Tally)
	}
	if res.State != domain.ConsensusPending {
		t.Fatalf("threshold 100 must keep round pending, got %s", res.State)
	}
}

func TestStatisticsTrackOutcomes(t *testing.T) {
	m, _ := newManager(t)

	r1 := openRound(t, m, "inc-1", 1, time.Minute)
	vote(t, m, r1.ConsensusID, "agent-a", domain.VoteApprove)

	r2 := openRound(t, m, "inc-2", 1, time.Minute)
	vote(t, m, r2.ConsensusID, "agent-b", domain.VoteVeto)

	openRound(t, m, "inc-3", 1, time.Minute)

	s := m.Statistics()
	if s.Created != 3 || s.Approved != 1 || s.Vetoed != 1 || s.Open != 1 {
		t.Fatalf("statistics: %+v", s)
	}
}
