package consensus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/aaps-coordinator/internal/audit"
	"github.com/xela07ax/aaps-coordinator/internal/domain"
	"github.com/xela07ax/aaps-coordinator/internal/eventstore"
)

// DecidedFunc вызывается после разрешения раунда (в отдельной горутине,
// вне блокировок менеджера). Гейтвей через него двигает инцидент дальше.
type DecidedFunc func(ctx context.Context, req domain.ConsensusRequest, res domain.ConsensusResult)

// round — живой раунд со своим мьютексом: замещение голоса, подсчет и
// разрешение атомарны в рамках одного consensus_id, но раунды не мешают друг другу.
type round struct {
	mu      sync.Mutex
	request domain.ConsensusRequest
	votes   map[string]domain.Vote // agent_id -> живой голос
	result  domain.ConsensusResult
	seq     int64 // Хвост агрегата в журнале событий
	timer   *time.Timer
}

// Stats — накопительная статистика раундов.
type Stats struct {
	Created  int64 `json:"created"`
	Approved int64 `json:"approved"`
	Rejected int64 `json:"rejected"`
	Vetoed   int64 `json:"vetoed"`
	Expired  int64 `json:"expired"`
	Open     int   `json:"open"`
}

// Manager владеет жизненным циклом ConsensusRequest/Vote/ConsensusResult.
// Политика разрешения: одиночное вето закрывает раунд немедленно; иначе
// approved при count(approve) >= threshold; по дедлайну — expired.
type Manager struct {
	mu         sync.RWMutex
	rounds     map[string]*round // consensus_id -> раунд
	byIncident map[string]string // incident_id -> открытый consensus_id

	events    eventstore.Store
	trail     *audit.Trail
	logger    *zap.Logger
	onDecided DecidedFunc
	now       func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

func NewManager(events eventstore.Store, trail *audit.Trail, logger *zap.Logger) *Manager {
	return &Manager{
		rounds:     make(map[string]*round),
		byIncident: make(map[string]string),
		events:     events,
		trail:      trail,
		logger:     logger.Named("consensus"),
		now:        time.Now,
	}
}

// OnDecided регистрирует обработчик разрешения раундов. Вызывать до начала приема голосов.
func (m *Manager) OnDecided(fn DecidedFunc) { m.onDecided = fn }

// CreateParams — параметры открытия раунда.
type CreateParams struct {
	TraceID     string
	RequestType string
	Title       string
	IncidentID  string
	ProposalID  string
	RequestedBy string
	QuorumRule  domain.QuorumRule
	Timeout     time.Duration
	Payload     map[string]interface{}
}

// CreateRequest открывает раунд одобрения. Инвариант: не более одного
// открытого раунда на инцидент — повторная заявка отклоняется.
func (m *Manager) CreateRequest(ctx context.Context, p CreateParams) (domain.ConsensusRequest, error) {
	if p.QuorumRule.Threshold < 1 {
		return domain.ConsensusRequest{}, fmt.Errorf("quorum threshold must be at least 1, got %d", p.QuorumRule.Threshold)
	}

	m.mu.Lock()
	if openID, busy := m.byIncident[p.IncidentID]; busy {
		m.mu.Unlock()
		return domain.ConsensusRequest{}, fmt.Errorf("%w: incident %s has open round %s",
			domain.ErrOpenConsensusExists, p.IncidentID, openID)
	}

	createdAt := m.now().UTC()
	req := domain.ConsensusRequest{
		ConsensusID: uuid.New().String(),
		TraceID:     p.TraceID,
		RequestType: p.RequestType,
		Title:       p.Title,
		IncidentID:  p.IncidentID,
		ProposalID:  p.ProposalID,
		RequestedBy: p.RequestedBy,
		QuorumRule:  p.QuorumRule,
		CreatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(p.Timeout),
		Payload:     p.Payload,
	}
	r := &round{
		request: req,
		votes:   make(map[string]domain.Vote),
		result:  domain.ConsensusResult{ConsensusID: req.ConsensusID, State: domain.ConsensusPending},
	}
	m.rounds[req.ConsensusID] = r
	m.byIncident[p.IncidentID] = req.ConsensusID
	m.mu.Unlock()

	ev, err := m.events.Append(ctx, eventstore.AppendParams{
		AggregateType: domain.AggregateConsensus,
		AggregateID:   req.ConsensusID,
		TraceID:       req.TraceID,
		EventType:     domain.EventConsensusRequested,
		Data: map[string]interface{}{
			"incident_id":  req.IncidentID,
			"request_type": req.RequestType,
			"requested_by": req.RequestedBy,
			"threshold":    req.QuorumRule.Threshold,
			"expires_at":   req.ExpiresAt.Format(time.RFC3339Nano),
		},
		ExpectedSequence: 0,
	})
	if err != nil {
		m.forget(req)
		return domain.ConsensusRequest{}, err
	}
	r.seq = ev.SequenceNumber

	if _, err := m.trail.Log(ctx, audit.LogParams{
		Action:       audit.ActionConsensusOpened,
		Actor:        req.RequestedBy,
		TraceID:      req.TraceID,
		ResourceType: "consensus",
		ResourceID:   req.ConsensusID,
		Success:      true,
		Details: map[string]string{
			"incident_id":  req.IncidentID,
			"request_type": req.RequestType,
		},
	}); err != nil {
		// fail-closed: без аудита раунд не открывается, хвост журнала компенсируется
		if td, ok := m.events.(eventstore.TailDiscarder); ok {
			if derr := td.DiscardTail(ctx, domain.AggregateConsensus, req.ConsensusID, ev.SequenceNumber); derr != nil {
				m.logger.Error("tail compensation failed", zap.String("consensus_id", req.ConsensusID), zap.Error(derr))
			}
		}
		m.forget(req)
		return domain.ConsensusRequest{}, err
	}

	r.timer = time.AfterFunc(time.Until(req.ExpiresAt), func() { m.expire(req.ConsensusID) })

	m.statsMu.Lock()
	m.stats.Created++
	m.statsMu.Unlock()

	m.logger.Info("consensus round opened",
		zap.String("consensus_id", req.ConsensusID),
		zap.String("incident_id", req.IncidentID),
		zap.Int("threshold", req.QuorumRule.Threshold),
		zap.Time("expires_at", req.ExpiresAt),
	)
	return req, nil
}

func (m *Manager) forget(req domain.ConsensusRequest) {
	m.mu.Lock()
	delete(m.rounds, req.ConsensusID)
	if m.byIncident[req.IncidentID] == req.ConsensusID {
		delete(m.byIncident, req.IncidentID)
	}
	m.mu.Unlock()
}

// VoteParams — параметры подачи голоса.
type VoteParams struct {
	ConsensusID  string
	AgentID      string
	VoteType     domain.VoteType
	Reasoning    string
	EvidenceRefs []string
	Conditions   []string
}

// SubmitVote принимает голос, замещая предыдущий голос того же агента,
// и атомарно пересчитывает итог под блокировкой раунда.
func (m *Manager) SubmitVote(ctx context.Context, p VoteParams) (domain.Vote, error) {
	switch p.VoteType {
	case domain.VoteApprove, domain.VoteReject, domain.VoteAbstain, domain.VoteVeto:
	default:
		return domain.Vote{}, &domain.ValidationError{
			Fields: []string{"vote_type"},
			Reason: fmt.Sprintf("unknown vote type %q", p.VoteType),
		}
	}

	m.mu.RLock()
	r, ok := m.rounds[p.ConsensusID]
	m.mu.RUnlock()
	if !ok {
		return domain.Vote{}, domain.ErrConsensusNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.result.State.IsFinal() {
		return domain.Vote{}, domain.ErrConsensusClosed
	}
	if now := m.now().UTC(); now.After(r.request.ExpiresAt) {
		// Дедлайн прошел, а таймер еще не сработал: разрешаем сами
		m.resolveLocked(ctx, r, domain.ConsensusExpired, "deadline passed")
		return domain.Vote{}, domain.ErrConsensusClosed
	}

	vote := domain.Vote{
		VoteID:       uuid.New().String(),
		ConsensusID:  p.ConsensusID,
		AgentID:      p.AgentID,
		VoteType:     p.VoteType,
		Reasoning:    p.Reasoning,
		EvidenceRefs: p.EvidenceRefs,
		Conditions:   p.Conditions,
		CastAt:       m.now().UTC(),
	}
	prior, replaced := r.votes[p.AgentID]
	r.votes[p.AgentID] = vote

	ev, err := m.events.Append(ctx, eventstore.AppendParams{
		AggregateType: domain.AggregateConsensus,
		AggregateID:   p.ConsensusID,
		TraceID:       r.request.TraceID,
		EventType:     domain.EventConsensusVoteCast,
		Data: map[string]interface{}{
			"agent_id":  p.AgentID,
			"vote_type": string(p.VoteType),
			"replaced":  replaced,
		},
		ExpectedSequence: r.seq,
	})
	if err != nil {
		m.revertVote(r, p.AgentID, prior, replaced)
		return domain.Vote{}, err
	}
	r.seq = ev.SequenceNumber

	if _, err := m.trail.Log(ctx, audit.LogParams{
		Action:       audit.ActionVoteCast,
		Actor:        p.AgentID,
		TraceID:      r.request.TraceID,
		ResourceType: "consensus",
		ResourceID:   p.ConsensusID,
		Success:      true,
		Details: map[string]string{
			"vote_type": string(p.VoteType),
			"replaced":  fmt.Sprintf("%t", replaced),
		},
	}); err != nil {
		if td, ok := m.events.(eventstore.TailDiscarder); ok {
			if derr := td.DiscardTail(ctx, domain.AggregateConsensus, p.ConsensusID, ev.SequenceNumber); derr != nil {
				m.logger.Error("tail compensation failed", zap.String("consensus_id", p.ConsensusID), zap.Error(derr))
			} else {
				r.seq = ev.SequenceNumber - 1
			}
		}
		m.revertVote(r, p.AgentID, prior, replaced)
		return domain.Vote{}, err
	}

	tally := tallyVotes(r.votes)
	switch {
	case tally.Veto > 0:
		// Вето приоритетно: раунд закрывается немедленно, не дожидаясь остальных
		m.resolveLocked(ctx, r, domain.ConsensusVetoed, fmt.Sprintf("veto by %s", p.AgentID))
	case tally.Approve >= r.request.QuorumRule.Threshold:
		m.resolveLocked(ctx, r, domain.ConsensusApproved,
			fmt.Sprintf("quorum reached: %d/%d approvals", tally.Approve, r.request.QuorumRule.Threshold))
	}
	return vote, nil
}

func (m *Manager) revertVote(r *round, agentID string, prior domain.Vote, replaced bool) {
	if replaced {
		r.votes[agentID] = prior
	} else {
		delete(r.votes, agentID)
	}
}

// resolveLocked фиксирует итог раунда. Вызывается только под r.mu,
// в состоянии pending. Ставший нетерминальным результат больше не меняется.
func (m *Manager) resolveLocked(ctx context.Context, r *round, state domain.ConsensusState, factor string) {
	res := domain.ConsensusResult{
		ConsensusID:    r.request.ConsensusID,
		State:          state,
		Tally:          tallyVotes(r.votes),
		DecidingFactor: factor,
		DecidedAt:      m.now().UTC(),
	}
	if state == domain.ConsensusApproved {
		res.Conditions = approveConditions(r.votes)
	}
	r.result = res
	if r.timer != nil {
		r.timer.Stop()
	}

	m.mu.Lock()
	if m.byIncident[r.request.IncidentID] == r.request.ConsensusID {
		delete(m.byIncident, r.request.IncidentID)
	}
	m.mu.Unlock()

	ev, err := m.events.Append(ctx, eventstore.AppendParams{
		AggregateType: domain.AggregateConsensus,
		AggregateID:   r.request.ConsensusID,
		TraceID:       r.request.TraceID,
		EventType:     domain.EventConsensusDecided,
		Data: map[string]interface{}{
			"state":           string(state),
			"deciding_factor": factor,
			"approve":         res.Tally.Approve,
			"reject":          res.Tally.Reject,
			"veto":            res.Tally.Veto,
		},
		ExpectedSequence: r.seq,
	})
	if err != nil {
		// Итог в RAM уже финален; расхождение с журналом — на страницу дежурному
		m.logger.Error("failed to journal consensus decision",
			zap.String("consensus_id", r.request.ConsensusID), zap.Error(err))
	} else {
		r.seq = ev.SequenceNumber
	}

	if _, err := m.trail.Log(ctx, audit.LogParams{
		Action:       audit.ActionConsensusDecided,
		Actor:        "consensus-manager",
		TraceID:      r.request.TraceID,
		ResourceType: "consensus",
		ResourceID:   r.request.ConsensusID,
		Success:      state == domain.ConsensusApproved,
		Details: map[string]string{
			"state":           string(state),
			"deciding_factor": factor,
		},
	}); err != nil {
		m.logger.Error("failed to audit consensus decision",
			zap.String("consensus_id", r.request.ConsensusID), zap.Error(err))
	}

	m.statsMu.Lock()
	switch state {
	case domain.ConsensusApproved:
		m.stats.Approved++
	case domain.ConsensusRejected:
		m.stats.Rejected++
	case domain.ConsensusVetoed:
		m.stats.Vetoed++
	case domain.ConsensusExpired:
		m.stats.Expired++
	}
	m.statsMu.Unlock()

	m.logger.Info("consensus round decided",
		zap.String("consensus_id", r.request.ConsensusID),
		zap.String("incident_id", r.request.IncidentID),
		zap.String("state", string(state)),
		zap.String("deciding_factor", factor),
	)

	if m.onDecided != nil {
		req := r.request
		go m.onDecided(context.WithoutCancel(ctx), req, res)
	}
}

// expire — срабатывание дедлайна. Раунд, успевший разрешиться, не трогаем.
func (m *Manager) expire(consensusID string) {
	m.mu.RLock()
	r, ok := m.rounds[consensusID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result.State.IsFinal() {
		return
	}
	m.resolveLocked(context.Background(), r, domain.ConsensusExpired, "deadline passed")
}

// GetResult идемпотентен: pending до срабатывания одного из условий разрешения.
func (m *Manager) GetResult(consensusID string) (domain.ConsensusResult, error) {
	m.mu.RLock()
	r, ok := m.rounds[consensusID]
	m.mu.RUnlock()
	if !ok {
		return domain.ConsensusResult{}, domain.ErrConsensusNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	if res.State == domain.ConsensusPending {
		res.Tally = tallyVotes(r.votes)
	}
	return res, nil
}

// GetRequest возвращает заявку раунда.
func (m *Manager) GetRequest(consensusID string) (domain.ConsensusRequest, error) {
	m.mu.RLock()
	r, ok := m.rounds[consensusID]
	m.mu.RUnlock()
	if !ok {
		return domain.ConsensusRequest{}, domain.ErrConsensusNotFound
	}
	return r.request, nil
}

// Votes — снимок живых голосов раунда.
func (m *Manager) Votes(consensusID string) ([]domain.Vote, error) {
	m.mu.RLock()
	r, ok := m.rounds[consensusID]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrConsensusNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Vote, 0, len(r.votes))
	for _, v := range r.votes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CastAt.Before(out[j].CastAt) })
	return out, nil
}

// List — все известные раунды, открытые первыми, затем по времени создания.
func (m *Manager) List() []domain.ConsensusRequest {
	m.mu.RLock()
	out := make([]domain.ConsensusRequest, 0, len(m.rounds))
	for _, r := range m.rounds {
		out = append(out, r.request)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Statistics — снимок счетчиков.
func (m *Manager) Statistics() Stats {
	m.statsMu.Lock()
	s := m.stats
	m.statsMu.Unlock()
	m.mu.RLock()
	s.Open = len(m.byIncident)
	m.mu.RUnlock()
	return s
}

func tallyVotes(votes map[string]domain.Vote) domain.VoteTally {
	var t domain.VoteTally
	for _, v := range votes {
		switch v.VoteType {
		case domain.VoteApprove:
			t.Approve++
		case domain.VoteReject:
			t.Reject++
		case domain.VoteAbstain:
			t.Abstain++
		case domain.VoteVeto:
			t.Veto++
		}
		t.Total++
	}
	return t
}

func approveConditions(votes map[string]domain.Vote) []string {
	var out []string
	for _, v := range votes {
		if v.VoteType == domain.VoteApprove {
			out = append(out, v.Conditions...)
		}
	}
	sort.Strings(out)
	return out
}
