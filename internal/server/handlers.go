package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/aaps-coordinator/internal/agents"
	"github.com/xela07ax/aaps-coordinator/internal/audit"
	"github.com/xela07ax/aaps-coordinator/internal/consensus"
	"github.com/xela07ax/aaps-coordinator/internal/domain"
	"github.com/xela07ax/aaps-coordinator/internal/incident"
)

// handleMessage — главная точка протокола: конверт уходит в роутер.
// 400 — конверт не прошел валидацию, 503 — сработал контроль допуска.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var env domain.MessageEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.gw.Route(r.Context(), env)
	if err != nil {
		var vErr *domain.ValidationError
		switch {
		case errors.As(err, &vErr):
			s.writeJSON(w, http.StatusBadRequest, res)
		case errors.Is(err, domain.ErrBusy):
			s.writeJSON(w, http.StatusServiceUnavailable, res)
		case errors.Is(err, domain.ErrIncidentNotFound), errors.Is(err, domain.ErrConsensusNotFound):
			s.writeJSON(w, http.StatusNotFound, res)
		default:
			// Переходные и доменные отказы — структурированный ответ, не 5xx
			s.writeJSON(w, http.StatusOK, res)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	list := s.machine.List(incident.ListFilter{
		State:    domain.IncidentState(q.Get("state")),
		Severity: q.Get("severity"),
		Limit:    limit,
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"incidents": list, "count": len(list)})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.machine.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleIncidentHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.machine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrIncidentNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"transitions": history, "count": len(history)})
}

func (s *Server) handleIncidentAudit(w http.ResponseWriter, r *http.Request) {
	inc, err := s.machine.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	entries, err := s.trail.Query(r.Context(), audit.Filter{TraceID: inc.TraceID})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleListConsensus(w http.ResponseWriter, r *http.Request) {
	list := s.consensus.List()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests":   list,
		"count":      len(list),
		"statistics": s.consensus.Statistics(),
	})
}

func (s *Server) handleGetConsensus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.consensus.GetRequest(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	result, _ := s.consensus.GetResult(id)
	votes, _ := s.consensus.Votes(id)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request": req,
		"result":  result,
		"votes":   votes,
	})
}

// handleVote — прямая подача голоса, минуя конверт (операторский путь).
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID      string   `json:"agent_id"`
		VoteType     string   `json:"vote_type"`
		Reasoning    string   `json:"reasoning"`
		EvidenceRefs []string `json:"evidence_refs"`
		Conditions   []string `json:"conditions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	vote, err := s.consensus.SubmitVote(r.Context(), consensus.VoteParams{
		ConsensusID:  chi.URLParam(r, "id"),
		AgentID:      body.AgentID,
		VoteType:     domain.VoteType(body.VoteType),
		Reasoning:    body.Reasoning,
		EvidenceRefs: body.EvidenceRefs,
		Conditions:   body.Conditions,
	})
	if err != nil {
		var vErr *domain.ValidationError
		switch {
		case errors.Is(err, domain.ErrConsensusNotFound):
			s.writeError(w, http.StatusNotFound, err)
		case errors.As(err, &vErr):
			s.writeError(w, http.StatusBadRequest, err)
		default:
			s.writeError(w, http.StatusConflict, err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, vote)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"agents": list, "count": len(list)})
}

func (s *Server) handleAgentsHealth(w http.ResponseWriter, r *http.Request) {
	results := s.checker.CheckAll(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"agents": results, "count": len(results)})
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	f := audit.Filter{
		Action:       audit.Action(q.Get("action")),
		Actor:        q.Get("actor"),
		TraceID:      q.Get("trace_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Limit:        limit,
		Offset:       offset,
	}
	if raw := q.Get("from"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.From = t
		}
	}
	if raw := q.Get("to"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.To = t
		}
	}

	entries, err := s.trail.Query(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleAuditIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.trail.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var info agents.Info
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if info.AgentID == "" || info.URL == "" {
		s.writeError(w, http.StatusBadRequest,
			&domain.ValidationError{Fields: []string{"agent_id", "url"}, Reason: "missing required fields"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Register(info))
}

func (s *Server) handleBlockAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.directory != nil {
		if err := s.directory.Block(r.Context(), id); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	} else if !s.registry.UpdateStatus(id, agents.StatusBlocked) {
		s.writeError(w, http.StatusNotFound, errors.New("unknown agent: "+id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "status": agents.StatusBlocked})
}

func (s *Server) handleUnblockAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.directory != nil {
		if err := s.directory.Unblock(r.Context(), id); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	} else if !s.registry.UpdateStatus(id, agents.StatusRegistered) {
		s.writeError(w, http.StatusNotFound, errors.New("unknown agent: "+id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "status": agents.StatusRegistered})
}

// handleMetrics — сводка в JSON; формат Prometheus живет на /metrics/prometheus.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	auditStats, err := s.trail.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents_by_state":    s.machine.StateCounts(),
		"incidents_by_severity": s.machine.SeverityCounts(),
		"consensus":             s.consensus.Statistics(),
		"audit":                 auditStats,
		"circuit_breakers":      s.wrapper.BreakerStates(),
		"in_flight_calls":       s.wrapper.InFlight(),
	})
}
