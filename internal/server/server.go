package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/aaps-coordinator/internal/agents"
	"github.com/xela07ax/aaps-coordinator/internal/audit"
	"github.com/xela07ax/aaps-coordinator/internal/consensus"
	"github.com/xela07ax/aaps-coordinator/internal/gateway"
	"github.com/xela07ax/aaps-coordinator/internal/incident"
	"github.com/xela07ax/aaps-coordinator/internal/infra"
	"github.com/xela07ax/aaps-coordinator/internal/infra/auth"
	"github.com/xela07ax/aaps-coordinator/internal/resilience"
)

// HealthChecker — параллельный опрос здоровья всех агентов.
type HealthChecker interface {
	CheckAll(ctx context.Context) []agents.HealthResult
}

// ReadyFunc — проверка готовности внешних зависимостей (Postgres, Redis).
type ReadyFunc func(ctx context.Context) error

// Server — тонкая HTTP/JSON-привязка поверх ядра координатора.
type Server struct {
	router    *chi.Mux
	logger    *zap.Logger
	cfg       infra.ServerConfig
	validator auth.TokenValidator // nil — операторские роуты без токена (dev)

	gw        *gateway.Router
	machine   *incident.StateMachine
	consensus *consensus.Manager
	registry  *agents.Registry
	directory *agents.Directory // nil — без Redis-синхронизации блокировок
	trail     *audit.Trail
	wrapper   *resilience.Wrapper
	checker   HealthChecker
	ready     ReadyFunc
	promReg   *prometheus.Registry

	http *http.Server
}

type Deps struct {
	Gateway   *gateway.Router
	Machine   *incident.StateMachine
	Consensus *consensus.Manager
	Registry  *agents.Registry
	Directory *agents.Directory
	Trail     *audit.Trail
	Wrapper   *resilience.Wrapper
	Checker   HealthChecker
	Ready     ReadyFunc
	Validator auth.TokenValidator
	PromReg   *prometheus.Registry
}

func New(cfg infra.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.Named("http"),
		cfg:       cfg,
		validator: deps.Validator,
		gw:        deps.Gateway,
		machine:   deps.Machine,
		consensus: deps.Consensus,
		registry:  deps.Registry,
		directory: deps.Directory,
		trail:     deps.Trail,
		wrapper:   deps.Wrapper,
		checker:   deps.Checker,
		ready:     deps.Ready,
		promReg:   deps.PromReg,
	}
	s.routes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- Инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- Протокол агентов и пробы (открытый периметр) ---
	r.Group(func(r chi.Router) {
		r.Post("/message", s.handleMessage)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/ready", s.handleReady)

		r.Get("/metrics", s.handleMetrics)
		if s.promReg != nil {
			r.Get("/metrics/prometheus", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}).ServeHTTP)
		}
	})

	// --- Чтение состояния (инциденты, консенсус, агенты) ---
	r.Group(func(r chi.Router) {
		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", s.handleListIncidents)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetIncident)
				r.Get("/history", s.handleIncidentHistory)
				r.Get("/audit", s.handleIncidentAudit)
			})
		})

		r.Route("/consensus", func(r chi.Router) {
			r.Get("/", s.handleListConsensus)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetConsensus)
				r.Post("/vote", s.handleVote)
			})
		})

		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/health", s.handleAgentsHealth)
	})

	// --- Операторский периметр (RS256 токен, если настроен ключ) ---
	r.Group(func(r chi.Router) {
		if s.validator != nil {
			r.Use(auth.NewMiddleware(s.validator, s.logger))
		}
		r.Get("/audit", s.handleQueryAudit)
		r.Get("/audit/integrity", s.handleAuditIntegrity)

		r.Post("/agents", s.handleRegisterAgent)
		r.Post("/agents/{id}/block", s.handleBlockAgent)
		r.Post("/agents/{id}/unblock", s.handleUnblockAgent)
	})
}

// Start запускает сервер; блокируется до Shutdown или ошибки.
func (s *Server) Start() error {
	s.logger.Info("coordinator API listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown мягко гасит сервер, давая время текущим запросам.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"status": "error", "error": err.Error()})
}
