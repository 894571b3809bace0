package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/aaps-coordinator/internal/agents"
	"github.com/xela07ax/aaps-coordinator/internal/audit"
	"github.com/xela07ax/aaps-coordinator/internal/broker"
	"github.com/xela07ax/aaps-coordinator/internal/consensus"
	"github.com/xela07ax/aaps-coordinator/internal/eventstore"
	"github.com/xela07ax/aaps-coordinator/internal/gateway"
	"github.com/xela07ax/aaps-coordinator/internal/incident"
	"github.com/xela07ax/aaps-coordinator/internal/infra"
	"github.com/xela07ax/aaps-coordinator/internal/infra/auth"
	"github.com/xela07ax/aaps-coordinator/internal/repository/postgres"
	"github.com/xela07ax/aaps-coordinator/internal/resilience"
	"github.com/xela07ax/aaps-coordinator/internal/server"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизни фоновых горутин: SIGTERM гасит слушателей
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Хранилища: Postgres при заданном URL, иначе in-memory
	var (
		events    eventstore.Store
		primary   audit.Storage
		mirror    audit.Mirror
		archiver  *audit.Archiver
		agentRepo *postgres.AgentRepo
		readyFns  []server.ReadyFunc
	)
	primary = audit.NewMemoryStorage()

	if cfg.Database.URL != "" {
		eventRepo, err := postgres.NewEventRepo(cfg.Database.URL)
		if err != nil {
			logger.Fatal("postgres event store", zap.Error(err))
		}
		defer eventRepo.Close()
		events = eventRepo
		readyFns = append(readyFns, eventRepo.Ping)

		auditRepo, err := postgres.NewAuditRepo(cfg.Database.URL)
		if err != nil {
			logger.Fatal("postgres audit archive", zap.Error(err))
		}
		defer auditRepo.Close()

		// Горячий журнал остается в RAM, архив пишется пачками в фоне
		archiver = audit.NewArchiver(auditRepo, cfg.Audit.BufferSize, cfg.Audit.BatchSize, cfg.Audit.FlushInterval, logger)
		archiver.Start()
		defer archiver.Stop()
		mirror = archiver

		agentRepo, err = postgres.NewAgentRepo(cfg.Database.URL)
		if err != nil {
			logger.Fatal("postgres agent registry", zap.Error(err))
		}
		defer agentRepo.Close()
	} else {
		logger.Warn("database.url is empty, running with in-memory event store")
		events = eventstore.NewMemoryStore()
	}

	trail := audit.NewTrail(primary, mirror, logger)

	// 3. Реестр агентов: холодная загрузка из Postgres, живые сигналы из Redis
	registry := agents.NewRegistry()
	if agentRepo != nil {
		known, err := agentRepo.ListAgents(appCtx)
		if err != nil {
			logger.Fatal("agent registry cold load", zap.Error(err))
		}
		for _, info := range known {
			registry.Register(info)
		}
		logger.Info("agent registry loaded", zap.Int("agents", len(known)))
	}

	var directory *agents.Directory
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		readyFns = append(readyFns, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

		directory = agents.NewDirectory(registry, rdb, logger)
		if err := directory.Init(appCtx); err != nil {
			logger.Fatal("agent directory init", zap.Error(err))
		}
		go directory.StartListener(appCtx)
	}

	// 4. Исходящий канал: HTTP-клиент агентов под Resilience-оберткой
	client := agents.NewHTTPClient(registry, cfg.Resilience.CallTimeout, logger)
	wrapper := resilience.NewWrapper(client, cfg.Resilience, logger)

	// Метрики
	promReg := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(promReg)
	wrapper.OnStateChange(metrics.ObserveBreaker)
	if archiver != nil {
		go func() {
			t := time.NewTicker(5 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-appCtx.Done():
					return
				case <-t.C:
					metrics.AuditBufferFill.Set(float64(archiver.Depth()))
				}
			}
		}()
	}

	// 5. Ядро: автомат, консенсус, роутер
	machine := incident.NewStateMachine(incident.NewMemoryRepository(), events, trail, logger)
	consensusMgr := consensus.NewManager(events, trail, logger)

	var publisher *broker.DecisionPublisher
	if cfg.Broker.URL != "" {
		publisher, err = broker.NewDecisionPublisher(cfg.Broker, logger)
		if err != nil {
			logger.Fatal("rabbitmq", zap.Error(err))
		}
		defer publisher.Close()
	}

	router := gateway.NewRouter(machine, consensusMgr, registry, wrapper, trail, publisher, metrics, cfg.Router, logger)

	// 6. HTTP-сервер
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("auth public key", zap.Error(err))
		}
		validator = auth.NewBaseValidator(pubKey)
	} else {
		logger.Warn("auth.public_key_path is empty, operator endpoints are unprotected")
	}

	srv := server.New(cfg.Server, server.Deps{
		Gateway:   router,
		Machine:   machine,
		Consensus: consensusMgr,
		Registry:  registry,
		Directory: directory,
		Trail:     trail,
		Wrapper:   wrapper,
		Checker:   client,
		Ready: func(ctx context.Context) error {
			for _, fn := range readyFns {
				if err := fn(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Validator: validator,
		PromReg:   promReg,
	}, logger)

	// 7. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("coordinator stopping...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("coordinator exited properly")
}
