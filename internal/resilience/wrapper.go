package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/aaps-coordinator/internal/agents"
	"github.com/xela07ax/aaps-coordinator/internal/domain"
)

// Config — настройки обертки. Нули заменяются консервативными значениями.
type Config struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent"`     // Потолок одновременных исходящих вызовов
	RatePerSecond    float64       `mapstructure:"rate_per_second"`    // Лимит запросов в секунду
	RateBurst        int           `mapstructure:"rate_burst"`         // Разрешенный всплеск
	FailureThreshold uint32        `mapstructure:"failure_threshold"`  // Ошибок подряд до открытия предохранителя
	BreakerInterval  time.Duration `mapstructure:"breaker_interval"`   // Окно подсчета ошибок
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`   // Пауза до полуоткрытого состояния
	RetryAttempts    uint          `mapstructure:"retry_attempts"`     // Попыток для идемпотентных вызовов
	CallTimeout      time.Duration `mapstructure:"call_timeout"`       // Таймаут одной попытки
	MaxRetryJitter   time.Duration `mapstructure:"max_retry_jitter"`   // Верхняя граница случайной добавки к бэкоффу
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 64
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 100
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.BreakerInterval <= 0 {
		c.BreakerInterval = 10 * time.Second
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.MaxRetryJitter <= 0 {
		c.MaxRetryJitter = 250 * time.Millisecond
	}
	return c
}

// Wrapper оборачивает каждый исходящий вызов к агенту:
//  1. Контроль допуска: лимитер и семафор отказывают немедленно (Busy),
//     запросы не копятся в неограниченной очереди.
//  2. Предохранитель на каждого агента: открывается после серии ошибок,
//     в открытом состоянии вызов отклоняется без сетевого I/O,
//     после паузы пропускается ровно одна проба.
//  3. Повторы с экспоненциальным бэкоффом и джиттером — только для
//     идемпотентных вызовов; голоса и команды переходов не повторяются.
type Wrapper struct {
	next agents.Caller
	cfg  Config

	limiter *rate.Limiter
	sem     chan struct{}

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	logger        *zap.Logger
	onStateChange func(agentID string, from, to gobreaker.State)
}

func NewWrapper(next agents.Caller, cfg Config, logger *zap.Logger) *Wrapper {
	cfg = cfg.withDefaults()
	return &Wrapper{
		next:     next,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger.Named("resilience"),
	}
}

// OnStateChange регистрирует наблюдателя смены состояний предохранителей (метрики).
func (w *Wrapper) OnStateChange(fn func(agentID string, from, to gobreaker.State)) {
	w.onStateChange = fn
}

func (w *Wrapper) breakerFor(agentID string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cb, ok := w.breakers[agentID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent-" + agentID,
		MaxRequests: 1, // Полуоткрытое состояние: ровно одна проба
		Interval:    w.cfg.BreakerInterval,
		Timeout:     w.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= w.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("circuit breaker state change",
				zap.String("agent_id", agentID),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if w.onStateChange != nil {
				w.onStateChange(agentID, from, to)
			}
		},
	})
	w.breakers[agentID] = cb
	return cb
}

// Call отправляет конверт агенту через полный конвейер защиты.
// Повторы включаются только для идемпотентных типов сообщений.
func (w *Wrapper) Call(ctx context.Context, agentID string, env domain.MessageEnvelope) (map[string]interface{}, error) {
	if err := w.admit(); err != nil {
		return nil, err
	}
	defer w.release()

	idempotent := env.Meta.IdempotencyKey != "" && env.Meta.MessageType != domain.MsgConsensusVote

	var result map[string]interface{}
	_, err := w.breakerFor(agentID).Execute(func() (interface{}, error) {
		attempt := func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()

			var callErr error
			result, callErr = w.next.Call(tCtx, agentID, env)
			return callErr
		}

		if !idempotent {
			return nil, attempt()
		}

		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.RetryAttempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Экспоненциальный бэкофф плюс джиттер против синхронных штормов
				return retry.BackOffDelay(n, err, config) +
					time.Duration(rand.Int64N(int64(w.cfg.MaxRetryJitter)))
			}),
		)
		return nil, r.Do(attempt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: agent %s", domain.ErrDownstreamUnavailable, agentID)
		}
		return nil, err
	}
	return result, nil
}

// HealthCheck идет в обход предохранителя: это и есть независимый зонд
// состояния агента, его нельзя глушить открытым CB.
func (w *Wrapper) HealthCheck(ctx context.Context, agentID string) (string, error) {
	if err := w.admit(); err != nil {
		return "", err
	}
	defer w.release()

	tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	return w.next.HealthCheck(tCtx, agentID)
}

// admit — контроль допуска: без свободного слота и токена лимитера
// запрос отклоняется сразу, без ожидания.
func (w *Wrapper) admit() error {
	if !w.limiter.Allow() {
		return fmt.Errorf("%w: rate limit", domain.ErrBusy)
	}
	select {
	case w.sem <- struct{}{}:
		return nil
	default:
		return fmt.Errorf("%w: %d in-flight calls", domain.ErrBusy, w.cfg.MaxConcurrent)
	}
}

func (w *Wrapper) release() { <-w.sem }

// BreakerStates — снимок состояний предохранителей по агентам.
func (w *Wrapper) BreakerStates() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.breakers))
	for id, cb := range w.breakers {
		out[id] = cb.State().String()
	}
	return out
}

// InFlight — текущее число занятых слотов (для гейджа).
func (w *Wrapper) InFlight() int { return len(w.sem) }
