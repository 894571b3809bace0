package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xela07ax/aaps-coordinator/internal/domain"
)

// Config — подключение к RabbitMQ для рассылки решений внешним потребителям
// (дашборды, пейджинг дежурных, пост-обработка).
type Config struct {
	URL        string `mapstructure:"url"`
	Queue      string `mapstructure:"queue"`
	Durable    bool   `mapstructure:"durable"`
	AutoDelete bool   `mapstructure:"auto_delete"`
}

// DecisionEvent — исходящее сообщение о разрешенном раунде консенсуса
// или достижении инцидентом терминального состояния.
type DecisionEvent struct {
	Kind        string `json:"kind"` // consensus_decided | incident_terminal
	TraceID     string `json:"trace_id"`
	IncidentID  string `json:"incident_id,omitempty"`
	ConsensusID string `json:"consensus_id,omitempty"`
	State       string `json:"state"`
	DecidedAt   string `json:"decided_at,omitempty"`
}

// DecisionPublisher публикует решения в очередь. Экземпляр с nil-каналом
// безопасен: публикация становится no-op, координатор живет без брокера.
type DecisionPublisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *zap.Logger
}

// NewDecisionPublisher устанавливает соединение и объявляет очередь.
func NewDecisionPublisher(cfg Config, logger *zap.Logger) (*DecisionPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "aaps.decisions"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	return &DecisionPublisher{conn: conn, ch: ch, queue: queue, logger: logger.Named("broker")}, nil
}

// PublishConsensus — уведомление о разрешении раунда.
func (p *DecisionPublisher) PublishConsensus(ctx context.Context, req domain.ConsensusRequest, res domain.ConsensusResult) {
	p.publish(ctx, DecisionEvent{
		Kind:        "consensus_decided",
		TraceID:     req.TraceID,
		IncidentID:  req.IncidentID,
		ConsensusID: req.ConsensusID,
		State:       string(res.State),
		DecidedAt:   res.DecidedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
	})
}

// PublishTerminal — уведомление о финале инцидента (VALIDATE или ROLLBACK).
func (p *DecisionPublisher) PublishTerminal(ctx context.Context, inc domain.Incident) {
	p.publish(ctx, DecisionEvent{
		Kind:       "incident_terminal",
		TraceID:    inc.TraceID,
		IncidentID: inc.IncidentID,
		State:      string(inc.State),
	})
}

// publish не возвращает ошибку: рассылка решений — побочный канал,
// ее сбой не должен ломать основную операцию.
func (p *DecisionPublisher) publish(ctx context.Context, ev DecisionEvent) {
	if p == nil || p.ch == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("decision marshal failed", zap.Error(err))
		return
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		p.logger.Error("decision publish failed",
			zap.String("kind", ev.Kind),
			zap.String("trace_id", ev.TraceID),
			zap.Error(err),
		)
	}
}

// Close закрывает канал и соединение.
func (p *DecisionPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
