package agents

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Ключи и каналы Redis для синхронизации между инстансами координатора
const (
	blockedSetKey    = "aaps:agents:blocked_set"
	blockedLockKey   = "aaps:agents:blocked_warmup_lock"
	blockedSignalKey = "aaps:agents:block-signal"
)

// Directory поддерживает L1 (RAM, реестр) и L2 (Redis) представление
// заблокированных агентов. Конверт от заблокированного агента отклоняется
// валидацией роутера без побочных эффектов.
type Directory struct {
	registry *Registry
	rdb      *redis.Client
	logger   *zap.Logger
}

func NewDirectory(registry *Registry, rdb *redis.Client, logger *zap.Logger) *Directory {
	return &Directory{
		registry: registry,
		rdb:      rdb,
		logger:   logger.Named("agent-directory"),
	}
}

// Init прогревает локальный кэш блокировок и, при необходимости, Redis-набор.
func (d *Directory) Init(ctx context.Context) error {
	blocked, err := d.rdb.SMembers(ctx, blockedSetKey).Result()
	if err != nil {
		return err
	}
	for _, id := range blocked {
		d.registry.UpdateStatus(id, StatusBlocked)
	}

	// Распределенная блокировка (SetNX): Redis греет только один инстанс
	ok, err := d.rdb.SetNX(ctx, blockedLockKey, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой инстанс уже греет
	}

	count, err := d.rdb.SCard(ctx, blockedSetKey).Result()
	if err != nil {
		d.logger.Warn("could not check Redis set size, skipping warm-up", zap.Error(err))
		return nil
	}

	if count == 0 {
		var ids []string
		for _, info := range d.registry.List() {
			if info.Status == StatusBlocked {
				ids = append(ids, info.AgentID)
			}
		}
		if len(ids) > 0 {
			d.logger.Info("Redis blocked set is empty, performing warm-up...", zap.Int("count", len(ids)))
			pipe := d.rdb.Pipeline()
			for _, id := range ids {
				pipe.SAdd(ctx, blockedSetKey, id)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Block публикует сигнал блокировки всем инстансам и фиксирует его в Redis.
func (d *Directory) Block(ctx context.Context, agentID string) error {
	if err := d.rdb.SAdd(ctx, blockedSetKey, agentID).Err(); err != nil {
		return err
	}
	d.registry.UpdateStatus(agentID, StatusBlocked)
	return d.rdb.Publish(ctx, blockedSignalKey, agentID+":on").Err()
}

// Unblock снимает блокировку.
func (d *Directory) Unblock(ctx context.Context, agentID string) error {
	if err := d.rdb.SRem(ctx, blockedSetKey, agentID).Err(); err != nil {
		return err
	}
	d.registry.UpdateStatus(agentID, StatusRegistered)
	return d.rdb.Publish(ctx, blockedSignalKey, agentID+":off").Err()
}

// StartListener — "живучая" подписка на сигналы блокировки: переподключения,
// ресинхронизация состояния при каждом успешном коннекте, разбор сигналов.
func (d *Directory) StartListener(ctx context.Context) {
	for {
		pubsub := d.rdb.Subscribe(ctx, blockedSignalKey)

		if _, err := pubsub.Receive(ctx); err != nil {
			if ctx.Err() != nil {
				pubsub.Close()
				return
			}
			d.logger.Error("failed to subscribe", zap.String("chan", blockedSignalKey), zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		// Ресинхронизация при каждом успешном коннекте
		if err := d.Init(ctx); err != nil {
			d.logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				d.processSignal(msg.Payload)
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}

// processSignal разбирает формат "agent_id:on" / "agent_id:off".
func (d *Directory) processSignal(payload string) {
	parts := strings.Split(payload, ":")
	if len(parts) != 2 {
		d.logger.Error("invalid block signal format", zap.String("payload", payload))
		return
	}

	agentID := parts[0]
	switch parts[1] {
	case "on", "true":
		d.logger.Warn("agent blocked by control-plane signal", zap.String("agent_id", agentID))
		d.registry.UpdateStatus(agentID, StatusBlocked)
	case "off", "false":
		d.logger.Info("agent unblocked by control-plane signal", zap.String("agent_id", agentID))
		d.registry.UpdateStatus(agentID, StatusRegistered)
	default:
		d.logger.Error("invalid block signal status", zap.String("payload", payload))
	}
}
