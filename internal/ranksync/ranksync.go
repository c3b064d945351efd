// Package ranksync pushes rank-change notifications onto a Redis list so
// an external role-sync worker can mirror tier changes into the chat
// platform. Delivery is best-effort: a failed push is logged by the caller
// and never blocks match completion.
package ranksync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sixmans/internal/config"
	"sixmans/internal/domain"
)

const queueKey = "sixmans:ranksync"

// Update describes one participant's rank movement after a completed match.
type Update struct {
	ParticipantID string      `json:"participantId"`
	Queue         string      `json:"queueName"`
	OldRating     int         `json:"oldRating"`
	NewRating     int         `json:"newRating"`
	OldTier       domain.Tier `json:"oldTier"`
	NewTier       domain.Tier `json:"newTier"`
	IsPromotion   bool        `json:"isPromotion"`
	IsDemotion    bool        `json:"isDemotion"`
	OccurredAt    time.Time   `json:"occurredAt"`
}

// Queue accepts rank updates for asynchronous consumption.
type Queue interface {
	Enqueue(ctx context.Context, update Update) error
	Close() error
}

type RedisQueue struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisQueue(cfg *config.Config, logger zerolog.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	logger.Info().Str("redis_addr", cfg.RedisAddr).Str("key", queueKey).Msg("rank sync queue connected")
	return &RedisQueue{client: client, logger: logger}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, update Update) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode rank update: %w", err)
	}
	if err := q.client.RPush(ctx, queueKey, body).Err(); err != nil {
		return fmt.Errorf("failed to push rank update: %w", err)
	}
	q.logger.Debug().
		Str("participant_id", update.ParticipantID).
		Str("old_tier", string(update.OldTier)).
		Str("new_tier", string(update.NewTier)).
		Msg("rank update queued")
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Noop satisfies Queue when no Redis address is configured.
type Noop struct{}

func (Noop) Enqueue(context.Context, Update) error { return nil }
func (Noop) Close() error                          { return nil }

// New returns the Redis-backed queue when configured, the noop otherwise.
func New(cfg *config.Config, logger zerolog.Logger) (Queue, error) {
	if cfg.RedisAddr == "" {
		logger.Info().Msg("rank sync disabled, no redis address configured")
		return Noop{}, nil
	}
	return NewRedisQueue(cfg, logger)
}
