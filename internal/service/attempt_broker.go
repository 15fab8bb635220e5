package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
)

const activeAttemptTTL = 24 * time.Hour

// RedisAttemptBroker implements AttemptBroker on Redis.
type RedisAttemptBroker struct {
	rdb *redis.Client
}

// NewRedisAttemptBroker creates a new RedisAttemptBroker.
func NewRedisAttemptBroker(rdb *redis.Client) *RedisAttemptBroker {
	return &RedisAttemptBroker{rdb: rdb}
}

// ActiveAttempt returns the cached attempt of a candidate on a test.
func (b *RedisAttemptBroker) ActiveAttempt(ctx context.Context, testID uuid.UUID, candidateID int) (uuid.UUID, bool, error) {
	key := config.CacheKey.CandidateActiveAttemptKey(testID.String(), candidateID)
	val, err := b.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(val)
	if err != nil {
		// Corrupt entry; drop it and fall through to the database.
		b.rdb.Del(ctx, key)
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// RememberAttempt caches the attempt of a candidate on a test.
func (b *RedisAttemptBroker) RememberAttempt(ctx context.Context, testID uuid.UUID, candidateID int, attemptID uuid.UUID) error {
	key := config.CacheKey.CandidateActiveAttemptKey(testID.String(), candidateID)
	return b.rdb.Set(ctx, key, attemptID.String(), activeAttemptTTL).Err()
}

// Emit queues the event for the persistence worker and publishes it on the
// test's monitor channel in one round trip.
func (b *RedisAttemptBroker) Emit(ctx context.Context, event model.AttemptEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal attempt event: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistAttemptEventsQueue, data)
	pipe.Publish(ctx, config.CacheKey.TestMonitorChannel(event.TestID.String()), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("emit attempt event: %w", err)
	}
	return nil
}
