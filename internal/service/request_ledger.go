package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-attempt/internal/config"
)

// pendingMarker is stored while the first request with a key is running.
const pendingMarker = "__pending__"

// ClaimState is the outcome of claiming an idempotency key.
type ClaimState int

const (
	// ClaimAcquired means the caller runs the request.
	ClaimAcquired ClaimState = iota
	// ClaimInFlight means an earlier request with the key is still running.
	ClaimInFlight
	// ClaimReplay means the request already completed; replay its body.
	ClaimReplay
)

// RequestLedger records processed store requests by idempotency key so a
// retried mutation is applied exactly once.
type RequestLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRequestLedger creates a new RequestLedger. Keys expire after ttl.
func NewRequestLedger(rdb *redis.Client, ttl time.Duration) *RequestLedger {
	return &RequestLedger{rdb: rdb, ttl: ttl}
}

// Claim reserves key for attemptID. On ClaimReplay the stored response body
// is returned.
func (l *RequestLedger) Claim(ctx context.Context, attemptID, key string) (ClaimState, []byte, error) {
	cacheKey := config.CacheKey.IdempotencyKey(attemptID, key)
	ok, err := l.rdb.SetNX(ctx, cacheKey, pendingMarker, l.ttl).Result()
	if err != nil {
		return ClaimAcquired, nil, err
	}
	if ok {
		return ClaimAcquired, nil, nil
	}

	stored, err := l.rdb.Get(ctx, cacheKey).Bytes()
	if err == redis.Nil {
		// Expired between the two calls; let the caller retry.
		return ClaimInFlight, nil, nil
	}
	if err != nil {
		return ClaimAcquired, nil, err
	}
	if string(stored) == pendingMarker {
		return ClaimInFlight, nil, nil
	}
	return ClaimReplay, stored, nil
}

// Complete stores the response body of a successful request.
func (l *RequestLedger) Complete(ctx context.Context, attemptID, key string, body []byte) error {
	return l.rdb.Set(ctx, config.CacheKey.IdempotencyKey(attemptID, key), body, l.ttl).Err()
}

// Release forgets a claim whose request failed so a retry can run it again.
func (l *RequestLedger) Release(ctx context.Context, attemptID, key string) error {
	return l.rdb.Del(ctx, config.CacheKey.IdempotencyKey(attemptID, key)).Err()
}
