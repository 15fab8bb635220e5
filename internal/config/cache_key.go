package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// IdempotencyKey returns the cache key marking a store request as processed.
func (r *CacheKeyStruct) IdempotencyKey(attemptID, requestKey string) string {
	return fmt.Sprintf("attempt:%s:request:%s", attemptID, requestKey)
}

// CandidateActiveAttemptKey returns the cache key for a candidate's in-progress attempt on a test.
func (r *CacheKeyStruct) CandidateActiveAttemptKey(testID string, candidateID int) string {
	return fmt.Sprintf("candidate:%d:test:%s:active_attempt", candidateID, testID)
}

// TestMonitorChannel returns the Redis PubSub channel name for a test's live monitor.
func (r *CacheKeyStruct) TestMonitorChannel(testID string) string {
	return fmt.Sprintf("test:%s:monitor", testID)
}

var CacheKey = NewCacheKeyStruct()
