package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// MonitorRepository reads the proctor monitor snapshot.
type MonitorRepository interface {
	ListAttempts(ctx context.Context, testID uuid.UUID) ([]model.AttemptOverview, error)
	GetInterruptionCounts(ctx context.Context, testID uuid.UUID) (map[uuid.UUID]int64, error)
}

// MonitorService orchestrates live attempt monitoring.
type MonitorService struct {
	monitorRepo MonitorRepository
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo MonitorRepository) *MonitorService {
	return &MonitorService{monitorRepo: monitorRepo}
}

// Snapshot is the state a proctor sees on connect.
type Snapshot struct {
	TestID             uuid.UUID               `json:"test_id"`
	Attempts           []model.AttemptOverview `json:"attempts"`
	TotalInterruptions int64                   `json:"total_interruptions"`
}

// GetSnapshot returns every attempt on a test with its interruption count.
// The two queries run concurrently.
func (s *MonitorService) GetSnapshot(ctx context.Context, testID uuid.UUID) (*Snapshot, error) {
	var (
		attempts      []model.AttemptOverview
		interruptions map[uuid.UUID]int64
		attemptsErr   error
		interruptErr  error
		wg            sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		attempts, attemptsErr = s.monitorRepo.ListAttempts(ctx, testID)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		interruptions, interruptErr = s.monitorRepo.GetInterruptionCounts(ctx, testID)
	}()

	wg.Wait()

	// Attempts are critical; interruption counts are best-effort.
	if attemptsErr != nil {
		return nil, attemptsErr
	}

	snapshot := &Snapshot{TestID: testID, Attempts: attempts}
	if snapshot.Attempts == nil {
		snapshot.Attempts = []model.AttemptOverview{}
	}
	if interruptErr == nil {
		for i := range snapshot.Attempts {
			n := interruptions[snapshot.Attempts[i].AttemptID]
			snapshot.Attempts[i].Interruptions = n
			snapshot.TotalInterruptions += n
		}
	}
	return snapshot, nil
}
