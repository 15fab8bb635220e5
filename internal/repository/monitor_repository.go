package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// MonitorRepository provides data access for the proctor live monitor.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// ListAttempts returns one overview row per attempt on a test.
func (r *MonitorRepository) ListAttempts(ctx context.Context, testID uuid.UUID) ([]model.AttemptOverview, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.candidate_id, a.status, a.paused_at IS NOT NULL, a.current_section_id,
		        COUNT(aa.selected_option_id)::int,
		        COUNT(*) FILTER (WHERE aa.marked_for_review)::int,
		        COALESCE(SUM(aa.time_spent_seconds), 0)::int,
		        a.started_at, a.finished_at
		 FROM attempts a
		 LEFT JOIN attempt_answers aa ON aa.attempt_id = a.id
		 WHERE a.test_id = $1
		 GROUP BY a.id
		 ORDER BY a.started_at`, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AttemptOverview
	for rows.Next() {
		var o model.AttemptOverview
		if err := rows.Scan(&o.AttemptID, &o.CandidateID, &o.Status, &o.Paused, &o.CurrentSectionID,
			&o.AnsweredCount, &o.MarkedCount, &o.TimeSpentSeconds, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetInterruptionCounts returns how many automatic pauses each attempt on a
// test has recorded.
func (r *MonitorRepository) GetInterruptionCounts(ctx context.Context, testID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT attempt_id, COUNT(*)
		 FROM attempt_events
		 WHERE test_id = $1 AND kind = 'PAUSED' AND cause IN ('VISIBILITY', 'KEYPRESS')
		 GROUP BY attempt_id`,
		testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var id uuid.UUID
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		counts[id] = count
	}

	return counts, rows.Err()
}
