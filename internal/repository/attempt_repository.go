package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// ErrSectionAlreadySubmitted is returned when a section submit row exists.
var ErrSectionAlreadySubmitted = errors.New("section already submitted")

const attemptColumns = `id, test_id, candidate_id, status, paused_seconds, current_section_id,
	last_active_at, paused_at, started_at, finished_at`

// AttemptRepository handles attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(&a.ID, &a.TestID, &a.CandidateID, &a.Status, &a.PausedSeconds, &a.CurrentSectionID,
		&a.LastActiveAt, &a.PausedAt, &a.StartedAt, &a.FinishedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByID retrieves an attempt by its UUID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
}

// GetByTestAndCandidate retrieves a candidate's attempt on a test.
func (r *AttemptRepository) GetByTestAndCandidate(ctx context.Context, testID uuid.UUID, candidateID int) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE test_id = $1 AND candidate_id = $2`,
		testID, candidateID))
}

// Create inserts a new attempt. A concurrent start for the same candidate
// and test yields pgx.ErrNoRows.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO attempts (test_id, candidate_id, status, current_section_id, last_active_at, started_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (test_id, candidate_id) DO NOTHING
		 RETURNING id, started_at`,
		a.TestID, a.CandidateID, model.AttemptStatusInProgress, a.CurrentSectionID, a.StartedAt,
	).Scan(&a.ID, &a.StartedAt)
}

// ListProgress returns the saved per-question state of an attempt.
func (r *AttemptRepository) ListProgress(ctx context.Context, attemptID uuid.UUID) ([]model.QuestionProgress, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, time_spent_seconds, selected_option_id, marked_for_review
		 FROM attempt_answers
		 WHERE attempt_id = $1`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var progress []model.QuestionProgress
	for rows.Next() {
		var p model.QuestionProgress
		if err := rows.Scan(&p.QuestionID, &p.TimeSpentSeconds, &p.SelectedOptionID, &p.MarkedForReview); err != nil {
			return nil, err
		}
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

// ListSubmittedSections returns the sections of an attempt already submitted.
func (r *AttemptRepository) ListSubmittedSections(ctx context.Context, attemptID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT section_id FROM attempt_sections WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveAnswer stores the selection and review flag and adds seconds to the
// question's time. A nil option clears the answer.
func (r *AttemptRepository) SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, option *string, review bool, seconds int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, selected_option_id, marked_for_review, time_spent_seconds)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET selected_option_id = EXCLUDED.selected_option_id,
		     marked_for_review = EXCLUDED.marked_for_review,
		     time_spent_seconds = attempt_answers.time_spent_seconds + EXCLUDED.time_spent_seconds,
		     updated_at = NOW()`,
		attemptID, questionID, option, review, seconds)
	return err
}

// SetReview stores the review flag and adds seconds, keeping the selection.
func (r *AttemptRepository) SetReview(ctx context.Context, attemptID, questionID uuid.UUID, review bool, seconds int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, marked_for_review, time_spent_seconds)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET marked_for_review = EXCLUDED.marked_for_review,
		     time_spent_seconds = attempt_answers.time_spent_seconds + EXCLUDED.time_spent_seconds,
		     updated_at = NOW()`,
		attemptID, questionID, review, seconds)
	return err
}

// addTime adds an increment to a question's time without touching its
// answer.
func addTime(ctx context.Context, tx pgx.Tx, attemptID uuid.UUID, inc model.Increment) error {
	if inc.QuestionID == nil || inc.Seconds <= 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, time_spent_seconds)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET time_spent_seconds = attempt_answers.time_spent_seconds + EXCLUDED.time_spent_seconds,
		     updated_at = NOW()`,
		attemptID, *inc.QuestionID, inc.Seconds)
	if err != nil {
		return fmt.Errorf("add time: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction that commits only if fn succeeds. A status
// change and the time increment carried with it land together or not at all.
func (r *AttemptRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Pause adds the increment and marks a running attempt paused at the given
// time. Pausing an already paused attempt only adds the increment.
func (r *AttemptRepository) Pause(ctx context.Context, attemptID uuid.UUID, inc model.Increment, at time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := addTime(ctx, tx, attemptID, inc); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE attempts SET paused_at = $2, last_active_at = NULL
			 WHERE id = $1 AND paused_at IS NULL`,
			attemptID, at)
		return err
	})
}

// Resume adds the increment, clears the pause and adds pausedSeconds to the
// attempt total.
func (r *AttemptRepository) Resume(ctx context.Context, attemptID uuid.UUID, inc model.Increment, pausedSeconds int, at time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := addTime(ctx, tx, attemptID, inc); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE attempts
			 SET paused_seconds = paused_seconds + $2, paused_at = NULL, last_active_at = $3
			 WHERE id = $1 AND paused_at IS NOT NULL`,
			attemptID, pausedSeconds, at)
		return err
	})
}

// Finish adds the increment and moves an in-progress attempt to a terminal
// status. A finished attempt yields pgx.ErrNoRows and keeps its time.
func (r *AttemptRepository) Finish(ctx context.Context, attemptID uuid.UUID, inc model.Increment, status model.AttemptStatus, at time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := addTime(ctx, tx, attemptID, inc); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE attempts SET status = $2, finished_at = $3, paused_at = NULL
			 WHERE id = $1 AND status = 'IN_PROGRESS'`,
			attemptID, status, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

// SubmitSection adds the increment, records the section as submitted and
// moves the attempt to next. A nil next finishes the attempt with
// finalStatus.
func (r *AttemptRepository) SubmitSection(ctx context.Context, attemptID, sectionID uuid.UUID, inc model.Increment, auto bool, next *uuid.UUID, finalStatus model.AttemptStatus, at time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO attempt_sections (attempt_id, section_id, auto, submitted_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (attempt_id, section_id) DO NOTHING`,
			attemptID, sectionID, auto, at)
		if err != nil {
			return fmt.Errorf("insert attempt section: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrSectionAlreadySubmitted
		}
		if err := addTime(ctx, tx, attemptID, inc); err != nil {
			return err
		}

		if next != nil {
			_, err = tx.Exec(ctx,
				`UPDATE attempts SET current_section_id = $2 WHERE id = $1`,
				attemptID, *next)
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE attempts SET status = $2, finished_at = $3, paused_at = NULL
				 WHERE id = $1 AND status = 'IN_PROGRESS'`,
				attemptID, finalStatus, at)
		}
		if err != nil {
			return fmt.Errorf("advance attempt: %w", err)
		}
		return nil
	})
}
