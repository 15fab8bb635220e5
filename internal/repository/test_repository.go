package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// TestRepository handles test, section and question data access. All of it
// is read-only while attempts run.
type TestRepository struct {
	pool *pgxpool.Pool
}

// NewTestRepository creates a new TestRepository.
func NewTestRepository(pool *pgxpool.Pool) *TestRepository {
	return &TestRepository{pool: pool}
}

// GetByID retrieves a test by its UUID.
func (r *TestRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error) {
	t := &model.Test{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_minutes, timing_mode
		 FROM tests WHERE id = $1`, id,
	).Scan(&t.ID, &t.Title, &t.DurationMinutes, &t.TimingMode)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListSections returns a test's sections in order.
func (r *TestRepository) ListSections(ctx context.Context, testID uuid.UUID) ([]model.Section, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, test_id, name, sort_order, duration_minutes
		 FROM sections
		 WHERE test_id = $1
		 ORDER BY sort_order`, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sections []model.Section
	for rows.Next() {
		var s model.Section
		if err := rows.Scan(&s.ID, &s.TestID, &s.Name, &s.Order, &s.DurationMinutes); err != nil {
			return nil, err
		}
		sections = append(sections, s)
	}
	return sections, rows.Err()
}

// ListQuestions returns a test's questions ordered by position. Content is
// decoded from JSONB as-is.
func (r *TestRepository) ListQuestions(ctx context.Context, testID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, test_id, section_id, position, marks::float8, average_seconds, option_ids, content
		 FROM questions
		 WHERE test_id = $1
		 ORDER BY position`, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.TestID, &q.SectionID, &q.Position, &q.Marks,
			&q.AverageSeconds, &q.OptionIDs, &q.Content); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// Create inserts a new test.
func (r *TestRepository) Create(ctx context.Context, t *model.Test) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO tests (title, duration_minutes, timing_mode)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		t.Title, t.DurationMinutes, t.TimingMode,
	).Scan(&t.ID)
}

// CreateSection inserts a section into an existing test.
func (r *TestRepository) CreateSection(ctx context.Context, s *model.Section) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO sections (test_id, name, sort_order, duration_minutes)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		s.TestID, s.Name, s.Order, s.DurationMinutes,
	).Scan(&s.ID)
}

// CreateQuestion inserts a question into an existing test.
func (r *TestRepository) CreateQuestion(ctx context.Context, q *model.Question) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO questions (test_id, section_id, position, marks, average_seconds, option_ids, content)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		q.TestID, q.SectionID, q.Position, q.Marks, q.AverageSeconds, q.OptionIDs, q.Content,
	).Scan(&q.ID)
}
