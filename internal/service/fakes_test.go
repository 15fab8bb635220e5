package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
)

type memAttempts struct {
	mu        sync.Mutex
	attempts  map[uuid.UUID]*model.Attempt
	progress  map[uuid.UUID]map[uuid.UUID]*model.QuestionProgress
	submitted map[uuid.UUID][]uuid.UUID
	failures  map[string]int
}

var errDatabase = errors.New("database unavailable")

func newMemAttempts() *memAttempts {
	return &memAttempts{
		attempts:  make(map[uuid.UUID]*model.Attempt),
		progress:  make(map[uuid.UUID]map[uuid.UUID]*model.QuestionProgress),
		submitted: make(map[uuid.UUID][]uuid.UUID),
		failures:  make(map[string]int),
	}
}

func (m *memAttempts) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (m *memAttempts) GetByTestAndCandidate(_ context.Context, testID uuid.UUID, candidateID int) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.TestID == testID && a.CandidateID == candidateID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memAttempts) Create(_ context.Context, a *model.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.attempts {
		if existing.TestID == a.TestID && existing.CandidateID == a.CandidateID {
			return pgx.ErrNoRows
		}
	}
	a.ID = uuid.New()
	cp := *a
	at := a.StartedAt
	cp.LastActiveAt = &at
	m.attempts[a.ID] = &cp
	return nil
}

func (m *memAttempts) ListProgress(_ context.Context, attemptID uuid.UUID) ([]model.QuestionProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.QuestionProgress
	for _, p := range m.progress[attemptID] {
		out = append(out, *p)
	}
	return out, nil
}

func (m *memAttempts) ListSubmittedSections(_ context.Context, attemptID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.submitted[attemptID]...), nil
}

func (m *memAttempts) row(attemptID, questionID uuid.UUID) *model.QuestionProgress {
	if m.progress[attemptID] == nil {
		m.progress[attemptID] = make(map[uuid.UUID]*model.QuestionProgress)
	}
	p, ok := m.progress[attemptID][questionID]
	if !ok {
		p = &model.QuestionProgress{QuestionID: questionID}
		m.progress[attemptID][questionID] = p
	}
	return p
}

func (m *memAttempts) SaveAnswer(_ context.Context, attemptID, questionID uuid.UUID, option *string, review bool, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.row(attemptID, questionID)
	p.SelectedOptionID = option
	p.MarkedForReview = review
	p.TimeSpentSeconds += seconds
	return nil
}

func (m *memAttempts) SetReview(_ context.Context, attemptID, questionID uuid.UUID, review bool, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.row(attemptID, questionID)
	p.MarkedForReview = review
	p.TimeSpentSeconds += seconds
	return nil
}

func (m *memAttempts) addTime(attemptID uuid.UUID, inc model.Increment) {
	if inc.QuestionID == nil || inc.Seconds <= 0 {
		return
	}
	m.row(attemptID, *inc.QuestionID).TimeSpentSeconds += inc.Seconds
}

// failing reports whether the next call to op should fail. A failing call
// changes nothing, like a rolled back transaction.
func (m *memAttempts) failing(op string) bool {
	if m.failures[op] == 0 {
		return false
	}
	m.failures[op]--
	return true
}

func (m *memAttempts) failNext(op string, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = times
}

func (m *memAttempts) Pause(_ context.Context, attemptID uuid.UUID, inc model.Increment, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing("pause") {
		return errDatabase
	}
	m.addTime(attemptID, inc)
	a := m.attempts[attemptID]
	if a.PausedAt == nil {
		a.PausedAt = &at
		a.LastActiveAt = nil
	}
	return nil
}

func (m *memAttempts) Resume(_ context.Context, attemptID uuid.UUID, inc model.Increment, pausedSeconds int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing("resume") {
		return errDatabase
	}
	m.addTime(attemptID, inc)
	a := m.attempts[attemptID]
	if a.PausedAt != nil {
		a.PausedAt = nil
		a.PausedSeconds += pausedSeconds
		a.LastActiveAt = &at
	}
	return nil
}

func (m *memAttempts) Finish(_ context.Context, attemptID uuid.UUID, inc model.Increment, status model.AttemptStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing("finish") {
		return errDatabase
	}
	a := m.attempts[attemptID]
	if a == nil || a.Status.Terminal() {
		return pgx.ErrNoRows
	}
	m.addTime(attemptID, inc)
	a.Status = status
	a.FinishedAt = &at
	a.PausedAt = nil
	return nil
}

func (m *memAttempts) SubmitSection(_ context.Context, attemptID, sectionID uuid.UUID, inc model.Increment, _ bool, next *uuid.UUID, finalStatus model.AttemptStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing("submit_section") {
		return errDatabase
	}
	for _, id := range m.submitted[attemptID] {
		if id == sectionID {
			return repository.ErrSectionAlreadySubmitted
		}
	}
	m.submitted[attemptID] = append(m.submitted[attemptID], sectionID)
	m.addTime(attemptID, inc)
	a := m.attempts[attemptID]
	if next != nil {
		id := *next
		a.CurrentSectionID = &id
		return nil
	}
	a.Status = finalStatus
	a.FinishedAt = &at
	return nil
}

func (m *memAttempts) progressOf(attemptID, questionID uuid.UUID) model.QuestionProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.progress[attemptID][questionID]; ok {
		return *p
	}
	return model.QuestionProgress{}
}

func (m *memAttempts) attempt(id uuid.UUID) model.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.attempts[id]
}

type memTests struct {
	tests     map[uuid.UUID]*model.Test
	sections  map[uuid.UUID][]model.Section
	questions map[uuid.UUID][]model.Question
}

func (m *memTests) GetByID(_ context.Context, id uuid.UUID) (*model.Test, error) {
	t, ok := m.tests[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (m *memTests) ListSections(_ context.Context, testID uuid.UUID) ([]model.Section, error) {
	return m.sections[testID], nil
}

func (m *memTests) ListQuestions(_ context.Context, testID uuid.UUID) ([]model.Question, error) {
	return m.questions[testID], nil
}

type memBroker struct {
	mu     sync.Mutex
	active map[string]uuid.UUID
	events []model.AttemptEvent
}

func newMemBroker() *memBroker {
	return &memBroker{active: make(map[string]uuid.UUID)}
}

func brokerKey(testID uuid.UUID, candidateID int) string {
	return fmt.Sprintf("%s/%d", testID, candidateID)
}

func (b *memBroker) ActiveAttempt(_ context.Context, testID uuid.UUID, candidateID int) (uuid.UUID, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.active[brokerKey(testID, candidateID)]
	return id, ok, nil
}

func (b *memBroker) RememberAttempt(_ context.Context, testID uuid.UUID, candidateID int, attemptID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[brokerKey(testID, candidateID)] = attemptID
	return nil
}

func (b *memBroker) Emit(_ context.Context, event model.AttemptEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *memBroker) kinds() []model.AttemptEventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.AttemptEventKind, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Kind)
	}
	return out
}
