package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
)

// Attempt store errors. Handlers map them onto response codes.
var (
	ErrTestNotFound         = errors.New("test not found")
	ErrNoQuestions          = errors.New("test has no questions")
	ErrAttemptNotFound      = errors.New("attempt not found")
	ErrAttemptClosed        = errors.New("attempt is already submitted")
	ErrSectionSubmitted     = errors.New("section is already submitted")
	ErrSectionNotActive     = errors.New("section is not the active section")
	ErrQuestionNotInAttempt = errors.New("question does not belong to the attempt")
	ErrOptionNotInQuestion  = errors.New("option does not belong to the question")
)

// AttemptRepository is the persistence the attempt service needs.
type AttemptRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetByTestAndCandidate(ctx context.Context, testID uuid.UUID, candidateID int) (*model.Attempt, error)
	Create(ctx context.Context, a *model.Attempt) error
	ListProgress(ctx context.Context, attemptID uuid.UUID) ([]model.QuestionProgress, error)
	ListSubmittedSections(ctx context.Context, attemptID uuid.UUID) ([]uuid.UUID, error)
	SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, option *string, review bool, seconds int) error
	SetReview(ctx context.Context, attemptID, questionID uuid.UUID, review bool, seconds int) error
	Pause(ctx context.Context, attemptID uuid.UUID, inc model.Increment, at time.Time) error
	Resume(ctx context.Context, attemptID uuid.UUID, inc model.Increment, pausedSeconds int, at time.Time) error
	Finish(ctx context.Context, attemptID uuid.UUID, inc model.Increment, status model.AttemptStatus, at time.Time) error
	SubmitSection(ctx context.Context, attemptID, sectionID uuid.UUID, inc model.Increment, auto bool, next *uuid.UUID, finalStatus model.AttemptStatus, at time.Time) error
}

// TestRepository reads test definitions.
type TestRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error)
	ListSections(ctx context.Context, testID uuid.UUID) ([]model.Section, error)
	ListQuestions(ctx context.Context, testID uuid.UUID) ([]model.Question, error)
}

// AttemptBroker is the Redis side of the store: the active attempt cache and
// the event fan-out to the persistence queue and the proctor monitor.
type AttemptBroker interface {
	ActiveAttempt(ctx context.Context, testID uuid.UUID, candidateID int) (uuid.UUID, bool, error)
	RememberAttempt(ctx context.Context, testID uuid.UUID, candidateID int, attemptID uuid.UUID) error
	Emit(ctx context.Context, event model.AttemptEvent) error
}

// AttemptService implements the Attempt Store operations. Every time field
// it accepts is an increment; totals are only ever summed server-side.
type AttemptService struct {
	attempts AttemptRepository
	tests    TestRepository
	broker   AttemptBroker
	log      zerolog.Logger
	now      func() time.Time
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(attempts AttemptRepository, tests TestRepository, broker AttemptBroker, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		attempts: attempts,
		tests:    tests,
		broker:   broker,
		log:      log.With().Str("component", "attempt_service").Logger(),
		now:      time.Now,
	}
}

// StartAttempt returns the candidate's attempt on a test, creating it on
// first call. Section-timed tests start in their first section.
func (s *AttemptService) StartAttempt(ctx context.Context, testID uuid.UUID, candidateID int) (*model.AttemptState, error) {
	test, err := s.test(ctx, testID)
	if err != nil {
		return nil, err
	}

	if id, ok, err := s.broker.ActiveAttempt(ctx, testID, candidateID); err != nil {
		s.log.Warn().Err(err).Msg("Active attempt cache lookup failed")
	} else if ok {
		if state, err := s.GetState(ctx, id, candidateID); err == nil {
			return state, nil
		}
	}

	existing, err := s.attempts.GetByTestAndCandidate(ctx, testID, candidateID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing attempt: %w", err)
	}
	if existing != nil {
		s.remember(ctx, existing)
		return s.build(ctx, existing, test)
	}

	questions, err := s.tests.ListQuestions(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	attempt := &model.Attempt{
		TestID:      testID,
		CandidateID: candidateID,
		Status:      model.AttemptStatusInProgress,
		StartedAt:   s.now(),
	}
	if test.TimingMode == model.TimingModeSectioned {
		sections, err := s.tests.ListSections(ctx, testID)
		if err != nil {
			return nil, fmt.Errorf("list sections: %w", err)
		}
		if len(sections) > 0 {
			first := sections[0].ID
			attempt.CurrentSectionID = &first
		}
	}

	if err := s.attempts.Create(ctx, attempt); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("create attempt: %w", err)
		}
		// Concurrent start for the same candidate.
		attempt, err = s.attempts.GetByTestAndCandidate(ctx, testID, candidateID)
		if err != nil {
			return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", err)
		}
	} else {
		at := attempt.StartedAt
		attempt.LastActiveAt = &at
		s.emit(ctx, attempt, model.AttemptEventStarted, func(*model.AttemptEvent) {})
	}

	s.remember(ctx, attempt)
	return s.build(ctx, attempt, test)
}

// GetState returns everything a client needs to rebuild its session.
func (s *AttemptService) GetState(ctx context.Context, attemptID uuid.UUID, candidateID int) (*model.AttemptState, error) {
	attempt, err := s.load(ctx, attemptID, candidateID)
	if err != nil {
		return nil, err
	}
	test, err := s.test(ctx, attempt.TestID)
	if err != nil {
		return nil, err
	}
	return s.build(ctx, attempt, test)
}

// SaveAnswer stores a selection (nil clears it), the review flag and the
// question's time increment.
func (s *AttemptService) SaveAnswer(ctx context.Context, attemptID uuid.UUID, candidateID int, req model.SaveAnswerRequest) error {
	attempt, err := s.loadOpen(ctx, attemptID, candidateID)
	if err != nil {
		return err
	}
	q, err := s.writableQuestion(ctx, attempt, req.QuestionID)
	if err != nil {
		return err
	}
	if req.SelectedOptionID != nil && !containsString(q.OptionIDs, *req.SelectedOptionID) {
		return ErrOptionNotInQuestion
	}

	if err := s.attempts.SaveAnswer(ctx, attempt.ID, q.ID, req.SelectedOptionID, req.MarkedForReview, req.TimeIncrement); err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// ToggleReview stores the review flag and the question's time increment.
func (s *AttemptService) ToggleReview(ctx context.Context, attemptID uuid.UUID, candidateID int, req model.ReviewRequest) error {
	attempt, err := s.loadOpen(ctx, attemptID, candidateID)
	if err != nil {
		return err
	}
	q, err := s.writableQuestion(ctx, attempt, req.QuestionID)
	if err != nil {
		return err
	}

	if err := s.attempts.SetReview(ctx, attempt.ID, q.ID, req.MarkedForReview, req.TimeIncrement); err != nil {
		return fmt.Errorf("set review: %w", err)
	}
	return nil
}

// Pause stops the attempt's pause clock from running. Pausing a paused
// attempt only applies the increment.
func (s *AttemptService) Pause(ctx context.Context, attemptID uuid.UUID, candidateID int, req model.PauseRequest) error {
	attempt, err := s.loadOpen(ctx, attemptID, candidateID)
	if err != nil {
		return err
	}
	if err := s.checkIncrement(ctx, attempt, req.Increment); err != nil {
		return err
	}

	if err := s.attempts.Pause(ctx, attempt.ID, req.Increment, s.now()); err != nil {
		return fmt.Errorf("pause attempt: %w", err)
	}
	if attempt.PausedAt != nil {
		return nil
	}
	cause := req.Cause
	s.emit(ctx, attempt, model.AttemptEventPaused, func(e *model.AttemptEvent) {
		e.Cause = &cause
		e.QuestionID = req.QuestionID
		e.TimeIncrement = req.Seconds
	})
	return nil
}

// Resume adds the time spent paused to the attempt total and marks it active.
func (s *AttemptService) Resume(ctx context.Context, attemptID uuid.UUID, candidateID int, req model.ResumeRequest) error {
	attempt, err := s.loadOpen(ctx, attemptID, candidateID)
	if err != nil {
		return err
	}
	if err := s.checkIncrement(ctx, attempt, req.Increment); err != nil {
		return err
	}

	now := s.now()
	paused := 0
	if attempt.PausedAt != nil {
		paused = int(now.Sub(*attempt.PausedAt) / time.Second)
	}
	if paused < 0 {
		paused = 0
	}
	if err := s.attempts.Resume(ctx, attempt.ID, req.Increment, paused, now); err != nil {
		return fmt.Errorf("resume attempt: %w", err)
	}
	if attempt.PausedAt == nil {
		return nil
	}
	s.emit(ctx, attempt, model.AttemptEventResumed, func(e *model.AttemptEvent) {
		e.QuestionID = req.QuestionID
		e.TimeIncrement = req.Seconds
	})
	return nil
}

// Submit finishes the whole attempt.
func (s *AttemptService) Submit(ctx context.Context, attemptID uuid.UUID, candidateID int, req model.SubmitRequest) (*model.SubmitResult, error) {
	attempt, err := s.loadOpen(ctx, attemptID, candidateID)
	if err != nil {
		return nil, err
	}
	if err := s.checkIncrement(ctx, attempt, req.Increment); err != nil {
		return nil, err
	}

	status := model.AttemptStatusSubmitted
	if req.Auto {
		status = model.AttemptStatusAutoSubmitted
	}
	now := s.now()
	if err := s.attempts.Finish(ctx, attempt.ID, req.Increment, status, now); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptClosed
		}
		return nil, fmt.Errorf("finish attempt: %w", err)
	}

	attempt.Status = status
	attempt.FinishedAt = &now
	attempt.PausedAt = nil
	s.emit(ctx, attempt, model.AttemptEventSubmitted, func(e *model.AttemptEvent) {
		e.QuestionID = req.QuestionID
		e.TimeIncrement = req.Seconds
	})

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("status", string(status)).
		Msg("Attempt submitted")

	return &model.SubmitResult{Attempt: *attempt}, nil
}

// SubmitSection closes the active section and moves the attempt to the next
// open one. Submitting the last section completes the attempt.
func (s *AttemptService) SubmitSection(ctx context.Context, attemptID, sectionID uuid.UUID, candidateID int, req model.SubmitSectionRequest) (*model.SectionSubmitResult, error) {
	attempt, err := s.loadOpen(ctx, attemptID, candidateID)
	if err != nil {
		return nil, err
	}
	test, err := s.test(ctx, attempt.TestID)
	if err != nil {
		return nil, err
	}
	if test.TimingMode != model.TimingModeSectioned {
		return nil, ErrSectionNotActive
	}

	sections, err := s.tests.ListSections(ctx, test.ID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	submitted, err := s.attempts.ListSubmittedSections(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("list submitted sections: %w", err)
	}

	idx := -1
	for i := range sections {
		if sections[i].ID == sectionID {
			idx = i
			break
		}
	}
	switch {
	case idx < 0:
		return nil, ErrSectionNotActive
	case containsUUID(submitted, sectionID):
		return nil, ErrSectionSubmitted
	case attempt.CurrentSectionID == nil || *attempt.CurrentSectionID != sectionID:
		return nil, ErrSectionNotActive
	}

	if err := s.checkIncrement(ctx, attempt, req.Increment); err != nil {
		return nil, err
	}

	var next *uuid.UUID
	for _, sec := range sections[idx+1:] {
		if !containsUUID(submitted, sec.ID) {
			id := sec.ID
			next = &id
			break
		}
	}
	status := model.AttemptStatusSubmitted
	if req.Auto {
		status = model.AttemptStatusAutoSubmitted
	}

	if err := s.attempts.SubmitSection(ctx, attempt.ID, sectionID, req.Increment, req.Auto, next, status, s.now()); err != nil {
		if errors.Is(err, repository.ErrSectionAlreadySubmitted) {
			return nil, ErrSectionSubmitted
		}
		return nil, fmt.Errorf("submit section: %w", err)
	}

	s.emit(ctx, attempt, model.AttemptEventSectionSubmitted, func(e *model.AttemptEvent) {
		e.SectionID = &sectionID
		e.QuestionID = req.QuestionID
		e.TimeIncrement = req.Seconds
	})

	result := &model.SectionSubmitResult{NextSectionID: next, Status: model.AttemptStatusInProgress}
	if next == nil {
		result.Completed = true
		result.Status = status
		s.emit(ctx, attempt, model.AttemptEventSubmitted, func(*model.AttemptEvent) {})
	}
	return result, nil
}

// ─── Internal helpers ───────────────────────────────────────────────

func (s *AttemptService) test(ctx context.Context, testID uuid.UUID) (*model.Test, error) {
	test, err := s.tests.GetByID(ctx, testID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("get test: %w", err)
	}
	return test, nil
}

// load fetches an attempt owned by candidateID. Someone else's attempt is
// reported as missing.
func (s *AttemptService) load(ctx context.Context, attemptID uuid.UUID, candidateID int) (*model.Attempt, error) {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.CandidateID != candidateID {
		return nil, ErrAttemptNotFound
	}
	return attempt, nil
}

func (s *AttemptService) loadOpen(ctx context.Context, attemptID uuid.UUID, candidateID int) (*model.Attempt, error) {
	attempt, err := s.load(ctx, attemptID, candidateID)
	if err != nil {
		return nil, err
	}
	if attempt.Status.Terminal() {
		return nil, ErrAttemptClosed
	}
	return attempt, nil
}

func (s *AttemptService) question(ctx context.Context, attempt *model.Attempt, questionID uuid.UUID) (*model.Question, error) {
	questions, err := s.tests.ListQuestions(ctx, attempt.TestID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	for i := range questions {
		if questions[i].ID == questionID {
			return &questions[i], nil
		}
	}
	return nil, ErrQuestionNotInAttempt
}

// writableQuestion resolves a question whose answer may still change. On
// section-timed tests that is only the active section's questions.
func (s *AttemptService) writableQuestion(ctx context.Context, attempt *model.Attempt, questionID uuid.UUID) (*model.Question, error) {
	q, err := s.question(ctx, attempt, questionID)
	if err != nil {
		return nil, err
	}
	if q.SectionID == nil || attempt.CurrentSectionID == nil {
		return q, nil
	}

	test, err := s.test(ctx, attempt.TestID)
	if err != nil {
		return nil, err
	}
	if test.TimingMode != model.TimingModeSectioned || *q.SectionID == *attempt.CurrentSectionID {
		return q, nil
	}

	submitted, err := s.attempts.ListSubmittedSections(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("list submitted sections: %w", err)
	}
	if containsUUID(submitted, *q.SectionID) {
		return nil, ErrSectionSubmitted
	}
	return nil, ErrSectionNotActive
}

// checkIncrement validates time carried by a pause, resume or submit call.
// The repository applies it in the same transaction as the status change.
// Time is accepted for any question of the attempt: the client's clock wins
// over section state.
func (s *AttemptService) checkIncrement(ctx context.Context, attempt *model.Attempt, inc model.Increment) error {
	if inc.QuestionID == nil || inc.Seconds <= 0 {
		return nil
	}
	_, err := s.question(ctx, attempt, *inc.QuestionID)
	return err
}

func (s *AttemptService) build(ctx context.Context, attempt *model.Attempt, test *model.Test) (*model.AttemptState, error) {
	sections, err := s.tests.ListSections(ctx, test.ID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	questions, err := s.tests.ListQuestions(ctx, test.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	progress, err := s.attempts.ListProgress(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	if sections == nil {
		sections = []model.Section{}
	}
	if progress == nil {
		progress = []model.QuestionProgress{}
	}

	return &model.AttemptState{
		Attempt:   *attempt,
		Test:      *test,
		Sections:  sections,
		Questions: questions,
		Progress:  progress,
	}, nil
}

func (s *AttemptService) remember(ctx context.Context, attempt *model.Attempt) {
	if err := s.broker.RememberAttempt(ctx, attempt.TestID, attempt.CandidateID, attempt.ID); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Failed to cache active attempt")
	}
}

// emit publishes an attempt event. Failures are logged; the request that
// raised the event has already been applied.
func (s *AttemptService) emit(ctx context.Context, attempt *model.Attempt, kind model.AttemptEventKind, decorate func(*model.AttemptEvent)) {
	event := model.AttemptEvent{
		AttemptID:   attempt.ID,
		TestID:      attempt.TestID,
		CandidateID: attempt.CandidateID,
		Kind:        kind,
		RecordedAt:  s.now().Unix(),
	}
	decorate(&event)
	if err := s.broker.Emit(ctx, event); err != nil {
		s.log.Warn().Err(err).
			Str("attempt_id", attempt.ID.String()).
			Str("kind", string(kind)).
			Msg("Failed to emit attempt event")
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsUUID(list []uuid.UUID, v uuid.UUID) bool {
	for _, id := range list {
		if id == v {
			return true
		}
	}
	return false
}
