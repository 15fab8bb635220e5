package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-attempt/internal/model"
)

// Config wires a Session to its collaborators.
type Config struct {
	AttemptID uuid.UUID
	Store     AttemptStore
	// Optional.
	Clock        Clock
	Logger       *zerolog.Logger
	Listener     Listener
	GracePeriod  time.Duration
	TickInterval time.Duration
	Retry        *RetryPolicy
}

// EventKind tags a session event.
type EventKind string

const (
	EventTick            EventKind = "TICK"
	EventQuestionChanged EventKind = "QUESTION_CHANGED"
	EventAnswerReverted  EventKind = "ANSWER_REVERTED"
	EventRolledBack      EventKind = "ROLLED_BACK"
	EventPaused          EventKind = "PAUSED"
	EventResumed         EventKind = "RESUMED"
	EventExpired         EventKind = "EXPIRED"
	EventGrace           EventKind = "GRACE"
	EventSectionChanged  EventKind = "SECTION_CHANGED"
	EventSubmitted       EventKind = "SUBMITTED"
	EventSubmitFailed    EventKind = "SUBMIT_FAILED"
	EventSyncFailed      EventKind = "SYNC_FAILED"
	EventRefreshed       EventKind = "REFRESHED"
)

// Event is delivered to the Listener outside the session lock.
type Event struct {
	Kind           EventKind
	QuestionID     uuid.UUID
	SectionID      uuid.UUID
	Remaining      int
	GraceRemaining int
	Cause          model.PauseCause
	Status         model.AttemptStatus
	Err            error
}

// Listener receives session events. It may call back into the Session.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function into a Listener.
type ListenerFunc func(Event)

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Snapshot is a consistent view of the session for rendering.
type Snapshot struct {
	AttemptID      uuid.UUID
	Status         model.AttemptStatus
	QuestionID     uuid.UUID
	Position       int
	Total          int
	SectionID      *uuid.UUID
	Remaining      int
	Paused         bool
	Cause          model.PauseCause
	Expired        bool
	GraceRemaining int
	Phase          SubmitPhase
	Selected       *string
	Marked         bool
	TimeSpent      int
}

// Session is one attempt being taken. All state sits behind mu and store
// calls never run while it is held.
type Session struct {
	attemptID uuid.UUID
	store     AttemptStore
	clock     Clock
	log       zerolog.Logger
	listener  Listener
	tick      time.Duration
	disp      *Dispatcher

	mu          sync.Mutex
	gen         int
	attempt     model.Attempt
	questions   map[uuid.UUID]model.Question
	seq         *Sequencer
	ledger      *Ledger
	answers     *AnswerBook
	countdown   Countdown
	pause       *PauseController
	submission  *Submission
	current     uuid.UUID
	accrualMark time.Time
	closed      bool
	pending     []Event

	done     chan struct{}
	doneOnce sync.Once
}

// Open fetches the attempt and builds a running session for it.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errors.New("attempt store is required")
	}
	s := &Session{
		attemptID:  cfg.AttemptID,
		store:      cfg.Store,
		clock:      cfg.Clock,
		listener:   cfg.Listener,
		tick:       cfg.TickInterval,
		pause:      NewPauseController(),
		submission: NewSubmission(cfg.GracePeriod),
		done:       make(chan struct{}),
	}
	if s.clock == nil {
		s.clock = SystemClock
	}
	if s.tick <= 0 {
		s.tick = time.Second
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("component", "attempt_session").Str("attempt_id", cfg.AttemptID.String()).Logger()
	} else {
		s.log = zerolog.Nop()
	}
	policy := DefaultRetryPolicy()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}

	state, err := s.store.FetchAttempt(ctx, s.attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attempt: %w", err)
	}
	if state.Attempt.Status.Terminal() {
		return nil, fmt.Errorf("attempt %s is %s: %w", s.attemptID, state.Attempt.Status, ErrSessionClosed)
	}
	if err := s.load(state, s.clock.Now()); err != nil {
		return nil, err
	}

	s.disp = NewDispatcher(policy, s.log)
	s.disp.Start()

	s.log.Info().
		Str("timing_mode", string(state.Test.TimingMode)).
		Int("remaining", s.countdown.Remaining(s.clock.Now())).
		Msg("Attempt session opened")
	return s, nil
}

// load (re)builds every derived component from a fetched state.
func (s *Session) load(state *model.AttemptState, now time.Time) error {
	s.gen++
	s.attempt = state.Attempt
	s.questions = make(map[uuid.UUID]model.Question, len(state.Questions))
	for _, q := range state.Questions {
		s.questions[q.ID] = q
	}
	s.seq = NewSequencer(state.Test, state.Sections, state.Questions)
	if len(s.seq.Questions()) == 0 {
		return fmt.Errorf("attempt %s has no questions: %w", s.attemptID, ErrUnknownQuestion)
	}

	s.ledger = NewLedger()
	s.answers = NewAnswerBook()
	for _, p := range state.Progress {
		s.ledger.Restore(p.QuestionID, p.TimeSpentSeconds)
		s.answers.Restore(p.QuestionID, p.SelectedOptionID, p.MarkedForReview)
	}

	if s.seq.Sectioned() {
		var err error
		if state.Attempt.CurrentSectionID != nil {
			err = s.seq.Enter(*state.Attempt.CurrentSectionID)
		} else {
			err = s.seq.EnterFirstOpen()
		}
		if err != nil {
			return fmt.Errorf("failed to enter current section: %w", err)
		}
	}
	first, _ := s.seq.First()
	s.current = first
	s.accrualMark = now
	s.countdown.Reset(now, s.seq.DurationSeconds(), s.ledger.Sum(s.seq.Scope()))

	// The store reports a paused attempt with no last-active time; resuming
	// such an attempt needs an explicit action.
	if state.Attempt.LastActiveAt == nil && !s.pause.Paused() {
		s.pause.Pause(model.PauseCauseManual, now)
		s.countdown.Freeze(now)
	}
	return nil
}

// do runs fn under the lock and delivers the events it queued afterwards.
func (s *Session) do(fn func() error) error {
	s.mu.Lock()
	err := fn()
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	if s.listener != nil {
		for _, e := range events {
			s.listener.OnEvent(e)
		}
	}
	return err
}

func (s *Session) emit(e Event) {
	s.pending = append(s.pending, e)
}

func (s *Session) checkOpen() error {
	if s.closed || s.submission.Done() {
		return ErrSessionClosed
	}
	if s.submission.Phase() == SubmitInFlight {
		return ErrSubmitInProgress
	}
	return nil
}

// Done is closed once the attempt reaches a terminal status.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the 1 Hz tick and forwards platform interruptions until ctx is
// cancelled or the attempt is submitted. src may be nil.
func (s *Session) Run(ctx context.Context, src InterruptionSource) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	var interrupts <-chan Interruption
	if src != nil {
		interrupts = src.Interruptions()
	}

	// The question is captured when the tick is scheduled; a tick that fires
	// after navigation accrues nothing for the new question.
	scheduled := s.Current()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case in, ok := <-interrupts:
			if !ok {
				interrupts = nil
				continue
			}
			s.HandleInterruption(in)
		case <-ticker.C:
			s.tickFor(ctx, scheduled)
			scheduled = s.Current()
		}
	}
}

// Tick advances the session to the clock's current time.
func (s *Session) Tick(ctx context.Context) {
	s.tickFor(ctx, s.Current())
}

func (s *Session) tickFor(ctx context.Context, scheduled uuid.UUID) {
	autoSubmit := false
	_ = s.do(func() error {
		if s.closed || s.submission.Done() {
			return nil
		}
		now := s.clock.Now()
		s.countdown.EndSuppression()

		if s.submission.AutoRetry() {
			s.log.Warn().Msg("Retrying failed auto-submit")
			autoSubmit = true
			return nil
		}
		if s.submission.InGrace() {
			if s.submission.GraceElapsed(now) {
				autoSubmit = true
				return nil
			}
			s.emit(Event{Kind: EventGrace, GraceRemaining: s.submission.GraceRemaining(now)})
			return nil
		}

		if !s.pause.Paused() && s.submission.Phase() != SubmitInFlight && scheduled == s.current {
			s.accrueLocked(now)
		}

		if s.countdown.Check(now) {
			s.log.Info().Msg("Countdown expired, grace period started")
			s.submission.BeginGrace(now)
			s.emit(Event{Kind: EventExpired, QuestionID: s.current})
			s.emit(Event{Kind: EventGrace, GraceRemaining: s.submission.GraceRemaining(now)})
			return nil
		}
		s.emit(Event{Kind: EventTick, QuestionID: s.current, Remaining: s.countdown.Remaining(now)})
		return nil
	})

	if autoSubmit {
		if err := s.autoSubmit(ctx); err != nil {
			s.log.Error().Err(err).Msg("Auto-submit failed")
		}
	}
}

// accrueLocked credits the current question with the whole seconds elapsed
// since the accrual mark. The mark advances by exactly the credited amount,
// so fractions carry over and overlapping ticks never count twice.
func (s *Session) accrueLocked(now time.Time) {
	if s.pause.Paused() || s.countdown.Expired() || !s.countdown.Running() {
		return
	}
	n := wholeSeconds(now.Sub(s.accrualMark))
	if n <= 0 {
		return
	}
	s.accrualMark = s.accrualMark.Add(time.Duration(n) * time.Second)

	budget := s.seq.DurationSeconds() - s.ledger.Sum(s.seq.Scope())
	if budget < 0 {
		budget = 0
	}
	if n > budget {
		n = budget
	}
	s.ledger.AccrueN(s.current, n)
}

// Current returns the active question.
func (s *Session) Current() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Remaining returns the seconds left on the active countdown.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countdown.Remaining(s.clock.Now())
}

// Snapshot returns a consistent view for rendering.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	a := s.answers.Get(s.current)
	pos, total := s.seq.Position(s.current)
	snap := Snapshot{
		AttemptID:      s.attemptID,
		Status:         s.attempt.Status,
		QuestionID:     s.current,
		Position:       pos,
		Total:          total,
		Remaining:      s.countdown.Remaining(now),
		Paused:         s.pause.Paused(),
		Cause:          s.pause.Cause(),
		Expired:        s.submission.Expired(),
		GraceRemaining: s.submission.GraceRemaining(now),
		Phase:          s.submission.Phase(),
		Selected:       a.Local,
		Marked:         a.Review,
		TimeSpent:      s.ledger.Current(s.current),
	}
	if id, ok := s.seq.Active(); ok {
		snap.SectionID = &id
	}
	return snap
}

// Summary counts answered, unanswered and marked questions for the submit
// confirmation.
func (s *Session) Summary() AnswerSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answers.Summary(s.seq.Questions())
}

// Navigate makes q the active question. The question being left is flushed
// in the background.
func (s *Session) Navigate(q uuid.UUID) error {
	return s.do(func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		if err := s.seq.Accessible(q); err != nil {
			return err
		}
		if q == s.current {
			return nil
		}
		s.moveLocked(q, s.clock.Now())
		return nil
	})
}

func (s *Session) moveLocked(q uuid.UUID, now time.Time) {
	s.accrueLocked(now)
	left := s.current
	s.ledger.EnsureVisited(left)
	if s.answers.RevertUncommitted(left) {
		s.emit(Event{Kind: EventAnswerReverted, QuestionID: left})
	}
	s.enqueueSaveLocked(left)
	s.current = q
	s.emit(Event{Kind: EventQuestionChanged, QuestionID: q, Remaining: s.countdown.Remaining(now)})
}

// Next moves to the following question in the navigable range.
func (s *Session) Next() error {
	return s.do(func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		next, err := s.seq.Next(s.current)
		if err != nil {
			return err
		}
		s.moveLocked(next, s.clock.Now())
		return nil
	})
}

// Previous moves to the preceding question.
func (s *Session) Previous() error {
	return s.do(func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		prev, err := s.seq.Previous(s.current)
		if err != nil {
			return err
		}
		s.moveLocked(prev, s.clock.Now())
		return nil
	})
}

// Select records a local choice for the active question. Nothing is sent
// until the next save point.
func (s *Session) Select(q uuid.UUID, option string) error {
	return s.do(func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		if err := s.seq.Accessible(q); err != nil {
			return err
		}
		if q != s.current {
			return ErrNotActiveQuestion
		}
		if opts := s.questions[q].OptionIDs; len(opts) > 0 && !containsOption(opts, option) {
			return ErrUnknownOption
		}
		s.answers.Select(q, option)
		return nil
	})
}

// Save flushes the selection, review flag and time delta of q.
func (s *Session) Save(q uuid.UUID) error {
	return s.do(func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		if err := s.seq.Accessible(q); err != nil {
			return err
		}
		if q == s.current {
			s.accrueLocked(s.clock.Now())
		}
		s.answers.Commit(q)
		s.enqueueSaveLocked(q)
		return nil
	})
}

// SaveAndNext saves the active question and moves to the next one.
func (s *Session) SaveAndNext() error {
	if err := s.Save(s.Current()); err != nil {
		return err
	}
	return s.Next()
}

// enqueueSaveLocked schedules a save of q. Saves for the same question
// merge while queued.
func (s *Session) enqueueSaveLocked(q uuid.UUID) {
	s.disp.Enqueue("save_answer", "save:"+q.String(), s.prepareSave(q))
}

func (s *Session) prepareSave(q uuid.UUID) Prepare {
	return func() (Call, func(error)) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.submission.Done() {
			return nil, nil
		}

		gen := s.gen
		a := s.answers.Get(q)
		delta := s.ledger.Delta(q)
		sel := a.Confirmed
		if a.committed {
			sel = a.Local
		}
		if delta == 0 && sameOption(sel, a.Confirmed) && a.Review == a.ConfirmedReview {
			return nil, nil
		}

		req := model.SaveAnswerRequest{
			QuestionID:       q,
			SelectedOptionID: sel,
			MarkedForReview:  a.Review,
			TimeIncrement:    delta,
		}
		call := func(ctx context.Context, key string) error {
			req.IdempotencyKey = key
			return s.store.SaveAnswer(ctx, s.attemptID, req)
		}
		finish := func(err error) {
			_ = s.do(func() error {
				if s.gen != gen {
					return nil
				}
				if err != nil {
					s.emit(Event{Kind: EventSyncFailed, QuestionID: q, Err: err})
					return nil
				}
				s.ledger.Confirm(q, delta)
				s.answers.Confirm(q, sel, req.MarkedForReview)
				return nil
			})
		}
		return call, finish
	}
}

// Clear optimistically removes the answer of q and rolls back if the store
// rejects the clear.
func (s *Session) Clear(q uuid.UUID) error {
	return s.do(func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		if err := s.seq.Accessible(q); err != nil {
			return err
		}
		if q == s.current {
			s.accrueLocked(s.clock.Now())
		}
		prev := s.answers.BeginClear(q)
		s.disp.Enqueue("clear_answer", "", s.prepareClear(q, prev))
		return nil
	})
}

func (s *Session) prepareClear(q uuid.UUID, prev *string) Prepare {
	return func() (Call, func(error)) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.submission.Done() {
			return nil, nil
		}

		gen := s.gen
		delta := s.ledger.Delta(q)
		req := model.SaveAnswerRequest{
			QuestionID:      q,
			MarkedForReview: s.answers.Get(q).Review,
			TimeIncrement:   delta,
		}
		call := func(ctx context.Context, key string) error {
			req.IdempotencyKey = key
			return s.store.SaveAnswer(ctx, s.attemptID, req)
		}
		finish := func(err error) {
			_ = s.do(func() error {
				if s.gen != gen {
					return nil
				}
				if err != nil {
					s.answers.RollbackClear(q, prev)
					s.emit(Event{Kind: EventRolledBack, QuestionID: q, Err: err})
					return nil
				}
				s.ledger.Confirm(q, delta)
				s.answers.ConfirmReview(q, req.MarkedForReview)
				return nil
			})
		}
		return call, finish
	}
}

// ToggleReview flips the review flag of q at once and persists it in the
// background. Marking the active question moves to the next question of
// its section unless it is the last one.
func (s *Session) ToggleReview(q uuid.UUID) error {
	return s.do(func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		if err := s.seq.Accessible(q); err != nil {
			return err
		}
		now := s.clock.Now()
		if q == s.current {
			s.accrueLocked(now)
		}
		marked := !s.answers.Get(q).Review
		s.answers.SetReview(q, marked)
		s.disp.Enqueue("toggle_review", "", s.prepareReview(q))

		if marked && q == s.current {
			if next, ok := s.seq.NextInGroup(q); ok {
				s.moveLocked(next, now)
			}
		}
		return nil
	})
}

func (s *Session) prepareReview(q uuid.UUID) Prepare {
	return func() (Call, func(error)) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.submission.Done() {
			return nil, nil
		}

		gen := s.gen
		a := s.answers.Get(q)
		if a.Review == a.ConfirmedReview {
			return nil, nil
		}
		delta := s.ledger.Delta(q)
		req := model.ReviewRequest{
			QuestionID:      q,
			MarkedForReview: a.Review,
			TimeIncrement:   delta,
		}
		call := func(ctx context.Context, key string) error {
			req.IdempotencyKey = key
			return s.store.ToggleReview(ctx, s.attemptID, req)
		}
		finish := func(err error) {
			_ = s.do(func() error {
				if s.gen != gen {
					return nil
				}
				if err != nil {
					s.answers.RollbackReview(q, req.MarkedForReview)
					s.emit(Event{Kind: EventRolledBack, QuestionID: q, Err: err})
					return nil
				}
				s.ledger.Confirm(q, delta)
				s.answers.ConfirmReview(q, req.MarkedForReview)
				return nil
			})
		}
		return call, finish
	}
}

// Pause suspends the attempt. The store is notified in the background and
// the local state stands even if that call fails.
func (s *Session) Pause(cause model.PauseCause) error {
	return s.do(func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		if s.submission.InGrace() {
			return ErrGraceActive
		}
		s.pauseLocked(cause, s.clock.Now())
		return nil
	})
}

func (s *Session) pauseLocked(cause model.PauseCause, now time.Time) {
	s.accrueLocked(now)
	if !s.pause.Pause(cause, now) {
		return
	}
	s.countdown.Freeze(now)
	s.answers.Commit(s.current)
	if s.answers.Dirty(s.current) {
		s.enqueueSaveLocked(s.current)
	}

	s.log.Info().Str("cause", string(cause)).Msg("Attempt paused")
	s.disp.Enqueue("pause", "", s.prepareTransition(true, cause))
	s.emit(Event{Kind: EventPaused, Cause: cause, QuestionID: s.current, Remaining: s.countdown.Remaining(now)})
}

// Resume restarts a paused attempt. Only the anchor moves.
func (s *Session) Resume() error {
	return s.do(func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		if s.submission.InGrace() {
			return ErrGraceActive
		}
		s.resumeLocked(s.clock.Now())
		return nil
	})
}

func (s *Session) resumeLocked(now time.Time) <-chan error {
	if !s.pause.Resume() {
		return nil
	}
	s.countdown.Thaw(now)
	s.accrualMark = now

	s.log.Info().Msg("Attempt resumed")
	done := s.disp.Enqueue("resume", "", s.prepareTransition(false, ""))
	s.emit(Event{Kind: EventResumed, QuestionID: s.current, Remaining: s.countdown.Remaining(now)})
	return done
}

// prepareTransition builds a pause or resume call carrying the active
// question's outstanding delta.
func (s *Session) prepareTransition(pausing bool, cause model.PauseCause) Prepare {
	return func() (Call, func(error)) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.submission.Done() {
			return nil, nil
		}

		gen := s.gen
		q := s.current
		inc := s.incrementLocked(q)
		call := func(ctx context.Context, key string) error {
			if pausing {
				return s.store.Pause(ctx, s.attemptID, model.PauseRequest{Increment: inc, Cause: cause, IdempotencyKey: key})
			}
			return s.store.Resume(ctx, s.attemptID, model.ResumeRequest{Increment: inc, IdempotencyKey: key})
		}
		finish := func(err error) {
			_ = s.do(func() error {
				if s.gen != gen {
					return nil
				}
				if err != nil {
					s.emit(Event{Kind: EventSyncFailed, QuestionID: q, Err: err})
					return nil
				}
				s.ledger.Confirm(q, inc.Seconds)
				return nil
			})
		}
		return call, finish
	}
}

func (s *Session) incrementLocked(q uuid.UUID) model.Increment {
	delta := s.ledger.Delta(q)
	if delta <= 0 {
		return model.Increment{}
	}
	return model.Increment{QuestionID: &q, Seconds: delta}
}

// HandleInterruption applies a platform interruption. Automatic pauses lift
// when their cause clears; a manual pause is never lifted here.
func (s *Session) HandleInterruption(in Interruption) {
	err := s.do(func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		if s.submission.InGrace() {
			return ErrGraceActive
		}
		now := s.clock.Now()
		if in.Active {
			s.pauseLocked(in.Cause, now)
			return nil
		}
		if s.pause.AutoResumable(in.Cause) {
			s.resumeLocked(now)
		}
		return nil
	})
	if err != nil {
		s.log.Debug().Err(err).Str("cause", string(in.Cause)).Msg("Interruption ignored")
	}
}

// Submit submits the whole attempt and waits for the store. A failure
// leaves local state intact so the call can be retried.
func (s *Session) Submit(ctx context.Context) error {
	return s.submitAttempt(ctx, false)
}

// ForceSubmit submits at once. During the grace countdown the submit is
// recorded as automatic.
func (s *Session) ForceSubmit(ctx context.Context) error {
	var expired bool
	_ = s.do(func() error {
		expired = s.submission.Expired()
		return nil
	})
	if expired {
		return s.autoSubmit(ctx)
	}
	return s.Submit(ctx)
}

func (s *Session) autoSubmit(ctx context.Context) error {
	var sectioned bool
	_ = s.do(func() error {
		sectioned = s.seq.Sectioned()
		return nil
	})
	if sectioned {
		return s.submitSection(ctx, true)
	}
	return s.submitAttempt(ctx, true)
}

func (s *Session) submitAttempt(ctx context.Context, auto bool) error {
	err := s.do(func() error {
		if s.closed {
			return ErrSessionClosed
		}
		if err := s.submission.Begin(); err != nil {
			return err
		}
		s.accrueLocked(s.clock.Now())
		s.answers.Commit(s.current)
		s.ledger.EnsureVisited(s.current)
		s.enqueueSaveLocked(s.current)
		return nil
	})
	if err != nil {
		return err
	}

	var result *model.SubmitResult
	prepare := func() (Call, func(error)) {
		s.mu.Lock()
		defer s.mu.Unlock()
		q := s.current
		inc := s.incrementLocked(q)
		call := func(ctx context.Context, key string) error {
			res, err := s.store.Submit(ctx, s.attemptID, model.SubmitRequest{Increment: inc, Auto: auto, IdempotencyKey: key})
			if err != nil {
				return err
			}
			result = res
			return nil
		}
		finish := func(err error) {
			if err == nil {
				s.mu.Lock()
				s.ledger.Confirm(q, inc.Seconds)
				s.mu.Unlock()
			}
		}
		return call, finish
	}

	if err := s.disp.Do(ctx, "submit", "", prepare); err != nil {
		return s.submitFailed(ctx, err)
	}

	status := model.AttemptStatusSubmitted
	if auto {
		status = model.AttemptStatusAutoSubmitted
	}
	if result != nil && result.Attempt.Status != "" {
		status = result.Attempt.Status
	}
	_ = s.do(func() error {
		s.finishLocked(status)
		return nil
	})
	return nil
}

// SubmitSection submits the active section of a section-timed test. A
// paused attempt is resumed first and the resume call lands before the
// section submit is sent.
func (s *Session) SubmitSection(ctx context.Context) error {
	return s.submitSection(ctx, false)
}

func (s *Session) submitSection(ctx context.Context, auto bool) error {
	var (
		section uuid.UUID
		resumed <-chan error
	)
	err := s.do(func() error {
		if s.closed {
			return ErrSessionClosed
		}
		if !s.seq.Sectioned() {
			return ErrNotSectioned
		}
		id, ok := s.seq.Active()
		if !ok {
			return ErrSectionLocked
		}
		if err := s.submission.Begin(); err != nil {
			return err
		}
		section = id
		now := s.clock.Now()
		if s.pause.Paused() {
			resumed = s.resumeLocked(now)
		}
		s.accrueLocked(now)
		s.answers.Commit(s.current)
		s.ledger.EnsureVisited(s.current)
		s.enqueueSaveLocked(s.current)
		return nil
	})
	if err != nil {
		return err
	}

	if resumed != nil {
		select {
		case rerr := <-resumed:
			if rerr != nil {
				s.log.Warn().Err(rerr).Msg("Resume before section submit failed")
			}
		case <-ctx.Done():
			return s.submitFailed(ctx, ctx.Err())
		}
	}

	var result *model.SectionSubmitResult
	prepare := func() (Call, func(error)) {
		s.mu.Lock()
		defer s.mu.Unlock()
		q := s.current
		inc := s.incrementLocked(q)
		call := func(ctx context.Context, key string) error {
			res, err := s.store.SubmitSection(ctx, s.attemptID, section, model.SubmitSectionRequest{Increment: inc, Auto: auto, IdempotencyKey: key})
			if err != nil {
				return err
			}
			result = res
			return nil
		}
		finish := func(err error) {
			if err == nil {
				s.mu.Lock()
				s.ledger.Confirm(q, inc.Seconds)
				s.mu.Unlock()
			}
		}
		return call, finish
	}

	if err := s.disp.Do(ctx, "submit_section", "", prepare); err != nil {
		return s.submitFailed(ctx, err)
	}

	_ = s.do(func() error {
		s.seq.Lock(section)
		s.log.Info().Str("section_id", section.String()).Bool("auto", auto).Msg("Section submitted")

		if result.Completed {
			status := result.Status
			if status == "" {
				status = model.AttemptStatusSubmitted
			}
			s.finishLocked(status)
			return nil
		}

		next, ok := uuid.Nil, false
		if result.NextSectionID != nil {
			next, ok = *result.NextSectionID, true
		} else {
			next, ok = s.seq.NextSection(section)
		}
		if !ok {
			s.finishLocked(model.AttemptStatusSubmitted)
			return nil
		}
		s.enterSectionLocked(next, s.clock.Now())
		return nil
	})
	return nil
}

func (s *Session) enterSectionLocked(id uuid.UUID, now time.Time) {
	if err := s.seq.Enter(id); err != nil {
		s.log.Error().Err(err).Str("section_id", id.String()).Msg("Cannot enter section")
		return
	}
	s.attempt.CurrentSectionID = &id
	first, _ := s.seq.First()
	s.current = first
	s.accrualMark = now
	s.countdown.Reset(now, s.seq.DurationSeconds(), s.ledger.Sum(s.seq.Scope()))
	s.submission.Reset()
	s.emit(Event{Kind: EventSectionChanged, SectionID: id, QuestionID: first, Remaining: s.countdown.Remaining(now)})
}

// submitFailed handles a failed submit. A conflict refetches the attempt
// instead of leaving the candidate to retry blindly.
func (s *Session) submitFailed(ctx context.Context, cause error) error {
	_ = s.do(func() error {
		s.submission.Fail()
		s.emit(Event{Kind: EventSubmitFailed, Err: cause})
		return nil
	})

	if errors.Is(cause, ErrConflict) {
		if err := s.Refresh(ctx); err != nil {
			s.log.Error().Err(err).Msg("Failed to refresh attempt after conflict")
		}
		return cause
	}
	return fmt.Errorf("%w: %w", ErrSubmitFailed, cause)
}

func (s *Session) finishLocked(status model.AttemptStatus) {
	if s.submission.Done() {
		return
	}
	s.submission.Finish()
	s.attempt.Status = status
	now := s.clock.Now()
	s.attempt.FinishedAt = &now
	s.countdown.Freeze(now)
	s.log.Info().Str("status", string(status)).Msg("Attempt submitted")
	s.emit(Event{Kind: EventSubmitted, Status: status})
	s.doneOnce.Do(func() { close(s.done) })
}

// Refresh refetches the attempt and resynchronizes local state. Deltas not
// yet acknowledged are kept on top of the store's values; a longer duration
// granted by the store is picked up by the countdown.
//
// The fetch runs as a dispatcher job and is applied before the next job
// starts, so no store call is in flight between the fetch and the rebuild.
func (s *Session) Refresh(ctx context.Context) error {
	var applyErr error
	prepare := func() (Call, func(error)) {
		var state *model.AttemptState
		call := func(ctx context.Context, _ string) error {
			st, err := s.store.FetchAttempt(ctx, s.attemptID)
			if err != nil {
				return err
			}
			state = st
			return nil
		}
		finish := func(err error) {
			if err == nil {
				applyErr = s.applyState(state)
			}
		}
		return call, finish
	}

	err := s.disp.Do(ctx, "refresh", "", prepare)
	if errors.Is(err, ErrDispatcherStopped) {
		// Nothing can be in flight once the dispatcher has stopped.
		state, ferr := s.store.FetchAttempt(ctx, s.attemptID)
		if ferr != nil {
			return fmt.Errorf("failed to refresh attempt: %w", ferr)
		}
		return s.applyState(state)
	}
	if err != nil {
		return fmt.Errorf("failed to refresh attempt: %w", err)
	}
	return applyErr
}

// applyState rebuilds the session from a fetched attempt.
func (s *Session) applyState(state *model.AttemptState) error {
	return s.do(func() error {
		if s.submission.Done() {
			return nil
		}
		now := s.clock.Now()
		if state.Attempt.Status.Terminal() {
			s.finishLocked(state.Attempt.Status)
			return nil
		}
		s.accrueLocked(now)

		deltas := make(map[uuid.UUID]int)
		committed := make(map[uuid.UUID]Answer)
		for _, q := range s.seq.Questions() {
			if d := s.ledger.Delta(q); d > 0 {
				deltas[q] = d
			}
			if a := s.answers.Get(q); a.committed {
				committed[q] = a
			}
		}
		prevSection, hadSection := s.seq.Active()
		prevQuestion := s.current

		s.gen++
		s.attempt = state.Attempt
		s.seq = NewSequencer(state.Test, state.Sections, state.Questions)
		s.questions = make(map[uuid.UUID]model.Question, len(state.Questions))
		for _, q := range state.Questions {
			s.questions[q.ID] = q
		}
		s.ledger = NewLedger()
		s.answers = NewAnswerBook()
		for _, p := range state.Progress {
			s.ledger.Restore(p.QuestionID, p.TimeSpentSeconds)
			s.answers.Restore(p.QuestionID, p.SelectedOptionID, p.MarkedForReview)
		}
		for q, d := range deltas {
			s.ledger.AccrueN(q, d)
		}
		for q, a := range committed {
			if a.Local != nil {
				s.answers.Select(q, *a.Local)
				s.answers.Commit(q)
			}
		}

		if s.seq.Sectioned() {
			var err error
			if state.Attempt.CurrentSectionID != nil {
				err = s.seq.Enter(*state.Attempt.CurrentSectionID)
			} else {
				err = s.seq.EnterFirstOpen()
			}
			if err != nil {
				return fmt.Errorf("failed to enter current section: %w", err)
			}
			if cur, _ := s.seq.Active(); !hadSection || cur != prevSection {
				s.submission.Reset()
				s.enterSectionLocked(cur, now)
				s.emit(Event{Kind: EventRefreshed, QuestionID: s.current})
				return nil
			}
		}

		if s.seq.Accessible(prevQuestion) != nil {
			s.current, _ = s.seq.First()
		}
		if s.countdown.Resync(now, s.seq.DurationSeconds(), s.ledger.Sum(s.seq.Scope())) {
			s.log.Info().Int("remaining", s.countdown.Remaining(now)).Msg("Countdown resynchronized")
		}
		if s.submission.Phase() == SubmitFailed && !s.submission.Expired() {
			s.submission.Reset()
		}
		s.emit(Event{Kind: EventRefreshed, QuestionID: s.current, Remaining: s.countdown.Remaining(now)})
		return nil
	})
}

// Drain waits until every store call issued so far has completed.
func (s *Session) Drain(ctx context.Context) error {
	return s.disp.Drain(ctx)
}

// Close flushes the active question and stops the dispatcher, waiting for
// queued calls until ctx expires.
func (s *Session) Close(ctx context.Context) error {
	_ = s.do(func() error {
		if s.closed {
			return nil
		}
		if !s.submission.Done() {
			s.accrueLocked(s.clock.Now())
			s.enqueueSaveLocked(s.current)
		}
		s.closed = true
		return nil
	})
	return s.disp.Close(ctx)
}

func containsOption(opts []string, option string) bool {
	for _, o := range opts {
		if o == option {
			return true
		}
	}
	return false
}
