package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-attempt/internal/model"
)

func (h *harness) confirmed(q uuid.UUID) int {
	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	return h.session.ledger.Confirmed(q)
}

func (h *harness) spent(q uuid.UUID) int {
	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	return h.session.ledger.Current(q)
}

func (h *harness) answer(q uuid.UUID) Answer {
	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	return h.session.answers.Get(q)
}

func TestOpenRemainingFromSavedTime(t *testing.T) {
	t.Parallel()
	state := flatState(60, 4)
	state.Progress = []model.QuestionProgress{
		{QuestionID: state.Questions[0].ID, TimeSpentSeconds: 40},
		{QuestionID: state.Questions[1].ID, TimeSpentSeconds: 60},
	}
	h := openSession(t, state)

	assert.Equal(t, 3500, h.session.Remaining())
}

func TestOpenSubmittedAttempt(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	state.Attempt.Status = model.AttemptStatusSubmitted

	_, err := Open(context.Background(), Config{AttemptID: state.Attempt.ID, Store: newFakeStore(state)})
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestOpenPausedAttemptWaitsForResume(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	state.Attempt.LastActiveAt = nil
	h := openSession(t, state)

	snap := h.session.Snapshot()
	require.True(t, snap.Paused)
	assert.Equal(t, model.PauseCauseManual, snap.Cause)

	h.tickSeconds(5)
	assert.Equal(t, 600, h.session.Remaining())
	assert.Equal(t, 0, h.spent(state.Questions[0].ID))
}

func TestNavigationFlushesElapsedTime(t *testing.T) {
	t.Parallel()
	state := flatState(10, 3)
	q1, q2 := state.Questions[0].ID, state.Questions[1].ID
	h := openSession(t, state)

	h.tickSeconds(240)
	require.Equal(t, 360, h.session.Remaining())

	require.NoError(t, h.session.Navigate(q2))
	assert.Equal(t, 360, h.session.Remaining())
	assert.Equal(t, q2, h.session.Current())

	h.drain(t)
	assert.Equal(t, 240, h.confirmed(q1))
	save, ok := h.store.lastSave(q1)
	require.True(t, ok)
	assert.Equal(t, 240, save.TimeIncrement)
	assert.NotEmpty(t, save.IdempotencyKey)
}

func TestVisitedQuestionRegistersOneSecond(t *testing.T) {
	t.Parallel()
	state := flatState(10, 3)
	q1, q2 := state.Questions[0].ID, state.Questions[1].ID
	h := openSession(t, state)

	require.NoError(t, h.session.Navigate(q2))
	h.drain(t)

	assert.Equal(t, 1, h.confirmed(q1))
}

func TestNavigationRevertsUnsavedSelection(t *testing.T) {
	t.Parallel()
	state := flatState(10, 3)
	q1, q2 := state.Questions[0].ID, state.Questions[1].ID
	h := openSession(t, state)

	require.NoError(t, h.session.Select(q1, "c"))
	require.NoError(t, h.session.Navigate(q2))
	assert.Nil(t, h.answer(q1).Local)
	assert.Equal(t, 1, h.events.Count(EventAnswerReverted))

	require.NoError(t, h.session.Navigate(q1))
	require.NoError(t, h.session.Select(q1, "d"))
	require.NoError(t, h.session.Save(q1))
	require.NoError(t, h.session.Navigate(q2))
	h.drain(t)

	a := h.answer(q1)
	require.NotNil(t, a.Confirmed)
	assert.Equal(t, "d", *a.Confirmed)
	save, ok := h.store.lastSave(q1)
	require.True(t, ok)
	require.NotNil(t, save.SelectedOptionID)
	assert.Equal(t, "d", *save.SelectedOptionID)
}

func TestSelectValidation(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	h := openSession(t, state)

	assert.ErrorIs(t, h.session.Select(state.Questions[0].ID, "z"), ErrUnknownOption)
	assert.ErrorIs(t, h.session.Select(state.Questions[1].ID, "a"), ErrNotActiveQuestion)
	assert.ErrorIs(t, h.session.Select(uuid.New(), "a"), ErrUnknownQuestion)
}

func TestStaleTickDoesNotAccrue(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	q1, q2 := state.Questions[0].ID, state.Questions[1].ID
	h := openSession(t, state)
	ctx := context.Background()

	h.clock.Advance(time.Second)
	scheduled := h.session.Current()
	require.NoError(t, h.session.Navigate(q2))
	h.session.tickFor(ctx, scheduled)
	assert.Equal(t, 1, h.spent(q1))
	assert.Equal(t, 0, h.spent(q2))

	// Overlapping ticks at the same instant count once.
	h.clock.Advance(time.Second)
	h.session.Tick(ctx)
	h.session.Tick(ctx)
	assert.Equal(t, 1, h.spent(q2))
}

func TestPauseResumeAtSameInstantKeepsRemaining(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	q1 := state.Questions[0].ID
	h := openSession(t, state)

	h.tickSeconds(30)
	before := h.session.Remaining()

	require.NoError(t, h.session.Pause(model.PauseCauseManual))
	require.NoError(t, h.session.Resume())

	assert.Equal(t, before, h.session.Remaining())
	h.session.mu.Lock()
	base := h.session.countdown.Base()
	h.session.mu.Unlock()
	assert.Equal(t, before, base)

	h.drain(t)
	calls := h.store.Calls()
	require.Less(t, indexOfCall(calls, "pause"), indexOfCall(calls, "resume"))
	require.Len(t, h.store.pauses, 1)
	require.NotNil(t, h.store.pauses[0].QuestionID)
	assert.Equal(t, q1, *h.store.pauses[0].QuestionID)
	assert.Equal(t, 30, h.store.pauses[0].Seconds)
	assert.Equal(t, 30, h.confirmed(q1))
}

func TestPausedSessionFreezesTimeAndAccrual(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	q1 := state.Questions[0].ID
	h := openSession(t, state)

	h.tickSeconds(10)
	require.NoError(t, h.session.Pause(model.PauseCauseManual))
	h.tickSeconds(20)
	assert.Equal(t, 590, h.session.Remaining())
	assert.Equal(t, 10, h.spent(q1))

	require.NoError(t, h.session.Resume())
	h.tickSeconds(5)
	assert.Equal(t, 585, h.session.Remaining())
	assert.Equal(t, 15, h.spent(q1))
}

func TestInterruptionsAutoResumeOnlyAutomaticPauses(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	h := openSession(t, state)

	h.session.HandleInterruption(Interruption{Cause: model.PauseCauseVisibility, Active: true})
	require.True(t, h.session.Snapshot().Paused)

	h.session.HandleInterruption(Interruption{Cause: model.PauseCauseKeypress, Active: true})
	h.session.HandleInterruption(Interruption{Cause: model.PauseCauseKeypress, Active: false})
	require.True(t, h.session.Snapshot().Paused)

	h.session.HandleInterruption(Interruption{Cause: model.PauseCauseVisibility, Active: false})
	require.False(t, h.session.Snapshot().Paused)

	require.NoError(t, h.session.Pause(model.PauseCauseManual))
	h.session.HandleInterruption(Interruption{Cause: model.PauseCauseVisibility, Active: true})
	h.session.HandleInterruption(Interruption{Cause: model.PauseCauseVisibility, Active: false})
	assert.True(t, h.session.Snapshot().Paused)
	assert.Equal(t, model.PauseCauseManual, h.session.Snapshot().Cause)
}

func TestRunForwardsInterruptions(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	h := openSession(t, state)
	src := make(ChannelSource, 1)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- h.session.Run(ctx, src)
	}()

	src <- Interruption{Cause: model.PauseCauseVisibility, Active: true}
	require.Eventually(t, func() bool { return h.session.Snapshot().Paused }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)
}

func TestMarkForReviewAdvancesWithinSection(t *testing.T) {
	t.Parallel()
	state := sectionedState([]int{5, 5}, 3)
	s1 := questionIDs(state, 0)
	h := openSession(t, state)

	require.NoError(t, h.session.ToggleReview(s1[0]))
	assert.Equal(t, s1[1], h.session.Current())

	require.NoError(t, h.session.ToggleReview(s1[1]))
	assert.Equal(t, s1[2], h.session.Current())

	require.NoError(t, h.session.ToggleReview(s1[2]))
	assert.Equal(t, s1[2], h.session.Current())

	// Unmarking never advances.
	require.NoError(t, h.session.Navigate(s1[0]))
	require.NoError(t, h.session.ToggleReview(s1[0]))
	assert.Equal(t, s1[0], h.session.Current())

	h.drain(t)
	assert.False(t, h.answer(s1[0]).ConfirmedReview)
	assert.True(t, h.answer(s1[2]).ConfirmedReview)
}

func TestReviewRollbackOnFailure(t *testing.T) {
	t.Parallel()
	state := flatState(10, 3)
	q1 := state.Questions[0].ID
	h := openSession(t, state)
	h.store.mu.Lock()
	h.store.reviewErr = fmt.Errorf("review: %w", ErrRejected)
	h.store.mu.Unlock()
	h.store.hold()

	require.NoError(t, h.session.ToggleReview(q1))
	assert.True(t, h.answer(q1).Review)

	h.store.release()
	h.drain(t)
	assert.False(t, h.answer(q1).Review)
	assert.Equal(t, 1, h.events.Count(EventRolledBack))
}

func TestClearRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	q1 := state.Questions[0].ID
	saved := "b"
	state.Progress = []model.QuestionProgress{{QuestionID: q1, TimeSpentSeconds: 12, SelectedOptionID: &saved}}
	h := openSession(t, state)
	h.store.setSaveErr(errUnavailable)
	h.store.hold()

	require.NoError(t, h.session.Clear(q1))
	assert.Nil(t, h.answer(q1).Confirmed)
	assert.Nil(t, h.answer(q1).Local)

	h.store.release()
	h.drain(t)
	a := h.answer(q1)
	require.NotNil(t, a.Confirmed)
	assert.Equal(t, "b", *a.Confirmed)
	assert.Equal(t, 1, h.events.Count(EventRolledBack))
}

func TestClearPersistsNullSelection(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	q1 := state.Questions[0].ID
	saved := "b"
	state.Progress = []model.QuestionProgress{{QuestionID: q1, SelectedOptionID: &saved}}
	h := openSession(t, state)

	require.NoError(t, h.session.Clear(q1))
	h.drain(t)

	save, ok := h.store.lastSave(q1)
	require.True(t, ok)
	assert.Nil(t, save.SelectedOptionID)
	assert.Nil(t, h.answer(q1).Confirmed)
}

func TestNextStopsAtSectionEnd(t *testing.T) {
	t.Parallel()
	state := sectionedState([]int{5, 5}, 2)
	s1 := questionIDs(state, 0)
	h := openSession(t, state)

	require.NoError(t, h.session.SaveAndNext())
	assert.Equal(t, s1[1], h.session.Current())
	assert.ErrorIs(t, h.session.Next(), ErrEndOfSection)
	require.NoError(t, h.session.Previous())
	assert.ErrorIs(t, h.session.Previous(), ErrStartOfTest)
}

func TestSubmitSectionWhilePausedResumesFirst(t *testing.T) {
	t.Parallel()
	state := sectionedState([]int{5, 5}, 2)
	h := openSession(t, state)

	h.tickSeconds(10)
	require.NoError(t, h.session.Pause(model.PauseCauseManual))
	require.NoError(t, h.session.SubmitSection(context.Background()))

	calls := h.store.Calls()
	pause := indexOfCall(calls, "pause")
	resume := indexOfCall(calls, "resume")
	submit := indexOfCall(calls, "submit_section")
	require.GreaterOrEqual(t, pause, 0)
	require.Greater(t, resume, pause)
	require.Greater(t, submit, resume)
	assert.False(t, h.session.Snapshot().Paused)
}

func TestSubmitSectionResetsTimerAndLocksSection(t *testing.T) {
	t.Parallel()
	state := sectionedState([]int{5, 5}, 2)
	s1, s2 := questionIDs(state, 0), questionIDs(state, 1)
	h := openSession(t, state)

	h.tickSeconds(180)
	require.Equal(t, 120, h.session.Remaining())
	require.NoError(t, h.session.SubmitSection(context.Background()))

	snap := h.session.Snapshot()
	assert.Equal(t, 300, snap.Remaining)
	assert.Equal(t, s2[0], snap.QuestionID)
	require.NotNil(t, snap.SectionID)
	assert.Equal(t, state.Sections[1].ID, *snap.SectionID)

	assert.ErrorIs(t, h.session.Select(s1[0], "a"), ErrSectionLocked)
	assert.ErrorIs(t, h.session.Navigate(s1[1]), ErrSectionLocked)
	assert.Equal(t, 180, h.confirmed(s1[0]))
	assert.Equal(t, 1, h.events.Count(EventSectionChanged))

	require.NoError(t, h.session.SubmitSection(context.Background()))
	<-h.session.Done()
	assert.Equal(t, model.AttemptStatusSubmitted, h.session.Snapshot().Status)
}

func TestSubmitSectionConflictRefreshes(t *testing.T) {
	t.Parallel()
	state := sectionedState([]int{5, 5}, 2)
	s2 := questionIDs(state, 1)
	h := openSession(t, state)

	h.store.mu.Lock()
	h.store.sectionErr = fmt.Errorf("section already submitted: %w", ErrConflict)
	next := state.Sections[1].ID
	h.store.state.Attempt.CurrentSectionID = &next
	h.store.mu.Unlock()

	err := h.session.SubmitSection(context.Background())
	require.ErrorIs(t, err, ErrConflict)

	snap := h.session.Snapshot()
	assert.Equal(t, s2[0], snap.QuestionID)
	assert.Equal(t, 300, snap.Remaining)
	assert.Equal(t, SubmitIdle, snap.Phase)
	assert.Equal(t, 2, len(filterCalls(h.store.Calls(), "fetch")))
}

func TestSubmitOnSectionlessTestRejectsSectionSubmit(t *testing.T) {
	t.Parallel()
	h := openSession(t, flatState(10, 2))
	assert.ErrorIs(t, h.session.SubmitSection(context.Background()), ErrNotSectioned)
}

func TestSubmitFailureIsRetryable(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	q1 := state.Questions[0].ID
	h := openSession(t, state)
	h.tickSeconds(20)
	h.store.setSubmitErr(errUnavailable)

	err := h.session.Submit(context.Background())
	require.ErrorIs(t, err, ErrSubmitFailed)
	require.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, SubmitFailed, h.session.Snapshot().Phase)
	assert.Equal(t, 20, h.spent(q1))

	h.store.setSubmitErr(nil)
	require.NoError(t, h.session.Submit(context.Background()))
	assert.Equal(t, model.AttemptStatusSubmitted, h.session.Snapshot().Status)
	assert.ErrorIs(t, h.session.Navigate(state.Questions[1].ID), ErrSessionClosed)
	assert.Equal(t, 1, h.events.Count(EventSubmitted))
}

func TestExpiryWaitsForGraceBeforeAutoSubmit(t *testing.T) {
	t.Parallel()
	state := flatState(1, 2)
	h := openSession(t, state)

	h.tickSeconds(60)
	require.Equal(t, 1, h.events.Count(EventExpired))
	assert.Equal(t, 10, h.session.Snapshot().GraceRemaining)
	assert.ErrorIs(t, h.session.Pause(model.PauseCauseManual), ErrGraceActive)
	assert.ErrorIs(t, h.session.Resume(), ErrGraceActive)

	h.tickSeconds(9)
	assert.Equal(t, -1, indexOfCall(h.store.Calls(), "submit"))

	h.tickSeconds(1)
	<-h.session.Done()
	calls := h.store.Calls()
	require.GreaterOrEqual(t, indexOfCall(calls, "submit"), 0)
	require.Len(t, h.store.submits, 1)
	assert.True(t, h.store.submits[0].Auto)
	assert.Equal(t, model.AttemptStatusAutoSubmitted, h.session.Snapshot().Status)
	assert.Equal(t, 60, h.confirmed(state.Questions[0].ID))
}

func TestFailedAutoSubmitRetriesOnTick(t *testing.T) {
	t.Parallel()
	state := flatState(1, 2)
	h := openSession(t, state)
	h.store.setSubmitErr(errUnavailable)

	h.tickSeconds(70)
	require.Len(t, filterCalls(h.store.Calls(), "submit"), 1)
	assert.Equal(t, SubmitFailed, h.session.Snapshot().Phase)

	h.tickSeconds(1)
	require.Len(t, filterCalls(h.store.Calls(), "submit"), 2)

	h.store.setSubmitErr(nil)
	h.tickSeconds(1)
	<-h.session.Done()
	require.Len(t, h.store.submits, 1)
	assert.True(t, h.store.submits[0].Auto)
	assert.Equal(t, model.AttemptStatusAutoSubmitted, h.session.Snapshot().Status)
}

func TestFailedAutoSubmitRetriesAreBounded(t *testing.T) {
	t.Parallel()
	state := flatState(1, 2)
	h := openSession(t, state)
	h.store.setSubmitErr(errUnavailable)

	h.tickSeconds(70)
	h.tickSeconds(MaxAutoSubmitRetries + 5)
	assert.Len(t, filterCalls(h.store.Calls(), "submit"), 1+MaxAutoSubmitRetries)
	assert.Equal(t, SubmitFailed, h.session.Snapshot().Phase)

	// The candidate can still submit by hand.
	h.store.setSubmitErr(nil)
	require.NoError(t, h.session.ForceSubmit(context.Background()))
	assert.Equal(t, model.AttemptStatusAutoSubmitted, h.session.Snapshot().Status)
}

func TestForceSubmitDuringGrace(t *testing.T) {
	t.Parallel()
	state := flatState(1, 2)
	h := openSession(t, state)

	h.tickSeconds(60)
	h.tickSeconds(3)
	require.NoError(t, h.session.ForceSubmit(context.Background()))

	require.Len(t, h.store.submits, 1)
	assert.True(t, h.store.submits[0].Auto)
	assert.Equal(t, model.AttemptStatusAutoSubmitted, h.session.Snapshot().Status)
}

func TestSectionExpirySubmitsActiveSection(t *testing.T) {
	t.Parallel()
	state := sectionedState([]int{1, 2}, 2)
	h := openSession(t, state)

	h.tickSeconds(60)
	h.tickSeconds(10)

	require.Len(t, h.store.sectionSubmits, 1)
	assert.True(t, h.store.sectionSubmits[0].Req.Auto)
	assert.Equal(t, state.Sections[0].ID, h.store.sectionSubmits[0].SectionID)

	snap := h.session.Snapshot()
	assert.Equal(t, 120, snap.Remaining)
	assert.Equal(t, SubmitIdle, snap.Phase)
	assert.False(t, snap.Expired)
}

func TestSummaryCountsAnswers(t *testing.T) {
	t.Parallel()
	state := flatState(10, 3)
	a, b := "a", "b"
	state.Progress = []model.QuestionProgress{
		{QuestionID: state.Questions[0].ID, SelectedOptionID: &a, MarkedForReview: true},
		{QuestionID: state.Questions[1].ID, SelectedOptionID: &b},
	}
	h := openSession(t, state)

	sum := h.session.Summary()
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Answered)
	assert.Equal(t, 1, sum.Unanswered)
	assert.Equal(t, 1, sum.Marked)
	assert.Equal(t, 1, sum.AnsweredAndMarked)
}

func TestRefreshKeepsPendingDeltaAndExtendsDuration(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	q1 := state.Questions[0].ID
	h := openSession(t, state)

	h.tickSeconds(50)
	h.store.mu.Lock()
	h.store.state.Test.DurationMinutes = 15
	h.store.mu.Unlock()

	require.NoError(t, h.session.Refresh(context.Background()))
	assert.Equal(t, 50, h.spent(q1))
	assert.Equal(t, 0, h.confirmed(q1))
	assert.Equal(t, 850, h.session.Remaining())
}

func TestRefreshWaitsForInFlightSave(t *testing.T) {
	t.Parallel()
	state := flatState(10, 2)
	q1, q2 := state.Questions[0].ID, state.Questions[1].ID
	h := openSession(t, state)
	h.store.mu.Lock()
	h.store.applySaves = true
	h.store.mu.Unlock()

	h.tickSeconds(50)
	h.store.hold()
	require.NoError(t, h.session.Navigate(q2))
	require.Eventually(t, func() bool { return h.store.Blocked() == 1 }, time.Second, time.Millisecond)

	refreshed := make(chan error, 1)
	go func() { refreshed <- h.session.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return h.queued() == 1 }, time.Second, time.Millisecond)
	h.store.release()
	require.NoError(t, <-refreshed)

	assert.Equal(t, 50, h.spent(q1))
	assert.Equal(t, 50, h.confirmed(q1))

	// Leaving q1 again has nothing left to send for it.
	require.NoError(t, h.session.Navigate(q1))
	require.NoError(t, h.session.Navigate(q2))
	h.drain(t)
	assert.Equal(t, 50, h.store.TimeSpent(q1))
	assert.Equal(t, 50, h.spent(q1))
}

func filterCalls(calls []string, name string) []string {
	var out []string
	for _, c := range calls {
		if c == name {
			out = append(out, c)
		}
	}
	return out
}
