package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-attempt/internal/model"
)

var errUnavailable = errors.New("store unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sectionCall struct {
	SectionID uuid.UUID
	Req       model.SubmitSectionRequest
}

// fakeStore records every call in order.
type fakeStore struct {
	mu    sync.Mutex
	state *model.AttemptState
	calls []string

	saves          []model.SaveAnswerRequest
	reviews        []model.ReviewRequest
	pauses         []model.PauseRequest
	resumes        []model.ResumeRequest
	submits        []model.SubmitRequest
	sectionSubmits []sectionCall

	// gate, when set, blocks answer and review calls until closed.
	gate    chan struct{}
	blocked int

	// applySaves folds saved time and selections into state, as the store
	// does, so a later fetch returns them.
	applySaves bool

	saveErr    error
	reviewErr  error
	submitErr  error
	sectionErr error
}

func newFakeStore(state *model.AttemptState) *fakeStore {
	return &fakeStore{state: state}
}

func (f *fakeStore) record(name string) {
	f.calls = append(f.calls, name)
}

func (f *fakeStore) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStore) FetchAttempt(_ context.Context, _ uuid.UUID) (*model.AttemptState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("fetch")
	cp := *f.state
	cp.Progress = append([]model.QuestionProgress(nil), f.state.Progress...)
	return &cp, nil
}

func (f *fakeStore) hold() {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeStore) release() {
	f.mu.Lock()
	close(f.gate)
	f.gate = nil
	f.mu.Unlock()
}

func (f *fakeStore) wait() {
	f.mu.Lock()
	gate := f.gate
	if gate != nil {
		f.blocked++
	}
	f.mu.Unlock()
	if gate == nil {
		return
	}
	<-gate
	f.mu.Lock()
	f.blocked--
	f.mu.Unlock()
}

// Blocked returns the number of calls waiting on the gate.
func (f *fakeStore) Blocked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked
}

// TimeSpent returns the stored time of q.
func (f *fakeStore) TimeSpent(q uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.state.Progress {
		if p.QuestionID == q {
			return p.TimeSpentSeconds
		}
	}
	return 0
}

func (f *fakeStore) applySaveLocked(req model.SaveAnswerRequest) {
	for i := range f.state.Progress {
		p := &f.state.Progress[i]
		if p.QuestionID == req.QuestionID {
			p.SelectedOptionID = req.SelectedOptionID
			p.MarkedForReview = req.MarkedForReview
			p.TimeSpentSeconds += req.TimeIncrement
			return
		}
	}
	f.state.Progress = append(f.state.Progress, model.QuestionProgress{
		QuestionID:       req.QuestionID,
		SelectedOptionID: req.SelectedOptionID,
		MarkedForReview:  req.MarkedForReview,
		TimeSpentSeconds: req.TimeIncrement,
	})
}

func (f *fakeStore) SaveAnswer(_ context.Context, _ uuid.UUID, req model.SaveAnswerRequest) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("save")
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves = append(f.saves, req)
	if f.applySaves {
		f.applySaveLocked(req)
	}
	return nil
}

func (f *fakeStore) ToggleReview(_ context.Context, _ uuid.UUID, req model.ReviewRequest) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("review")
	if f.reviewErr != nil {
		return f.reviewErr
	}
	f.reviews = append(f.reviews, req)
	return nil
}

func (f *fakeStore) Pause(_ context.Context, _ uuid.UUID, req model.PauseRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause")
	f.pauses = append(f.pauses, req)
	return nil
}

func (f *fakeStore) Resume(_ context.Context, _ uuid.UUID, req model.ResumeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resume")
	f.resumes = append(f.resumes, req)
	return nil
}

func (f *fakeStore) Submit(_ context.Context, _ uuid.UUID, req model.SubmitRequest) (*model.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("submit")
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submits = append(f.submits, req)
	status := model.AttemptStatusSubmitted
	if req.Auto {
		status = model.AttemptStatusAutoSubmitted
	}
	attempt := f.state.Attempt
	attempt.Status = status
	return &model.SubmitResult{Attempt: attempt}, nil
}

func (f *fakeStore) SubmitSection(_ context.Context, _ uuid.UUID, sectionID uuid.UUID, req model.SubmitSectionRequest) (*model.SectionSubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("submit_section")
	if f.sectionErr != nil {
		return nil, f.sectionErr
	}
	f.sectionSubmits = append(f.sectionSubmits, sectionCall{SectionID: sectionID, Req: req})

	for i, sec := range f.state.Sections {
		if sec.ID != sectionID {
			continue
		}
		if i+1 < len(f.state.Sections) {
			next := f.state.Sections[i+1].ID
			return &model.SectionSubmitResult{NextSectionID: &next, Status: model.AttemptStatusInProgress}, nil
		}
	}
	return &model.SectionSubmitResult{Completed: true, Status: model.AttemptStatusSubmitted}, nil
}

func (f *fakeStore) setSaveErr(err error) {
	f.mu.Lock()
	f.saveErr = err
	f.mu.Unlock()
}

func (f *fakeStore) setSubmitErr(err error) {
	f.mu.Lock()
	f.submitErr = err
	f.mu.Unlock()
}

func (f *fakeStore) lastSave(q uuid.UUID) (model.SaveAnswerRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.saves) - 1; i >= 0; i-- {
		if f.saves[i].QuestionID == q {
			return f.saves[i], true
		}
	}
	return model.SaveAnswerRequest{}, false
}

// recorder collects session events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) Count(kind EventKind) int {
	n := 0
	for _, k := range r.Kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func flatState(durationMinutes, questions int) *model.AttemptState {
	testID := uuid.New()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	state := &model.AttemptState{
		Attempt: model.Attempt{
			ID:           uuid.New(),
			TestID:       testID,
			CandidateID:  7,
			Status:       model.AttemptStatusInProgress,
			LastActiveAt: &now,
			StartedAt:    now,
		},
		Test: model.Test{ID: testID, Title: "Physics mock", DurationMinutes: durationMinutes, TimingMode: model.TimingModeNone},
	}
	for i := 0; i < questions; i++ {
		state.Questions = append(state.Questions, model.Question{
			ID:        uuid.New(),
			TestID:    testID,
			Position:  i + 1,
			Marks:     4,
			OptionIDs: []string{"a", "b", "c", "d"},
		})
	}
	return state
}

func sectionedState(sectionMinutes []int, perSection int) *model.AttemptState {
	total := 0
	for _, m := range sectionMinutes {
		total += m
	}
	state := flatState(total, 0)
	state.Test.TimingMode = model.TimingModeSectioned
	for i, m := range sectionMinutes {
		sec := model.Section{ID: uuid.New(), TestID: state.Test.ID, Name: "Section", Order: i + 1, DurationMinutes: m}
		state.Sections = append(state.Sections, sec)
		for j := 0; j < perSection; j++ {
			sid := sec.ID
			state.Questions = append(state.Questions, model.Question{
				ID:        uuid.New(),
				TestID:    state.Test.ID,
				SectionID: &sid,
				Position:  j + 1,
				Marks:     4,
				OptionIDs: []string{"a", "b", "c", "d"},
			})
		}
	}
	first := state.Sections[0].ID
	state.Attempt.CurrentSectionID = &first
	return state
}

type harness struct {
	session *Session
	store   *fakeStore
	clock   *fakeClock
	events  *recorder
}

func openSession(t *testing.T, state *model.AttemptState) *harness {
	t.Helper()
	h := &harness{
		store:  newFakeStore(state),
		clock:  newFakeClock(),
		events: &recorder{},
	}
	s, err := Open(context.Background(), Config{
		AttemptID: state.Attempt.ID,
		Store:     h.store,
		Clock:     h.clock,
		Listener:  h.events,
		Retry:     &RetryPolicy{MaxRetries: 0, InitialInterval: time.Millisecond},
	})
	require.NoError(t, err)
	h.session = s
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return h
}

// tickSeconds advances the clock one second at a time, ticking after each.
func (h *harness) tickSeconds(n int) {
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Second)
		h.session.Tick(context.Background())
	}
}

// queued returns the number of jobs waiting behind the running one.
func (h *harness) queued() int {
	d := h.session.disp
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.session.Drain(ctx))
}

func indexOfCall(calls []string, name string) int {
	for i, c := range calls {
		if c == name {
			return i
		}
	}
	return -1
}
