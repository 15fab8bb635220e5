package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-attempt/internal/engine"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// flakyStore accepts everything except answer saves and submits.
type flakyStore struct {
	state *model.AttemptState
}

var errOffline = errors.New("store offline")

func (f *flakyStore) FetchAttempt(context.Context, uuid.UUID) (*model.AttemptState, error) {
	cp := *f.state
	return &cp, nil
}

func (f *flakyStore) SaveAnswer(context.Context, uuid.UUID, model.SaveAnswerRequest) error {
	return errOffline
}

func (f *flakyStore) ToggleReview(context.Context, uuid.UUID, model.ReviewRequest) error {
	return nil
}

func (f *flakyStore) Pause(context.Context, uuid.UUID, model.PauseRequest) error {
	return nil
}

func (f *flakyStore) Resume(context.Context, uuid.UUID, model.ResumeRequest) error {
	return nil
}

func (f *flakyStore) Submit(context.Context, uuid.UUID, model.SubmitRequest) (*model.SubmitResult, error) {
	return nil, errOffline
}

func (f *flakyStore) SubmitSection(context.Context, uuid.UUID, uuid.UUID, model.SubmitSectionRequest) (*model.SectionSubmitResult, error) {
	return nil, errOffline
}

func screenState() *model.AttemptState {
	now := time.Now()
	testID := uuid.New()
	state := &model.AttemptState{
		Attempt: model.Attempt{
			ID:           uuid.New(),
			TestID:       testID,
			CandidateID:  3,
			Status:       model.AttemptStatusInProgress,
			LastActiveAt: &now,
			StartedAt:    now,
		},
		Test: model.Test{ID: testID, Title: "Biology", DurationMinutes: 30, TimingMode: model.TimingModeNone},
	}
	for i := 0; i < 2; i++ {
		state.Questions = append(state.Questions, model.Question{
			ID:        uuid.New(),
			TestID:    testID,
			Position:  i + 1,
			Marks:     1,
			OptionIDs: []string{"a", "b"},
		})
	}
	return state
}

func TestScreenKeepsBackgroundSyncFailuresOffScreen(t *testing.T) {
	state := screenState()
	var out, logs bytes.Buffer
	scr := newScreen(&out, "en", state, zerolog.New(&logs))

	session, err := engine.Open(context.Background(), engine.Config{
		AttemptID: state.Attempt.ID,
		Store:     &flakyStore{state: state},
		Listener:  scr,
		Retry:     &engine.RetryPolicy{MaxRetries: 0, InitialInterval: time.Millisecond},
	})
	require.NoError(t, err)
	scr.attach(session)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = session.Close(ctx)
	})

	require.NoError(t, session.Navigate(state.Questions[1].ID))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, session.Drain(ctx))

	assert.Contains(t, out.String(), "Question 2 of 2")
	assert.NotContains(t, out.String(), "store offline")
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), "Background sync failed")

	// Failed submits are shown.
	require.Error(t, session.Submit(ctx))
	assert.Contains(t, out.String(), "Submit failed, press F to retry")
}
