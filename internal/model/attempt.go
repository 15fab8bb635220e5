package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt lifecycle states.
type AttemptStatus string

const (
	AttemptStatusInProgress    AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitted     AttemptStatus = "SUBMITTED"
	AttemptStatusAutoSubmitted AttemptStatus = "AUTO_SUBMITTED"
)

// Terminal reports whether no further changes are accepted for the attempt.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptStatusSubmitted || s == AttemptStatusAutoSubmitted
}

// PauseCause tags why an attempt was paused.
type PauseCause string

const (
	PauseCauseManual     PauseCause = "MANUAL"
	PauseCauseVisibility PauseCause = "VISIBILITY"
	PauseCauseKeypress   PauseCause = "KEYPRESS"
)

// Automatic reports whether the pause was raised by the platform rather than the candidate.
func (c PauseCause) Automatic() bool {
	return c == PauseCauseVisibility || c == PauseCauseKeypress
}

// Attempt is one candidate's run through one test instance.
type Attempt struct {
	ID               uuid.UUID     `json:"id"`
	TestID           uuid.UUID     `json:"test_id"`
	CandidateID      int           `json:"candidate_id"`
	Status           AttemptStatus `json:"status"`
	PausedSeconds    int           `json:"paused_seconds"`
	CurrentSectionID *uuid.UUID    `json:"current_section_id,omitempty"`
	// LastActiveAt is nil while the attempt is paused.
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	PausedAt     *time.Time `json:"paused_at,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// QuestionProgress is the store's saved state for one question of an attempt.
type QuestionProgress struct {
	QuestionID       uuid.UUID `json:"question_id"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
	SelectedOptionID *string   `json:"selected_option_id,omitempty"`
	MarkedForReview  bool      `json:"marked_for_review"`
}

// AttemptState is everything the engine needs to (re)build a session.
type AttemptState struct {
	Attempt   Attempt            `json:"attempt"`
	Test      Test               `json:"test"`
	Sections  []Section          `json:"sections"`
	Questions []Question         `json:"questions" validate:"dive"`
	Progress  []QuestionProgress `json:"progress"`
}

// AttemptOverview is one row of the proctor monitor snapshot.
type AttemptOverview struct {
	AttemptID        uuid.UUID     `json:"attempt_id"`
	CandidateID      int           `json:"candidate_id"`
	Status           AttemptStatus `json:"status"`
	Paused           bool          `json:"paused"`
	CurrentSectionID *uuid.UUID    `json:"current_section_id,omitempty"`
	AnsweredCount    int           `json:"answered_count"`
	MarkedCount      int           `json:"marked_count"`
	TimeSpentSeconds int           `json:"time_spent_seconds"`
	Interruptions    int64         `json:"interruptions"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
}
