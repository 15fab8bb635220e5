package model

import (
	"github.com/google/uuid"
)

// IdempotencyHeader carries the per-call key that makes retried store
// requests safe to apply once.
const IdempotencyHeader = "X-Idempotency-Key"

// Increment carries seconds accrued on one question since the last
// acknowledged sync. Increments are never absolute totals.
type Increment struct {
	QuestionID *uuid.UUID `json:"question_id,omitempty" binding:"required_with=Seconds"`
	Seconds    int        `json:"time_increment" binding:"min=0,max=86400"`
}

// SaveAnswerRequest is the payload for saving one question. A nil
// SelectedOptionID clears the answer.
type SaveAnswerRequest struct {
	QuestionID       uuid.UUID `json:"question_id" binding:"required"`
	SelectedOptionID *string   `json:"selected_option_id" binding:"omitempty,min=1,max=64"`
	MarkedForReview  bool      `json:"marked_for_review"`
	TimeIncrement    int       `json:"time_increment" binding:"min=0,max=86400"`
	IdempotencyKey   string    `json:"-"`
}

// ReviewRequest is the payload for toggling the review flag.
type ReviewRequest struct {
	QuestionID      uuid.UUID `json:"question_id" binding:"required"`
	MarkedForReview bool      `json:"marked_for_review"`
	TimeIncrement   int       `json:"time_increment" binding:"min=0,max=86400"`
	IdempotencyKey  string    `json:"-"`
}

// PauseRequest is the payload for pausing an attempt.
type PauseRequest struct {
	Increment
	Cause          PauseCause `json:"cause" binding:"required,oneof=MANUAL VISIBILITY KEYPRESS"`
	IdempotencyKey string     `json:"-"`
}

// ResumeRequest is the payload for resuming an attempt.
type ResumeRequest struct {
	Increment
	IdempotencyKey string `json:"-"`
}

// SubmitRequest is the payload for submitting the whole attempt.
type SubmitRequest struct {
	Increment
	Auto           bool   `json:"auto"`
	IdempotencyKey string `json:"-"`
}

// SubmitSectionRequest is the payload for submitting the active section.
type SubmitSectionRequest struct {
	Increment
	Auto           bool   `json:"auto"`
	IdempotencyKey string `json:"-"`
}

// SubmitResult is returned by the submit operation.
type SubmitResult struct {
	Attempt Attempt `json:"attempt"`
}

// SectionSubmitResult is returned by the section-submit operation.
type SectionSubmitResult struct {
	Completed     bool          `json:"completed"`
	NextSectionID *uuid.UUID    `json:"next_section_id,omitempty"`
	Status        AttemptStatus `json:"status"`
}
