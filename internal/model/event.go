package model

import (
	"github.com/google/uuid"
)

// AttemptEventKind enumerates audit/monitor events raised by the store.
type AttemptEventKind string

const (
	AttemptEventStarted          AttemptEventKind = "STARTED"
	AttemptEventPaused           AttemptEventKind = "PAUSED"
	AttemptEventResumed          AttemptEventKind = "RESUMED"
	AttemptEventSectionSubmitted AttemptEventKind = "SECTION_SUBMITTED"
	AttemptEventSubmitted        AttemptEventKind = "SUBMITTED"
)

// AttemptEvent is queued for persistence and broadcast to proctors.
type AttemptEvent struct {
	AttemptID     uuid.UUID        `json:"attempt_id"`
	TestID        uuid.UUID        `json:"test_id"`
	CandidateID   int              `json:"candidate_id"`
	Kind          AttemptEventKind `json:"kind"`
	Cause         *PauseCause      `json:"cause,omitempty"`
	SectionID     *uuid.UUID       `json:"section_id,omitempty"`
	QuestionID    *uuid.UUID       `json:"question_id,omitempty"`
	TimeIncrement int              `json:"time_increment"`
	RecordedAt    int64            `json:"recorded_at"`
}
