package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-attempt/internal/model"
)

// AttemptStore is the remote collaborator that persists authoritative time
// and answer state. Every time field it receives is an increment.
//
// Implementations wrap ErrConflict, ErrNotFound or ErrRejected for failures
// that retrying cannot fix; anything else is treated as transient.
type AttemptStore interface {
	FetchAttempt(ctx context.Context, attemptID uuid.UUID) (*model.AttemptState, error)
	SaveAnswer(ctx context.Context, attemptID uuid.UUID, req model.SaveAnswerRequest) error
	ToggleReview(ctx context.Context, attemptID uuid.UUID, req model.ReviewRequest) error
	Pause(ctx context.Context, attemptID uuid.UUID, req model.PauseRequest) error
	Resume(ctx context.Context, attemptID uuid.UUID, req model.ResumeRequest) error
	Submit(ctx context.Context, attemptID uuid.UUID, req model.SubmitRequest) (*model.SubmitResult, error)
	SubmitSection(ctx context.Context, attemptID, sectionID uuid.UUID, req model.SubmitSectionRequest) (*model.SectionSubmitResult, error)
}
