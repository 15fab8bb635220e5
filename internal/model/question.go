package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Question is read-only for the attempt engine.
type Question struct {
	ID        uuid.UUID  `json:"id"`
	TestID    uuid.UUID  `json:"test_id"`
	SectionID *uuid.UUID `json:"section_id,omitempty"`
	Position  int        `json:"position"`
	Marks     float64    `json:"marks"`
	// AverageSeconds is reference data for analytics, never enforced.
	AverageSeconds *int              `json:"average_seconds,omitempty"`
	OptionIDs      []string          `json:"option_ids"`
	Content        []QuestionContent `json:"content" validate:"dive"`
}

// ContentKind tags the variant held by a QuestionContent.
type ContentKind string

const (
	ContentKindText ContentKind = "TEXT"
	ContentKindRich ContentKind = "RICH"
)

// QuestionContent is one language rendition of a question. The engine passes
// it through untouched.
type QuestionContent struct {
	Kind     ContentKind     `json:"kind" validate:"required,oneof=TEXT RICH"`
	Language string          `json:"language" validate:"required,bcp47_language_tag"`
	Body     string          `json:"body,omitempty" validate:"required_if=Kind TEXT"`
	Raw      json.RawMessage `json:"raw,omitempty" validate:"required_if=Kind RICH"`
}
