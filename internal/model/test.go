package model

import (
	"github.com/google/uuid"
)

// TimingMode selects how a test is timed.
type TimingMode string

const (
	// TimingModeNone is a flat test with one whole-test countdown.
	TimingModeNone TimingMode = "NONE"
	// TimingModeGrouped has sections for navigation only; one whole-test countdown.
	TimingModeGrouped TimingMode = "GROUPED"
	// TimingModeSectioned gives every section its own hard countdown.
	TimingModeSectioned TimingMode = "SECTIONED"
)

// Test is the static definition of a timed test.
type Test struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	TimingMode      TimingMode `json:"timing_mode"`
}

// DurationSeconds returns the whole-test duration in seconds.
func (t Test) DurationSeconds() int {
	return t.DurationMinutes * 60
}

// Section groups questions; with TimingModeSectioned it is also a sub-timer.
type Section struct {
	ID              uuid.UUID `json:"id"`
	TestID          uuid.UUID `json:"test_id"`
	Name            string    `json:"name"`
	Order           int       `json:"order"`
	DurationMinutes int       `json:"duration_minutes"`
}

// DurationSeconds returns the section duration in seconds.
func (s Section) DurationSeconds() int {
	return s.DurationMinutes * 60
}
