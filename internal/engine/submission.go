package engine

import (
	"time"
)

// SubmitPhase is the Submission controller state.
type SubmitPhase string

const (
	SubmitIdle     SubmitPhase = "IDLE"
	SubmitGrace    SubmitPhase = "GRACE"
	SubmitInFlight SubmitPhase = "SUBMITTING"
	SubmitFailed   SubmitPhase = "FAILED"
	SubmitDone     SubmitPhase = "DONE"
)

// DefaultGrace is the auto-submit grace period.
const DefaultGrace = 10 * time.Second

// MaxAutoSubmitRetries bounds the automatic retries of a failed expiry
// submit. After that the candidate retries by hand.
const MaxAutoSubmitRetries = 3

// Submission tracks manual, per-section and expiry-driven submits.
type Submission struct {
	phase      SubmitPhase
	grace      time.Duration
	graceStart time.Time
	// expired survives a failed auto-submit so the retry is still automatic.
	expired     bool
	autoRetries int
}

// NewSubmission returns an idle controller with the given grace period.
func NewSubmission(grace time.Duration) *Submission {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Submission{phase: SubmitIdle, grace: grace}
}

// Phase returns the current phase.
func (s *Submission) Phase() SubmitPhase { return s.phase }

// InGrace reports whether the non-dismissible grace countdown is running.
func (s *Submission) InGrace() bool { return s.phase == SubmitGrace }

// Expired reports whether the pending or failed submit was caused by expiry.
func (s *Submission) Expired() bool { return s.expired }

// BeginGrace starts the grace countdown after timer expiry.
func (s *Submission) BeginGrace(now time.Time) bool {
	if s.phase != SubmitIdle && s.phase != SubmitFailed {
		return false
	}
	s.phase = SubmitGrace
	s.graceStart = now
	s.expired = true
	return true
}

// GraceRemaining returns whole seconds left in the grace countdown,
// rounded up so the display never shows zero before the submit fires.
func (s *Submission) GraceRemaining(now time.Time) int {
	if s.phase != SubmitGrace {
		return 0
	}
	left := s.grace - now.Sub(s.graceStart)
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

// GraceElapsed reports whether the full grace period has passed.
func (s *Submission) GraceElapsed(now time.Time) bool {
	return s.phase == SubmitGrace && now.Sub(s.graceStart) >= s.grace
}

// Begin moves to SUBMITTING.
func (s *Submission) Begin() error {
	switch s.phase {
	case SubmitInFlight:
		return ErrSubmitInProgress
	case SubmitDone:
		return ErrSessionClosed
	}
	s.phase = SubmitInFlight
	return nil
}

// AutoRetry reports whether a failed expiry submit should be retried now,
// counting the retry when it should.
func (s *Submission) AutoRetry() bool {
	if s.phase != SubmitFailed || !s.expired || s.autoRetries >= MaxAutoSubmitRetries {
		return false
	}
	s.autoRetries++
	return true
}

// Fail records a failed submit; the candidate may retry.
func (s *Submission) Fail() {
	if s.phase == SubmitInFlight {
		s.phase = SubmitFailed
	}
}

// Reset returns to IDLE after a section submit opened the next section.
func (s *Submission) Reset() {
	s.phase = SubmitIdle
	s.expired = false
	s.autoRetries = 0
	s.graceStart = time.Time{}
}

// Finish marks the attempt as submitted.
func (s *Submission) Finish() {
	s.phase = SubmitDone
}

// Done reports whether the attempt is terminal.
func (s *Submission) Done() bool { return s.phase == SubmitDone }
