package engine

import (
	"time"

	"github.com/stemsi/exstem-attempt/internal/model"
)

// PauseState is the pause controller state.
type PauseState string

const (
	PauseStateRunning PauseState = "RUNNING"
	PauseStatePaused  PauseState = "PAUSED"
)

// PauseController tracks whether the attempt is suspended and why. It holds
// no timer state of its own; Session freezes and thaws the Countdown around
// its transitions.
type PauseController struct {
	state PauseState
	cause model.PauseCause
	since time.Time
}

// NewPauseController returns a controller in the running state.
func NewPauseController() *PauseController {
	return &PauseController{state: PauseStateRunning}
}

// State returns the current state.
func (p *PauseController) State() PauseState { return p.state }

// Paused reports whether the attempt is suspended.
func (p *PauseController) Paused() bool { return p.state == PauseStatePaused }

// Cause returns why the attempt is paused. Empty while running.
func (p *PauseController) Cause() model.PauseCause { return p.cause }

// Since returns when the current pause began.
func (p *PauseController) Since() time.Time { return p.since }

// Pause moves RUNNING -> PAUSED. Pausing an already paused attempt is a no-op
// except that a manual pause takes over an automatic one, so the candidate
// must then resume explicitly. Returns true on an actual transition.
func (p *PauseController) Pause(cause model.PauseCause, now time.Time) bool {
	if p.state == PauseStatePaused {
		if cause == model.PauseCauseManual {
			p.cause = cause
		}
		return false
	}
	p.state = PauseStatePaused
	p.cause = cause
	p.since = now
	return true
}

// Resume moves PAUSED -> RUNNING. Returns true on an actual transition.
func (p *PauseController) Resume() bool {
	if p.state != PauseStatePaused {
		return false
	}
	p.state = PauseStateRunning
	p.cause = ""
	p.since = time.Time{}
	return true
}

// AutoResumable reports whether clearing cause may resume without a click.
func (p *PauseController) AutoResumable(cause model.PauseCause) bool {
	return p.state == PauseStatePaused && p.cause.Automatic() && p.cause == cause
}
