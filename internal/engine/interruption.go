package engine

import (
	"github.com/stemsi/exstem-attempt/internal/model"
)

// Interruption is a platform signal that should suspend the attempt while
// Active and may lift the suspension once it clears.
type Interruption struct {
	Cause  model.PauseCause
	Active bool
}

// InterruptionSource delivers platform interruptions (focus loss, disallowed
// key presses). The session does not care how they are detected.
type InterruptionSource interface {
	Interruptions() <-chan Interruption
}

// ChannelSource adapts a plain channel into an InterruptionSource.
type ChannelSource chan Interruption

// Interruptions implements InterruptionSource.
func (c ChannelSource) Interruptions() <-chan Interruption { return c }
