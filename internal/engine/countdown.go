package engine

import (
	"time"
)

// Countdown derives remaining time from a fixed base and a wall-clock
// anchor:
//
//	remaining = max(0, base - (now - anchor))
//
// The displayed value is recomputed by subtraction on every tick and never by
// decrementing a counter, so scheduler slippage cannot accumulate. The base
// itself is only re-derived from the ledger at checkpoints (session start,
// section entry, explicit resync).
type Countdown struct {
	base    int
	anchor  time.Time
	running bool
	expired bool
	// suppress blocks Resync right after a pause or resume; both already
	// leave base correct and re-deriving it would subtract the transition twice.
	suppress bool
}

// Reset is the checkpoint used at session start and section entry: base
// becomes duration minus the time already spent, anchored at now.
func (c *Countdown) Reset(now time.Time, durationSeconds, spentSeconds int) {
	base := durationSeconds - spentSeconds
	if base < 0 {
		base = 0
	}
	c.base = base
	c.anchor = now
	c.running = true
	c.expired = false
	c.suppress = false
}

// Resync re-derives base from the ledger mid-run, for example after a
// refetch reports a longer duration. It is a no-op while suppressed or once
// the countdown has expired. Returns whether base changed.
func (c *Countdown) Resync(now time.Time, durationSeconds, spentSeconds int) bool {
	if c.suppress || c.expired {
		return false
	}
	base := durationSeconds - spentSeconds
	if base < 0 {
		base = 0
	}
	changed := base != c.Remaining(now)
	c.base = base
	if c.running {
		c.anchor = now
	}
	return changed
}

// Remaining returns the whole seconds left at now.
func (c *Countdown) Remaining(now time.Time) int {
	if !c.running {
		return c.base
	}
	r := c.base - wholeSeconds(now.Sub(c.anchor))
	if r < 0 {
		return 0
	}
	return r
}

// Freeze stops the countdown at its currently displayed value.
func (c *Countdown) Freeze(now time.Time) {
	if !c.running {
		return
	}
	c.base = c.Remaining(now)
	c.running = false
	c.suppress = true
}

// Thaw restarts the countdown from the frozen base. Only the anchor moves.
func (c *Countdown) Thaw(now time.Time) {
	if c.running || c.expired {
		return
	}
	c.anchor = now
	c.running = true
	c.suppress = true
}

// Check fires exactly once when remaining reaches zero. The countdown is
// frozen at zero afterwards.
func (c *Countdown) Check(now time.Time) bool {
	if c.expired || !c.running {
		return false
	}
	if c.Remaining(now) > 0 {
		return false
	}
	c.expired = true
	c.base = 0
	c.running = false
	return true
}

// Expired reports whether the one-shot expiry has fired.
func (c *Countdown) Expired() bool { return c.expired }

// Running reports whether the countdown is moving.
func (c *Countdown) Running() bool { return c.running }

// Base returns the frozen or anchored base in seconds.
func (c *Countdown) Base() int { return c.base }

// EndSuppression ends the post-transition window. Session calls it from the
// first tick after a pause or resume.
func (c *Countdown) EndSuppression() { c.suppress = false }

// Suppressed reports whether Resync is currently blocked.
func (c *Countdown) Suppressed() bool { return c.suppress }
