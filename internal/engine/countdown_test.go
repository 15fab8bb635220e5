package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestCountdownBaseFromLedger(t *testing.T) {
	t.Parallel()
	var c Countdown
	c.Reset(t0, 3600, 100)
	assert.Equal(t, 3500, c.Remaining(t0))
	assert.Equal(t, 3500, c.Base())
}

func TestCountdownDerivedBySubtraction(t *testing.T) {
	t.Parallel()
	var c Countdown
	c.Reset(t0, 600, 0)

	// Irregular sampling cannot drift the displayed value.
	assert.Equal(t, 599, c.Remaining(t0.Add(1300*time.Millisecond)))
	assert.Equal(t, 590, c.Remaining(t0.Add(10*time.Second)))
	assert.Equal(t, 0, c.Remaining(t0.Add(2*time.Hour)))
}

func TestCountdownPauseResumeKeepsBase(t *testing.T) {
	t.Parallel()
	var c Countdown
	c.Reset(t0, 600, 0)
	at := t0.Add(90 * time.Second)
	before := c.Remaining(at)

	c.Freeze(at)
	c.Thaw(at)

	assert.Equal(t, before, c.Base())
	assert.Equal(t, before, c.Remaining(at))
	assert.True(t, c.Suppressed())
}

func TestCountdownFrozenDoesNotMove(t *testing.T) {
	t.Parallel()
	var c Countdown
	c.Reset(t0, 600, 0)
	c.Freeze(t0.Add(60 * time.Second))

	assert.Equal(t, 540, c.Remaining(t0.Add(10*time.Minute)))

	c.Thaw(t0.Add(5 * time.Minute))
	assert.Equal(t, 530, c.Remaining(t0.Add(5*time.Minute+10*time.Second)))
}

func TestCountdownResyncSuppressed(t *testing.T) {
	t.Parallel()
	var c Countdown
	c.Reset(t0, 600, 0)
	at := t0.Add(30 * time.Second)
	c.Freeze(at)
	c.Thaw(at)

	require.False(t, c.Resync(at, 600, 45))
	assert.Equal(t, 570, c.Remaining(at))

	c.EndSuppression()
	require.True(t, c.Resync(at, 900, 30))
	assert.Equal(t, 870, c.Remaining(at))
}

func TestCountdownExpiryIsOneShot(t *testing.T) {
	t.Parallel()
	var c Countdown
	c.Reset(t0, 60, 0)

	assert.False(t, c.Check(t0.Add(59*time.Second)))
	assert.True(t, c.Check(t0.Add(60*time.Second)))
	assert.False(t, c.Check(t0.Add(61*time.Second)))
	assert.True(t, c.Expired())

	c.Thaw(t0.Add(70 * time.Second))
	assert.False(t, c.Running())
	assert.Equal(t, 0, c.Remaining(t0.Add(80*time.Second)))
}
