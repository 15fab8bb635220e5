package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerConfirmAddsSentAmount(t *testing.T) {
	t.Parallel()
	l := NewLedger()
	q := uuid.New()
	l.Restore(q, 30)

	l.AccrueN(q, 10)
	sent := l.Delta(q)
	require.Equal(t, 10, sent)

	// Seconds accrued while the save is in flight must stay pending.
	l.AccrueN(q, 3)
	l.Confirm(q, sent)

	assert.Equal(t, 43, l.Current(q))
	assert.Equal(t, 40, l.Confirmed(q))
	assert.Equal(t, 3, l.Delta(q))
}

func TestLedgerMonotonic(t *testing.T) {
	t.Parallel()
	l := NewLedger()
	qs := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	for i, q := range qs {
		l.Restore(q, i*5)
		l.AccrueN(q, i+1)
		l.Confirm(q, 100)
		l.Accrue(q)
		l.Confirm(q, 0)
		l.Confirm(q, -4)
	}
	for _, q := range qs {
		assert.GreaterOrEqual(t, l.Current(q), l.Confirmed(q))
		assert.GreaterOrEqual(t, l.Delta(q), 0)
	}
}

func TestLedgerEnsureVisited(t *testing.T) {
	t.Parallel()
	l := NewLedger()
	fresh, timed := uuid.New(), uuid.New()
	l.AccrueN(timed, 4)

	assert.True(t, l.EnsureVisited(fresh))
	assert.Equal(t, 1, l.Current(fresh))
	assert.Equal(t, 1, l.Delta(fresh))

	assert.False(t, l.EnsureVisited(fresh))
	assert.False(t, l.EnsureVisited(timed))
	assert.Equal(t, 4, l.Current(timed))
}

func TestLedgerSums(t *testing.T) {
	t.Parallel()
	l := NewLedger()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	l.Restore(a, 40)
	l.Restore(b, 35)
	l.AccrueN(c, 25)

	assert.Equal(t, 75, l.Sum([]uuid.UUID{a, b}))
	assert.Equal(t, 100, l.Total())
}
