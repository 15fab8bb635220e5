package engine

import (
	"github.com/google/uuid"
)

// Ledger is the per-question elapsed-time cache. It keeps two views: the
// seconds the store has acknowledged (confirmed) and the seconds known
// locally (current). current >= confirmed always holds, and the difference
// is exactly what the next sync must send.
//
// Ledger is not safe for concurrent use; Session guards it.
type Ledger struct {
	current   map[uuid.UUID]int
	confirmed map[uuid.UUID]int
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		current:   make(map[uuid.UUID]int),
		confirmed: make(map[uuid.UUID]int),
	}
}

// Restore seeds both views from the store's saved time.
func (l *Ledger) Restore(q uuid.UUID, seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	l.current[q] = seconds
	l.confirmed[q] = seconds
}

// Accrue adds one second to q.
func (l *Ledger) Accrue(q uuid.UUID) {
	l.AccrueN(q, 1)
}

// AccrueN adds n seconds to q.
func (l *Ledger) AccrueN(q uuid.UUID, n int) {
	if n <= 0 {
		return
	}
	l.current[q] += n
}

// Current returns the locally known seconds for q.
func (l *Ledger) Current(q uuid.UUID) int { return l.current[q] }

// Confirmed returns the store-acknowledged seconds for q.
func (l *Ledger) Confirmed(q uuid.UUID) int { return l.confirmed[q] }

// Delta returns the seconds not yet acknowledged for q.
func (l *Ledger) Delta(q uuid.UUID) int {
	return l.current[q] - l.confirmed[q]
}

// Confirm records that the store acknowledged sent seconds for q. It adds to
// the confirmed view rather than copying current, so seconds accrued while
// the call was in flight stay pending.
func (l *Ledger) Confirm(q uuid.UUID, sent int) {
	if sent <= 0 {
		return
	}
	c := l.confirmed[q] + sent
	if c > l.current[q] {
		c = l.current[q]
	}
	l.confirmed[q] = c
}

// EnsureVisited registers one second for a question that was visited but
// never timed, so the store can tell it apart from an unvisited one.
// Returns true if the second was added.
func (l *Ledger) EnsureVisited(q uuid.UUID) bool {
	if l.current[q] == 0 && l.confirmed[q] == 0 {
		l.current[q] = 1
		return true
	}
	return false
}

// Sum returns the current seconds over qs.
func (l *Ledger) Sum(qs []uuid.UUID) int {
	total := 0
	for _, q := range qs {
		total += l.current[q]
	}
	return total
}

// Total returns the current seconds over every question.
func (l *Ledger) Total() int {
	total := 0
	for _, s := range l.current {
		total += s
	}
	return total
}
