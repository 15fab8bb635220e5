package engine

import (
	"github.com/google/uuid"
)

// Answer is the per-question answer and review state. Local is what the
// candidate currently sees; Confirmed is the last value the store
// acknowledged.
type Answer struct {
	Local           *string
	Confirmed       *string
	Review          bool
	ConfirmedReview bool
	// committed marks Local as queued for a flush; an uncommitted local
	// choice is reverted when the candidate navigates away.
	committed bool
}

// AnswerSummary feeds the submit confirmation.
type AnswerSummary struct {
	Total             int `json:"total"`
	Answered          int `json:"answered"`
	Unanswered        int `json:"unanswered"`
	Marked            int `json:"marked"`
	AnsweredAndMarked int `json:"answered_and_marked"`
}

// AnswerBook holds Answer records by question. Not safe for concurrent use.
type AnswerBook struct {
	m map[uuid.UUID]*Answer
}

// NewAnswerBook returns an empty book.
func NewAnswerBook() *AnswerBook {
	return &AnswerBook{m: make(map[uuid.UUID]*Answer)}
}

func (b *AnswerBook) entry(q uuid.UUID) *Answer {
	a, ok := b.m[q]
	if !ok {
		a = &Answer{}
		b.m[q] = a
	}
	return a
}

// Restore seeds the record from the store's saved state.
func (b *AnswerBook) Restore(q uuid.UUID, selected *string, review bool) {
	a := b.entry(q)
	a.Local = cloneOption(selected)
	a.Confirmed = cloneOption(selected)
	a.Review = review
	a.ConfirmedReview = review
	a.committed = false
}

// Get returns a copy of the record for q.
func (b *AnswerBook) Get(q uuid.UUID) Answer {
	a := b.entry(q)
	out := *a
	out.Local = cloneOption(a.Local)
	out.Confirmed = cloneOption(a.Confirmed)
	return out
}

// Select records a local choice. No network call is implied.
func (b *AnswerBook) Select(q uuid.UUID, option string) {
	a := b.entry(q)
	a.Local = &option
	a.committed = false
}

// Commit marks the local choice as queued for the next flush.
func (b *AnswerBook) Commit(q uuid.UUID) {
	b.entry(q).committed = true
}

// Dirty reports whether anything differs from the acknowledged state.
func (b *AnswerBook) Dirty(q uuid.UUID) bool {
	a := b.entry(q)
	return !sameOption(a.Local, a.Confirmed) || a.Review != a.ConfirmedReview
}

// RevertUncommitted drops a local choice that never reached a save point.
// Returns true if Local changed.
func (b *AnswerBook) RevertUncommitted(q uuid.UUID) bool {
	a := b.entry(q)
	if a.committed || sameOption(a.Local, a.Confirmed) {
		return false
	}
	a.Local = cloneOption(a.Confirmed)
	return true
}

// Confirm records a successful save of the given values.
func (b *AnswerBook) Confirm(q uuid.UUID, sent *string, review bool) {
	a := b.entry(q)
	a.Confirmed = cloneOption(sent)
	a.ConfirmedReview = review
	if sameOption(a.Local, sent) {
		a.committed = false
	}
}

// BeginClear optimistically clears both views and returns the previous
// confirmed value for rollback.
func (b *AnswerBook) BeginClear(q uuid.UUID) *string {
	a := b.entry(q)
	prev := cloneOption(a.Confirmed)
	a.Local = nil
	a.Confirmed = nil
	a.committed = false
	return prev
}

// RollbackClear restores prev if nothing has overwritten the cleared state
// in the meantime.
func (b *AnswerBook) RollbackClear(q uuid.UUID, prev *string) {
	a := b.entry(q)
	if a.Confirmed == nil {
		a.Confirmed = cloneOption(prev)
	}
	if a.Local == nil {
		a.Local = cloneOption(prev)
	}
}

// SetReview sets the local review flag.
func (b *AnswerBook) SetReview(q uuid.UUID, marked bool) {
	b.entry(q).Review = marked
}

// ConfirmReview records that the store acknowledged the review flag.
func (b *AnswerBook) ConfirmReview(q uuid.UUID, marked bool) {
	b.entry(q).ConfirmedReview = marked
}

// RollbackReview undoes a failed toggle to attempted, unless a later toggle
// already changed the flag again.
func (b *AnswerBook) RollbackReview(q uuid.UUID, attempted bool) {
	a := b.entry(q)
	if a.Review == attempted {
		a.Review = !attempted
	}
}

// Summary counts answered, unanswered and marked questions among qs.
func (b *AnswerBook) Summary(qs []uuid.UUID) AnswerSummary {
	s := AnswerSummary{Total: len(qs)}
	for _, q := range qs {
		a := b.entry(q)
		answered := a.Local != nil
		if answered {
			s.Answered++
		} else {
			s.Unanswered++
		}
		if a.Review {
			s.Marked++
			if answered {
				s.AnsweredAndMarked++
			}
		}
	}
	return s
}

func cloneOption(o *string) *string {
	if o == nil {
		return nil
	}
	v := *o
	return &v
}

func sameOption(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
