package engine

import (
	"sort"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-attempt/internal/model"
)

// Sequencer orders questions and, for section-timed tests, decides which
// section is active and which sections are locked.
type Sequencer struct {
	test      model.Test
	sections  []model.Section
	order     []uuid.UUID
	index     map[uuid.UUID]int
	sectionOf map[uuid.UUID]uuid.UUID
	bySection map[uuid.UUID][]uuid.UUID

	active    uuid.UUID
	hasActive bool
	locked    map[uuid.UUID]bool
}

// NewSequencer orders questions by section order, then by position.
// Questions without a section sort after every sectioned question.
func NewSequencer(test model.Test, sections []model.Section, questions []model.Question) *Sequencer {
	s := &Sequencer{
		test:      test,
		index:     make(map[uuid.UUID]int, len(questions)),
		sectionOf: make(map[uuid.UUID]uuid.UUID, len(questions)),
		bySection: make(map[uuid.UUID][]uuid.UUID, len(sections)),
		locked:    make(map[uuid.UUID]bool),
	}

	if test.TimingMode != model.TimingModeNone {
		s.sections = append(s.sections, sections...)
		sort.SliceStable(s.sections, func(i, j int) bool { return s.sections[i].Order < s.sections[j].Order })
	}
	rank := make(map[uuid.UUID]int, len(s.sections))
	for i, sec := range s.sections {
		rank[sec.ID] = i
	}

	qs := append([]model.Question(nil), questions...)
	sectionRank := func(q model.Question) int {
		if q.SectionID != nil {
			if r, ok := rank[*q.SectionID]; ok {
				return r
			}
		}
		return len(s.sections)
	}
	sort.SliceStable(qs, func(i, j int) bool {
		ri, rj := sectionRank(qs[i]), sectionRank(qs[j])
		if ri != rj {
			return ri < rj
		}
		return qs[i].Position < qs[j].Position
	})

	for i, q := range qs {
		s.order = append(s.order, q.ID)
		s.index[q.ID] = i
		if q.SectionID != nil {
			if _, ok := rank[*q.SectionID]; ok {
				s.sectionOf[q.ID] = *q.SectionID
				s.bySection[*q.SectionID] = append(s.bySection[*q.SectionID], q.ID)
			}
		}
	}
	return s
}

// Sectioned reports whether sections carry their own hard countdown.
func (s *Sequencer) Sectioned() bool {
	return s.test.TimingMode == model.TimingModeSectioned && len(s.sections) > 0
}

// Questions returns every question in navigation order.
func (s *Sequencer) Questions() []uuid.UUID { return s.order }

// Contains reports whether q belongs to the test.
func (s *Sequencer) Contains(q uuid.UUID) bool {
	_, ok := s.index[q]
	return ok
}

// SectionOf returns the section owning q.
func (s *Sequencer) SectionOf(q uuid.UUID) (uuid.UUID, bool) {
	id, ok := s.sectionOf[q]
	return id, ok
}

// Active returns the active section of a section-timed test.
func (s *Sequencer) Active() (uuid.UUID, bool) {
	return s.active, s.hasActive
}

// Section looks up a section by id.
func (s *Sequencer) Section(id uuid.UUID) (model.Section, bool) {
	for _, sec := range s.sections {
		if sec.ID == id {
			return sec, true
		}
	}
	return model.Section{}, false
}

// Enter makes id the active section. Sections ordered before it are locked,
// since the store only reports a later section once earlier ones are done.
func (s *Sequencer) Enter(id uuid.UUID) error {
	if !s.Sectioned() {
		return ErrNotSectioned
	}
	pos := -1
	for i, sec := range s.sections {
		if sec.ID == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return ErrUnknownSection
	}
	for i := 0; i < pos; i++ {
		s.locked[s.sections[i].ID] = true
	}
	if s.locked[id] {
		return ErrSectionLocked
	}
	s.active = id
	s.hasActive = true
	return nil
}

// EnterFirstOpen activates the first section that is not locked.
func (s *Sequencer) EnterFirstOpen() error {
	for _, sec := range s.sections {
		if !s.locked[sec.ID] {
			return s.Enter(sec.ID)
		}
	}
	return ErrSectionLocked
}

// Lock marks a section as submitted.
func (s *Sequencer) Lock(id uuid.UUID) {
	s.locked[id] = true
	if s.hasActive && s.active == id {
		s.hasActive = false
	}
}

// Locked reports whether a section has been submitted.
func (s *Sequencer) Locked(id uuid.UUID) bool { return s.locked[id] }

// NextSection returns the first section after id that is not locked.
func (s *Sequencer) NextSection(id uuid.UUID) (uuid.UUID, bool) {
	after := false
	for _, sec := range s.sections {
		if after && !s.locked[sec.ID] {
			return sec.ID, true
		}
		if sec.ID == id {
			after = true
		}
	}
	return uuid.Nil, false
}

// IsLastSection reports whether no section follows id.
func (s *Sequencer) IsLastSection(id uuid.UUID) bool {
	return len(s.sections) > 0 && s.sections[len(s.sections)-1].ID == id
}

// Accessible reports whether q may be shown and edited.
func (s *Sequencer) Accessible(q uuid.UUID) error {
	if !s.Contains(q) {
		return ErrUnknownQuestion
	}
	if !s.Sectioned() {
		return nil
	}
	sec, ok := s.sectionOf[q]
	if !ok {
		return ErrOutsideSection
	}
	if s.locked[sec] {
		return ErrSectionLocked
	}
	if !s.hasActive || sec != s.active {
		return ErrOutsideSection
	}
	return nil
}

// Scope returns the questions that share q's navigable range: the active
// section for section-timed tests, otherwise every question.
func (s *Sequencer) Scope() []uuid.UUID {
	if s.Sectioned() {
		if !s.hasActive {
			return nil
		}
		return s.bySection[s.active]
	}
	return s.order
}

// group returns the questions grouped with q for review auto-advance.
func (s *Sequencer) group(q uuid.UUID) []uuid.UUID {
	if sec, ok := s.sectionOf[q]; ok {
		return s.bySection[sec]
	}
	if len(s.sections) == 0 {
		return s.order
	}
	var loose []uuid.UUID
	for _, id := range s.order {
		if _, ok := s.sectionOf[id]; !ok {
			loose = append(loose, id)
		}
	}
	return loose
}

// First returns the first question of the navigable range.
func (s *Sequencer) First() (uuid.UUID, bool) {
	scope := s.Scope()
	if len(scope) == 0 {
		return uuid.Nil, false
	}
	return scope[0], true
}

// Next returns the question after q. At the end of a non-final section of a
// section-timed test it returns ErrEndOfSection.
func (s *Sequencer) Next(q uuid.UUID) (uuid.UUID, error) {
	scope := s.Scope()
	i := indexOf(scope, q)
	if i < 0 {
		return uuid.Nil, ErrUnknownQuestion
	}
	if i+1 < len(scope) {
		return scope[i+1], nil
	}
	if s.Sectioned() && !s.IsLastSection(s.active) {
		return uuid.Nil, ErrEndOfSection
	}
	return uuid.Nil, ErrEndOfTest
}

// Previous returns the question before q.
func (s *Sequencer) Previous(q uuid.UUID) (uuid.UUID, error) {
	scope := s.Scope()
	i := indexOf(scope, q)
	if i < 0 {
		return uuid.Nil, ErrUnknownQuestion
	}
	if i == 0 {
		return uuid.Nil, ErrStartOfTest
	}
	return scope[i-1], nil
}

// NextInGroup returns the question after q within its own section. It
// reports false when q is the last question of its section.
func (s *Sequencer) NextInGroup(q uuid.UUID) (uuid.UUID, bool) {
	g := s.group(q)
	i := indexOf(g, q)
	if i < 0 || i+1 >= len(g) {
		return uuid.Nil, false
	}
	return g[i+1], true
}

// Position returns the 1-based position of q within the navigable range.
func (s *Sequencer) Position(q uuid.UUID) (int, int) {
	scope := s.Scope()
	return indexOf(scope, q) + 1, len(scope)
}

// DurationSeconds returns the duration of the active countdown.
func (s *Sequencer) DurationSeconds() int {
	if s.Sectioned() && s.hasActive {
		if sec, ok := s.Section(s.active); ok {
			return sec.DurationSeconds()
		}
	}
	return s.test.DurationSeconds()
}

func indexOf(ids []uuid.UUID, q uuid.UUID) int {
	for i, id := range ids {
		if id == q {
			return i
		}
	}
	return -1
}
