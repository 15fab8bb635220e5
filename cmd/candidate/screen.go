package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-attempt/internal/engine"
	"github.com/stemsi/exstem-attempt/internal/model"
)

const helpLine = "[←/→] move  [1-9] choose  [s] save+next  [c] clear  [r] review  [p] pause  [S] end section  [F] finish  [q] quit"

// screen renders session events to the terminal. The terminal is in raw
// mode, so every line ends in CRLF.
type screen struct {
	mu        sync.Mutex
	out       io.Writer
	log       zerolog.Logger
	lang      string
	questions map[uuid.UUID]model.Question
	session   *engine.Session
	notice    string
}

func newScreen(out io.Writer, lang string, state *model.AttemptState, log zerolog.Logger) *screen {
	s := &screen{out: out, log: log, lang: lang}
	s.load(state)
	return s
}

// load replaces the question content used for rendering.
func (s *screen) load(state *model.AttemptState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions = make(map[uuid.UUID]model.Question, len(state.Questions))
	for _, q := range state.Questions {
		s.questions[q.ID] = q
	}
}

// option returns the option ID at index for question q.
func (s *screen) option(q uuid.UUID, index int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts := s.questions[q].OptionIDs
	if index < 0 || index >= len(opts) {
		return "", false
	}
	return opts[index], true
}

func (s *screen) attach(session *engine.Session) {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
}

// OnEvent implements engine.Listener. Failed background saves stay off the
// screen; the next call resends their time.
func (s *screen) OnEvent(e engine.Event) {
	if e.Kind == engine.EventSyncFailed {
		s.log.Warn().Err(e.Err).Str("question_id", e.QuestionID.String()).Msg("Background sync failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return
	}
	switch e.Kind {
	case engine.EventTick, engine.EventGrace:
		s.statusLocked()
	case engine.EventResumed:
		s.notice = ""
		s.statusLocked()
	case engine.EventQuestionChanged, engine.EventRefreshed, engine.EventSectionChanged:
		s.questionLocked()
	case engine.EventPaused:
		s.notice = fmt.Sprintf("Paused (%s). Press p to resume.", e.Cause)
		if e.Cause == model.PauseCauseKeypress {
			s.notice = "Paused: disallowed key. Press Enter to continue."
		}
		s.statusLocked()
	case engine.EventExpired:
		s.notice = "Time is up. Submitting shortly, press F to submit now."
		s.statusLocked()
	case engine.EventAnswerReverted:
		s.notice = "Unsaved choice discarded."
	case engine.EventRolledBack:
		s.notice = fmt.Sprintf("Change rolled back: %v", e.Err)
		s.questionLocked()
	case engine.EventSubmitFailed:
		s.notice = fmt.Sprintf("Submit failed, press F to retry: %v", e.Err)
		s.statusLocked()
	case engine.EventSubmitted:
		fmt.Fprintf(s.out, "\r\n\r\nAttempt closed with status %s.\r\n", e.Status)
	}
}

// flash shows a one-off message on the status line.
func (s *screen) flash(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notice = fmt.Sprintf(format, args...)
	if s.session != nil {
		s.statusLocked()
	}
}

// redraw renders the active question from scratch.
func (s *screen) redraw() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.questionLocked()
	}
}

func (s *screen) questionLocked() {
	snap := s.session.Snapshot()
	var b strings.Builder
	b.WriteString("\x1b[2J\x1b[H")
	fmt.Fprintf(&b, "Question %d of %d", snap.Position, snap.Total)
	if snap.SectionID != nil {
		fmt.Fprintf(&b, "  (section %s)", snap.SectionID.String()[:8])
	}
	if snap.Marked {
		b.WriteString("  [marked for review]")
	}
	b.WriteString("\r\n\r\n")

	q, ok := s.questions[snap.QuestionID]
	if !ok {
		b.WriteString("(question content unavailable, press R to reload)\r\n")
	} else {
		b.WriteString(strings.ReplaceAll(pickContent(q.Content, s.lang), "\n", "\r\n"))
		b.WriteString("\r\n\r\n")
		for i, opt := range q.OptionIDs {
			mark := " "
			if snap.Selected != nil && *snap.Selected == opt {
				mark = "x"
			}
			fmt.Fprintf(&b, "  [%s] %d. %s\r\n", mark, i+1, opt)
		}
	}
	b.WriteString("\r\n" + helpLine + "\r\n\r\n")
	fmt.Fprint(s.out, b.String())
	s.statusLocked()
}

func (s *screen) statusLocked() {
	snap := s.session.Snapshot()
	line := fmt.Sprintf("Time left %s  spent here %s", clock(snap.Remaining), clock(snap.TimeSpent))
	switch {
	case snap.Expired:
		line = fmt.Sprintf("Auto-submit in %ds", snap.GraceRemaining)
	case snap.Paused:
		line += "  PAUSED"
	}
	if s.notice != "" {
		line += "  | " + s.notice
	}
	fmt.Fprintf(s.out, "\r\x1b[2K%s", line)
}

// pickContent chooses the rendition in lang, falling back to the first
// text rendition and then to whatever is present.
func pickContent(content []model.QuestionContent, lang string) string {
	var fallback *model.QuestionContent
	for i := range content {
		c := &content[i]
		if c.Language == lang {
			return renderContent(*c)
		}
		if fallback == nil || (fallback.Kind != model.ContentKindText && c.Kind == model.ContentKindText) {
			fallback = c
		}
	}
	if fallback == nil {
		return "(no content)"
	}
	return renderContent(*fallback)
}

func renderContent(c model.QuestionContent) string {
	if c.Kind == model.ContentKindText {
		return c.Body
	}
	return fmt.Sprintf("[rich content, %d bytes]", len(c.Raw))
}

func clock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
}
