package engine

import (
	"errors"
)

// Store-side failures. AttemptStore implementations wrap these so the
// dispatcher can tell permanent rejections from transient outages.
var (
	ErrConflict = errors.New("attempt store: conflict")
	ErrNotFound = errors.New("attempt store: not found")
	ErrRejected = errors.New("attempt store: request rejected")
)

// Session-side failures.
var (
	ErrSessionClosed     = errors.New("attempt session is closed")
	ErrGraceActive       = errors.New("auto-submit grace countdown is running")
	ErrSubmitInProgress  = errors.New("a submission is already in flight")
	ErrSubmitFailed      = errors.New("submission failed, retry is safe")
	ErrSectionLocked     = errors.New("section is already submitted")
	ErrOutsideSection    = errors.New("question belongs to a section that is not active")
	ErrEndOfSection      = errors.New("last question of the section, submit the section to continue")
	ErrEndOfTest         = errors.New("no further questions")
	ErrStartOfTest       = errors.New("no previous question")
	ErrNotSectioned      = errors.New("test has no section-wise timing")
	ErrUnknownQuestion   = errors.New("unknown question")
	ErrUnknownSection    = errors.New("unknown section")
	ErrNotActiveQuestion = errors.New("question is not the active question")
	ErrUnknownOption     = errors.New("unknown option")
	ErrDispatcherStopped = errors.New("sync dispatcher stopped")
)

// permanent reports whether retrying err can never succeed.
func permanent(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrRejected)
}
