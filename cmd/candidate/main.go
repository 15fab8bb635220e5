package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/engine"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/storeclient"
)

// candidate is the terminal test runner. It starts or resumes an attempt
// and drives an engine session from the keyboard. Losing window focus or
// pressing a key outside the key map pauses the attempt.
func main() {
	var (
		testArg    string
		attemptArg string
		lang       string
		logFile    string
	)
	flag.StringVar(&testArg, "test", "", "Test ID to start (or resume) an attempt on")
	flag.StringVar(&attemptArg, "attempt", "", "Attempt ID to resume")
	flag.StringVar(&lang, "lang", "en", "Preferred question language")
	flag.StringVar(&logFile, "log-file", "candidate.log", "Log destination, - for stderr")
	flag.Parse()

	cfg := config.Load()

	var logOut io.Writer = os.Stderr
	if logFile != "-" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	log := logger.SetupTo(logOut, cfg.LogLevel, "json")

	if err := run(cfg, log, testArg, attemptArg, lang); err != nil {
		log.Error().Err(err).Msg("Candidate runner stopped")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger, testArg, attemptArg, lang string) error {
	if cfg.CandidateToken == "" {
		return errors.New("CANDIDATE_TOKEN is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := storeclient.New(cfg.StoreBaseURL, cfg.CandidateToken, cfg.StoreTimeout, log)

	state, err := openState(ctx, client, testArg, attemptArg)
	if err != nil {
		return err
	}
	if state.Attempt.Status.Terminal() {
		fmt.Printf("Attempt %s is already %s.\n", state.Attempt.ID, state.Attempt.Status)
		return nil
	}

	scr := newScreen(os.Stdout, lang, state, log)
	session, err := engine.Open(ctx, engine.Config{
		AttemptID:   state.Attempt.ID,
		Store:       client,
		Logger:      &log,
		Listener:    scr,
		GracePeriod: cfg.GracePeriod,
		Retry: &engine.RetryPolicy{
			MaxRetries:      uint64(cfg.SyncMaxRetries),
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     3 * time.Second,
			MaxElapsed:      cfg.SyncMaxElapsed,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open attempt session: %w", err)
	}
	scr.attach(session)

	fd := int(os.Stdin.Fd())
	restore, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("failed to enter raw mode: %w", err)
	}
	fmt.Print(focusReportingOn)
	defer func() {
		fmt.Print(focusReportingOff)
		_ = term.Restore(fd, restore)
		fmt.Println()
	}()

	interrupts := make(engine.ChannelSource, 8)
	runDone := make(chan error, 1)
	go func() { runDone <- session.Run(ctx, interrupts) }()

	keys := make(chan keyEvent, 32)
	go readKeys(os.Stdin, keys)

	r := &runner{ctx: ctx, session: session, screen: scr, client: client, interrupts: interrupts, log: log}
	scr.redraw()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-session.Done():
			break loop
		case err := <-runDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Session loop stopped")
			}
			break loop
		case k, ok := <-keys:
			if !ok || !r.handle(k) {
				break loop
			}
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("Some changes were not synced before exit")
		return fmt.Errorf("unsynced changes: %w", err)
	}
	return nil
}

// openState starts an attempt on a test or fetches an existing attempt.
func openState(ctx context.Context, client *storeclient.Client, testArg, attemptArg string) (*model.AttemptState, error) {
	switch {
	case attemptArg != "":
		id, err := uuid.Parse(attemptArg)
		if err != nil {
			return nil, fmt.Errorf("invalid attempt ID: %w", err)
		}
		return client.FetchAttempt(ctx, id)
	case testArg != "":
		id, err := uuid.Parse(testArg)
		if err != nil {
			return nil, fmt.Errorf("invalid test ID: %w", err)
		}
		return client.StartAttempt(ctx, id)
	}
	return nil, errors.New("one of -test or -attempt is required")
}

func readKeys(in io.Reader, out chan<- keyEvent) {
	defer close(out)
	buf := make([]byte, 64)
	for {
		n, err := in.Read(buf)
		for _, k := range parseKeys(buf[:n]) {
			out <- k
		}
		if err != nil {
			return
		}
	}
}

type runner struct {
	ctx        context.Context
	session    *engine.Session
	screen     *screen
	client     *storeclient.Client
	interrupts engine.ChannelSource
	log        zerolog.Logger

	keypressPaused bool
	confirmSubmit  bool
}

// handle applies one key. It returns false when the candidate quits.
func (r *runner) handle(k keyEvent) bool {
	switch k.kind {
	case keyInterrupt:
		return false
	case keyFocusOut:
		r.interrupt(model.PauseCauseVisibility, true)
		return true
	case keyFocusIn:
		r.interrupt(model.PauseCauseVisibility, false)
		return true
	case keyEnter:
		if r.keypressPaused {
			r.keypressPaused = false
			r.interrupt(model.PauseCauseKeypress, false)
		}
		return true
	case keyLeft:
		r.report(r.session.Previous())
		return true
	case keyRight:
		r.report(r.session.Next())
		return true
	case keyUnknown:
		r.disallowed()
		return true
	}

	if r.confirmSubmit {
		r.confirmSubmit = false
		if k.r == 'y' || k.r == 'Y' {
			r.report(r.session.ForceSubmit(r.ctx))
		} else {
			r.screen.flash("Submit cancelled.")
		}
		return true
	}

	q := r.session.Current()
	switch k.r {
	case 'q':
		return false
	case 'n':
		r.report(r.session.Next())
	case 'b':
		r.report(r.session.Previous())
	case 's':
		r.report(r.session.SaveAndNext())
	case 'c':
		r.report(r.session.Clear(q))
	case 'r':
		r.report(r.session.ToggleReview(q))
	case 'p':
		if snap := r.session.Snapshot(); snap.Paused {
			r.report(r.session.Resume())
		} else {
			r.report(r.session.Pause(model.PauseCauseManual))
		}
	case 'S':
		r.report(r.session.SubmitSection(r.ctx))
	case 'F':
		sum := r.session.Summary()
		r.confirmSubmit = true
		r.screen.flash("Answered %d, unanswered %d, marked %d. Submit? [y/N]", sum.Answered, sum.Unanswered, sum.Marked)
	case 'R':
		r.refresh()
	default:
		if k.r >= '1' && k.r <= '9' {
			r.choose(q, int(k.r-'1'))
			return true
		}
		r.disallowed()
	}
	return true
}

func (r *runner) choose(q uuid.UUID, index int) {
	option, ok := r.screen.option(q, index)
	if !ok {
		r.screen.flash("No option %d.", index+1)
		return
	}
	if err := r.session.Select(q, option); err != nil {
		r.report(err)
		return
	}
	r.screen.redraw()
}

func (r *runner) refresh() {
	state, err := r.client.FetchAttempt(r.ctx, r.session.Snapshot().AttemptID)
	if err != nil {
		r.report(err)
		return
	}
	r.screen.load(state)
	r.report(r.session.Refresh(r.ctx))
}

func (r *runner) disallowed() {
	r.keypressPaused = true
	r.interrupt(model.PauseCauseKeypress, true)
}

func (r *runner) interrupt(cause model.PauseCause, active bool) {
	select {
	case r.interrupts <- engine.Interruption{Cause: cause, Active: active}:
	case <-r.ctx.Done():
	}
}

func (r *runner) report(err error) {
	if err == nil {
		return
	}
	r.log.Debug().Err(err).Msg("Action refused")
	r.screen.flash("%v", err)
}
