// Package polling resolves a backend-issued OAuth session to exactly one
// outcome by querying its status on a fixed tick while watching the
// authorization window.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shomar-security/shomar-cli/internal/api"
	"github.com/shomar-security/shomar-cli/internal/clock"
)

// Defaults for Config
const (
	DefaultInterval     = 1200 * time.Millisecond
	DefaultTimeout      = 3 * time.Minute
	DefaultCloseGrace   = 15 * time.Second
	DefaultMissingGrace = 20 * time.Second
	DefaultMaxMissing   = 150
)

// State is the poller lifecycle state
type State int

const (
	StatePolling State = iota
	StateSucceeded
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state is final
func (s State) Terminal() bool {
	return s != StatePolling
}

// AttemptOutcome classifies one status query
type AttemptOutcome int

const (
	OutcomeStillPending AttemptOutcome = iota
	OutcomeTerminalSession
	OutcomeRecoverableError
	OutcomeFatalError
)

func (o AttemptOutcome) String() string {
	switch o {
	case OutcomeStillPending:
		return "still_pending"
	case OutcomeTerminalSession:
		return "terminal_session"
	case OutcomeRecoverableError:
		return "recoverable_error"
	case OutcomeFatalError:
		return "fatal_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Attempt records a single poll tick
type Attempt struct {
	At      time.Time
	Number  int
	Outcome AttemptOutcome
	Err     error
}

// StatusFetcher queries the backend for a session snapshot
type StatusFetcher interface {
	GetSessionStatus(ctx context.Context, sessionID string) (*api.Session, error)
}

// Liveness is the poller's only view of the authorization window. The window
// itself stays with its owner; either callback may be nil.
type Liveness struct {
	IsOpen func() bool
	Close  func()
}

// Config tunes a Poller. Zero values take the package defaults.
type Config struct {
	Interval     time.Duration
	Timeout      time.Duration
	CloseGrace   time.Duration
	MissingGrace time.Duration
	MaxMissing   int

	Clock  clock.Clock
	Logger *zap.Logger

	// OnAttempt, when set, is called after every status query
	OnAttempt func(Attempt)
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.MissingGrace <= 0 {
		c.MissingGrace = DefaultMissingGrace
	}
	if c.MaxMissing <= 0 {
		c.MaxMissing = DefaultMaxMissing
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Result is the single outcome of a poll
type Result struct {
	SessionID string
	State     State
	// Session is the last snapshot observed, if any
	Session  *api.Session
	Attempts int
	Message  string
	Elapsed  time.Duration
}

// ErrAlreadyStarted is returned when Wait is called twice on one Poller
var ErrAlreadyStarted = errors.New("poller already started")

// Poller drives one session to a terminal state. A Poller is single use.
type Poller struct {
	fetcher StatusFetcher
	cfg     Config

	started   atomic.Bool
	cancelled atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once

	mu        sync.Mutex
	stopFetch context.CancelFunc
}

// New creates a Poller
func New(fetcher StatusFetcher, cfg Config) *Poller {
	return &Poller{
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		done:    make(chan struct{}),
	}
}

// Cancel stops the poll. Wait settles Cancelled without closing the window
// and any in-flight status response is discarded. Safe to call repeatedly
// and from any goroutine.
func (p *Poller) Cancel() {
	p.cancelled.Store(true)
	p.doneOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	stop := p.stopFetch
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// run holds the mutable state of one Wait call
type run struct {
	sessionID string
	live      Liveness

	start       time.Time
	deadline    time.Time
	closedSince time.Time

	missing      int
	missingSince time.Time

	attempts int
	last     *api.Session
}

// Wait polls sessionID until it reaches a terminal state. It returns the
// Result together with a typed error for every state but Succeeded.
func (p *Poller) Wait(ctx context.Context, sessionID string, live Liveness) (*Result, error) {
	if !p.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	if sessionID == "" {
		return nil, &api.ValidationError{Message: "session id is required"}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.stopFetch = cancel
	p.mu.Unlock()

	clk := p.cfg.Clock
	log := p.cfg.Logger.With(zap.String("session_id", sessionID))

	r := &run{sessionID: sessionID, live: live, start: clk.Now()}
	r.deadline = r.start.Add(p.cfg.Timeout)

	log.Debug("polling started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("timeout", p.cfg.Timeout))

	for {
		if p.stopped(ctx) {
			return p.cancel(r, log)
		}

		wait := p.cfg.Interval
		if remaining := r.deadline.Sub(clk.Now()); remaining < wait {
			wait = max(remaining, 0)
		}
		timer := clk.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.cancel(r, log)
		case <-p.done:
			timer.Stop()
			return p.cancel(r, log)
		case <-timer.C():
		}

		if p.stopped(ctx) {
			return p.cancel(r, log)
		}

		now := clk.Now()

		if !r.windowOpen() {
			if r.closedSince.IsZero() {
				r.closedSince = now
				log.Debug("window reported closed")
			}
			if now.Sub(r.closedSince) > p.cfg.CloseGrace {
				return p.finish(r, StateCancelled, "connection cancelled by user",
					&UserCancelledError{SessionID: sessionID, WindowClosed: true}, log)
			}
		} else {
			r.closedSince = time.Time{}
		}

		if !now.Before(r.deadline) {
			return p.finish(r, StateTimedOut, "timed out waiting for authorization",
				&TimeoutError{SessionID: sessionID, Timeout: p.cfg.Timeout}, log)
		}

		// A request still running at the deadline is abandoned
		fetchCtx, cancelFetch := context.WithTimeout(ctx, r.deadline.Sub(now))
		session, err := p.fetcher.GetSessionStatus(fetchCtx, sessionID)
		expired := errors.Is(fetchCtx.Err(), context.DeadlineExceeded)
		cancelFetch()
		if p.stopped(ctx) {
			// Late response after cancellation, drop it
			return p.cancel(r, log)
		}
		r.attempts++

		if err != nil && expired {
			log.Debug("status request outlived the deadline", zap.Error(err))
			return p.finish(r, StateTimedOut, "timed out waiting for authorization",
				&TimeoutError{SessionID: sessionID, Timeout: p.cfg.Timeout}, log)
		}

		if res, err := p.apply(r, clk.Now(), session, err, log); res != nil {
			return res, err
		}
	}
}

// apply evaluates one status response. A nil Result means keep polling.
func (p *Poller) apply(r *run, now time.Time, session *api.Session, err error, log *zap.Logger) (*Result, error) {
	attempt := Attempt{At: now, Number: r.attempts, Err: err}

	if err == nil {
		if session == nil {
			session = &api.Session{SessionID: r.sessionID, Status: api.SessionPending}
		}
		r.last = session

		if !session.Status.IsTerminal() {
			attempt.Outcome = OutcomeStillPending
			p.report(attempt)
			r.missing = 0
			r.missingSince = time.Time{}
			return nil, nil
		}

		attempt.Outcome = OutcomeTerminalSession
		p.report(attempt)
		if session.Succeeded() {
			return p.finish(r, StateSucceeded, "", nil, log)
		}
		failure := &SessionFailedError{Session: session}
		return p.finish(r, StateFailed, failure.Reason(), failure, log)
	}

	var notFound *api.NotFoundError
	var validation *api.ValidationError
	switch {
	case errors.As(err, &notFound):
		attempt.Outcome = OutcomeRecoverableError
		p.report(attempt)

		r.missing++
		if r.missingSince.IsZero() {
			r.missingSince = now
		}
		log.Debug("session not visible yet",
			zap.Int("consecutive", r.missing),
			zap.String("message", notFound.Message))

		if notFound.Expired() || r.missing >= p.cfg.MaxMissing || now.Sub(r.missingSince) > p.cfg.MissingGrace {
			return p.finish(r, StateFailed, "session not found or expired",
				&api.NotFoundError{StatusCode: notFound.StatusCode, Message: "session not found or expired"}, log)
		}
		return nil, nil

	case errors.As(err, &validation):
		attempt.Outcome = OutcomeFatalError
		p.report(attempt)
		return p.finish(r, StateFailed, validation.Message, validation, log)

	default:
		attempt.Outcome = OutcomeRecoverableError
		p.report(attempt)
		log.Debug("status check failed, retrying", zap.Error(err))
		return nil, nil
	}
}

func (p *Poller) report(a Attempt) {
	if p.cfg.OnAttempt != nil {
		p.cfg.OnAttempt(a)
	}
}

// finish settles a terminal state and closes the window
func (p *Poller) finish(r *run, state State, message string, err error, log *zap.Logger) (*Result, error) {
	r.closeWindow()

	res := r.result(state, message, p.cfg.Clock.Now())
	if err != nil {
		log.Info("polling finished", zap.Stringer("state", state), zap.Int("attempts", r.attempts), zap.Error(err))
	} else {
		log.Info("polling finished", zap.Stringer("state", state), zap.Int("attempts", r.attempts))
	}
	return res, err
}

// cancel settles Cancelled without touching the window
func (p *Poller) cancel(r *run, log *zap.Logger) (*Result, error) {
	log.Info("polling cancelled", zap.Int("attempts", r.attempts))
	return r.result(StateCancelled, "connection cancelled", p.cfg.Clock.Now()),
		&UserCancelledError{SessionID: r.sessionID}
}

func (p *Poller) stopped(ctx context.Context) bool {
	return p.cancelled.Load() || ctx.Err() != nil
}

func (r *run) windowOpen() bool {
	if r.live.IsOpen == nil {
		return true
	}
	return r.live.IsOpen()
}

// closeWindow requests a best-effort close; a failing close is ignored
func (r *run) closeWindow() {
	if r.live.Close == nil {
		return
	}
	defer func() { _ = recover() }()
	r.live.Close()
}

func (r *run) result(state State, message string, now time.Time) *Result {
	return &Result{
		SessionID: r.sessionID,
		State:     state,
		Session:   r.last,
		Attempts:  r.attempts,
		Message:   message,
		Elapsed:   now.Sub(r.start),
	}
}
