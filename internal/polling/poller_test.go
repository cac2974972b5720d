package polling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shomar-security/shomar-cli/internal/api"
	"github.com/shomar-security/shomar-cli/internal/clock"
	"github.com/shomar-security/shomar-cli/internal/window"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type step struct {
	session *api.Session
	err     error
}

func pending() step {
	return step{session: &api.Session{SessionID: "sess-1", Status: api.SessionPending}}
}

func status(s api.SessionStatus) step {
	return step{session: &api.Session{SessionID: "sess-1", Provider: "github", Status: s}}
}

func missing() step {
	return step{err: &api.NotFoundError{StatusCode: 404, Message: "session not found"}}
}

func fatal() step {
	return step{err: &api.ValidationError{StatusCode: 400, Message: "bad session id"}}
}

func transient() step {
	return step{err: &api.TransportError{StatusCode: 503, Message: "unavailable"}}
}

// scriptedFetcher replays steps in order and repeats the last one forever
type scriptedFetcher struct {
	mu     sync.Mutex
	steps  []step
	calls  int
	onCall func(n int)
}

func (f *scriptedFetcher) GetSessionStatus(ctx context.Context, sessionID string) (*api.Session, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	s := pending()
	if len(f.steps) > 0 {
		s = f.steps[min(n, len(f.steps))-1]
	}
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return s.session, s.err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func liveness(w *window.MockWindow) Liveness {
	return Liveness{IsOpen: w.IsOpen, Close: w.Close}
}

func newTestPoller(t *testing.T, f StatusFetcher, cfg Config) (*Poller, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFake(epoch)
	if cfg.Interval == 0 {
		cfg.Interval = time.Second
	}
	cfg.Clock = clk
	cfg.Logger = zaptest.NewLogger(t)
	return New(f, cfg), clk
}

func TestWait_SucceedsOnTerminalStatus(t *testing.T) {
	tests := []struct {
		name  string
		steps []step
	}{
		{"immediate authorized", []step{status(api.SessionAuthorized)}},
		{"pending then completed", []step{pending(), pending(), status(api.SessionCompleted)}},
		{"missing then authorized", []step{missing(), missing(), pending(), status(api.SessionAuthorized)}},
		{"transient then completed", []step{transient(), pending(), transient(), status(api.SessionCompleted)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &scriptedFetcher{steps: tt.steps}
			p, clk := newTestPoller(t, f, Config{})
			w := window.NewMockWindow()

			res, err := p.Wait(context.Background(), "sess-1", liveness(w))
			require.NoError(t, err)
			assert.Equal(t, StateSucceeded, res.State)
			assert.Equal(t, len(tt.steps), res.Attempts)
			assert.Equal(t, len(tt.steps), f.Calls())
			assert.Equal(t, time.Duration(len(tt.steps))*time.Second, res.Elapsed)
			assert.Equal(t, epoch.Add(res.Elapsed), clk.Now())
			require.NotNil(t, res.Session)
			assert.True(t, res.Session.Succeeded())

			// Window closed exactly once
			assert.Equal(t, 1, w.Closes())
		})
	}
}

func TestWait_TerminalFailure(t *testing.T) {
	no := false
	tests := []struct {
		name    string
		session *api.Session
		reason  string
	}{
		{
			name:    "failed status",
			session: &api.Session{Status: api.SessionFailed},
			reason:  "authorization was not completed",
		},
		{
			name:    "expired status",
			session: &api.Session{Status: api.SessionExpired},
			reason:  "session expired",
		},
		{
			name:    "authorized but success false",
			session: &api.Session{Status: api.SessionAuthorized, Success: &no},
			reason:  "authorization was denied",
		},
		{
			name:    "completed with error message",
			session: &api.Session{Status: api.SessionCompleted, ErrorMessage: "access_denied"},
			reason:  "access_denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &scriptedFetcher{steps: []step{pending(), {session: tt.session}}}
			p, _ := newTestPoller(t, f, Config{})
			w := window.NewMockWindow()

			res, err := p.Wait(context.Background(), "sess-1", liveness(w))
			var failed *SessionFailedError
			require.ErrorAs(t, err, &failed)
			assert.Equal(t, tt.reason, failed.Reason())
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, tt.reason, res.Message)
			assert.Equal(t, 1, w.Closes())
		})
	}
}

func TestWait_MissingIndefinitelyTimesOut(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		timeout  time.Duration
		attempts int
	}{
		{"interval divides timeout", time.Second, 30 * time.Second, 29},
		{"last tick clamped to deadline", 7 * time.Second, 30 * time.Second, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen []time.Duration
			f := &scriptedFetcher{steps: []step{missing()}}
			p, clk := newTestPoller(t, f, Config{
				Interval:     tt.interval,
				Timeout:      tt.timeout,
				MissingGrace: time.Hour,
				MaxMissing:   1_000_000,
			})
			f.onCall = func(int) { seen = append(seen, clk.Now().Sub(epoch)) }
			w := window.NewMockWindow()

			res, err := p.Wait(context.Background(), "sess-1", liveness(w))
			var timeout *TimeoutError
			require.ErrorAs(t, err, &timeout)
			assert.Equal(t, StateTimedOut, res.State)
			assert.Equal(t, tt.timeout, res.Elapsed, "must time out exactly at the deadline")
			assert.Equal(t, tt.attempts, res.Attempts)
			for _, at := range seen {
				assert.Less(t, at, tt.timeout)
			}
			assert.Equal(t, 1, w.Closes())
		})
	}
}

func TestWait_WindowClosedCancels(t *testing.T) {
	f := &scriptedFetcher{}
	p, _ := newTestPoller(t, f, Config{CloseGrace: 15 * time.Second})
	w := window.NewMockWindow()
	w.SetClosed()

	res, err := p.Wait(context.Background(), "sess-1", liveness(w))
	var cancelled *UserCancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.True(t, cancelled.WindowClosed)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, "connection cancelled by user", res.Message)

	// First seen closed at 1s, cancelled once closed for longer than 15s
	assert.Equal(t, 17*time.Second, res.Elapsed)
	assert.Equal(t, 16, f.Calls())
	assert.Equal(t, 1, w.Closes())
}

func TestWait_WindowBrieflyClosed(t *testing.T) {
	var mu sync.Mutex
	checks := 0
	live := Liveness{
		IsOpen: func() bool {
			mu.Lock()
			defer mu.Unlock()
			checks++
			// Reports closed during a redirect chain, then open again
			return checks < 3 || checks > 10
		},
	}

	f := &scriptedFetcher{steps: []step{
		pending(), pending(), pending(), pending(), pending(), pending(),
		pending(), pending(), pending(), pending(), pending(), pending(),
		status(api.SessionAuthorized),
	}}
	p, _ := newTestPoller(t, f, Config{CloseGrace: 15 * time.Second})

	res, err := p.Wait(context.Background(), "sess-1", live)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
}

func TestWait_ClosedWindowStillResolvesTerminalStatus(t *testing.T) {
	f := &scriptedFetcher{steps: []step{pending(), status(api.SessionAuthorized)}}
	p, _ := newTestPoller(t, f, Config{})
	w := window.NewMockWindow()
	w.SetClosed()

	res, err := p.Wait(context.Background(), "sess-1", liveness(w))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
}

func TestWait_FatalErrorFailsOnNextTick(t *testing.T) {
	f := &scriptedFetcher{steps: []step{fatal()}}
	p, _ := newTestPoller(t, f, Config{MissingGrace: time.Hour, Timeout: time.Hour})
	w := window.NewMockWindow()

	res, err := p.Wait(context.Background(), "sess-1", liveness(w))
	var validation *api.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, 400, validation.StatusCode)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, time.Second, res.Elapsed)
	assert.Equal(t, 1, w.Closes())
}

func TestWait_MaxConsecutiveMissing(t *testing.T) {
	f := &scriptedFetcher{steps: []step{missing()}}
	p, _ := newTestPoller(t, f, Config{MaxMissing: 5, MissingGrace: time.Hour, Timeout: time.Hour})
	w := window.NewMockWindow()

	res, err := p.Wait(context.Background(), "sess-1", liveness(w))
	var notFound *api.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.True(t, notFound.Expired())
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "session not found or expired", res.Message)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, 1, w.Closes())
}

func TestWait_MissingCounterResetsOnPending(t *testing.T) {
	steps := []step{missing(), missing(), missing(), missing(), pending()}
	steps = append(steps, missing(), missing(), missing(), missing(), status(api.SessionCompleted))

	f := &scriptedFetcher{steps: steps}
	p, _ := newTestPoller(t, f, Config{MaxMissing: 5, MissingGrace: time.Hour})

	res, err := p.Wait(context.Background(), "sess-1", liveness(window.NewMockWindow()))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 10, res.Attempts)
}

func TestWait_MissingGraceElapsed(t *testing.T) {
	f := &scriptedFetcher{steps: []step{pending(), missing()}}
	p, _ := newTestPoller(t, f, Config{MissingGrace: 3 * time.Second, MaxMissing: 1000})

	res, err := p.Wait(context.Background(), "sess-1", liveness(window.NewMockWindow()))
	var notFound *api.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, StateFailed, res.State)

	// Streak starts at 2s, grace exceeded at 6s
	assert.Equal(t, 6, res.Attempts)
	assert.Equal(t, 6*time.Second, res.Elapsed)
}

func TestWait_ExplicitExpiryFailsImmediately(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{err: &api.NotFoundError{StatusCode: 404, Message: "OAuth session expired"}}}}
	p, _ := newTestPoller(t, f, Config{MissingGrace: time.Hour})

	res, err := p.Wait(context.Background(), "sess-1", liveness(window.NewMockWindow()))
	var notFound *api.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, res.Attempts)
}

func TestWait_CancelDiscardsInFlightResponse(t *testing.T) {
	f := &scriptedFetcher{steps: []step{pending(), status(api.SessionAuthorized)}}
	p, _ := newTestPoller(t, f, Config{})
	f.onCall = func(n int) {
		if n == 2 {
			p.Cancel()
		}
	}
	w := window.NewMockWindow()

	res, err := p.Wait(context.Background(), "sess-1", liveness(w))
	var cancelled *UserCancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.False(t, cancelled.WindowClosed)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, 1, res.Attempts, "late response must not be counted")
	require.NotNil(t, res.Session)
	assert.Equal(t, api.SessionPending, res.Session.Status)

	// Cancellation leaves the window to its owner
	assert.Equal(t, 0, w.Closes())

	// Repeated cancel is harmless
	p.Cancel()
}

func TestWait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &scriptedFetcher{}
	p, _ := newTestPoller(t, f, Config{})
	w := window.NewMockWindow()

	res, err := p.Wait(ctx, "sess-1", liveness(w))
	var cancelled *UserCancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, 0, f.Calls())
	assert.Equal(t, 0, w.Closes())
}

func TestWait_CancelBeforeStart(t *testing.T) {
	f := &scriptedFetcher{}
	p, _ := newTestPoller(t, f, Config{})
	p.Cancel()

	res, err := p.Wait(context.Background(), "sess-1", Liveness{})
	require.Error(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, 0, f.Calls())
}

func TestWait_SingleUse(t *testing.T) {
	f := &scriptedFetcher{steps: []step{status(api.SessionAuthorized)}}
	p, _ := newTestPoller(t, f, Config{})

	_, err := p.Wait(context.Background(), "sess-1", Liveness{})
	require.NoError(t, err)

	_, err = p.Wait(context.Background(), "sess-1", Liveness{})
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestWait_EmptySessionID(t *testing.T) {
	p, _ := newTestPoller(t, &scriptedFetcher{}, Config{})
	_, err := p.Wait(context.Background(), "", Liveness{})
	var validation *api.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestWait_CloseIsBestEffort(t *testing.T) {
	f := &scriptedFetcher{steps: []step{status(api.SessionAuthorized)}}
	p, _ := newTestPoller(t, f, Config{})

	live := Liveness{Close: func() { panic("cross-origin close") }}
	res, err := p.Wait(context.Background(), "sess-1", live)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
}

func TestWait_ReportsAttempts(t *testing.T) {
	var outcomes []AttemptOutcome
	f := &scriptedFetcher{steps: []step{missing(), transient(), pending(), status(api.SessionCompleted)}}
	p, _ := newTestPoller(t, f, Config{
		OnAttempt: func(a Attempt) { outcomes = append(outcomes, a.Outcome) },
	})

	_, err := p.Wait(context.Background(), "sess-1", Liveness{})
	require.NoError(t, err)
	assert.Equal(t, []AttemptOutcome{
		OutcomeRecoverableError,
		OutcomeRecoverableError,
		OutcomeStillPending,
		OutcomeTerminalSession,
	}, outcomes)
}

func TestWait_RealClock(t *testing.T) {
	f := &scriptedFetcher{steps: []step{pending(), status(api.SessionAuthorized)}}
	p := New(f, Config{Interval: 5 * time.Millisecond, Timeout: 5 * time.Second})

	res, err := p.Wait(context.Background(), "sess-1", Liveness{})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
}

// hangingFetcher holds every request until its context ends
type hangingFetcher struct{}

func (hangingFetcher) GetSessionStatus(ctx context.Context, sessionID string) (*api.Session, error) {
	select {
	case <-ctx.Done():
		return nil, &api.TransportError{Message: "request aborted", Err: ctx.Err()}
	case <-time.After(2 * time.Second):
		return &api.Session{SessionID: sessionID, Status: api.SessionPending}, nil
	}
}

func TestWait_SlowRequestCannotOutliveTimeout(t *testing.T) {
	w := window.NewMockWindow()
	p := New(hangingFetcher{}, Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond})

	start := time.Now()
	res, err := p.Wait(context.Background(), "sess-1", liveness(w))
	elapsed := time.Since(start)

	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, StateTimedOut, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.False(t, w.IsOpen())
}

func TestWait_CancelFromAnotherGoroutine(t *testing.T) {
	f := &scriptedFetcher{}
	p := New(f, Config{Interval: 5 * time.Millisecond, Timeout: time.Minute})

	done := make(chan error, 1)
	go func() {
		_, err := p.Wait(context.Background(), "sess-1", Liveness{})
		done <- err
	}()

	require.Eventually(t, func() bool { return f.Calls() > 0 }, 5*time.Second, time.Millisecond)
	p.Cancel()

	select {
	case err := <-done:
		var cancelled *UserCancelledError
		assert.True(t, errors.As(err, &cancelled))
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop after Cancel")
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.False(t, StatePolling.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.Equal(t, "fatal_error", OutcomeFatalError.String())
}
