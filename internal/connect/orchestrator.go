// Package connect runs the per-provider platform connection workflow: start
// the OAuth handshake, present the authorization page, poll the backend
// session to resolution and refresh the platform list on success.
package connect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/shomar-security/shomar-cli/internal/api"
	"github.com/shomar-security/shomar-cli/internal/clock"
	"github.com/shomar-security/shomar-cli/internal/config"
	"github.com/shomar-security/shomar-cli/internal/polling"
	"github.com/shomar-security/shomar-cli/internal/state"
	"github.com/shomar-security/shomar-cli/internal/window"
)

// ErrConnectionInProgress is returned when a provider already has an
// attempt in flight
var ErrConnectionInProgress = errors.New("a connection for this provider is already in progress")

// UnavailableError is returned for providers that cannot be connected yet
type UnavailableError struct {
	Provider api.Provider
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s is coming soon and cannot be connected yet", e.Provider.Label())
}

// Gateway is the subset of the backend the workflow needs
type Gateway interface {
	StartOAuth(ctx context.Context, provider, returnTo string, mode api.Mode) (*api.StartResult, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*api.Session, error)
	ListPlatforms(ctx context.Context) ([]api.Platform, error)
}

// Store persists the refreshed platform list and attempt history
type Store interface {
	Replace(platforms []api.Platform, at time.Time) error
	RecordAttempt(rec state.ConnectionRecord) error
}

// Reporter receives progress for display
type Reporter interface {
	AuthorizationOpened(provider api.Provider, authURL string, mode api.Mode)
	Polling(attempt polling.Attempt)
}

type nopReporter struct{}

func (nopReporter) AuthorizationOpened(api.Provider, string, api.Mode) {}
func (nopReporter) Polling(polling.Attempt)                            {}

// Options configures an Orchestrator
type Options struct {
	Gateway  Gateway
	Popup    window.Opener
	Redirect window.Opener
	Store    Store

	// ReturnTo is where the backend redirects after authorization. Empty
	// resolves to the production completion page.
	ReturnTo string

	Poll polling.Config
	// RedirectTimeout replaces Poll.Timeout for redirect-mode and resumed
	// attempts, which hand the user a full browser tab
	RedirectTimeout time.Duration

	Clock    clock.Clock
	Logger   *zap.Logger
	Reporter Reporter
}

// DefaultRedirectTimeout is the overall budget for redirect-mode attempts
const DefaultRedirectTimeout = 5 * time.Minute

// Outcome is the single result of a connection attempt
type Outcome struct {
	Provider         api.Provider
	SessionID        string
	AuthorizationURL string
	State            polling.State
	Message          string
	Platforms        []api.Platform
	// RefreshErr is set when the connection succeeded but the platform
	// list could not be refreshed
	RefreshErr error
}

// flight is an attempt that can be cancelled from outside
type flight struct {
	poller *polling.Poller
	window window.Window
}

// Orchestrator runs connection attempts
type Orchestrator struct {
	gateway         Gateway
	popup           window.Opener
	redirect        window.Opener
	store           Store
	returnTo        string
	poll            polling.Config
	redirectTimeout time.Duration
	clock           clock.Clock
	log             *zap.Logger
	reporter        Reporter

	guard   *Guard
	refresh singleflight.Group

	mu       sync.Mutex
	inflight map[string]*flight
}

// New creates an Orchestrator
func New(opts Options) (*Orchestrator, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if opts.Popup == nil {
		opts.Popup = window.NewPopup("")
	}
	if opts.Redirect == nil {
		opts.Redirect = window.NewRedirect()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Reporter == nil {
		opts.Reporter = nopReporter{}
	}
	if opts.ReturnTo == "" {
		opts.ReturnTo = config.ResolveReturnTo("", "")
	}
	if opts.RedirectTimeout <= 0 {
		opts.RedirectTimeout = DefaultRedirectTimeout
	}

	opts.Poll.Clock = opts.Clock
	opts.Poll.Logger = opts.Logger

	return &Orchestrator{
		gateway:         opts.Gateway,
		popup:           opts.Popup,
		redirect:        opts.Redirect,
		store:           opts.Store,
		returnTo:        opts.ReturnTo,
		poll:            opts.Poll,
		redirectTimeout: opts.RedirectTimeout,
		clock:           opts.Clock,
		log:             opts.Logger,
		reporter:        opts.Reporter,
		guard:           NewGuard(),
		inflight:        make(map[string]*flight),
	}, nil
}

// Connect authorizes provider and waits for the backend session to resolve.
// The Outcome is returned whenever the handshake started, together with the
// typed error for every state but Succeeded. A popup that cannot be opened
// returns window.ErrPopupBlocked without polling.
func (o *Orchestrator) Connect(ctx context.Context, provider api.Provider, mode api.Mode) (*Outcome, error) {
	if provider.ID == "" {
		return nil, &api.ValidationError{Message: "provider is required"}
	}
	if provider.Availability == api.AvailabilityComingSoon {
		return nil, &UnavailableError{Provider: provider}
	}
	if _, ok := api.ParseMode(string(mode)); !ok {
		return nil, &api.ValidationError{Message: fmt.Sprintf("unknown mode %q", mode)}
	}

	key := providerKey(provider.ID)
	if !o.guard.TryAcquire(key) {
		return nil, ErrConnectionInProgress
	}
	defer o.guard.Release(key)

	log := o.log.With(zap.String("provider", provider.ID), zap.String("mode", string(mode)))

	start, err := o.gateway.StartOAuth(ctx, provider.ID, o.returnTo, mode)
	if err != nil {
		log.Warn("failed to start authorization", zap.Error(err))
		return nil, fmt.Errorf("failed to start %s authorization: %w", provider.Label(), err)
	}

	authURL, err := SecureAuthorizationURL(start.AuthorizationURL)
	if err != nil {
		return nil, err
	}
	if authURL != start.AuthorizationURL {
		log.Debug("upgraded authorization url to https")
	}

	opener := o.popup
	if mode == api.ModeRedirect {
		opener = o.redirect
	}
	w, err := opener.Open(ctx, authURL)
	if err != nil {
		log.Warn("failed to open authorization window", zap.Error(err))
		return nil, err
	}
	o.reporter.AuthorizationOpened(provider, authURL, mode)

	cfg := o.poll
	if mode == api.ModeRedirect {
		cfg.Timeout = o.redirectTimeout
	}
	outcome, err := o.await(ctx, key, provider, start.SessionID, w, cfg)
	outcome.AuthorizationURL = authURL
	return outcome, err
}

// Resume finishes a redirect-mode attempt from the completion page URL. When
// the page carries a session id that has not already failed, the session is
// polled to resolution.
func (o *Orchestrator) Resume(ctx context.Context, completionURL string) (*Outcome, error) {
	c, err := ParseCompletion(completionURL)
	if err != nil {
		return nil, err
	}

	provider := api.Provider{ID: strings.ToLower(c.Provider), DisplayLabel: c.Provider}
	if provider.ID == "" {
		provider.DisplayLabel = "your platform"
	}

	if c.Failed() {
		session := &api.Session{
			SessionID:    c.SessionID,
			Provider:     provider.ID,
			Status:       api.SessionFailed,
			ErrorMessage: c.Reason(),
		}
		outcome := &Outcome{
			Provider:  provider,
			SessionID: c.SessionID,
			State:     polling.StateFailed,
			Message:   failureMessage(provider, polling.StateFailed, c.Reason()),
		}
		o.record(outcome)
		return outcome, &polling.SessionFailedError{Session: session}
	}

	if c.SessionID == "" {
		// Nothing to poll, the page reported success on its own
		outcome := &Outcome{Provider: provider, State: polling.StateSucceeded}
		o.succeed(ctx, outcome)
		return outcome, nil
	}

	key := providerKey(provider.ID)
	if provider.ID == "" {
		key = "session:" + c.SessionID
	}
	if !o.guard.TryAcquire(key) {
		return nil, ErrConnectionInProgress
	}
	defer o.guard.Release(key)

	cfg := o.poll
	cfg.Timeout = o.redirectTimeout
	return o.await(ctx, key, provider, c.SessionID, window.Detached(), cfg)
}

// Cancel stops the in-flight attempt for provider and closes its window. It
// reports whether there was anything to cancel.
func (o *Orchestrator) Cancel(providerID string) bool {
	o.mu.Lock()
	f, ok := o.inflight[providerKey(providerID)]
	o.mu.Unlock()
	if !ok {
		return false
	}

	f.poller.Cancel()
	f.window.Close()
	return true
}

// InFlight reports whether provider has an attempt running
func (o *Orchestrator) InFlight(providerID string) bool {
	return o.guard.Held(providerKey(providerID))
}

// RefreshPlatforms fetches the platform list and updates the cache.
// Concurrent calls share one request.
func (o *Orchestrator) RefreshPlatforms(ctx context.Context) ([]api.Platform, error) {
	v, err, shared := o.refresh.Do("platforms", func() (interface{}, error) {
		platforms, err := o.gateway.ListPlatforms(ctx)
		if err != nil {
			return nil, err
		}
		if o.store != nil {
			if err := o.store.Replace(platforms, o.clock.Now()); err != nil {
				o.log.Warn("failed to cache platforms", zap.Error(err))
			}
		}
		return platforms, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh platforms: %w", err)
	}
	if shared {
		o.log.Debug("platform refresh coalesced")
	}
	return v.([]api.Platform), nil
}

// await polls sessionID with w as the authorization window
func (o *Orchestrator) await(ctx context.Context, key string, provider api.Provider, sessionID string, w window.Window, cfg polling.Config) (*Outcome, error) {
	cfg.OnAttempt = o.reporter.Polling
	poller := polling.New(o.gateway, cfg)

	o.mu.Lock()
	o.inflight[key] = &flight{poller: poller, window: w}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, key)
		o.mu.Unlock()
	}()

	res, err := poller.Wait(ctx, sessionID, polling.Liveness{IsOpen: w.IsOpen, Close: w.Close})
	outcome := &Outcome{Provider: provider, SessionID: sessionID}
	if res == nil {
		outcome.State = polling.StateFailed
		outcome.Message = failureMessage(provider, polling.StateFailed, err.Error())
		return outcome, err
	}

	outcome.State = res.State
	if res.State == polling.StateCancelled {
		// The poller leaves the window to its owner on cancellation
		w.Close()
	}
	if res.State == polling.StateSucceeded {
		o.succeed(ctx, outcome)
		return outcome, nil
	}

	outcome.Message = failureMessage(provider, res.State, res.Message)
	o.record(outcome)
	return outcome, err
}

// succeed refreshes platforms after a granted authorization
func (o *Orchestrator) succeed(ctx context.Context, outcome *Outcome) {
	outcome.Message = fmt.Sprintf("%s connected successfully.", outcome.Provider.Label())

	platforms, err := o.RefreshPlatforms(ctx)
	if err != nil {
		o.log.Warn("connected but failed to refresh platforms", zap.Error(err))
		outcome.RefreshErr = err
	}
	outcome.Platforms = platforms
	o.record(outcome)
}

func (o *Orchestrator) record(outcome *Outcome) {
	if o.store == nil {
		return
	}
	rec := state.ConnectionRecord{
		Provider:  outcome.Provider.ID,
		SessionID: outcome.SessionID,
		Outcome:   outcome.State.String(),
		Message:   outcome.Message,
		At:        o.clock.Now(),
	}
	if err := o.store.RecordAttempt(rec); err != nil {
		o.log.Warn("failed to record connection attempt", zap.Error(err))
	}
}

// failureMessage is the one line shown for an unsuccessful outcome
func failureMessage(provider api.Provider, st polling.State, detail string) string {
	label := provider.Label()
	switch st {
	case polling.StateTimedOut:
		return fmt.Sprintf("Timed out waiting for %s authorization. Please try again.", label)
	case polling.StateCancelled:
		return fmt.Sprintf("Connection to %s was cancelled.", label)
	default:
		if detail == "" {
			return fmt.Sprintf("Failed to connect %s.", label)
		}
		return fmt.Sprintf("Failed to connect %s: %s", label, detail)
	}
}

func providerKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// FindProvider looks a provider up by id or label, case-insensitively
func FindProvider(providers []api.Provider, name string) (api.Provider, bool) {
	name = strings.TrimSpace(name)
	for _, p := range providers {
		if strings.EqualFold(p.ID, name) || strings.EqualFold(p.Label(), name) {
			return p, true
		}
	}
	return api.Provider{}, false
}
