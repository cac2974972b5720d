package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shomar-security/shomar-cli/internal/api"
	"github.com/shomar-security/shomar-cli/internal/config"
	"github.com/shomar-security/shomar-cli/internal/connect"
	"github.com/shomar-security/shomar-cli/internal/polling"
	"github.com/shomar-security/shomar-cli/internal/state"
	"github.com/shomar-security/shomar-cli/internal/window"
)

// ConnectOptions holds options for the connect command
type ConnectOptions struct {
	Provider  string
	Mode      string
	Timeout   time.Duration
	NoBrowser bool

	// Token connects with an access token instead of OAuth; "-" prompts
	Token         string
	Name          string
	DefaultBranch string
	AutoDiscovery bool
}

func newConnectCmd() *cobra.Command {
	opts := &ConnectOptions{}

	cmd := &cobra.Command{
		Use:   "connect [provider]",
		Short: "Connect a code-hosting platform",
		Long: `Connect a code-hosting platform to your Shomar workspace.

The provider's authorization page opens in a dedicated browser window
(popup mode) or in your default browser (redirect mode). The command
waits until the authorization is granted, denied, cancelled or times out.
Closing the popup window cancels the connection.

Without a provider argument you are asked to pick one.

With --token the platform is connected using a personal access token and
no browser is involved. Pass --token - to be prompted for it.`,
		Example: `  shomar connect github
  shomar connect gitlab --mode redirect
  shomar connect bitbucket --no-browser --timeout 5m
  shomar connect github --token - --name acme --default-branch develop`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				opts.Provider = args[0]
			}
			return runConnect(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Mode, "mode", "m", "", "how to open the authorization page (popup, redirect)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "how long to wait for authorization (default 3m popup, 5m redirect)")
	cmd.Flags().BoolVar(&opts.NoBrowser, "no-browser", false, "print the authorization URL instead of opening a browser")
	cmd.Flags().StringVar(&opts.Token, "token", "", "connect with a personal access token instead of OAuth (- to prompt)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "platform name for a token connection")
	cmd.Flags().StringVar(&opts.DefaultBranch, "default-branch", api.DefaultBranch, "default branch for a token connection")
	cmd.Flags().BoolVar(&opts.AutoDiscovery, "auto-discovery", true, "let the backend discover repositories for a token connection")
	cmd.MarkFlagsMutuallyExclusive("token", "mode")
	cmd.MarkFlagsMutuallyExclusive("token", "no-browser")
	cmd.MarkFlagsMutuallyExclusive("token", "timeout")

	return cmd
}

func newResumeCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "resume <completion-url>",
		Short: "Finish a redirect-mode connection",
		Long: `Finish a connection that was authorized in redirect mode.

Paste the URL of the page the browser landed on after authorizing. If the
page carries a session id, the session is followed until it resolves.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd.Context(), cmd.OutOrStdout(), args[0], timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the session to resolve (default 5m)")

	return cmd
}

func runConnect(ctx context.Context, out io.Writer, opts *ConnectOptions) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	mode := api.ModePopup
	if opts.Token == "" {
		if mode, err = resolveMode(opts.Mode); err != nil {
			return err
		}
	}

	providers, err := a.client.ListProviders(ctx)
	if err != nil {
		return explainAPIError(err, "failed to list providers")
	}

	provider, err := selectProvider(providers, opts.Provider)
	if err != nil {
		return err
	}

	if opts.Token != "" {
		return runConnectToken(ctx, out, a, provider, opts)
	}

	reporter := newSpinnerReporter(out, opts.NoBrowser)
	defer reporter.Stop()

	o, err := a.orchestrator(orchestratorOptions{
		timeout:   opts.Timeout,
		noBrowser: opts.NoBrowser,
		reporter:  reporter,
	})
	if err != nil {
		return err
	}

	// Ctrl-C closes the authorization window as well as stopping the wait
	interrupted := context.AfterFunc(ctx, func() { o.Cancel(provider.ID) })
	defer interrupted()

	Debug("Connecting %s in %s mode", provider.ID, mode)
	outcome, err := o.Connect(ctx, provider, mode)
	reporter.Stop()

	switch {
	case errors.Is(err, window.ErrPopupBlocked):
		Info("Retry with --mode redirect to use your default browser, or --no-browser to open the link yourself")
		return fmt.Errorf("could not open a popup window for %s: %w", provider.Label(), err)
	case errors.Is(err, connect.ErrConnectionInProgress):
		return fmt.Errorf("a connection to %s is already in progress", provider.Label())
	case outcome == nil && err != nil:
		return explainAPIError(err, "connection failed")
	}

	return reportOutcome(out, outcome, err)
}

// runConnectToken connects provider with an access token
func runConnectToken(ctx context.Context, out io.Writer, a *app, provider api.Provider, opts *ConnectOptions) error {
	if provider.Availability == api.AvailabilityComingSoon {
		return &connect.UnavailableError{Provider: provider}
	}

	token := strings.TrimSpace(opts.Token)
	if token == "-" {
		prompt := &survey.Password{Message: fmt.Sprintf("%s access token:", provider.Label())}
		if err := surveyAskOne(prompt, &token, survey.WithValidator(survey.Required)); err != nil {
			return fmt.Errorf("failed to read access token: %w", err)
		}
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		prompt := &survey.Input{Message: "Platform name:"}
		if err := surveyAskOne(prompt, &name, survey.WithValidator(survey.Required)); err != nil {
			return fmt.Errorf("failed to read platform name: %w", err)
		}
	}

	result, err := a.client.ConnectPlatform(ctx, api.ConnectPlatformRequest{
		PlatformType: provider.ID,
		PlatformName: name,
		Credentials:  api.PlatformCredentials{AccessToken: token},
		Settings: api.PlatformSettings{
			DefaultBranch: opts.DefaultBranch,
			AutoDiscovery: opts.AutoDiscovery,
		},
	})
	if err != nil {
		_ = a.registry.RecordAttempt(state.ConnectionRecord{
			Provider: provider.ID,
			Outcome:  polling.StateFailed.String(),
			Message:  err.Error(),
			At:       time.Now().UTC(),
		})
		return explainAPIError(err, fmt.Sprintf("failed to connect %s", provider.Label()))
	}

	if err := a.registry.Upsert(result.Platform); err != nil {
		Debug("Platform not cached: %v", err)
	}
	_ = a.registry.RecordAttempt(state.ConnectionRecord{
		Provider: provider.ID,
		Outcome:  polling.StateSucceeded.String(),
		Message:  result.Message,
		At:       time.Now().UTC(),
	})

	Success("%s connected successfully.", provider.Label())
	dw, err := NewDataWriter(out, string(OutputFormatTable))
	if err != nil {
		return err
	}
	return writePlatforms(dw, []api.Platform{result.Platform})
}

func runResume(ctx context.Context, out io.Writer, completionURL string, timeout time.Duration) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	reporter := newSpinnerReporter(out, false)
	defer reporter.Stop()

	o, err := a.orchestrator(orchestratorOptions{timeout: timeout, reporter: reporter})
	if err != nil {
		return err
	}

	c, err := connect.ParseCompletion(completionURL)
	if err != nil {
		return err
	}
	if c.SessionID != "" && !c.Failed() {
		reporter.Start(fmt.Sprintf("Waiting for session %s to resolve...", c.SessionID))
	}

	outcome, err := o.Resume(ctx, completionURL)
	reporter.Stop()
	if outcome == nil {
		return explainAPIError(err, "failed to resume connection")
	}
	return reportOutcome(out, outcome, err)
}

// reportOutcome prints the single result line of an attempt and the
// refreshed platforms on success
func reportOutcome(out io.Writer, outcome *connect.Outcome, err error) error {
	if outcome.State != polling.StateSucceeded {
		return &outcomeError{message: outcome.Message, err: err}
	}

	Success("%s", outcome.Message)
	if outcome.RefreshErr != nil {
		Warn("Connected, but the platform list could not be refreshed: %v", outcome.RefreshErr)
		return nil
	}
	if len(outcome.Platforms) > 0 {
		dw, err := NewDataWriter(out, string(OutputFormatTable))
		if err != nil {
			return err
		}
		return writePlatforms(dw, outcome.Platforms)
	}
	return nil
}

// outcomeError carries the user-facing message of a failed attempt while
// keeping the typed cause reachable through errors.As
type outcomeError struct {
	message string
	err     error
}

func (e *outcomeError) Error() string { return e.message }
func (e *outcomeError) Unwrap() error { return e.err }

// resolveMode applies the configured default when --mode is not given
func resolveMode(flag string) (api.Mode, error) {
	if flag == "" {
		flag = string(api.ModePopup)
		if cfg, err := config.Load(); err == nil {
			flag = cfg.GetDefaultMode()
		}
	}
	mode, ok := api.ParseMode(flag)
	if !ok {
		return "", fmt.Errorf("unknown mode %q (use popup or redirect)", flag)
	}
	return mode, nil
}

// selectProvider finds name among providers, or asks when name is empty
func selectProvider(providers []api.Provider, name string) (api.Provider, error) {
	if name != "" {
		p, ok := connect.FindProvider(providers, name)
		if !ok {
			return api.Provider{}, fmt.Errorf("unknown provider %q (see 'shomar providers')", name)
		}
		return p, nil
	}

	var options []string
	byLabel := make(map[string]api.Provider)
	for _, p := range providers {
		if p.Availability == api.AvailabilityComingSoon {
			continue
		}
		options = append(options, p.Label())
		byLabel[p.Label()] = p
	}
	if len(options) == 0 {
		return api.Provider{}, fmt.Errorf("no providers are available to connect")
	}

	var choice string
	prompt := &survey.Select{
		Message: "Select a platform to connect:",
		Options: options,
	}
	if err := surveyAskOne(prompt, &choice); err != nil {
		return api.Provider{}, fmt.Errorf("provider selection cancelled: %w", err)
	}
	p, ok := byLabel[choice]
	if !ok {
		return api.Provider{}, fmt.Errorf("unknown provider %q", choice)
	}
	return p, nil
}

// spinnerReporter shows connection progress on the terminal
type spinnerReporter struct {
	out       io.Writer
	noBrowser bool
	sp        *spinner.Spinner
}

func newSpinnerReporter(out io.Writer, noBrowser bool) *spinnerReporter {
	return &spinnerReporter{
		out:       out,
		noBrowser: noBrowser,
		sp:        spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr)),
	}
}

func (r *spinnerReporter) AuthorizationOpened(provider api.Provider, authURL string, mode api.Mode) {
	if r.noBrowser {
		fmt.Fprintf(r.out, "Open this URL to authorize %s:\n\n  %s\n\n", provider.Label(), color.CyanString(authURL))
	} else {
		fmt.Fprintf(r.out, "Opening %s authorization in your browser (%s mode).\n", provider.Label(), mode)
		fmt.Fprintf(r.out, "If nothing opens, visit:\n  %s\n\n", authURL)
	}
	if mode == api.ModeRedirect {
		fmt.Fprintln(r.out, "After authorizing, you can paste the final page URL into 'shomar resume'.")
	}
	r.Start(fmt.Sprintf("Waiting for %s authorization...", provider.Label()))
}

func (r *spinnerReporter) Polling(a polling.Attempt) {
	Debug("poll #%d: %s", a.Number, a.Outcome)
	if a.Outcome == polling.OutcomeRecoverableError && a.Err != nil {
		r.sp.Lock()
		r.sp.Suffix = fmt.Sprintf(" Waiting for authorization (retrying: %v)", a.Err)
		r.sp.Unlock()
	}
}

// Start shows the spinner with message
func (r *spinnerReporter) Start(message string) {
	r.sp.Lock()
	r.sp.Suffix = " " + message
	r.sp.Unlock()
	r.sp.Start()
}

// Stop hides the spinner. Stopping twice is a no-op.
func (r *spinnerReporter) Stop() {
	r.sp.Stop()
}
