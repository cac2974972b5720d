package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shomar-security/shomar-cli/internal/api"
	"github.com/shomar-security/shomar-cli/internal/auth"
	"github.com/shomar-security/shomar-cli/internal/config"
	"github.com/shomar-security/shomar-cli/internal/connect"
	"github.com/shomar-security/shomar-cli/internal/polling"
	"github.com/shomar-security/shomar-cli/internal/state"
	"github.com/shomar-security/shomar-cli/internal/window"
)

// platformsFile is the platform cache under the user data directory
const platformsFile = "platforms.json"

var (
	// newCredentialStore is replaced in tests
	newCredentialStore = func() auth.CredentialStore { return auth.NewKeyringStore() }

	// surveyAskOne is replaced in tests
	surveyAskOne = survey.AskOne
)

// app holds the services shared by the commands
type app struct {
	env      config.Env
	log      *zap.Logger
	session  *auth.Session
	client   *api.Client
	registry *state.PlatformRegistry
}

// newApp wires the backend client, credentials and platform cache from the
// environment and command-line overrides
func newApp() (*app, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	if override := strings.TrimSpace(viper.GetString("api-url")); override != "" {
		env.APIBaseURL = override
	}

	log := newLogger()
	session := auth.NewSession(newCredentialStore())

	client, err := api.NewClient(api.Options{
		BaseURL: env.APIBaseURL,
		APIKey:  env.APIKey,
		Tokens:  session,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	path, err := config.UserDataPath(platformsFile)
	if err != nil {
		return nil, err
	}
	registry := state.NewPlatformRegistry(path)
	if err := registry.Load(); err != nil {
		Warn("Ignoring unreadable platform cache: %v", err)
		registry = state.NewPlatformRegistry(path)
	}

	Debug("Using API %s", client.BaseURL())

	return &app{
		env:      env,
		log:      log,
		session:  session,
		client:   client,
		registry: registry,
	}, nil
}

// orchestratorOptions tunes an orchestrator for one command
type orchestratorOptions struct {
	timeout   time.Duration
	noBrowser bool
	reporter  connect.Reporter
}

// orchestrator builds the connection orchestrator
func (a *app) orchestrator(opts orchestratorOptions) (*connect.Orchestrator, error) {
	poll := polling.Config{
		Interval: a.env.PollInterval,
		Timeout:  a.env.OAuthTimeout,
	}
	var redirectTimeout time.Duration
	if opts.timeout > 0 {
		poll.Timeout = opts.timeout
		redirectTimeout = opts.timeout
	}

	var popup, redirect window.Opener
	if opts.noBrowser {
		// The URL is printed by the reporter and opened by the user
		popup = window.NewRedirectWith(nil)
		redirect = window.NewRedirectWith(nil)
	} else {
		popup = window.NewPopup(a.env.PopupBrowser)
		redirect = window.NewRedirect()
	}

	o, err := connect.New(connect.Options{
		Gateway:         a.client,
		Popup:           popup,
		Redirect:        redirect,
		Store:           a.registry,
		ReturnTo:        a.env.ReturnToURL(),
		Poll:            poll,
		RedirectTimeout: redirectTimeout,
		Logger:          a.log,
		Reporter:        opts.reporter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up connection: %w", err)
	}
	return o, nil
}

// explainAPIError wraps err with what failed and points at login when the
// backend rejected the credentials
func explainAPIError(err error, what string) error {
	var unauthorized *api.UnauthorizedError
	if errors.As(err, &unauthorized) {
		return fmt.Errorf("%s: %w (run 'shomar auth login')", what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
