package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shomar-security/shomar-cli/internal/api"
	"github.com/shomar-security/shomar-cli/internal/auth"
	"github.com/shomar-security/shomar-cli/internal/connect"
	"github.com/shomar-security/shomar-cli/internal/polling"
)

func TestConnectCommand(t *testing.T) {
	cmd := newConnectCmd()

	assert.Equal(t, "connect [provider]", cmd.Use)
	assert.Contains(t, cmd.Short, "Connect")

	modeFlag := cmd.Flags().Lookup("mode")
	require.NotNil(t, modeFlag)
	assert.Equal(t, "m", modeFlag.Shorthand)

	timeoutFlag := cmd.Flags().Lookup("timeout")
	require.NotNil(t, timeoutFlag)
	assert.Equal(t, "0s", timeoutFlag.DefValue)

	noBrowserFlag := cmd.Flags().Lookup("no-browser")
	require.NotNil(t, noBrowserFlag)
	assert.Equal(t, "false", noBrowserFlag.DefValue)

	for _, name := range []string{"token", "name", "default-branch", "auto-discovery"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing flag %s", name)
	}
	assert.Equal(t, "main", cmd.Flags().Lookup("default-branch").DefValue)

	AssertCommandError(t, newConnectCmd(), []string{"github", "gitlab"}, "accepts at most 1 arg")
	AssertCommandError(t, newConnectCmd(), []string{"github", "--token", "t", "--mode", "redirect"}, "none of the others can be")
}

func TestResumeCommand(t *testing.T) {
	cmd := newResumeCmd()

	assert.Equal(t, "resume <completion-url>", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("timeout"))

	AssertCommandError(t, newResumeCmd(), []string{}, "accepts 1 arg")
}

func TestSelectProvider(t *testing.T) {
	providers := []api.Provider{
		{ID: "github", DisplayLabel: "GitHub", Availability: api.AvailabilityAvailable},
		{ID: "azure", DisplayLabel: "Azure DevOps", Availability: api.AvailabilityComingSoon},
		{ID: "gitlab", DisplayLabel: "GitLab", Availability: api.AvailabilityConnected},
	}

	t.Run("by name", func(t *testing.T) {
		p, err := selectProvider(providers, "GITLAB")
		require.NoError(t, err)
		assert.Equal(t, "gitlab", p.ID)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := selectProvider(providers, "sourcehut")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown provider")
	})

	t.Run("prompt", func(t *testing.T) {
		SetupTestEnvironment(t, nil)
		surveyAskOne = MockSurveyAskOne("GitHub")

		p, err := selectProvider(providers, "")
		require.NoError(t, err)
		assert.Equal(t, "github", p.ID)
	})

	t.Run("nothing connectable", func(t *testing.T) {
		_, err := selectProvider(providers[1:2], "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no providers")
	})
}

func TestResolveMode(t *testing.T) {
	mode, err := resolveMode("REDIRECT")
	require.NoError(t, err)
	assert.Equal(t, api.ModeRedirect, mode)

	_, err = resolveMode("tab")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestRunConnect(t *testing.T) {
	SetupTestEnvironment(t, &auth.Credentials{AccessToken: "tok", Email: "dev@example.com"})
	backend := newTestBackend()
	backend.serve(t)

	var out bytes.Buffer
	opts := &ConnectOptions{Provider: "github", Mode: "redirect", NoBrowser: true}
	output := CaptureOutput(t, func() {
		require.NoError(t, runConnect(context.Background(), &out, opts))
	})

	assert.Contains(t, output, "GitHub connected successfully.")
	assert.Contains(t, out.String(), "https://github.com/login/oauth/authorize")
	assert.NotContains(t, out.String(), "http://cb")
	assert.Contains(t, out.String(), "plat-1")

	assert.Equal(t, 1, backend.startCalls)
	assert.Equal(t, "redirect", backend.lastMode)
	assert.Equal(t, "https://app.example.com/done", backend.lastReturnTo)
	assert.Equal(t, 1, backend.platformCalls)
}

func TestRunConnectSessionFailed(t *testing.T) {
	SetupTestEnvironment(t, &auth.Credentials{AccessToken: "tok"})
	backend := newTestBackend()
	backend.sessionStatus = "failed"
	backend.serve(t)

	var err error
	CaptureOutput(t, func() {
		err = runConnect(context.Background(), &bytes.Buffer{}, &ConnectOptions{Provider: "github", Mode: "popup", NoBrowser: true})
	})

	require.Error(t, err)
	assert.Equal(t, "Failed to connect GitHub: authorization was not completed", err.Error())

	var failed *polling.SessionFailedError
	assert.True(t, errors.As(err, &failed))
	assert.Equal(t, 0, backend.platformCalls)
}

func TestRunConnectComingSoon(t *testing.T) {
	SetupTestEnvironment(t, &auth.Credentials{AccessToken: "tok"})
	backend := newTestBackend()
	backend.serve(t)

	var err error
	CaptureOutput(t, func() {
		err = runConnect(context.Background(), &bytes.Buffer{}, &ConnectOptions{Provider: "azure", Mode: "popup", NoBrowser: true})
	})

	var unavailable *connect.UnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, 0, backend.startCalls)
}

func TestRunResume(t *testing.T) {
	SetupTestEnvironment(t, &auth.Credentials{AccessToken: "tok"})
	backend := newTestBackend()
	backend.serve(t)

	output := CaptureOutput(t, func() {
		err := runResume(context.Background(), &bytes.Buffer{}, "https://app.example.com/done?oauthSessionId=sess-9&provider=GitHub", 0)
		require.NoError(t, err)
	})

	assert.Contains(t, output, "GitHub connected successfully.")
	assert.GreaterOrEqual(t, backend.statusCalls, 1)
}

func TestRunResumeErrorPage(t *testing.T) {
	SetupTestEnvironment(t, &auth.Credentials{AccessToken: "tok"})
	backend := newTestBackend()
	backend.serve(t)

	var err error
	CaptureOutput(t, func() {
		err = runResume(context.Background(), &bytes.Buffer{}, "?status=error&message=Denied&provider=github", 0)
	})

	require.Error(t, err)
	assert.Equal(t, "Failed to connect github: Denied", err.Error())
	assert.Equal(t, 0, backend.statusCalls)
}

func TestOutcomeError(t *testing.T) {
	cause := &polling.TimeoutError{SessionID: "s"}
	err := &outcomeError{message: "Timed out waiting for GitHub authorization. Please try again.", err: cause}

	assert.Equal(t, "Timed out waiting for GitHub authorization. Please try again.", err.Error())
	var timeout *polling.TimeoutError
	assert.True(t, errors.As(err, &timeout))
}

func TestRunConnectToken(t *testing.T) {
	SetupTestEnvironment(t, &auth.Credentials{AccessToken: "tok"})
	backend := newTestBackend()
	backend.serve(t)

	var out bytes.Buffer
	opts := &ConnectOptions{Provider: "github", Token: "ghp_abc", Name: "acme", DefaultBranch: "develop", AutoDiscovery: true}
	output := CaptureOutput(t, func() {
		require.NoError(t, runConnect(context.Background(), &out, opts))
	})

	assert.Contains(t, output, "GitHub connected successfully.")
	assert.Contains(t, out.String(), "plat-2")
	assert.Equal(t, 0, backend.startCalls)

	require.NotNil(t, backend.connected)
	assert.Equal(t, "github", backend.connected.PlatformType)
	assert.Equal(t, "acme", backend.connected.PlatformName)
	assert.Equal(t, "ghp_abc", backend.connected.Credentials.AccessToken)
	assert.Equal(t, "develop", backend.connected.Settings.DefaultBranch)
	assert.True(t, backend.connected.Settings.AutoDiscovery)

	a, err := newApp()
	require.NoError(t, err)
	p, ok := a.registry.Get("plat-2")
	require.True(t, ok)
	assert.Equal(t, "acme", p.PlatformName)
	history := a.registry.History()
	require.NotEmpty(t, history)
	assert.Equal(t, "succeeded", history[0].Outcome)
}

func TestRunConnectTokenPrompts(t *testing.T) {
	SetupTestEnvironment(t, &auth.Credentials{AccessToken: "tok"})
	backend := newTestBackend()
	backend.serve(t)
	surveyAskOne = MockSurveyAnswers("glpat-secret", "acme-gl")

	CaptureOutput(t, func() {
		opts := &ConnectOptions{Provider: "gitlab", Token: "-", DefaultBranch: "main"}
		require.NoError(t, runConnect(context.Background(), &bytes.Buffer{}, opts))
	})

	require.NotNil(t, backend.connected)
	assert.Equal(t, "glpat-secret", backend.connected.Credentials.AccessToken)
	assert.Equal(t, "acme-gl", backend.connected.PlatformName)
}

func TestRunConnectTokenComingSoon(t *testing.T) {
	SetupTestEnvironment(t, &auth.Credentials{AccessToken: "tok"})
	backend := newTestBackend()
	backend.serve(t)

	var err error
	CaptureOutput(t, func() {
		err = runConnect(context.Background(), &bytes.Buffer{}, &ConnectOptions{Provider: "azure", Token: "t", Name: "x"})
	})

	var unavailable *connect.UnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Nil(t, backend.connected)
}
