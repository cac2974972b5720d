package cli

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shomar-security/shomar-cli/internal/auth"
)

// TestCommandExecution helps test cobra command execution
type TestCommandExecution struct {
	Command      *cobra.Command
	Args         []string
	ExpectError  bool
	ExpectOutput []string
	Setup        func(t *testing.T)
	Validate     func(t *testing.T, output string, err error)
}

// ExecuteCommandTest runs a command test with proper setup
func ExecuteCommandTest(t *testing.T, test TestCommandExecution) {
	if test.Setup != nil {
		test.Setup(t)
	}

	var stdout, stderr bytes.Buffer
	test.Command.SetOut(&stdout)
	test.Command.SetErr(&stderr)
	test.Command.SetArgs(test.Args)

	err := test.Command.Execute()

	if test.ExpectError {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}

	output := stdout.String() + stderr.String()
	for _, expected := range test.ExpectOutput {
		assert.Contains(t, output, expected)
	}

	if test.Validate != nil {
		test.Validate(t, output, err)
	}
}

// CaptureOutput captures stdout/stderr during function execution, including
// the colored helper output
func CaptureOutput(t *testing.T, fn func()) string {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr
	oldColorOutput := colorOutput
	r, w, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = w
	os.Stderr = w
	colorOutput = w

	done := make(chan []byte)
	go func() {
		out, _ := io.ReadAll(r)
		done <- out
	}()

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr
	colorOutput = oldColorOutput

	return string(<-done)
}

// MockSurveyAskOne mocks survey.AskOne for testing interactive prompts
func MockSurveyAskOne(response interface{}) func(p survey.Prompt, response interface{}, opts ...survey.AskOpt) error {
	return MockSurveyAnswers(response)
}

// MockSurveyAnswers answers successive survey.AskOne prompts in order. The
// last answer repeats once the list is exhausted.
func MockSurveyAnswers(responses ...interface{}) func(p survey.Prompt, response interface{}, opts ...survey.AskOpt) error {
	next := 0
	return func(p survey.Prompt, resp interface{}, opts ...survey.AskOpt) error {
		response := responses[min(next, len(responses)-1)]
		next++
		switch v := resp.(type) {
		case *string:
			*v = response.(string)
		case *bool:
			*v = response.(bool)
		case *int:
			*v = response.(int)
		}
		return nil
	}
}

// SetupTestEnvironment isolates user config, the platform cache and
// credentials for one test. It returns the credential store the commands
// will use.
func SetupTestEnvironment(t *testing.T, creds *auth.Credentials) *auth.MockStore {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)

	store := auth.NewMockStore(creds, nil)
	oldStore := newCredentialStore
	oldAsk := surveyAskOne
	newCredentialStore = func() auth.CredentialStore { return store }
	t.Cleanup(func() {
		newCredentialStore = oldStore
		surveyAskOne = oldAsk
	})

	return store
}

// AssertCommandOutput checks that command output contains expected strings
func AssertCommandOutput(t *testing.T, cmd *cobra.Command, args []string, expected ...string) {
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)

	err := cmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	for _, exp := range expected {
		assert.Contains(t, output, exp)
	}
}

// AssertCommandError checks that command fails with expected error
func AssertCommandError(t *testing.T, cmd *cobra.Command, args []string, expectedErr string) {
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), expectedErr)
}
