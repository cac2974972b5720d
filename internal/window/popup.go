package window

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// chromiumBrowsers are tried in order when no browser is configured
var chromiumBrowsers = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"microsoft-edge",
	"brave-browser",
}

// Popup opens the authorization page in a dedicated browser process. Each
// popup gets its own throwaway profile so the process stays attached to the
// window, and process exit is how the CLI learns the user closed it.
type Popup struct {
	browser  string
	lookPath func(file string) (string, error)
	command  func(ctx context.Context, name string, args ...string) *exec.Cmd
	tempDir  func() (string, error)
}

// NewPopup creates a Popup opener. browser may name an executable; when
// empty, known Chromium-based browsers are searched on PATH.
func NewPopup(browser string) *Popup {
	return &Popup{
		browser:  strings.TrimSpace(browser),
		lookPath: exec.LookPath,
		command:  exec.CommandContext,
		tempDir: func() (string, error) {
			return os.MkdirTemp("", "shomar-oauth-")
		},
	}
}

// Open starts the browser on rawURL. Any failure to launch is ErrPopupBlocked.
// The browser process is bound to ctx and is killed when ctx ends.
func (p *Popup) Open(ctx context.Context, rawURL string) (Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bin, err := p.resolve()
	if err != nil {
		return nil, err
	}

	profile, err := p.tempDir()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPopupBlocked, err)
	}

	cmd := p.command(ctx, bin, popupArgs(bin, profile, rawURL)...)
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(profile)
		return nil, fmt.Errorf("%w: %v", ErrPopupBlocked, err)
	}

	w := &processWindow{
		cmd: cmd,
		cleanup: func() {
			_ = os.RemoveAll(profile)
		},
	}
	go w.wait()
	return w, nil
}

// resolve finds the browser executable
func (p *Popup) resolve() (string, error) {
	if p.browser != "" {
		path, err := p.lookPath(p.browser)
		if err != nil {
			return "", fmt.Errorf("%w: browser %q not found", ErrPopupBlocked, p.browser)
		}
		return path, nil
	}

	for _, name := range chromiumBrowsers {
		if path, err := p.lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no supported browser found on PATH", ErrPopupBlocked)
}

// popupArgs builds the arguments that open a standalone window
func popupArgs(bin, profile, rawURL string) []string {
	if strings.Contains(strings.ToLower(filepath.Base(bin)), "firefox") {
		return []string{"-no-remote", "-new-instance", "-profile", profile, "-new-window", rawURL}
	}
	return []string{
		"--user-data-dir=" + profile,
		"--no-first-run",
		"--no-default-browser-check",
		"--new-window",
		"--app=" + rawURL,
	}
}

// processWindow tracks a browser process as a Window
type processWindow struct {
	cmd       *exec.Cmd
	exited    atomic.Bool
	closeOnce sync.Once
	cleanup   func()
}

func (w *processWindow) wait() {
	_ = w.cmd.Wait()
	w.exited.Store(true)
	if w.cleanup != nil {
		w.cleanup()
	}
}

// IsOpen reports whether the browser process is still running
func (w *processWindow) IsOpen() bool {
	return !w.exited.Load()
}

// Close kills the browser process if it is still running
func (w *processWindow) Close() {
	w.closeOnce.Do(func() {
		if w.exited.Load() || w.cmd.Process == nil {
			return
		}
		_ = w.cmd.Process.Kill()
	})
}
