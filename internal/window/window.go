// Package window opens the third-party authorization page outside the CLI's
// control. A Window only exposes whether it still appears open and a
// best-effort Close; popup and redirect are two Opener implementations of the
// same capability.
package window

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/browser"
)

// ErrPopupBlocked is returned when a popup window could not be opened. It is
// reported separately from OAuth failures so the user knows to allow the
// browser launch rather than re-enter credentials.
var ErrPopupBlocked = errors.New("popup window could not be opened")

// Window is a handle to an externally controlled authorization window
type Window interface {
	// IsOpen reports whether the window still appears to be open
	IsOpen() bool
	// Close requests the window be closed. It is idempotent and never fails.
	Close()
}

// Opener presents an authorization URL and returns a handle to it
type Opener interface {
	Open(ctx context.Context, rawURL string) (Window, error)
}

// Redirect hands the URL to the system browser. The resulting tab cannot be
// observed, so the returned window always reports open and Close is a no-op;
// the flow then completes only through the backend session status.
type Redirect struct {
	open func(url string) error
}

// NewRedirect creates a Redirect opener using the system browser
func NewRedirect() *Redirect {
	// pkg/browser echoes the launcher's output to stdout by default
	browser.Stdout = io.Discard
	return &Redirect{open: browser.OpenURL}
}

// NewRedirectWith creates a Redirect opener using a custom launch function.
// A nil function only prints nothing and leaves navigation to the user.
func NewRedirectWith(open func(url string) error) *Redirect {
	if open == nil {
		open = func(string) error { return nil }
	}
	return &Redirect{open: open}
}

// Open launches the system browser on rawURL
func (r *Redirect) Open(ctx context.Context, rawURL string) (Window, error) {
	if err := r.open(rawURL); err != nil {
		return nil, fmt.Errorf("failed to open browser: %w", err)
	}
	return Detached(), nil
}

// Detached returns a window that is always considered open
func Detached() Window {
	return detached{}
}

type detached struct{}

func (detached) IsOpen() bool { return true }
func (detached) Close()       {}

// MockWindow is a Window whose open state is controlled by tests
type MockWindow struct {
	mu         sync.Mutex
	closed     bool
	CloseCalls int
}

// NewMockWindow creates an open MockWindow
func NewMockWindow() *MockWindow {
	return &MockWindow{}
}

// IsOpen implements Window
func (m *MockWindow) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Close implements Window
func (m *MockWindow) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.closed = true
}

// SetClosed simulates the user closing the window
func (m *MockWindow) SetClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Closes returns the number of Close calls
func (m *MockWindow) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls
}

// MockOpener is an Opener for tests
type MockOpener struct {
	mu sync.Mutex

	OpenFunc  func(ctx context.Context, rawURL string) (Window, error)
	OpenCalls []string
	Window    *MockWindow
}

// Open implements Opener
func (m *MockOpener) Open(ctx context.Context, rawURL string) (Window, error) {
	m.mu.Lock()
	m.OpenCalls = append(m.OpenCalls, rawURL)
	fn := m.OpenFunc
	if m.Window == nil {
		m.Window = NewMockWindow()
	}
	w := m.Window
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, rawURL)
	}
	return w, nil
}

// Calls returns the URLs passed to Open
func (m *MockOpener) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.OpenCalls...)
}

// Ensure implementations satisfy Opener
var (
	_ Opener = (*Redirect)(nil)
	_ Opener = (*Popup)(nil)
	_ Opener = (*MockOpener)(nil)
)
