package polling

import (
	"fmt"
	"time"

	"github.com/shomar-security/shomar-cli/internal/api"
)

// TimeoutError means the overall deadline passed before a terminal status
type TimeoutError struct {
	SessionID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for authorization", e.Timeout)
}

// UserCancelledError means the attempt was abandoned, either because the
// authorization window stayed closed or because the caller cancelled
type UserCancelledError struct {
	SessionID    string
	WindowClosed bool
}

func (e *UserCancelledError) Error() string {
	if e.WindowClosed {
		return "connection cancelled by user"
	}
	return "connection cancelled"
}

// SessionFailedError means the backend reported a terminal session that did
// not grant access
type SessionFailedError struct {
	Session *api.Session
}

func (e *SessionFailedError) Error() string {
	return "authorization failed: " + e.Reason()
}

// Reason is the backend's explanation, or one derived from the status
func (e *SessionFailedError) Reason() string {
	if e.Session == nil {
		return "unknown error"
	}
	if e.Session.ErrorMessage != "" {
		return e.Session.ErrorMessage
	}
	switch e.Session.Status {
	case api.SessionExpired:
		return "session expired"
	case api.SessionFailed:
		return "authorization was not completed"
	default:
		return "authorization was denied"
	}
}
