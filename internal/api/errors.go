package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed backend response for retry decisions
type ErrorKind int

const (
	// KindTransient covers 5xx responses and network failures; retry
	KindTransient ErrorKind = iota
	// KindRecoverableMissing means the resource is not visible yet; retry within a grace policy
	KindRecoverableMissing
	// KindFatalClient is any other 4xx; do not retry
	KindFatalClient
)

// Classify maps an HTTP status code to an ErrorKind
func Classify(status int) ErrorKind {
	switch status {
	case http.StatusNotFound, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return KindRecoverableMissing
	}
	if status >= 400 && status < 500 {
		return KindFatalClient
	}
	return KindTransient
}

// TransportError is a network failure or 5xx response. StatusCode is zero
// when no response was received.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		if e.Err != nil {
			return fmt.Sprintf("transport error: %v", e.Err)
		}
		return "transport error: " + e.Message
	}
	return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError is a request the backend rejected as malformed or forbidden
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	if e.StatusCode == 0 {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("request rejected (status %d): %s", e.StatusCode, e.Message)
}

// UnauthorizedError is a 401 or 403 from an endpoint that needs a login.
// It unwraps to a ValidationError so callers treating rejections as fatal
// still match it.
type UnauthorizedError struct {
	StatusCode int
	Message    string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("not authorized (status %d): %s", e.StatusCode, e.Message)
}

func (e *UnauthorizedError) Unwrap() error {
	return &ValidationError{StatusCode: e.StatusCode, Message: e.Message}
}

func isUnauthorized(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// NotFoundError means the resource is absent, possibly only for now
type NotFoundError struct {
	StatusCode int
	Message    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found (status %d): %s", e.StatusCode, e.Message)
}

// Expired reports whether the backend said the resource expired rather
// than not existing yet
func (e *NotFoundError) Expired() bool {
	return strings.Contains(strings.ToLower(e.Message), "expired")
}

// newStatusError builds the typed error for a non-2xx response. Auth
// endpoints report bad credentials as plain validation errors.
func newStatusError(status int, body []byte, authEndpoint bool) error {
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	if msg == "" {
		msg = "request failed"
	}

	if isUnauthorized(status) && !authEndpoint {
		return &UnauthorizedError{StatusCode: status, Message: msg}
	}

	switch Classify(status) {
	case KindRecoverableMissing:
		return &NotFoundError{StatusCode: status, Message: msg}
	case KindFatalClient:
		return &ValidationError{StatusCode: status, Message: msg}
	default:
		return &TransportError{StatusCode: status, Message: msg}
	}
}

// errorMessage extracts a human readable message from an error payload
func errorMessage(body []byte) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}

	for _, key := range []string{"message", "error_description", "error", "detail"} {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]interface{}:
			if m, ok := v["message"].(string); ok && m != "" {
				return m
			}
		}
	}
	return ""
}
