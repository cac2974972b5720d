package connect

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/shomar-security/shomar-cli/internal/api"
)

// nestedURLParams are query parameters that carry a URL the browser will
// eventually follow
var nestedURLParams = []string{"redirect_uri"}

// SecureAuthorizationURL upgrades an authorization URL to HTTPS, including
// any redirect_uri it carries. Schemes other than http and https are
// rejected.
func SecureAuthorizationURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", &api.ValidationError{Message: fmt.Sprintf("invalid authorization url: %v", err)}
	}
	if u.Host == "" {
		return "", &api.ValidationError{Message: "invalid authorization url: missing host"}
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		u.Scheme = "https"
	default:
		return "", &api.ValidationError{Message: fmt.Sprintf("unsupported authorization url scheme %q", u.Scheme)}
	}

	u.RawQuery = upgradeNestedParams(u.RawQuery)
	return u.String(), nil
}

// upgradeNestedParams rewrites only the nested URL pairs of a raw query.
// Every other pair keeps its original bytes and position.
func upgradeNestedParams(rawQuery string) string {
	if rawQuery == "" {
		return rawQuery
	}

	pairs := strings.Split(rawQuery, "&")
	for i, pair := range pairs {
		rawKey, rawValue, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		key, err := url.QueryUnescape(rawKey)
		if err != nil || !slices.Contains(nestedURLParams, key) {
			continue
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			continue
		}
		if upgraded, ok := upgradeHTTP(value); ok {
			pairs[i] = rawKey + "=" + url.QueryEscape(upgraded)
		}
	}
	return strings.Join(pairs, "&")
}

// upgradeHTTP rewrites an http URL to https
func upgradeHTTP(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Scheme, "http") {
		return "", false
	}
	u.Scheme = "https"
	return u.String(), true
}

// Completion is what the dashboard's completion page receives after a
// redirect-mode authorization
type Completion struct {
	SessionID string
	Provider  string
	Status    string
	Error     string
	Message   string
}

// ParseCompletion reads the completion query contract from a full URL or a
// bare query string
func ParseCompletion(raw string) (*Completion, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &api.ValidationError{Message: "completion url is required"}
	}

	var query url.Values
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, &api.ValidationError{Message: fmt.Sprintf("invalid completion url: %v", err)}
		}
		query = u.Query()
	} else {
		var err error
		query, err = url.ParseQuery(strings.TrimPrefix(raw, "?"))
		if err != nil {
			return nil, &api.ValidationError{Message: fmt.Sprintf("invalid completion query: %v", err)}
		}
	}

	c := &Completion{
		SessionID: firstParam(query, "oauthSessionId", "session_id", "sessionId", "state"),
		Provider:  firstParam(query, "provider", "provider_label"),
		Status:    strings.ToLower(firstParam(query, "status")),
		Error:     firstParam(query, "error", "error_description"),
		Message:   firstParam(query, "message"),
	}
	return c, nil
}

// Failed reports whether the completion page already carries a failure
func (c *Completion) Failed() bool {
	return c.Status == "error" || c.Status == string(api.SessionFailed) || c.Error != ""
}

// Reason is the most specific explanation the page carries
func (c *Completion) Reason() string {
	switch {
	case c.Message != "":
		return c.Message
	case c.Error != "":
		return c.Error
	case c.Failed():
		return "we could not finalise the authorization"
	default:
		return ""
	}
}

func firstParam(q url.Values, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
