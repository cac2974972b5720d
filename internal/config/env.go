package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/shomar-security/shomar-cli/internal/api"
)

const (
	// FallbackOrigin is the dashboard the backend can always redirect back to
	FallbackOrigin = "https://app.shomar.ai"

	// CompletionPath is the dashboard page that finishes a redirect-mode flow
	CompletionPath = "/dashboard/integrations/oauth-complete"
)

// Env is the environment-level configuration
type Env struct {
	APIBaseURL   string        `env:"SHOMAR_API_BASE_URL"`
	APIKey       string        `env:"SHOMAR_API_KEY"`
	ReturnTo     string        `env:"SHOMAR_OAUTH_RETURN_TO"`
	Origin       string        `env:"SHOMAR_OAUTH_ORIGIN"   envDefault:"https://app.shomar.ai"`
	PopupBrowser string        `env:"SHOMAR_POPUP_BROWSER"`
	PollInterval time.Duration `env:"SHOMAR_POLL_INTERVAL"  envDefault:"1200ms"`
	OAuthTimeout time.Duration `env:"SHOMAR_OAUTH_TIMEOUT"  envDefault:"3m"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadEnv parses Env from the process environment
func LoadEnv() (Env, error) {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return Env{}, err
	}
	if e.APIBaseURL == "" {
		e.APIBaseURL = api.DefaultAPIBaseURL
	}
	return e, nil
}

// ReturnToURL is where the backend sends the browser after authorization
func (e Env) ReturnToURL() string {
	return ResolveReturnTo(e.ReturnTo, e.Origin)
}

// ResolveReturnTo picks the completion URL. An explicit override wins when it
// is trustworthy; otherwise the completion page on origin is used; when
// neither can be redirected to, the production dashboard is.
func ResolveReturnTo(override, origin string) string {
	if u, ok := trustedURL(override); ok {
		return u.String()
	}
	if u, ok := trustedURL(origin); ok {
		u.Path = CompletionPath
		u.RawPath = ""
		u.RawQuery = ""
		u.Fragment = ""
		return u.String()
	}
	return FallbackOrigin + CompletionPath
}

// trustedURL accepts only HTTPS URLs whose host is not local
func trustedURL(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, false
	}
	if isLocalHost(u.Hostname()) {
		return nil, false
	}
	return u, true
}

func isLocalHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}
