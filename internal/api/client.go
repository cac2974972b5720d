package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultAPIBaseURL is the production backend endpoint
	DefaultAPIBaseURL = "https://shomar-production.up.railway.app/"

	providersPath = "api/v2/integrations/oauth/providers"
	startPath     = "api/v2/integrations/oauth/%s/start"
	sessionPath   = "api/v2/integrations/oauth/sessions/"
	loginPath     = "api/auth/login"
	platformsPath = "api/v2/integrations/platforms"
	importPath    = "api/v2/integrations/projects/import"
	scanPath      = "api/v1/sast/scan/comprehensive"
	aiScanPath    = "api/v1/sast/ai/comprehensive-analysis"

	// DefaultBranch is used when a token connection names no branch
	DefaultBranch = "main"
)

// HTTPClient defines the interface for HTTP operations
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource supplies the bearer token for authenticated requests. An
// empty token means the request is sent without Authorization.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Options configures a Client
type Options struct {
	BaseURL    string
	APIKey     string
	Tokens     TokenSource
	HTTPClient HTTPClient
	Logger     *zap.Logger
}

// Client talks to the backend service
type Client struct {
	baseURL    *url.URL
	apiKey     string
	tokens     TokenSource
	httpClient HTTPClient
	logger     *zap.Logger
}

// NewClient creates a backend client
func NewClient(opts Options) (*Client, error) {
	raw := opts.BaseURL
	if raw == "" {
		raw = DefaultAPIBaseURL
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid API base URL")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("invalid API base URL %q", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    base,
		apiKey:     opts.APIKey,
		tokens:     opts.Tokens,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// BaseURL returns the resolved API base URL
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// ListProviders returns the OAuth providers the backend supports. An empty
// result is not an error.
func (c *Client) ListProviders(ctx context.Context) ([]Provider, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, providersPath, nil, nil, &raw); err != nil {
		return nil, err
	}

	var providers []Provider
	if err := decodeList(raw, &providers, "providers", "data", "items"); err != nil {
		return nil, errors.Wrap(err, "failed to decode providers")
	}
	if providers == nil {
		providers = []Provider{}
	}
	return providers, nil
}

// StartOAuth begins an OAuth handshake for provider
func (c *Client) StartOAuth(ctx context.Context, provider, returnTo string, mode Mode) (*StartResult, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, &ValidationError{Message: "provider is required"}
	}

	query := url.Values{}
	query.Set("return_to", returnTo)
	query.Set("mode", string(mode))

	var result StartResult
	path := fmt.Sprintf(startPath, provider)
	if err := c.do(ctx, http.MethodGet, path, query, nil, &result); err != nil {
		return nil, err
	}

	if result.AuthorizationURL == "" || result.SessionID == "" {
		return nil, &ValidationError{Message: "backend returned an incomplete OAuth handshake"}
	}
	return &result, nil
}

// GetSessionStatus fetches the current snapshot of an OAuth session
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, &ValidationError{Message: "session id is required"}
	}

	var session Session
	if err := c.do(ctx, http.MethodGet, sessionPath+sessionID, nil, nil, &session); err != nil {
		return nil, err
	}
	if session.SessionID == "" {
		session.SessionID = sessionID
	}
	return &session, nil
}

// Login exchanges email and password for dashboard tokens
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	body := map[string]string{"email": email, "password": password}

	var result LoginResult
	if err := c.do(ctx, http.MethodPost, loginPath, nil, body, &result); err != nil {
		return nil, err
	}
	if result.AccessToken == "" {
		return nil, &ValidationError{Message: "login response did not include an access token"}
	}
	return &result, nil
}

// ListPlatforms returns the platforms connected to the account
func (c *Client) ListPlatforms(ctx context.Context) ([]Platform, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, platformsPath, nil, struct{}{}, &raw); err != nil {
		return nil, err
	}

	var platforms []Platform
	if err := decodeList(raw, &platforms, "data"); err != nil {
		return nil, errors.Wrap(err, "failed to decode platforms")
	}
	if platforms == nil {
		platforms = []Platform{}
	}
	return platforms, nil
}

// DiscoverProjects lists repositories reachable through a connected platform
func (c *Client) DiscoverProjects(ctx context.Context, params DiscoverParams) (*DiscoverResult, error) {
	if params.PlatformID == "" {
		return nil, &ValidationError{Message: "platform id is required"}
	}

	query := url.Values{}
	if params.Page > 0 {
		query.Set("page", strconv.Itoa(params.Page))
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Language != "" {
		query.Set("language", params.Language)
	}

	var raw json.RawMessage
	path := platformsPath + "/" + params.PlatformID + "/projects"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &raw); err != nil {
		return nil, err
	}

	result := &DiscoverResult{}
	var projects []DiscoveredProject
	if err := decodeList(raw, &projects, "data", "items", "projects"); err != nil {
		return nil, errors.Wrap(err, "failed to decode projects")
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		var meta struct {
			PlatformID         string `json:"platform_id"`
			PlatformName       string `json:"platform_name"`
			TotalProjects      int    `json:"total_projects"`
			AccessibleProjects int    `json:"accessible_projects"`
			LastDiscovery      string `json:"last_discovery"`
		}
		if err := json.Unmarshal(raw, &meta); err == nil {
			result.PlatformID = meta.PlatformID
			result.PlatformName = meta.PlatformName
			result.TotalProjects = meta.TotalProjects
			result.AccessibleProjects = meta.AccessibleProjects
			result.LastDiscovery = meta.LastDiscovery
		}
	}

	for i := range projects {
		if len(projects[i].Languages) == 0 && projects[i].Language != "" {
			projects[i].Languages = []string{projects[i].Language}
		}
	}
	if projects == nil {
		projects = []DiscoveredProject{}
	}
	result.Projects = projects
	return result, nil
}

// ImportProjects imports the selected repositories
func (c *Client) ImportProjects(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if req.PlatformID == "" {
		return nil, &ValidationError{Message: "platform id is required"}
	}
	if len(req.Projects) == 0 {
		return nil, &ValidationError{Message: "at least one project is required"}
	}

	var result ImportResult
	if err := c.do(ctx, http.MethodPost, importPath, nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConnectPlatform connects a platform using an access token instead of an
// OAuth handshake
func (c *Client) ConnectPlatform(ctx context.Context, req ConnectPlatformRequest) (*ConnectPlatformResult, error) {
	req.PlatformType = strings.ToLower(strings.TrimSpace(req.PlatformType))
	req.PlatformName = strings.TrimSpace(req.PlatformName)
	req.Credentials.AccessToken = strings.TrimSpace(req.Credentials.AccessToken)
	req.Settings.DefaultBranch = strings.TrimSpace(req.Settings.DefaultBranch)

	switch {
	case req.PlatformType == "":
		return nil, &ValidationError{Message: "platform type is required"}
	case req.PlatformName == "":
		return nil, &ValidationError{Message: "platform name is required"}
	case req.Credentials.AccessToken == "":
		return nil, &ValidationError{Message: "access token is required"}
	}
	if req.Settings.DefaultBranch == "" {
		req.Settings.DefaultBranch = DefaultBranch
	}

	var result ConnectPlatformResult
	if err := c.do(ctx, http.MethodPost, platformsPath, nil, req, &result); err != nil {
		return nil, err
	}

	// Fill what the backend left out from the request
	if result.PlatformType == "" {
		result.PlatformType = req.PlatformType
	}
	if result.PlatformName == "" {
		result.PlatformName = req.PlatformName
	}
	if result.Status == "" {
		result.Status = "connected"
	}
	return &result, nil
}

// StartScan runs a comprehensive scan. Unknown modes use the AI engine.
func (c *Client) StartScan(ctx context.Context, mode ScanMode, req ScanRequest) (*ScanResult, error) {
	if strings.TrimSpace(req.Target) == "" {
		return nil, &ValidationError{Message: "scan target is required"}
	}

	path := aiScanPath
	if mode == ScanModeStandard {
		path = scanPath
	}

	var result ScanResult
	if err := c.do(ctx, http.MethodPost, path, nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// isAuthEndpoint reports whether path belongs to the auth service, which
// must not receive the bearer token or API key
func isAuthEndpoint(path string) bool {
	return strings.HasPrefix(strings.TrimLeft(path, "/"), "api/auth/")
}

// do performs a request and decodes a JSON response into out
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	ref := &url.URL{Path: strings.TrimLeft(path, "/")}
	if len(query) > 0 {
		ref.RawQuery = query.Encode()
	}
	endpoint := c.baseURL.ResolveReference(ref)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if !isAuthEndpoint(path) {
		if c.apiKey != "" {
			req.Header.Set("x-api-key", c.apiKey)
		}
		if c.tokens != nil {
			token, err := c.tokens.AccessToken(ctx)
			if err != nil {
				return errors.Wrap(err, "failed to get access token")
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
	}

	log := c.logger.With(
		zap.String("method", method),
		zap.String("path", endpoint.Path),
		zap.String("request_id", requestID),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Debug("request failed", zap.Error(err))
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{StatusCode: resp.StatusCode, Err: err, Message: "failed to read response"}
	}

	log.Debug("response received", zap.Int("status", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newStatusError(resp.StatusCode, data, isAuthEndpoint(path))
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "failed to parse response")
	}
	return nil
}

// decodeList decodes either a bare JSON array or an object carrying the
// array under one of keys
func decodeList(raw json.RawMessage, out interface{}, keys ...string) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return err
	}
	for _, key := range keys {
		value, ok := envelope[key]
		if !ok {
			continue
		}
		value = bytes.TrimSpace(value)
		if len(value) > 0 && value[0] == '[' {
			return json.Unmarshal(value, out)
		}
	}
	return nil
}
