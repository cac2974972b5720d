package api

import (
	"encoding/json"
	"strings"
	"time"
)

// Availability describes whether a provider can be connected
type Availability string

const (
	AvailabilityAvailable  Availability = "available"
	AvailabilityConnected  Availability = "connected"
	AvailabilityComingSoon Availability = "coming_soon"
)

// ParseAvailability normalizes the spellings the backend has used over time
func ParseAvailability(s string) Availability {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "connected":
		return AvailabilityConnected
	case "coming_soon", "comingsoon", "coming-soon", "waitlist":
		return AvailabilityComingSoon
	default:
		return AvailabilityAvailable
	}
}

// Provider describes a connectable code-hosting platform
type Provider struct {
	ID           string       `json:"id" yaml:"id"`
	DisplayLabel string       `json:"display_label" yaml:"display_label"`
	Scopes       []string     `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	Availability Availability `json:"availability" yaml:"availability"`
}

// Label returns the display label, falling back to the id
func (p Provider) Label() string {
	if p.DisplayLabel != "" {
		return p.DisplayLabel
	}
	return p.ID
}

// UnmarshalJSON accepts the field aliases returned by different backend versions
func (p *Provider) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID           string   `json:"id"`
		Key          string   `json:"key"`
		DisplayLabel string   `json:"display_label"`
		Label        string   `json:"label"`
		Name         string   `json:"name"`
		Scopes       []string `json:"scopes"`
		Availability string   `json:"availability"`
		Status       string   `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.ID = firstNonEmpty(raw.ID, raw.Key)
	p.DisplayLabel = firstNonEmpty(raw.DisplayLabel, raw.Label, raw.Name)
	p.Scopes = raw.Scopes
	p.Availability = ParseAvailability(firstNonEmpty(raw.Availability, raw.Status))
	return nil
}

// Mode selects how the authorization page is presented
type Mode string

const (
	ModePopup    Mode = "popup"
	ModeRedirect Mode = "redirect"
)

// ParseMode parses a mode name, reporting whether it is known
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePopup:
		return ModePopup, true
	case ModeRedirect:
		return ModeRedirect, true
	}
	return "", false
}

// StartResult is the backend's answer to an OAuth handshake request
type StartResult struct {
	AuthorizationURL string `json:"authorization_url"`
	SessionID        string `json:"session_id"`
}

// UnmarshalJSON accepts session_id or state as the session identifier
func (r *StartResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		AuthorizationURL      string `json:"authorization_url"`
		AuthorizationURLCamel string `json:"authorizationUrl"`
		URL                   string `json:"url"`
		SessionID             string `json:"session_id"`
		SessionIDCamel        string `json:"sessionId"`
		State                 string `json:"state"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.AuthorizationURL = firstNonEmpty(raw.AuthorizationURL, raw.AuthorizationURLCamel, raw.URL)
	r.SessionID = firstNonEmpty(raw.SessionID, raw.SessionIDCamel, raw.State)
	return nil
}

// SessionStatus is the lifecycle state of an OAuth session
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionAuthorized SessionStatus = "authorized"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionExpired    SessionStatus = "expired"
)

// IsTerminal reports whether no further transition can occur
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionAuthorized, SessionCompleted, SessionFailed, SessionExpired:
		return true
	}
	return false
}

// Session is the last observed snapshot of an OAuth session
type Session struct {
	SessionID    string        `json:"session_id"`
	Provider     string        `json:"provider"`
	Status       SessionStatus `json:"status"`
	Success      *bool         `json:"success,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
}

// Succeeded reports whether a terminal session represents a granted authorization
func (s *Session) Succeeded() bool {
	if s.Status != SessionAuthorized && s.Status != SessionCompleted {
		return false
	}
	if s.Success != nil && !*s.Success {
		return false
	}
	return s.ErrorMessage == ""
}

// UnmarshalJSON accepts the field aliases returned by different backend versions
func (s *Session) UnmarshalJSON(data []byte) error {
	var raw struct {
		SessionID      string    `json:"session_id"`
		SessionIDCamel string    `json:"sessionId"`
		ID             string    `json:"id"`
		Provider       string    `json:"provider"`
		Status         string    `json:"status"`
		Success        *bool     `json:"success"`
		ErrorMessage   string    `json:"error_message"`
		Error          string    `json:"error"`
		CreatedAt      time.Time `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.SessionID = firstNonEmpty(raw.SessionID, raw.SessionIDCamel, raw.ID)
	s.Provider = raw.Provider
	s.Status = SessionStatus(strings.ToLower(strings.TrimSpace(raw.Status)))
	s.Success = raw.Success
	s.ErrorMessage = firstNonEmpty(raw.ErrorMessage, raw.Error)
	s.CreatedAt = raw.CreatedAt
	return nil
}

// Platform is a connected code-hosting platform
type Platform struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	PlatformID   string `json:"platform_id,omitempty" yaml:"platform_id,omitempty"`
	PlatformType string `json:"platform_type,omitempty" yaml:"platform_type,omitempty"`
	PlatformName string `json:"platform_name,omitempty" yaml:"platform_name,omitempty"`
	Status       string `json:"status,omitempty" yaml:"status,omitempty"`
	ConnectedAt  string `json:"connected_at,omitempty" yaml:"connected_at,omitempty"`
}

// Key returns the platform's identifier
func (p Platform) Key() string {
	return firstNonEmpty(p.PlatformID, p.ID)
}

// DiscoverParams filters repository discovery
type DiscoverParams struct {
	PlatformID string
	Page       int
	Limit      int
	Language   string
}

// DiscoveredProject is a repository visible through a connected platform
type DiscoveredProject struct {
	RepositoryID  string   `json:"repository_id" yaml:"repository_id"`
	Name          string   `json:"name" yaml:"name"`
	FullName      string   `json:"full_name,omitempty" yaml:"full_name,omitempty"`
	CloneURL      string   `json:"clone_url,omitempty" yaml:"clone_url,omitempty"`
	SSHURL        string   `json:"ssh_url,omitempty" yaml:"ssh_url,omitempty"`
	DefaultBranch string   `json:"default_branch,omitempty" yaml:"default_branch,omitempty"`
	Language      string   `json:"language,omitempty" yaml:"language,omitempty"`
	Languages     []string `json:"languages,omitempty" yaml:"languages,omitempty"`
	Private       bool     `json:"private,omitempty" yaml:"private,omitempty"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// DiscoverResult is one page of discovered repositories
type DiscoverResult struct {
	PlatformID         string              `json:"platform_id,omitempty" yaml:"platform_id,omitempty"`
	PlatformName       string              `json:"platform_name,omitempty" yaml:"platform_name,omitempty"`
	TotalProjects      int                 `json:"total_projects,omitempty" yaml:"total_projects,omitempty"`
	AccessibleProjects int                 `json:"accessible_projects,omitempty" yaml:"accessible_projects,omitempty"`
	LastDiscovery      string              `json:"last_discovery,omitempty" yaml:"last_discovery,omitempty"`
	Projects           []DiscoveredProject `json:"data" yaml:"projects"`
}

// ImportProject is a repository selected for import
type ImportProject struct {
	RepositoryID  string   `json:"repository_id"`
	Name          string   `json:"name"`
	FullName      string   `json:"full_name,omitempty"`
	CloneURL      string   `json:"clone_url,omitempty"`
	DefaultBranch string   `json:"default_branch,omitempty"`
	Languages     []string `json:"languages,omitempty"`
	Private       bool     `json:"private,omitempty"`
	Description   string   `json:"description,omitempty"`
}

// ImportRequest imports repositories from one platform
type ImportRequest struct {
	PlatformID string          `json:"platform_id"`
	Projects   []ImportProject `json:"projects"`
}

// ImportedProject reports the import status of a single repository
type ImportedProject struct {
	ProjectID string `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	FullName  string `json:"full_name,omitempty" yaml:"full_name,omitempty"`
	Status    string `json:"status,omitempty" yaml:"status,omitempty"`
}

// ImportResult summarizes an import request
type ImportResult struct {
	PlatformID        string            `json:"platform_id,omitempty" yaml:"platform_id,omitempty"`
	PlatformName      string            `json:"platform_name,omitempty" yaml:"platform_name,omitempty"`
	ProjectsRequested int               `json:"projects_requested,omitempty" yaml:"projects_requested,omitempty"`
	ProjectsImported  int               `json:"projects_imported,omitempty" yaml:"projects_imported,omitempty"`
	ProjectsFailed    int               `json:"projects_failed,omitempty" yaml:"projects_failed,omitempty"`
	ImportedProjects  []ImportedProject `json:"imported_projects,omitempty" yaml:"imported_projects,omitempty"`
	Message           string            `json:"message,omitempty" yaml:"message,omitempty"`
}

// ConnectPlatformRequest connects a platform with a personal access token
type ConnectPlatformRequest struct {
	PlatformType string              `json:"platform_type"`
	PlatformName string              `json:"platform_name"`
	Credentials  PlatformCredentials `json:"credentials"`
	Settings     PlatformSettings    `json:"settings"`
}

// PlatformCredentials authenticate the backend against the platform
type PlatformCredentials struct {
	AccessToken string `json:"access_token"`
}

// PlatformSettings tune how the backend works with a connected platform
type PlatformSettings struct {
	DefaultBranch string `json:"default_branch"`
	AutoDiscovery bool   `json:"auto_discovery"`
}

// ConnectPlatformResult is the platform created by a token connection
type ConnectPlatformResult struct {
	Platform `yaml:",inline"`

	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// ScanMode selects the scan engine
type ScanMode string

const (
	ScanModeStandard ScanMode = "standard"
	ScanModeAI       ScanMode = "ai"
)

// ParseScanMode parses a scan mode name, reporting whether it is known
func ParseScanMode(s string) (ScanMode, bool) {
	switch ScanMode(strings.ToLower(strings.TrimSpace(s))) {
	case ScanModeStandard, "comprehensive":
		return ScanModeStandard, true
	case ScanModeAI:
		return ScanModeAI, true
	}
	return "", false
}

// ScanOptions narrow what a scan looks at
type ScanOptions struct {
	IncludeLanguages []string `json:"include_languages,omitempty"`
	ExcludePaths     []string `json:"exclude_paths,omitempty"`
}

// ScanRequest starts a comprehensive scan of target
type ScanRequest struct {
	Target                   string       `json:"target"`
	Options                  *ScanOptions `json:"options,omitempty"`
	EnableFrameworkDetection bool         `json:"enable_framework_detection,omitempty"`
	EnableDependencyScan     bool         `json:"enable_dependency_scan,omitempty"`
	EnableRiskScoring        bool         `json:"enable_risk_scoring,omitempty"`
	IncludeComplianceMapping bool         `json:"include_compliance_mapping,omitempty"`
}

// ScanFinding is one issue reported by a scan
type ScanFinding struct {
	ID             string  `json:"id,omitempty" yaml:"id,omitempty"`
	Title          string  `json:"title,omitempty" yaml:"title,omitempty"`
	Description    string  `json:"description,omitempty" yaml:"description,omitempty"`
	Recommendation string  `json:"recommendation,omitempty" yaml:"recommendation,omitempty"`
	FilePath       string  `json:"file_path,omitempty" yaml:"file_path,omitempty"`
	Location       string  `json:"location,omitempty" yaml:"location,omitempty"`
	Severity       string  `json:"severity,omitempty" yaml:"severity,omitempty"`
	Confidence     float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
}

// Where returns the most specific location of the finding
func (f ScanFinding) Where() string {
	return firstNonEmpty(f.Location, f.FilePath)
}

// ScanRecommendation is a remediation suggested by a scan
type ScanRecommendation struct {
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    string `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// ScanSummary is the executive summary of a scan
type ScanSummary struct {
	TotalFindings           int      `json:"total_findings,omitempty" yaml:"total_findings,omitempty"`
	AIEnhancedFindings      int      `json:"ai_enhanced_findings,omitempty" yaml:"ai_enhanced_findings,omitempty"`
	CriticalRecommendations []string `json:"critical_recommendations,omitempty" yaml:"critical_recommendations,omitempty"`
}

// ScanMetadata describes what a scan covered
type ScanMetadata struct {
	ScanTime             string         `json:"scan_time,omitempty" yaml:"scan_time,omitempty"`
	ScanDuration         float64        `json:"scan_duration,omitempty" yaml:"scan_duration,omitempty"`
	ScannedFiles         int            `json:"scanned_files,omitempty" yaml:"scanned_files,omitempty"`
	ScannedLines         int            `json:"scanned_lines,omitempty" yaml:"scanned_lines,omitempty"`
	ScanTypes            []string       `json:"scan_types,omitempty" yaml:"scan_types,omitempty"`
	SeverityDistribution map[string]int `json:"severity_distribution,omitempty" yaml:"severity_distribution,omitempty"`
}

// ScanResult is the backend's report for a scan
type ScanResult struct {
	ScanID          string               `json:"scan_id,omitempty" yaml:"scan_id,omitempty"`
	Status          string               `json:"status,omitempty" yaml:"status,omitempty"`
	Message         string               `json:"message,omitempty" yaml:"message,omitempty"`
	Target          string               `json:"target,omitempty" yaml:"target,omitempty"`
	Timestamp       string               `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Findings        []ScanFinding        `json:"findings,omitempty" yaml:"findings,omitempty"`
	AIPowered       bool                 `json:"ai_powered_analysis,omitempty" yaml:"ai_powered_analysis,omitempty"`
	Summary         *ScanSummary         `json:"executive_summary,omitempty" yaml:"executive_summary,omitempty"`
	Recommendations []ScanRecommendation `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
	Metadata        *ScanMetadata        `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// TotalFindings prefers the summary count over the listed findings
func (r *ScanResult) TotalFindings() int {
	if r.Summary != nil && r.Summary.TotalFindings > 0 {
		return r.Summary.TotalFindings
	}
	return len(r.Findings)
}

// AIEnhancedFindings is zero unless the summary reports it
func (r *ScanResult) AIEnhancedFindings() int {
	if r.Summary == nil {
		return 0
	}
	return r.Summary.AIEnhancedFindings
}

// LoginResult holds the tokens issued by the login endpoint
type LoginResult struct {
	AccessToken  string
	RefreshToken string
}

// UnmarshalJSON accepts the token field spellings used by the auth service
func (r *LoginResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		AccessToken       string `json:"access_token"`
		AccessTokenCamel  string `json:"accessToken"`
		Token             string `json:"token"`
		RefreshToken      string `json:"refresh_token"`
		RefreshTokenCamel string `json:"refreshToken"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.AccessToken = firstNonEmpty(raw.AccessToken, raw.AccessTokenCamel, raw.Token)
	r.RefreshToken = firstNonEmpty(raw.RefreshToken, raw.RefreshTokenCamel)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
