// Package state persists what the CLI learns from the backend between runs:
// the connected platform list, a short history of connection attempts and
// the most recent repository import.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shomar-security/shomar-cli/internal/api"
)

// DefaultHistorySize is how many connection attempts are kept
const DefaultHistorySize = 20

// ConnectionRecord is the outcome of one connection attempt
type ConnectionRecord struct {
	Provider  string    `json:"provider" yaml:"provider"`
	SessionID string    `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Outcome   string    `json:"outcome" yaml:"outcome"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
	At        time.Time `json:"at" yaml:"at"`
}

// ImportTotals counts the outcome of an import
type ImportTotals struct {
	Requested int `json:"requested" yaml:"requested"`
	Imported  int `json:"imported" yaml:"imported"`
	Failed    int `json:"failed" yaml:"failed"`
}

// ImportRecord is the most recent repository import
type ImportRecord struct {
	PlatformID       string                `json:"platform_id" yaml:"platform_id"`
	PlatformName     string                `json:"platform_name,omitempty" yaml:"platform_name,omitempty"`
	At               time.Time             `json:"timestamp" yaml:"timestamp"`
	Projects         []api.ImportProject   `json:"projects" yaml:"projects"`
	ImportedProjects []api.ImportedProject `json:"imported_projects,omitempty" yaml:"imported_projects,omitempty"`
	Totals           ImportTotals          `json:"totals" yaml:"totals"`
}

// Languages returns the distinct languages of the imported projects in
// first-seen order
func (r *ImportRecord) Languages() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range r.Projects {
		for _, lang := range p.Languages {
			if lang == "" || seen[lang] {
				continue
			}
			seen[lang] = true
			out = append(out, lang)
		}
	}
	return out
}

// snapshot is the on-disk format
type snapshot struct {
	SyncedAt   time.Time          `json:"synced_at,omitempty"`
	Platforms  []api.Platform     `json:"platforms"`
	History    []ConnectionRecord `json:"history,omitempty"`
	LastImport *ImportRecord      `json:"last_import,omitempty"`
}

// PlatformRegistry caches the connected platform list
type PlatformRegistry struct {
	platforms   map[string]api.Platform // by Key()
	history     []ConnectionRecord
	lastImport  *ImportRecord
	syncedAt    time.Time
	historySize int
	persistFile string
	mu          sync.RWMutex
}

// NewPlatformRegistry creates a registry persisted at persistFile. An empty
// path keeps the registry in memory only.
func NewPlatformRegistry(persistFile string) *PlatformRegistry {
	return &PlatformRegistry{
		platforms:   make(map[string]api.Platform),
		historySize: DefaultHistorySize,
		persistFile: persistFile,
	}
}

// Load reads the registry from persistent storage
func (pr *PlatformRegistry) Load() error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.persistFile == "" {
		return nil
	}

	data, err := os.ReadFile(pr.persistFile)
	if err != nil {
		if os.IsNotExist(err) {
			// No cache yet, that's ok
			return nil
		}
		return fmt.Errorf("failed to read platforms file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal platforms: %w", err)
	}

	pr.platforms = make(map[string]api.Platform, len(snap.Platforms))
	for _, p := range snap.Platforms {
		pr.platforms[p.Key()] = p
	}
	pr.history = snap.History
	pr.syncedAt = snap.SyncedAt
	pr.lastImport = validImport(snap.LastImport)
	return nil
}

// Save persists the registry to disk
func (pr *PlatformRegistry) Save() error {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.saveLocked()
}

// saveLocked assumes the lock is already held
func (pr *PlatformRegistry) saveLocked() error {
	if pr.persistFile == "" {
		return nil
	}

	snap := snapshot{
		SyncedAt:   pr.syncedAt,
		Platforms:  pr.sortedLocked(),
		History:    pr.history,
		LastImport: pr.lastImport,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal platforms: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(pr.persistFile), 0750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tempPath := pr.persistFile + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write platforms file: %w", err)
	}
	if err := os.Rename(tempPath, pr.persistFile); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to save platforms file: %w", err)
	}
	return nil
}

// Replace swaps the cached list for a freshly fetched one and persists it
func (pr *PlatformRegistry) Replace(platforms []api.Platform, at time.Time) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.platforms = make(map[string]api.Platform, len(platforms))
	for _, p := range platforms {
		pr.platforms[p.Key()] = p
	}
	pr.syncedAt = at
	return pr.saveLocked()
}

// Upsert adds or replaces one platform without changing the sync time
func (pr *PlatformRegistry) Upsert(p api.Platform) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if p.Key() == "" {
		return fmt.Errorf("platform has no id")
	}
	pr.platforms[p.Key()] = p
	return pr.saveLocked()
}

// Get returns a cached platform by id or platform id
func (pr *PlatformRegistry) Get(id string) (api.Platform, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	if p, ok := pr.platforms[id]; ok {
		return p, true
	}
	for _, p := range pr.platforms {
		if p.ID == id || p.PlatformID == id {
			return p, true
		}
	}
	return api.Platform{}, false
}

// All returns all cached platforms sorted by type then name
func (pr *PlatformRegistry) All() []api.Platform {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.sortedLocked()
}

func (pr *PlatformRegistry) sortedLocked() []api.Platform {
	platforms := make([]api.Platform, 0, len(pr.platforms))
	for _, p := range pr.platforms {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool {
		if platforms[i].PlatformType != platforms[j].PlatformType {
			return platforms[i].PlatformType < platforms[j].PlatformType
		}
		return platforms[i].Key() < platforms[j].Key()
	})
	return platforms
}

// SyncedAt returns when the list was last refreshed from the backend
func (pr *PlatformRegistry) SyncedAt() time.Time {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.syncedAt
}

// Stale reports whether the cache is older than maxAge or was never synced
func (pr *PlatformRegistry) Stale(now time.Time, maxAge time.Duration) bool {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.syncedAt.IsZero() || now.Sub(pr.syncedAt) > maxAge
}

// RecordAttempt appends a connection outcome, keeping the newest entries
func (pr *PlatformRegistry) RecordAttempt(rec ConnectionRecord) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.history = append(pr.history, rec)
	if over := len(pr.history) - pr.historySize; over > 0 {
		pr.history = append([]ConnectionRecord(nil), pr.history[over:]...)
	}
	return pr.saveLocked()
}

// History returns recorded attempts, newest first
func (pr *PlatformRegistry) History() []ConnectionRecord {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	out := make([]ConnectionRecord, len(pr.history))
	for i, rec := range pr.history {
		out[len(pr.history)-1-i] = rec
	}
	return out
}

// RecordImport replaces the last import
func (pr *PlatformRegistry) RecordImport(rec ImportRecord) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if validImport(&rec) == nil {
		return fmt.Errorf("import record needs a platform id and projects")
	}
	pr.lastImport = &rec
	return pr.saveLocked()
}

// LastImport returns the most recent import, if any
func (pr *PlatformRegistry) LastImport() (ImportRecord, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	if pr.lastImport == nil {
		return ImportRecord{}, false
	}
	return *pr.lastImport, true
}

// validImport drops records that cannot drive a scan
func validImport(rec *ImportRecord) *ImportRecord {
	if rec == nil || rec.PlatformID == "" || len(rec.Projects) == 0 {
		return nil
	}
	return rec
}

// Clear drops all cached data and persists the empty registry
func (pr *PlatformRegistry) Clear() error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.platforms = make(map[string]api.Platform)
	pr.history = nil
	pr.lastImport = nil
	pr.syncedAt = time.Time{}
	return pr.saveLocked()
}
