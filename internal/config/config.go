// Package config manages user-level configuration for the shomar CLI
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// appDir is the directory name under the user config and data roots
const appDir = "shomar"

// Config represents the user's shomar CLI configuration
type Config struct {
	// DefaultMode is the connection mode used when --mode is not given
	DefaultMode string `json:"default_mode,omitempty"`

	// Preferences stores user preferences
	Preferences Preferences `json:"preferences,omitempty"`

	// CurrentUser stores info about the logged-in user
	CurrentUser *UserInfo `json:"current_user,omitempty"`

	// Version of the config schema
	Version string `json:"version"`
}

// UserInfo stores information about the authenticated user
type UserInfo struct {
	Email     string `json:"email,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Preferences stores user preferences
type Preferences struct {
	// ColorOutput controls whether to use colored output
	ColorOutput bool `json:"color_output"`

	// Verbose controls verbose output
	Verbose bool `json:"verbose"`
}

var (
	instance *Config
	once     sync.Once
	mu       sync.RWMutex
)

// configPath returns the path to the config file
func configPath() (string, error) {
	var configDir string

	// Check XDG_CONFIG_HOME first for testing and Linux compatibility
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = xdgConfig
	} else {
		var err error
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to get config directory: %w", err)
		}
	}

	return filepath.Join(configDir, appDir, "config.json"), nil
}

// UserDataPath returns the path for user data files (platforms.json, etc.)
func UserDataPath(filename string) (string, error) {
	var dataDir string

	// Check XDG_DATA_HOME first for testing and Linux compatibility
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		dataDir = xdgData
	} else {
		// macOS: ~/Library/Application Support
		// Windows: %APPDATA%
		// Linux: ~/.config (but XDG_DATA_HOME should be set to ~/.local/share)
		var err error
		dataDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to get data directory: %w", err)
		}
	}

	return filepath.Join(dataDir, appDir, filename), nil
}

// Load loads the configuration from disk or creates a new one
func Load() (*Config, error) {
	var err error
	once.Do(func() {
		instance, err = load()
	})

	if err != nil {
		return nil, err
	}

	return instance, nil
}

// load reads the config from disk or creates default
func load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is controlled via configPath()
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := defaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a default configuration
func defaultConfig() *Config {
	return &Config{
		Version:     "1.0",
		DefaultMode: "popup",
		Preferences: Preferences{
			ColorOutput: true,
		},
	}
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	mu.Lock()
	defer mu.Unlock()

	path, err := configPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write atomically by writing to temp file then renaming
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// GetDefaultMode returns the default connection mode
func (c *Config) GetDefaultMode() string {
	mu.RLock()
	defer mu.RUnlock()

	if c.DefaultMode == "" {
		return "popup"
	}
	return c.DefaultMode
}

// SetDefaultMode sets the default connection mode
func (c *Config) SetDefaultMode(mode string) error {
	mu.Lock()
	c.DefaultMode = mode
	mu.Unlock()

	return c.Save()
}

// GetCurrentUser returns the current user info
func (c *Config) GetCurrentUser() *UserInfo {
	mu.RLock()
	defer mu.RUnlock()
	return c.CurrentUser
}

// SetCurrentUser updates the current user info
func (c *Config) SetCurrentUser(user *UserInfo) error {
	mu.Lock()
	c.CurrentUser = user
	mu.Unlock()

	return c.Save()
}

// ClearCurrentUser removes the current user info
func (c *Config) ClearCurrentUser() error {
	mu.Lock()
	c.CurrentUser = nil
	mu.Unlock()

	return c.Save()
}

// Reset resets the configuration to defaults
func (c *Config) Reset() error {
	mu.Lock()
	*c = *defaultConfig()
	mu.Unlock()

	return c.Save()
}
