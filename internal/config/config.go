// Package config loads and persists the agent configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Config represents application configuration.
type Config struct {
	WorkingDir string `json:"working_dir"`

	// Provider selects the model backend: "anthropic" or "openai".
	Provider    string  `json:"provider"`
	Model       string  `json:"model,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`

	// WritableRoots and ReadableRoots extend the workspace scope that
	// commands and patches are confined to.
	WritableRoots []string `json:"writable_roots,omitempty"`
	ReadableRoots []string `json:"readable_roots,omitempty"`

	// PolicyRulesPath points at a JSON rule table replacing the
	// built-in one. Empty keeps the defaults.
	PolicyRulesPath string `json:"policy_rules_path,omitempty"`

	// AllowUnconfined permits command execution without kernel
	// isolation when the system cannot provide it. Off by default.
	AllowUnconfined bool `json:"allow_unconfined,omitempty"`

	// ApprovalTimeoutSeconds bounds how long a step waits for the user.
	// Zero waits indefinitely.
	ApprovalTimeoutSeconds int `json:"approval_timeout_seconds,omitempty"`

	// CommandTimeoutSeconds bounds each executed command.
	CommandTimeoutSeconds int `json:"command_timeout_seconds"`

	// MaxHistoryTokens caps the conversation history sent to the model.
	MaxHistoryTokens int `json:"max_history_tokens"`

	// ApprovalDBPath is the SQLite file for persisted approvals.
	ApprovalDBPath string `json:"-"`

	// Listen is the HTTP listen address for serve mode.
	Listen string `json:"listen,omitempty"`

	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"-"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "schmiede")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "schmiede")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "schmiede")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "schmiede")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "schmiede")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "schmiede")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "schmiede")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "schmiede")
	}
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		WorkingDir:            ".",
		Provider:              "anthropic",
		Temperature:           0.7,
		MaxTokens:             4096,
		CommandTimeoutSeconds: 120,
		MaxHistoryTokens:      100_000,
		ApprovalDBPath:        filepath.Join(stateDir, "approvals.db"),
		Listen:                "127.0.0.1:7465",
		LogLevel:              "info",
		LogPath:               filepath.Join(stateDir, "schmiede.log"),
	}
}

// GetConfigPath returns the default config file location.
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// LockPath returns the lock file location for a workspace. Locks live
// under the state dir so read-only workspaces still lock cleanly.
func LockPath(workingDir string) string {
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		abs = workingDir
	}
	name := fmt.Sprintf("workspace-%016x.lock", xxhash.Sum64String(abs))
	return filepath.Join(defaultStateDir(), "locks", name)
}

// Load loads configuration from file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if config.WorkingDir == "" {
		config.WorkingDir = "."
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.CommandTimeoutSeconds <= 0 {
		config.CommandTimeoutSeconds = 120
	}
	if config.MaxHistoryTokens <= 0 {
		config.MaxHistoryTokens = 100_000
	}
	stateDir := defaultStateDir()
	if config.ApprovalDBPath == "" {
		config.ApprovalDBPath = filepath.Join(stateDir, "approvals.db")
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(stateDir, "schmiede.log")
	}
	return config, nil
}

// Save writes configuration to file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// CommandTimeout returns the per-command timeout as a duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// ApprovalTimeout returns the approval timeout, zero meaning wait
// forever.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}
