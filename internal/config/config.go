package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// ModelConfig selects the AI agent backend for submissions that do not name
// one explicitly. Vendor "openai" implies the "codex" agent, anything else
// the "claude" agent.
type ModelConfig struct {
	Vendor string `json:"vendor"`
	Model  string `json:"model,omitempty"`
}

// ResolveAgent derives the agent binary name from the configured vendor.
func (m ModelConfig) ResolveAgent() string {
	if strings.EqualFold(strings.TrimSpace(m.Vendor), "openai") {
		return "codex"
	}
	return "claude"
}

// Config represents the daemon configuration
type Config struct {
	Host                  string              `json:"host"`
	Port                  int                 `json:"port"`
	ProjectPath           string              `json:"project_path"`
	WorktreeDir           string              `json:"worktree_dir"`
	MaxConcurrentSessions int                 `json:"max_concurrent_sessions"`
	ArchivePath           string              `json:"archive_path"`
	LogLevel              string              `json:"log_level"` // debug, info, warn, error, none
	LogPath               string              `json:"-"`
	Model                 ModelConfig         `json:"model"`
	AnthropicAPIKey       string              `json:"anthropic_api_key,omitempty"`
	OpenAIAPIKey          string              `json:"openai_api_key,omitempty"`
	AgentCommands         map[string][]string `json:"agent_commands,omitempty"` // agent name -> argv prefix
	PurgeAfterDays        int                 `json:"purge_after_days"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "qraft")
		}
	default:
		if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
			return filepath.Join(xdg, "qraft")
		}
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "qraft")
}

// GetConfigPath returns the default config file location
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// Default returns a configuration with all defaults applied
func Default() *Config {
	wd, _ := os.Getwd()
	return &Config{
		Host:                  "localhost",
		Port:                  8943,
		ProjectPath:           wd,
		WorktreeDir:           filepath.Join(defaultConfigDir(), "worktrees"),
		MaxConcurrentSessions: 4,
		ArchivePath:           filepath.Join(defaultConfigDir(), "archive.db"),
		LogLevel:              "info",
		LogPath:               filepath.Join(defaultConfigDir(), "qraftd.log"),
		Model:                 ModelConfig{Vendor: "anthropic"},
		PurgeAfterDays:        30,
	}
}

// Load reads the config file at path (falling back to defaults when it does
// not exist) and applies QRAFT_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = GetConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// No file is fine, defaults plus env apply.
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if cfg.MaxConcurrentSessions < 1 {
		cfg.MaxConcurrentSessions = 1
	}
	if cfg.ProjectPath == "" {
		cfg.ProjectPath, _ = os.Getwd()
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("QRAFT_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("QRAFT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("QRAFT_PROJECT_PATH"); v != "" {
		c.ProjectPath = v
	}
	if v := os.Getenv("QRAFT_WORKTREE_DIR"); v != "" {
		c.WorktreeDir = v
	}
	if v := os.Getenv("QRAFT_MAX_CONCURRENT_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentSessions = n
		}
	}
	if v := os.Getenv("QRAFT_ARCHIVE_PATH"); v != "" {
		c.ArchivePath = v
	}
	if v := os.Getenv("QRAFT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("QRAFT_LOG_PATH"); v != "" {
		c.LogPath = v
	}
	if v := os.Getenv("QRAFT_MODEL_VENDOR"); v != "" {
		c.Model.Vendor = v
	}
	if v := os.Getenv("QRAFT_MODEL"); v != "" {
		c.Model.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.AnthropicAPIKey == "" {
		c.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.OpenAIAPIKey == "" {
		c.OpenAIAPIKey = v
	}
}

// AgentCommand returns the argv prefix for the given agent. The prompt
// message is appended by the runner as the final argument.
func (c *Config) AgentCommand(agent string) []string {
	if cmd, ok := c.AgentCommands[agent]; ok && len(cmd) > 0 {
		return append([]string(nil), cmd...)
	}
	switch agent {
	case "codex":
		return []string{"codex", "exec", "--skip-git-repo-check"}
	default:
		return []string{"claude", "-p", "--verbose", "--output-format", "stream-json"}
	}
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if path == "" {
		path = GetConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
