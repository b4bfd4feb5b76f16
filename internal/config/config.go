// Package config provides configuration loading and management for the
// benchmark harness.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// AgentConfig defines how to invoke a coding agent. Args carry a {prompt}
// placeholder that is replaced with an @-reference to the prompt file.
type AgentConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Env     []string `toml:"env"`
}

// CommandLine returns the full argument template, command first.
func (a AgentConfig) CommandLine() []string {
	return append([]string{a.Command}, a.Args...)
}

// DefaultAgents provides built-in configurations for popular coding agents.
var DefaultAgents = map[string]AgentConfig{
	"claude": {
		Command: "claude",
		Args:    []string{"-p", "{prompt}", "--output-format", "json", "--dangerously-skip-permissions"},
	},
	"gemini": {
		Command: "gemini",
		Args:    []string{"--yolo", "{prompt}"},
	},
	"opencode": {
		Command: "opencode",
		Args:    []string{"run", "{prompt}"},
	},
}

// Config holds all configuration for the harness.
type Config struct {
	Harness  HarnessConfig          `toml:"harness"`
	Registry RegistryConfig         `toml:"registry"`
	Docker   DockerConfig           `toml:"docker"`
	GitHub   GitHubConfig           `toml:"github"`
	Agents   map[string]AgentConfig `toml:"agents"`
}

// HarnessConfig contains batch execution settings.
type HarnessConfig struct {
	ResultsDir     string   `toml:"results_dir"`
	Concurrency    int      `toml:"concurrency"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	Retries        int      `toml:"retries"`
	Priority       string   `toml:"priority"`
	Agent          string   `toml:"agent"`
	Model          string   `toml:"model"`
	Tiers          []string `toml:"tiers"`
	AllowedTools   []string `toml:"allowed_tools"`
	SessionsRoot   string   `toml:"sessions_root"`
	SandboxRoot    string   `toml:"sandbox_root"`
	// LocalDocs copies docs into the workspace instead of handing the
	// agent a fetch URL.
	LocalDocs bool `toml:"local_docs"`
}

// RegistryConfig locates the spec registry and compiled doc variants.
type RegistryConfig struct {
	Root         string `toml:"root"`
	CompiledRoot string `toml:"compiled_root"`
	// PromptTemplate overrides the built-in prompt template when set.
	PromptTemplate string `toml:"prompt_template"`
}

// DockerConfig contains settings for the containerized agent runtime.
type DockerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Image    string `toml:"image"`
	AutoPull bool   `toml:"auto_pull"`
}

// GitHubConfig describes where compiled docs are published for URL
// delivery. Empty Repo disables URL delivery.
type GitHubConfig struct {
	Repo   string `toml:"repo"`
	Branch string `toml:"branch"`
	// PathPrefix is the repo-relative directory holding compiled docs.
	PathPrefix string `toml:"path_prefix"`
}

// RawURL builds the raw-content URL for a compiled doc path relative to
// the compiled root.
func (g GitHubConfig) RawURL(relPath string) string {
	if g.Repo == "" {
		return ""
	}
	branch := g.Branch
	if branch == "" {
		branch = "main"
	}
	prefix := g.PathPrefix
	if prefix != "" {
		prefix += "/"
	}
	return "https://raw.githubusercontent.com/" + g.Repo + "/" + branch + "/" + prefix + filepath.ToSlash(relPath)
}

// Default configuration values.
var Default = Config{
	Harness: HarnessConfig{
		ResultsDir:     "results/runs",
		Concurrency:    3,
		TimeoutSeconds: 180,
		Retries:        1,
		Priority:       "size-descending",
		Agent:          "claude",
		AllowedTools:   []string{"Bash", "Read", "Write", "Glob", "Grep", "WebFetch"},
	},
	Registry: RegistryConfig{
		Root:         "registry",
		CompiledRoot: "compiled",
	},
	Docker: DockerConfig{
		AutoPull: true,
	},
	GitHub: GitHubConfig{
		Branch: "main",
	},
}

// configPaths returns the list of paths to search for config files.
func configPaths() []string {
	paths := []string{"./lapbench.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".lapbench.toml"))
		paths = append(paths, filepath.Join(home, ".config", "lapbench", "config.toml"))
	}

	return paths
}

// Load loads configuration from a file or discovers it automatically.
// If configFile is empty, it searches standard locations. Returns default
// config if no file is found. A .env file in the working directory and
// LAPBENCH_* environment variables overlay the file.
func Load(configFile string) (*Config, error) {
	cfg := Default // Start with defaults

	var path string
	if configFile != "" {
		path = configFile
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	} else {
		for _, p := range configPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// Ensure critical fields aren't zeroed out by partial config
	if cfg.Harness.ResultsDir == "" {
		cfg.Harness.ResultsDir = Default.Harness.ResultsDir
	}
	if cfg.Harness.Concurrency <= 0 {
		cfg.Harness.Concurrency = Default.Harness.Concurrency
	}
	if cfg.Harness.TimeoutSeconds <= 0 {
		cfg.Harness.TimeoutSeconds = Default.Harness.TimeoutSeconds
	}
	if cfg.Harness.Retries < 0 {
		cfg.Harness.Retries = Default.Harness.Retries
	}
	if cfg.Harness.Priority == "" {
		cfg.Harness.Priority = Default.Harness.Priority
	}
	if cfg.Harness.Agent == "" {
		cfg.Harness.Agent = Default.Harness.Agent
	}
	if len(cfg.Harness.AllowedTools) == 0 {
		cfg.Harness.AllowedTools = Default.Harness.AllowedTools
	}
	if cfg.Registry.Root == "" {
		cfg.Registry.Root = Default.Registry.Root
	}
	if cfg.Registry.CompiledRoot == "" {
		cfg.Registry.CompiledRoot = Default.Registry.CompiledRoot
	}

	applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv overlays .env and LAPBENCH_* variables on the loaded config.
// Environment wins over the file, so CI can steer a checked-in config.
func applyEnv(cfg *Config) {
	_ = godotenv.Load()

	if v := os.Getenv("LAPBENCH_MODEL"); v != "" {
		cfg.Harness.Model = v
	}
	if v := os.Getenv("LAPBENCH_AGENT"); v != "" {
		cfg.Harness.Agent = v
	}
	if v := os.Getenv("LAPBENCH_RESULTS_DIR"); v != "" {
		cfg.Harness.ResultsDir = v
	}
	if v := os.Getenv("LAPBENCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Harness.Concurrency = n
		}
	}
}

// GetAgent returns the agent configuration for the given name.
// User-configured agents take precedence over built-in defaults.
// Returns nil if the agent is not found.
func (c *Config) GetAgent(name string) *AgentConfig {
	if c.Agents != nil {
		if agent, ok := c.Agents[name]; ok {
			return &agent
		}
	}
	if agent, ok := DefaultAgents[name]; ok {
		return &agent
	}
	return nil
}

// ListAgents returns all available agent names (built-in + user-configured), sorted.
func (c *Config) ListAgents() []string {
	seen := make(map[string]bool)
	var names []string

	for name := range c.Agents {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range DefaultAgents {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names
}
