// Package config provides configuration management for the vibekan gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Data     DataConfig     `mapstructure:"data"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Hosts    HostsConfig    `mapstructure:"hosts"`
	Agent    AgentConfig    `mapstructure:"agent"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Features FeaturesConfig `mapstructure:"features"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds the persistent state layout.
type DataConfig struct {
	// Dir is the root data directory (tasks.db, executions.db, worktrees/).
	Dir string `mapstructure:"dir"`
}

// WorktreeConfig holds Git worktree configuration for isolated agent execution.
type WorktreeConfig struct {
	BasePath        string `mapstructure:"basePath"`        // Base directory for worktrees (default: <data.dir>/worktrees)
	DefaultBranch   string `mapstructure:"defaultBranch"`   // Default base branch (default: main)
	BranchPrefix    string `mapstructure:"branchPrefix"`    // Branch prefix for execution branches (default: vk/exec/)
	CleanupOnRemove bool   `mapstructure:"cleanupOnRemove"` // Remove worktree directory on task deletion
}

// HostsConfig holds host registry tuning.
type HostsConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // seconds, default 15
	LivenessWindow    int `mapstructure:"livenessWindow"`    // seconds, default 60

	// Local host settings: the gateway registers itself as a worker so a
	// single-node install needs no external hosts.
	LocalEnabled       bool     `mapstructure:"localEnabled"`
	LocalName          string   `mapstructure:"localName"`
	LocalMaxConcurrent int      `mapstructure:"localMaxConcurrent"`
	LocalAgents        []string `mapstructure:"localAgents"`
}

// AgentConfig holds agent adapter timeouts and the default worker runtime URL.
type AgentConfig struct {
	WarmupTimeout   int    `mapstructure:"warmupTimeout"`   // seconds, default 60
	IdleTimeout     int    `mapstructure:"idleTimeout"`     // seconds, default 600
	AbortGrace      int    `mapstructure:"abortGrace"`      // seconds, default 5
	WorktreeTimeout int    `mapstructure:"worktreeTimeout"` // seconds, default 30
	WorkerURL       string `mapstructure:"workerUrl"`       // default agent runtime URL, reported on /health

	// Commands overrides the launch command per agent type.
	Commands map[string][]string `mapstructure:"commands"`
}

// Command returns the configured launch command for an agent type, or nil.
func (a *AgentConfig) Command(agentType string) []string {
	if cmd, ok := a.Commands[agentType]; ok && len(cmd) > 0 {
		return cmd
	}
	return nil
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// FeaturesConfig holds feature flags.
type FeaturesConfig struct {
	// MemoryEnhanced is advertised to clients in the health features block.
	MemoryEnhanced bool `mapstructure:"memoryEnhanced"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (h *HostsConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Second
}

// LivenessWindowDuration returns the liveness window as a time.Duration.
func (h *HostsConfig) LivenessWindowDuration() time.Duration {
	return time.Duration(h.LivenessWindow) * time.Second
}

// WarmupTimeoutDuration returns the adapter warm-up timeout as a time.Duration.
func (a *AgentConfig) WarmupTimeoutDuration() time.Duration {
	return time.Duration(a.WarmupTimeout) * time.Second
}

// IdleTimeoutDuration returns the adapter idle timeout as a time.Duration.
func (a *AgentConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(a.IdleTimeout) * time.Second
}

// AbortGraceDuration returns the abort grace period as a time.Duration.
func (a *AgentConfig) AbortGraceDuration() time.Duration {
	return time.Duration(a.AbortGrace) * time.Second
}

// WorktreeTimeoutDuration returns the worktree creation timeout as a time.Duration.
func (a *AgentConfig) WorktreeTimeoutDuration() time.Duration {
	return time.Duration(a.WorktreeTimeout) * time.Second
}

// TasksDBPath returns the path of the task database file.
func (d *DataConfig) TasksDBPath() string {
	return filepath.Join(d.Dir, "tasks.db")
}

// ExecutionsDBPath returns the path of the execution/event-log database file.
func (d *DataConfig) ExecutionsDBPath() string {
	return filepath.Join(d.Dir, "executions.db")
}

// WorktreesDBPath returns the path of the worktree bookkeeping database file.
func (d *DataConfig) WorktreesDBPath() string {
	return filepath.Join(d.Dir, "worktrees.db")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("VIBEKAN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Data defaults
	v.SetDefault("data.dir", "~/.vibekan")

	// Worktree defaults
	v.SetDefault("worktree.basePath", "")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.branchPrefix", "vk/exec/")
	v.SetDefault("worktree.cleanupOnRemove", true)

	// Host registry defaults
	v.SetDefault("hosts.heartbeatInterval", 15)
	v.SetDefault("hosts.livenessWindow", 60)
	v.SetDefault("hosts.localEnabled", true)
	v.SetDefault("hosts.localName", "local")
	v.SetDefault("hosts.localMaxConcurrent", 4)
	v.SetDefault("hosts.localAgents", []string{"opencode", "claude-code", "codex", "gemini-cli"})

	// Agent adapter defaults
	v.SetDefault("agent.warmupTimeout", 60)
	v.SetDefault("agent.idleTimeout", 600)
	v.SetDefault("agent.abortGrace", 5)
	v.SetDefault("agent.worktreeTimeout", 30)
	v.SetDefault("agent.workerUrl", "")
	v.SetDefault("agent.commands", map[string][]string{
		"opencode":    {"opencode", "serve", "--hostname", "127.0.0.1", "--port", "0"},
		"claude-code": {"claude"},
		"codex":       {"codex"},
		"gemini-cli":  {"gemini"},
	})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "vibekan-gateway")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Feature flags
	v.SetDefault("features.memoryEnhanced", false)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix VIBEKAN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/vibekan/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("VIBEKAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("data.dir", "VIBEKAN_DATA_DIR")
	_ = v.BindEnv("agent.workerUrl", "VIBEKAN_WORKER_URL", "VIBEKAN_AGENT_WORKER_URL")
	_ = v.BindEnv("hosts.heartbeatInterval", "VIBEKAN_HOSTS_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("hosts.livenessWindow", "VIBEKAN_HOSTS_LIVENESS_WINDOW")
	_ = v.BindEnv("agent.idleTimeout", "VIBEKAN_AGENT_IDLE_TIMEOUT")
	_ = v.BindEnv("features.memoryEnhanced", "VIBEKAN_FEATURES_MEMORY_ENHANCED")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vibekan/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := expandPaths(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandPaths resolves ~ in path settings and derives dependent defaults.
func expandPaths(cfg *Config) error {
	dir, err := expandHome(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("invalid data.dir: %w", err)
	}
	cfg.Data.Dir = dir

	if cfg.Worktree.BasePath == "" {
		cfg.Worktree.BasePath = filepath.Join(cfg.Data.Dir, "worktrees")
	} else {
		base, err := expandHome(cfg.Worktree.BasePath)
		if err != nil {
			return fmt.Errorf("invalid worktree.basePath: %w", err)
		}
		cfg.Worktree.BasePath = base
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	if cfg.Hosts.HeartbeatInterval <= 0 {
		errs = append(errs, "hosts.heartbeatInterval must be positive")
	}
	if cfg.Hosts.LivenessWindow <= cfg.Hosts.HeartbeatInterval {
		errs = append(errs, "hosts.livenessWindow must be greater than hosts.heartbeatInterval")
	}
	if cfg.Hosts.LocalEnabled && cfg.Hosts.LocalMaxConcurrent <= 0 {
		errs = append(errs, "hosts.localMaxConcurrent must be positive")
	}

	if cfg.Agent.WarmupTimeout <= 0 {
		errs = append(errs, "agent.warmupTimeout must be positive")
	}
	if cfg.Agent.IdleTimeout <= 0 {
		errs = append(errs, "agent.idleTimeout must be positive")
	}
	if cfg.Agent.AbortGrace <= 0 {
		errs = append(errs, "agent.abortGrace must be positive")
	}
	if cfg.Agent.WorktreeTimeout <= 0 {
		errs = append(errs, "agent.worktreeTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
