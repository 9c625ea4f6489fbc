// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Engine    EngineConfig    `yaml:"engine"`
	Auth      AuthConfig      `yaml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Questions QuestionsConfig `yaml:"questions"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"` // Serve with Tailscale-provisioned certs on :443
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig holds configuration for the external agent engine subprocess.
type EngineConfig struct {
	// Command is the engine binary. Args are prepended before the
	// per-session flags the gateway adds (--resume, --agent).
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// AgentDir is the directory of TOML agent definitions.
	AgentDir string `yaml:"agent_dir"`

	// DefaultAgent is the persona used when a client does not pick one.
	DefaultAgent string `yaml:"default_agent"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// SessionsConfig holds session lifecycle timing configuration
type SessionsConfig struct {
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// QuestionsConfig holds pending-question timing configuration
type QuestionsConfig struct {
	WaitTimeout   time.Duration `yaml:"-"`
	MaxAge        time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	WaitTimeoutRaw   string `yaml:"wait_timeout"`
	MaxAgeRaw        string `yaml:"max_age"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding config values are absent.
const (
	DefaultSessionTTL           = 30 * time.Minute
	DefaultSessionSweepInterval = time.Minute
	DefaultQuestionWaitTimeout  = 60 * time.Second
	DefaultQuestionMaxAge       = 10 * time.Minute
	DefaultQuestionSweep        = time.Minute
	DefaultTokenTTL             = 30 * 24 * time.Hour
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Engine.Command == "" {
		return fmt.Errorf("engine.command is required")
	}

	return nil
}

// applyDefaults fills zero-valued timing fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = DefaultSessionTTL
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = DefaultSessionSweepInterval
	}
	if cfg.Questions.WaitTimeout == 0 {
		cfg.Questions.WaitTimeout = DefaultQuestionWaitTimeout
	}
	if cfg.Questions.MaxAge == 0 {
		cfg.Questions.MaxAge = DefaultQuestionMaxAge
	}
	if cfg.Questions.SweepInterval == 0 {
		cfg.Questions.SweepInterval = DefaultQuestionSweep
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = DefaultTokenTTL
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Sessions.TTLRaw, &cfg.Sessions.TTL, "sessions.ttl"},
		{cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval, "sessions.sweep_interval"},
		{cfg.Questions.WaitTimeoutRaw, &cfg.Questions.WaitTimeout, "questions.wait_timeout"},
		{cfg.Questions.MaxAgeRaw, &cfg.Questions.MaxAge, "questions.max_age"},
		{cfg.Questions.SweepIntervalRaw, &cfg.Questions.SweepInterval, "questions.sweep_interval"},
		{cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL, "auth.token_ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
