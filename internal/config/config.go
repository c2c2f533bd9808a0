// ABOUTME: Configuration loading and parsing for chat-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chat-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Stream   StreamConfig   `yaml:"stream"`
	Socket   SocketConfig   `yaml:"socket"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// OriginPatterns restricts websocket upgrade origins. Empty means any.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// Insecure accepts the bearer token verbatim as the identity.
	// Development only.
	Insecure bool `yaml:"insecure"`
}

// StreamConfig holds response streaming configuration
type StreamConfig struct {
	// QueueSize bounds the event bridge between the agent task and the
	// stream consumer. The producer blocks when it is full.
	QueueSize int `yaml:"queue_size"`
}

// SocketConfig holds websocket frame handling configuration
type SocketConfig struct {
	ReplayTTL      time.Duration `yaml:"-"`
	ReplayCapacity int           `yaml:"replay_capacity"`

	// Raw string value for YAML unmarshaling
	ReplayTTLRaw string `yaml:"replay_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied after parsing, before validation.
const (
	DefaultQueueSize      = 256
	DefaultReplayTTL      = 2 * time.Minute
	DefaultReplayCapacity = 4096
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

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

func (c *Config) applyDefaults() {
	if c.Stream.QueueSize == 0 {
		c.Stream.QueueSize = DefaultQueueSize
	}
	if c.Socket.ReplayTTL == 0 {
		c.Socket.ReplayTTL = DefaultReplayTTL
	}
	if c.Socket.ReplayCapacity == 0 {
		c.Socket.ReplayCapacity = DefaultReplayCapacity
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" && !c.Auth.Insecure {
		return fmt.Errorf("auth.jwt_secret is required (or set auth.insecure for development)")
	}

	if c.Stream.QueueSize < 0 {
		return fmt.Errorf("stream.queue_size must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Socket.ReplayTTLRaw != "" {
		d, err := time.ParseDuration(cfg.Socket.ReplayTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing replay_ttl %q: %w", cfg.Socket.ReplayTTLRaw, err)
		}
		cfg.Socket.ReplayTTL = d
	}
	return nil
}
