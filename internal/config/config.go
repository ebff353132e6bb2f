// ABOUTME: Configuration loading and parsing for helmdesk
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete helmdesk configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Connector ConnectorConfig `yaml:"connector"`
	Claims    ClaimsConfig    `yaml:"claims"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database and media storage configuration
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	MediaDir string `yaml:"media_dir"`
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TokenTTLRaw string `yaml:"token_ttl"`
}

// ConnectorConfig holds external messaging connector configuration
type ConnectorConfig struct {
	// Domain is the fixed qualifier appended to bare counterpart
	// addresses when normalizing conversation keys (e.g. "ext.chat"
	// turns "628123" into "628123@ext.chat").
	Domain string `yaml:"domain"`

	// WebhookURL is where outbound replies are POSTed. Empty selects
	// the development sender, which logs sends and fabricates ids.
	WebhookURL string `yaml:"webhook_url"`

	// SharedSecret authenticates inbound connector deliveries on the
	// ingest endpoint. Empty disables the check.
	SharedSecret string `yaml:"shared_secret"`
}

// ClaimsConfig holds claim auto-release timing configuration
type ClaimsConfig struct {
	AutoRelease time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling. Empty or "0" disables
	// auto-release entirely (manual release only).
	AutoReleaseRaw string `yaml:"auto_release"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
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

	if c.Connector.Domain == "" {
		return fmt.Errorf("connector.domain is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Claims.AutoReleaseRaw != "" && cfg.Claims.AutoReleaseRaw != "0" {
		cfg.Claims.AutoRelease, err = time.ParseDuration(cfg.Claims.AutoReleaseRaw)
		if err != nil {
			return fmt.Errorf("parsing auto_release %q: %w", cfg.Claims.AutoReleaseRaw, err)
		}
	}

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 12 * time.Hour
	}

	return nil
}
