// ABOUTME: Configuration loading and parsing for dexter-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete dexter-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Hub      HubConfig      `yaml:"hub" toml:"hub"`
	Memory   MemoryConfig   `yaml:"memory" toml:"memory"`
	Clarify  ClarifyConfig  `yaml:"clarify" toml:"clarify"`
	Graph    GraphConfig    `yaml:"graph" toml:"graph"`
	Sinks    SinksConfig    `yaml:"sinks" toml:"sinks"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables API auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// HubConfig tunes the collaboration hub
type HubConfig struct {
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
	// EventLog persists every event for replay. Defaults to true.
	EventLog *bool `yaml:"event_log" toml:"event_log"`
}

// EventLogEnabled reports whether the append-only event log is on.
func (h HubConfig) EventLogEnabled() bool {
	return h.EventLog == nil || *h.EventLog
}

// MemoryConfig tunes the layered memory
type MemoryConfig struct {
	ShortTermCapacity int             `yaml:"short_term_capacity" toml:"short_term_capacity"`
	HistoryLimit      int             `yaml:"history_limit" toml:"history_limit"`
	Embedding         EmbeddingConfig `yaml:"embedding" toml:"embedding"`
}

// EmbeddingConfig configures the Ollama embedder used for long-term recall
type EmbeddingConfig struct {
	Enabled bool          `yaml:"enabled" toml:"enabled"`
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	Model   string        `yaml:"model" toml:"model"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// ClarifyConfig selects and tunes the clarification engine
type ClarifyConfig struct {
	Mode              string        `yaml:"mode" toml:"mode"` // heuristic | model
	AnswerTimeout     time.Duration `yaml:"-" toml:"-"`
	Provider          string        `yaml:"provider" toml:"provider"` // ollama | openai
	BaseURL           string        `yaml:"base_url" toml:"base_url"`
	Model             string        `yaml:"model" toml:"model"`
	APIKey            string        `yaml:"api_key" toml:"api_key"`
	Seed              int           `yaml:"seed" toml:"seed"`
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second"`
	Timeout           time.Duration `yaml:"-" toml:"-"`
	CacheTTL          time.Duration `yaml:"-" toml:"-"`
	CacheSize         int           `yaml:"cache_size" toml:"cache_size"`
	HandoffTTL        time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	AnswerTimeoutRaw string `yaml:"answer_timeout" toml:"answer_timeout"`
	TimeoutRaw       string `yaml:"timeout" toml:"timeout"`
	CacheTTLRaw      string `yaml:"cache_ttl" toml:"cache_ttl"`
	HandoffTTLRaw    string `yaml:"handoff_ttl" toml:"handoff_ttl"`
}

// GraphConfig selects the knowledge graph backend
type GraphConfig struct {
	Backend  string `yaml:"backend" toml:"backend"` // sqlite | neo4j
	URI      string `yaml:"uri" toml:"uri"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// SinksConfig holds the event sinks
type SinksConfig struct {
	Log   LogSinkConfig   `yaml:"log" toml:"log"`
	Kafka KafkaSinkConfig `yaml:"kafka" toml:"kafka"`
}

// LogSinkConfig writes every hub event to the gateway log
type LogSinkConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// KafkaSinkConfig mirrors hub events to a Kafka topic
type KafkaSinkConfig struct {
	Enabled      bool          `yaml:"enabled" toml:"enabled"`
	Brokers      []string      `yaml:"brokers" toml:"brokers"`
	Topic        string        `yaml:"topic" toml:"topic"`
	BatchTimeout time.Duration `yaml:"-" toml:"-"`

	BatchTimeoutRaw string `yaml:"batch_timeout" toml:"batch_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"` // empty logs to stdout
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Defaults
const (
	DefaultHTTPAddr          = "localhost:8080"
	DefaultQueueSize         = 64
	DefaultShortTermCapacity = 50
	DefaultHistoryLimit      = 10
	DefaultAnswerTimeout     = 5 * time.Minute
	DefaultKafkaTopic        = "dexter.events"
)

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// DEXTER_DB_PATH overrides database.path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes configuration content in the given format ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "yml", "":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if envPath := os.Getenv("DEXTER_DB_PATH"); envPath != "" {
		cfg.Database.Path = envPath
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the path to the gateway config file.
// Priority: DEXTER_CONFIG env var > XDG_CONFIG_HOME/dexter/gateway.yaml > ~/.config/dexter/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("DEXTER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "dexter", "gateway.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarRe.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Hub.QueueSize == 0 {
		c.Hub.QueueSize = DefaultQueueSize
	}
	if c.Memory.ShortTermCapacity == 0 {
		c.Memory.ShortTermCapacity = DefaultShortTermCapacity
	}
	if c.Memory.HistoryLimit == 0 {
		c.Memory.HistoryLimit = DefaultHistoryLimit
	}
	if c.Clarify.Mode == "" {
		c.Clarify.Mode = "heuristic"
	}
	if c.Clarify.AnswerTimeoutRaw == "" {
		c.Clarify.AnswerTimeout = DefaultAnswerTimeout
	}
	if c.Graph.Backend == "" {
		c.Graph.Backend = "sqlite"
	}
	if c.Sinks.Kafka.Topic == "" {
		c.Sinks.Kafka.Topic = DefaultKafkaTopic
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Hub.QueueSize < 1 {
		return fmt.Errorf("hub.queue_size must be positive")
	}
	if c.Memory.ShortTermCapacity < 1 {
		return fmt.Errorf("memory.short_term_capacity must be positive")
	}
	if c.Memory.Embedding.Enabled && c.Memory.Embedding.Model == "" {
		return fmt.Errorf("memory.embedding.model is required when embedding is enabled")
	}

	switch c.Clarify.Mode {
	case "heuristic":
	case "model":
		if c.Clarify.Model == "" {
			return fmt.Errorf("clarify.model is required in model mode")
		}
		switch c.Clarify.Provider {
		case "", "ollama":
		case "openai":
			if c.Clarify.APIKey == "" && c.Clarify.BaseURL == "" {
				return fmt.Errorf("clarify.api_key or clarify.base_url is required for the openai provider")
			}
		default:
			return fmt.Errorf("clarify.provider must be ollama or openai, got %q", c.Clarify.Provider)
		}
	default:
		return fmt.Errorf("clarify.mode must be heuristic or model, got %q", c.Clarify.Mode)
	}
	if c.Clarify.RequestsPerSecond < 0 {
		return fmt.Errorf("clarify.requests_per_second must not be negative")
	}

	switch c.Graph.Backend {
	case "sqlite":
	case "neo4j":
		if c.Graph.URI == "" {
			return fmt.Errorf("graph.uri is required for the neo4j backend")
		}
	default:
		return fmt.Errorf("graph.backend must be sqlite or neo4j, got %q", c.Graph.Backend)
	}

	if c.Sinks.Kafka.Enabled && len(c.Sinks.Kafka.Brokers) == 0 {
		return fmt.Errorf("sinks.kafka.brokers is required when the kafka sink is enabled")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"clarify.answer_timeout", cfg.Clarify.AnswerTimeoutRaw, &cfg.Clarify.AnswerTimeout},
		{"clarify.timeout", cfg.Clarify.TimeoutRaw, &cfg.Clarify.Timeout},
		{"clarify.cache_ttl", cfg.Clarify.CacheTTLRaw, &cfg.Clarify.CacheTTL},
		{"clarify.handoff_ttl", cfg.Clarify.HandoffTTLRaw, &cfg.Clarify.HandoffTTL},
		{"memory.embedding.timeout", cfg.Memory.Embedding.TimeoutRaw, &cfg.Memory.Embedding.Timeout},
		{"sinks.kafka.batch_timeout", cfg.Sinks.Kafka.BatchTimeoutRaw, &cfg.Sinks.Kafka.BatchTimeout},
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
