package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"roomrelay/internal/ratelimit"
	dbconfig "roomrelay/pkg/database"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "ROOMRELAY"

// Config is the complete service configuration.
type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	Database  *DatabaseConfig  `json:"database"`
	WebSocket *WebSocketConfig `json:"websocket"`
	RateLimit *RateLimitConfig `json:"rate_limit"`
	Rooms     *RoomsConfig     `json:"rooms"`
	Analysis  *AnalysisConfig  `json:"analysis"`
	Logging   *LoggingConfig   `json:"logging"`
}

type HTTPConfig struct {
	Host              string        `split_words:"true"`
	Port              int           `split_words:"true"`
	ReadTimeout       time.Duration `split_words:"true"`
	WriteTimeout      time.Duration `split_words:"true"`
	IdleTimeout       time.Duration `split_words:"true"`
	ShutdownTimeout   time.Duration `split_words:"true"`
	AllowedOrigins    []string      `split_words:"true"`
	TrustProxyHeaders bool          `split_words:"true"`
}

// Addr returns host:port for http.Server.
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type DatabaseConfig struct {
	Path           string `split_words:"true"`
	MaxConnections int    `split_words:"true"`
	MigrationsPath string `split_words:"true"`
}

// ManagerConfig converts to the database package's configuration.
func (d *DatabaseConfig) ManagerConfig() *dbconfig.Config {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = d.Path
	cfg.MaxConnections = d.MaxConnections
	cfg.MigrationsPath = d.MigrationsPath
	return cfg
}

// WebSocketConfig holds heartbeat, buffering and inbound throttle settings.
// Timeouts are tuned for mobile clients that go quiet for tens of seconds.
type WebSocketConfig struct {
	PingInterval     time.Duration `split_words:"true"`
	ReadTimeout      time.Duration `split_words:"true"`
	WriteTimeout     time.Duration `split_words:"true"`
	HandshakeTimeout time.Duration `split_words:"true"`
	BufferSize       int           `split_words:"true"`
	MaxMessageBytes  int64         `split_words:"true"`
	InboundRate      float64       `split_words:"true"`
	InboundBurst     int           `split_words:"true"`
}

// RateLimitConfig overrides the built-in policy table. Policies uses the
// form "path=max/seconds,path=max/seconds".
type RateLimitConfig struct {
	Enabled       bool          `split_words:"true"`
	DefaultMax    int           `split_words:"true"`
	DefaultWindow time.Duration `split_words:"true"`
	Policies      string        `split_words:"true"`
	PruneInterval time.Duration `split_words:"true"`
	MaxAge        time.Duration `split_words:"true"`
}

// PolicyTable builds the effective policy table.
func (r *RateLimitConfig) PolicyTable() (ratelimit.PolicyTable, error) {
	table := ratelimit.DefaultPolicyTable()
	table.Default = ratelimit.Policy{MaxRequests: r.DefaultMax, Window: r.DefaultWindow}

	if strings.TrimSpace(r.Policies) != "" {
		overrides, err := ratelimit.ParsePolicies(r.Policies)
		if err != nil {
			return ratelimit.PolicyTable{}, err
		}
		table = table.WithOverrides(overrides)
	}

	if err := table.Validate(); err != nil {
		return ratelimit.PolicyTable{}, err
	}
	return table, nil
}

type RoomsConfig struct {
	PositiveTTL time.Duration `split_words:"true"`
	NegativeTTL time.Duration `split_words:"true"`
	MaxEntries  int64         `split_words:"true"`
}

// AnalysisConfig configures the optional analyzer webhook. An empty Endpoint
// disables analysis.
type AnalysisConfig struct {
	Endpoint         string        `split_words:"true"`
	MaxConcurrent    int64         `split_words:"true"`
	Timeout          time.Duration `split_words:"true"`
	MinContentLength int           `split_words:"true"`
	MaxAttempts      int           `split_words:"true"`
}

type LoggingConfig struct {
	Level  string `split_words:"true"`
	Format string `split_words:"true"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: &DatabaseConfig{
			Path:           "./data/roomrelay.db",
			MaxConnections: 10,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			BufferSize:       100,
			MaxMessageBytes:  1 << 20,
			InboundRate:      5,
			InboundBurst:     10,
		},
		RateLimit: &RateLimitConfig{
			Enabled:       true,
			DefaultMax:    300,
			DefaultWindow: 60 * time.Second,
			PruneInterval: 5 * time.Minute,
			MaxAge:        time.Hour,
		},
		Rooms: &RoomsConfig{
			PositiveTTL: 30 * time.Second,
			NegativeTTL: 5 * time.Second,
			MaxEntries:  10000,
		},
		Analysis: &AnalysisConfig{
			MaxConcurrent:    32,
			Timeout:          30 * time.Second,
			MinContentLength: 10,
			MaxAttempts:      3,
		},
		Logging: &LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.HTTP == nil || c.Database == nil || c.WebSocket == nil || c.RateLimit == nil ||
		c.Rooms == nil || c.Analysis == nil || c.Logging == nil {
		return errors.New("all configuration sections are required")
	}

	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must be longer than the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("WebSocket max message bytes must be positive")
	}
	if c.WebSocket.InboundRate < 0 || c.WebSocket.InboundBurst < 0 {
		return fmt.Errorf("WebSocket inbound rate and burst cannot be negative")
	}

	if _, err := c.RateLimit.PolicyTable(); err != nil {
		return fmt.Errorf("rate limit policies: %w", err)
	}
	if c.RateLimit.PruneInterval <= 0 || c.RateLimit.MaxAge <= 0 {
		return fmt.Errorf("rate limit prune interval and max age must be positive")
	}

	if c.Rooms.PositiveTTL <= 0 || c.Rooms.NegativeTTL <= 0 {
		return fmt.Errorf("room cache TTLs must be positive")
	}

	if c.Analysis.MaxConcurrent <= 0 {
		return fmt.Errorf("analysis max concurrent must be positive")
	}
	if c.Analysis.Timeout <= 0 {
		return fmt.Errorf("analysis timeout must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	return nil
}

// LoadDotEnv loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays ROOMRELAY_<SECTION>_<FIELD> variables onto c, e.g.
// ROOMRELAY_HTTP_PORT or ROOMRELAY_RATE_LIMIT_DEFAULT_MAX. Unset variables
// leave the current values alone.
func ApplyEnv(c *Config) error {
	sections := []struct {
		prefix string
		spec   interface{}
	}{
		{"HTTP", c.HTTP},
		{"DATABASE", c.Database},
		{"WEBSOCKET", c.WebSocket},
		{"RATE_LIMIT", c.RateLimit},
		{"ROOMS", c.Rooms},
		{"ANALYSIS", c.Analysis},
		{"LOG", c.Logging},
	}

	for _, section := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+section.prefix, section.spec); err != nil {
			return fmt.Errorf("invalid %s environment: %w", strings.ToLower(section.prefix), err)
		}
	}
	return nil
}

// LoadFromEnv returns defaults overlaid with the environment.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromFile returns defaults overlaid with a JSON file.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// LoadConfigWithPrecedence layers file over environment over defaults.
// An empty path skips the file layer.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}

	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
