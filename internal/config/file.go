package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// The file format mirrors Config but spells durations as strings ("30s").
// Absent or zero fields keep the value from the lower layer.
type fileConfig struct {
	HTTP *struct {
		Host              string   `json:"host"`
		Port              int      `json:"port"`
		ReadTimeout       string   `json:"read_timeout"`
		WriteTimeout      string   `json:"write_timeout"`
		IdleTimeout       string   `json:"idle_timeout"`
		ShutdownTimeout   string   `json:"shutdown_timeout"`
		AllowedOrigins    []string `json:"allowed_origins"`
		TrustProxyHeaders *bool    `json:"trust_proxy_headers"`
	} `json:"http"`

	Database *struct {
		Path           string `json:"path"`
		MaxConnections int    `json:"max_connections"`
		MigrationsPath string `json:"migrations_path"`
	} `json:"database"`

	WebSocket *struct {
		PingInterval     string   `json:"ping_interval"`
		ReadTimeout      string   `json:"read_timeout"`
		WriteTimeout     string   `json:"write_timeout"`
		HandshakeTimeout string   `json:"handshake_timeout"`
		BufferSize       int      `json:"buffer_size"`
		MaxMessageBytes  int64    `json:"max_message_bytes"`
		InboundRate      *float64 `json:"inbound_rate"`
		InboundBurst     int      `json:"inbound_burst"`
	} `json:"websocket"`

	RateLimit *struct {
		Enabled       *bool  `json:"enabled"`
		DefaultMax    int    `json:"default_max"`
		DefaultWindow string `json:"default_window"`
		Policies      string `json:"policies"`
		PruneInterval string `json:"prune_interval"`
		MaxAge        string `json:"max_age"`
	} `json:"rate_limit"`

	Rooms *struct {
		PositiveTTL string `json:"positive_ttl"`
		NegativeTTL string `json:"negative_ttl"`
		MaxEntries  int64  `json:"max_entries"`
	} `json:"rooms"`

	Analysis *struct {
		Endpoint         string `json:"endpoint"`
		MaxConcurrent    int64  `json:"max_concurrent"`
		Timeout          string `json:"timeout"`
		MinContentLength *int   `json:"min_content_length"`
		MaxAttempts      int    `json:"max_attempts"`
	} `json:"analysis"`

	Logging *struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"logging"`
}

func applyFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file fileConfig
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	d := durationSetter{}

	if f := file.HTTP; f != nil {
		setString(&c.HTTP.Host, f.Host)
		setInt(&c.HTTP.Port, f.Port)
		d.set("http.read_timeout", &c.HTTP.ReadTimeout, f.ReadTimeout)
		d.set("http.write_timeout", &c.HTTP.WriteTimeout, f.WriteTimeout)
		d.set("http.idle_timeout", &c.HTTP.IdleTimeout, f.IdleTimeout)
		d.set("http.shutdown_timeout", &c.HTTP.ShutdownTimeout, f.ShutdownTimeout)
		if len(f.AllowedOrigins) > 0 {
			c.HTTP.AllowedOrigins = f.AllowedOrigins
		}
		if f.TrustProxyHeaders != nil {
			c.HTTP.TrustProxyHeaders = *f.TrustProxyHeaders
		}
	}

	if f := file.Database; f != nil {
		setString(&c.Database.Path, f.Path)
		setInt(&c.Database.MaxConnections, f.MaxConnections)
		setString(&c.Database.MigrationsPath, f.MigrationsPath)
	}

	if f := file.WebSocket; f != nil {
		d.set("websocket.ping_interval", &c.WebSocket.PingInterval, f.PingInterval)
		d.set("websocket.read_timeout", &c.WebSocket.ReadTimeout, f.ReadTimeout)
		d.set("websocket.write_timeout", &c.WebSocket.WriteTimeout, f.WriteTimeout)
		d.set("websocket.handshake_timeout", &c.WebSocket.HandshakeTimeout, f.HandshakeTimeout)
		setInt(&c.WebSocket.BufferSize, f.BufferSize)
		if f.MaxMessageBytes > 0 {
			c.WebSocket.MaxMessageBytes = f.MaxMessageBytes
		}
		if f.InboundRate != nil {
			c.WebSocket.InboundRate = *f.InboundRate
		}
		setInt(&c.WebSocket.InboundBurst, f.InboundBurst)
	}

	if f := file.RateLimit; f != nil {
		if f.Enabled != nil {
			c.RateLimit.Enabled = *f.Enabled
		}
		setInt(&c.RateLimit.DefaultMax, f.DefaultMax)
		d.set("rate_limit.default_window", &c.RateLimit.DefaultWindow, f.DefaultWindow)
		setString(&c.RateLimit.Policies, f.Policies)
		d.set("rate_limit.prune_interval", &c.RateLimit.PruneInterval, f.PruneInterval)
		d.set("rate_limit.max_age", &c.RateLimit.MaxAge, f.MaxAge)
	}

	if f := file.Rooms; f != nil {
		d.set("rooms.positive_ttl", &c.Rooms.PositiveTTL, f.PositiveTTL)
		d.set("rooms.negative_ttl", &c.Rooms.NegativeTTL, f.NegativeTTL)
		if f.MaxEntries > 0 {
			c.Rooms.MaxEntries = f.MaxEntries
		}
	}

	if f := file.Analysis; f != nil {
		setString(&c.Analysis.Endpoint, f.Endpoint)
		if f.MaxConcurrent > 0 {
			c.Analysis.MaxConcurrent = f.MaxConcurrent
		}
		d.set("analysis.timeout", &c.Analysis.Timeout, f.Timeout)
		if f.MinContentLength != nil {
			c.Analysis.MinContentLength = *f.MinContentLength
		}
		setInt(&c.Analysis.MaxAttempts, f.MaxAttempts)
	}

	if f := file.Logging; f != nil {
		setString(&c.Logging.Level, f.Level)
		setString(&c.Logging.Format, f.Format)
	}

	if d.err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, d.err)
	}
	return nil
}

// durationSetter parses duration strings and keeps the first error.
type durationSetter struct {
	err error
}

func (d *durationSetter) set(name string, dst *time.Duration, value string) {
	if value == "" || d.err != nil {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", name, err)
		return
	}
	*dst = parsed
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}
