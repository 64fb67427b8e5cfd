// Package config loads relaywatch settings from an optional YAML file and
// RELAYWATCH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaywatch/internal/changefeed"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Config struct {
	Addr    string        `yaml:"addr"`
	Sources SourcesConfig `yaml:"sources"`
	Poll    PollConfig    `yaml:"poll"`
	Session SessionConfig `yaml:"session"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
}

type SourcesConfig struct {
	// EventsDSN selects the adapter for the two event logs.
	EventsDSN string `yaml:"events_dsn"`
	// MetricsDSN defaults to EventsDSN.
	MetricsDSN       string `yaml:"metrics_dsn"`
	Token            string `yaml:"token"`
	WritesTable      string `yaml:"writes_table"`
	PropagationTable string `yaml:"propagation_table"`
	CreateTables     bool   `yaml:"create_tables"`
}

type PollConfig struct {
	Interval        time.Duration `yaml:"interval"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	PruneInterval   time.Duration `yaml:"prune_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	PageLimit       int           `yaml:"page_limit"`
}

type SessionConfig struct {
	MaxEvents         int           `yaml:"max_events"`
	MaxSourceWrites   int           `yaml:"max_source_writes"`
	MaxWriteRecords   int           `yaml:"max_write_records"`
	MaxAge            time.Duration `yaml:"max_age"`
	HighlightDuration time.Duration `yaml:"highlight_duration"`
}

type HTTPConfig struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// StreamInterval is how often /v1/stream pushes a view. Defaults to the
	// poll interval.
	StreamInterval time.Duration `yaml:"stream_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Addr: ":8080",
		Sources: SourcesConfig{
			EventsDSN: "memory://",
		},
		Poll: PollConfig{
			Interval:        500 * time.Millisecond,
			MetricsInterval: time.Second,
			PruneInterval:   30 * time.Second,
			FetchTimeout:    10 * time.Second,
			PageLimit:       200,
		},
		Session: SessionConfig{
			MaxEvents:         200,
			MaxSourceWrites:   100,
			MaxWriteRecords:   50,
			MaxAge:            5 * time.Minute,
			HighlightDuration: 1500 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			MaxBodyBytes: 1 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies the
// environment. Invalid environment values are logged and ignored.
func Load(path string, logger Logger) (*Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(logger)
	if cfg.Sources.MetricsDSN == "" {
		cfg.Sources.MetricsDSN = cfg.Sources.EventsDSN
	}
	if cfg.HTTP.StreamInterval <= 0 {
		cfg.HTTP.StreamInterval = cfg.Poll.Interval
	}
	return cfg, cfg.Validate()
}

func (c *Config) ApplyEnv(logger Logger) {
	env := envReader{logger: logger}
	c.Addr = env.str("RELAYWATCH_ADDR", c.Addr)
	c.Sources.EventsDSN = env.str("RELAYWATCH_EVENTS_DSN", c.Sources.EventsDSN)
	c.Sources.MetricsDSN = env.str("RELAYWATCH_METRICS_DSN", c.Sources.MetricsDSN)
	c.Sources.Token = env.str("RELAYWATCH_TOKEN", c.Sources.Token)
	c.Sources.WritesTable = env.str("RELAYWATCH_WRITES_TABLE", c.Sources.WritesTable)
	c.Sources.PropagationTable = env.str("RELAYWATCH_PROPAGATION_TABLE", c.Sources.PropagationTable)
	c.Sources.CreateTables = env.boolean("RELAYWATCH_CREATE_TABLES", c.Sources.CreateTables)

	c.Poll.Interval = env.duration("RELAYWATCH_POLL_INTERVAL", c.Poll.Interval)
	c.Poll.MetricsInterval = env.duration("RELAYWATCH_METRICS_INTERVAL", c.Poll.MetricsInterval)
	c.Poll.PruneInterval = env.duration("RELAYWATCH_PRUNE_INTERVAL", c.Poll.PruneInterval)
	c.Poll.FetchTimeout = env.duration("RELAYWATCH_FETCH_TIMEOUT", c.Poll.FetchTimeout)
	c.Poll.PageLimit = env.integer("RELAYWATCH_PAGE_LIMIT", c.Poll.PageLimit)

	c.Session.MaxEvents = env.integer("RELAYWATCH_MAX_EVENTS", c.Session.MaxEvents)
	c.Session.MaxSourceWrites = env.integer("RELAYWATCH_MAX_SOURCE_WRITES", c.Session.MaxSourceWrites)
	c.Session.MaxWriteRecords = env.integer("RELAYWATCH_MAX_WRITE_RECORDS", c.Session.MaxWriteRecords)
	c.Session.MaxAge = env.duration("RELAYWATCH_MAX_AGE", c.Session.MaxAge)
	c.Session.HighlightDuration = env.duration("RELAYWATCH_HIGHLIGHT_DURATION", c.Session.HighlightDuration)

	c.HTTP.MaxBodyBytes = env.int64("RELAYWATCH_MAX_BODY_BYTES", c.HTTP.MaxBodyBytes)
	c.HTTP.StreamInterval = env.duration("RELAYWATCH_STREAM_INTERVAL", c.HTTP.StreamInterval)

	c.Log.Level = env.str("RELAYWATCH_LOG_LEVEL", c.Log.Level)
	c.Log.Format = env.str("RELAYWATCH_LOG_FORMAT", c.Log.Format)
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Sources.EventsDSN) == "" {
		errs = append(errs, errors.New("sources.events_dsn is required"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be > 0"))
	}
	if c.Poll.MetricsInterval <= 0 {
		errs = append(errs, errors.New("poll.metrics_interval must be > 0"))
	}
	// A page shorter than the event buffer can end partway through a
	// logical time, and the watermark skips the rest of it.
	maxEvents := c.Session.MaxEvents
	if maxEvents <= 0 {
		maxEvents = changefeed.DefaultMaxEvents
	}
	if c.Poll.PageLimit <= 0 {
		errs = append(errs, errors.New("poll.page_limit must be > 0"))
	} else if c.Poll.PageLimit < maxEvents {
		errs = append(errs, fmt.Errorf("poll.page_limit must be >= session.max_events (%d), got %d", maxEvents, c.Poll.PageLimit))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

type envReader struct {
	logger Logger
}

func (e envReader) str(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func (e envReader) integer(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.logf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) int64(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.logf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.logf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func (e envReader) boolean(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.logf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
