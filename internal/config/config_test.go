package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type captureLogger struct {
	lines []string
}

func (c *captureLogger) Printf(format string, args ...any) {
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Poll.Interval != 500*time.Millisecond || cfg.Poll.MetricsInterval != time.Second {
		t.Fatalf("unexpected poll defaults: %+v", cfg.Poll)
	}
	if cfg.Session.MaxEvents != 200 || cfg.Session.MaxSourceWrites != 100 || cfg.Session.MaxWriteRecords != 50 {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Sources.MetricsDSN != cfg.Sources.EventsDSN {
		t.Fatalf("expected metrics dsn to default to events dsn, got %q", cfg.Sources.MetricsDSN)
	}
	if cfg.HTTP.StreamInterval != cfg.Poll.Interval {
		t.Fatalf("expected stream interval to follow poll interval, got %s", cfg.HTTP.StreamInterval)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaywatch.yaml")
	content := `
addr: ":9090"
sources:
  events_dsn: "sqlite:///var/lib/relaywatch/events.db"
  metrics_dsn: "http://metrics:8080"
  create_tables: true
poll:
  interval: 250ms
  page_limit: 250
session:
  max_age: 2m
log:
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != ":9090" || !cfg.Sources.CreateTables || cfg.Sources.MetricsDSN != "http://metrics:8080" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Poll.Interval != 250*time.Millisecond || cfg.Poll.PageLimit != 250 {
		t.Fatalf("unexpected poll config: %+v", cfg.Poll)
	}
	if cfg.Poll.MetricsInterval != time.Second {
		t.Fatalf("expected unset keys to keep defaults, got %s", cfg.Poll.MetricsInterval)
	}
	if cfg.Session.MaxAge != 2*time.Minute || cfg.Session.MaxEvents != 200 {
		t.Fatalf("unexpected session config: %+v", cfg.Session)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaywatch.yaml")
	if err := os.WriteFile(path, []byte("poll:\n  interval: 2s\n"), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	t.Setenv("RELAYWATCH_POLL_INTERVAL", "150ms")
	t.Setenv("RELAYWATCH_MAX_EVENTS", "20")
	t.Setenv("RELAYWATCH_CREATE_TABLES", "true")
	t.Setenv("RELAYWATCH_EVENTS_DSN", "file:///tmp/relaywatch")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Poll.Interval != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", cfg.Poll.Interval)
	}
	if cfg.Session.MaxEvents != 20 || !cfg.Sources.CreateTables {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.Sources.MetricsDSN != "file:///tmp/relaywatch" {
		t.Fatalf("expected metrics dsn to follow overridden events dsn, got %q", cfg.Sources.MetricsDSN)
	}
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("RELAYWATCH_PAGE_LIMIT", "lots")
	t.Setenv("RELAYWATCH_MAX_AGE", "soon")
	logger := &captureLogger{}
	cfg, err := Load("", logger)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Poll.PageLimit != 200 {
		t.Fatalf("expected fallback 200, got %d", cfg.Poll.PageLimit)
	}
	if cfg.Session.MaxAge != 5*time.Minute {
		t.Fatalf("expected fallback 5m, got %s", cfg.Session.MaxAge)
	}
	if len(logger.lines) != 2 || !strings.Contains(logger.lines[0], "RELAYWATCH_PAGE_LIMIT") {
		t.Fatalf("expected invalid values to be logged, got %v", logger.lines)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("RELAYWATCH_LOG_FORMAT", "xml")
	t.Setenv("RELAYWATCH_PAGE_LIMIT", "0")
	_, err := Load("", nil)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "log.format") || !strings.Contains(err.Error(), "poll.page_limit") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestValidateRequiresPageToCoverEventBuffer(t *testing.T) {
	t.Setenv("RELAYWATCH_PAGE_LIMIT", "150")
	_, err := Load("", nil)
	if err == nil || !strings.Contains(err.Error(), "session.max_events") {
		t.Fatalf("expected page limit below the event cap to be rejected, got %v", err)
	}

	t.Setenv("RELAYWATCH_MAX_EVENTS", "120")
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("expected page limit covering a smaller cap to pass, got %v", err)
	}
	if cfg.Poll.PageLimit != 150 {
		t.Fatalf("expected page limit 150, got %d", cfg.Poll.PageLimit)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
