package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestConfigureJSON(t *testing.T) {
	logger := New()
	var buf bytes.Buffer
	SetOutput(logger, &buf)
	if err := Configure(logger, "debug", "json"); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}
	logger.Printf("fetch failed: %d", 3)
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "fetch failed: 3" {
		t.Fatalf("unexpected message: %v", entry["msg"])
	}
}

func TestConfigureRejectsUnknownValues(t *testing.T) {
	logger := New()
	if err := Configure(logger, "loud", "text"); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if err := Configure(logger, "info", "xml"); err == nil || !strings.Contains(err.Error(), "xml") {
		t.Fatalf("expected invalid format error, got %v", err)
	}
}
