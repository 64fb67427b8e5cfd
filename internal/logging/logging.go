// Package logging builds the logrus logger shared by the binaries. Every
// component takes a Printf logger, which *logrus.Logger satisfies.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

func New() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger
}

// Configure applies a level name and a format ("text" or "json").
func Configure(logger *logrus.Logger, level, format string) error {
	if strings.TrimSpace(level) != "" {
		parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
		if err != nil {
			return err
		}
		logger.SetLevel(parsed)
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}
	return nil
}

// SetOutput redirects logger output; tests use it to capture lines.
func SetOutput(logger *logrus.Logger, w io.Writer) {
	logger.SetOutput(w)
}
