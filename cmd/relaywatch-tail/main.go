package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaywatch/internal/changefeed"
	"github.com/agentworkforce/relaywatch/internal/logging"
	"github.com/agentworkforce/relaywatch/internal/poller"
	"github.com/agentworkforce/relaywatch/internal/source"
)

func main() {
	dsn := flag.String("source", envOrDefault("RELAYWATCH_EVENTS_DSN", "http://127.0.0.1:8080"), "event source DSN")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAYWATCH_TOKEN")), "bearer token for http sources")
	interval := flag.Duration("interval", durationEnv("RELAYWATCH_TAIL_INTERVAL", poller.DefaultPollInterval), "poll interval")
	timeout := flag.Duration("timeout", durationEnv("RELAYWATCH_TAIL_TIMEOUT", poller.DefaultFetchTimeout), "per-fetch timeout")
	limit := flag.Int("limit", poller.DefaultPageLimit, "events fetched per stream per poll")
	logFormat := flag.String("log-format", envOrDefault("RELAYWATCH_LOG_FORMAT", "text"), "log format (text or json)")
	once := flag.Bool("once", false, "poll once, print and exit")
	flag.Parse()

	logger := logging.New()
	if err := logging.Configure(logger, envOrDefault("RELAYWATCH_LOG_LEVEL", "info"), *logFormat); err != nil {
		logger.Fatalf("failed to configure logging: %v", err)
	}
	if *interval <= 0 {
		*interval = poller.DefaultPollInterval
	}
	if *timeout <= 0 {
		*timeout = poller.DefaultFetchTimeout
	}

	events, err := source.BuildFromDSN(*dsn, source.BuildOptions{
		Token:      *token,
		HTTPClient: &http.Client{Timeout: *timeout},
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("failed to initialize source: %v", err)
	}
	if c, ok := events.(io.Closer); ok {
		defer c.Close()
	}
	session := changefeed.NewSession(changefeed.SessionOptions{})
	p, err := poller.New(session, events, nil, poller.Options{
		FetchTimeout: *timeout,
		PageLimit:    *limit,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatalf("failed to initialize poller: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tail := newTailer(session)
	run := func() {
		p.Tick(rootCtx)
		p.Wait()
		p.Prune()
		for _, line := range tail.report() {
			logger.Printf("%s", line)
		}
	}

	run()
	if *once {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Printf("tail stopping: %v", rootCtx.Err())
			return
		case <-ticker.C:
			run()
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logging.New().Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
