package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaywatch/internal/changefeed"
	"github.com/agentworkforce/relaywatch/internal/config"
	"github.com/agentworkforce/relaywatch/internal/httpapi"
	"github.com/agentworkforce/relaywatch/internal/logging"
	"github.com/agentworkforce/relaywatch/internal/poller"
	"github.com/agentworkforce/relaywatch/internal/source"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault("RELAYWATCH_CONFIG", ""), "path to a YAML config file")
	flag.Parse()

	logger := logging.New()
	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if err := logging.Configure(logger, cfg.Log.Level, cfg.Log.Format); err != nil {
		logger.Fatalf("failed to configure logging: %v", err)
	}

	events, metrics, closeSources, err := buildSources(cfg, logger)
	if err != nil {
		logger.Fatalf("failed to initialize sources: %v", err)
	}
	defer closeSources()

	session := changefeed.NewSession(changefeed.SessionOptions{
		MaxEvents:         cfg.Session.MaxEvents,
		MaxSourceWrites:   cfg.Session.MaxSourceWrites,
		MaxWriteRecords:   cfg.Session.MaxWriteRecords,
		MaxAge:            cfg.Session.MaxAge,
		HighlightDuration: cfg.Session.HighlightDuration,
	})
	p, err := poller.New(session, events, metrics, poller.Options{
		PollInterval:    cfg.Poll.Interval,
		MetricsInterval: cfg.Poll.MetricsInterval,
		PruneInterval:   cfg.Poll.PruneInterval,
		FetchTimeout:    cfg.Poll.FetchTimeout,
		PageLimit:       cfg.Poll.PageLimit,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatalf("failed to initialize poller: %v", err)
	}
	server := httpapi.NewServerWithConfig(session, p, httpapi.ServerConfig{
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
		StreamInterval:  cfg.HTTP.StreamInterval,
		RateLimitMax:    intEnv("RELAYWATCH_RATE_LIMIT_MAX", 0, logger),
		RateLimitWindow: durationEnv("RELAYWATCH_RATE_LIMIT_WINDOW", time.Minute, logger),
		Logger:          logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return p.Run(ctx)
	})
	g.Go(func() error {
		logger.Printf("relaywatch listening on %s (events %s)", cfg.Addr, redactDSN(cfg.Sources.EventsDSN))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if obs := session.Observation(); obs != nil {
			if err := p.StopObservation(shutdownCtx); err != nil {
				logger.Printf("failed to stop observation %s: %v", obs.ID, err)
			}
		}
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Fatalf("relaywatch failed: %v", err)
	}
	logger.Printf("relaywatch stopped")
}

// buildSources builds the event source and, when available, the metrics
// source. A metrics DSN equal to the events DSN reuses the same adapter so
// in-process sources are shared.
func buildSources(cfg *config.Config, logger source.Logger) (source.EventSource, source.MetricsSource, func(), error) {
	opts := source.BuildOptions{
		Token:      cfg.Sources.Token,
		HTTPClient: &http.Client{Timeout: cfg.Poll.FetchTimeout},
		Logger:     logger,
		SQL: source.SQLOptions{
			WritesTable:      cfg.Sources.WritesTable,
			PropagationTable: cfg.Sources.PropagationTable,
			CreateTables:     cfg.Sources.CreateTables,
		},
	}
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	events, err := source.BuildFromDSN(cfg.Sources.EventsDSN, opts)
	if err != nil {
		return nil, nil, closeAll, err
	}
	if c, ok := events.(io.Closer); ok {
		closers = append(closers, c)
	}

	metricsDSN := strings.TrimSpace(cfg.Sources.MetricsDSN)
	if metricsDSN == "" || metricsDSN == strings.TrimSpace(cfg.Sources.EventsDSN) {
		if metrics, ok := events.(source.MetricsSource); ok {
			return events, metrics, closeAll, nil
		}
		logger.Printf("event source %s does not serve metrics; observation is disabled", redactDSN(cfg.Sources.EventsDSN))
		return events, nil, closeAll, nil
	}
	metrics, err := source.BuildMetricsFromDSN(metricsDSN, opts)
	if err != nil {
		closeAll()
		return nil, nil, func() {}, err
	}
	if c, ok := metrics.(io.Closer); ok {
		closers = append(closers, c)
	}
	return events, metrics, closeAll, nil
}

// redactDSN drops credentials from a DSN before it is logged.
func redactDSN(dsn string) string {
	schemeEnd := strings.Index(dsn, "://")
	at := strings.LastIndex(dsn, "@")
	if schemeEnd < 0 || at < schemeEnd {
		return dsn
	}
	return dsn[:schemeEnd+3] + "***" + dsn[at:]
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
