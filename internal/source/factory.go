package source

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

type BuildOptions struct {
	Token      string
	HTTPClient *http.Client
	Logger     Logger
	SQL        SQLOptions
}

type Factory func(dsn string, opts BuildOptions) (EventSource, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory makes BuildFromDSN route a scheme to a custom factory.
// Registered factories take precedence over the built-in schemes.
func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// BuildFromDSN builds an event source from a DSN:
//
//	http://host:port, https://...   HTTPClient
//	postgres://..., postgresql://   SQLSource over lib/pq
//	sqlite:///path/to.db            SQLSource over modernc sqlite
//	file:///path/to/dir, plain path FileSource
//	memory://                       MemorySource
func BuildFromDSN(dsn string, opts BuildOptions) (EventSource, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "http", "https":
		return NewHTTPClient(dsn, opts.Token, opts.HTTPClient), nil
	case "postgres", "postgresql":
		return NewPostgresSource(dsn, opts.SQL)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteSource(path, opts.SQL)
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileSource(path, FileSourceOptions{Logger: opts.Logger})
	case "memory", "mem", "inmem":
		return NewMemorySource(), nil
	case "mysql":
		return nil, fmt.Errorf("%w: source %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported source scheme: %s", scheme)
	}
}

// BuildMetricsFromDSN builds a source and requires it to answer the metrics
// queries as well.
func BuildMetricsFromDSN(dsn string, opts BuildOptions) (MetricsSource, error) {
	src, err := BuildFromDSN(dsn, opts)
	if err != nil {
		return nil, err
	}
	metrics, ok := src.(MetricsSource)
	if !ok {
		return nil, fmt.Errorf("%w: metrics queries for %T", ErrNotImplemented, src)
	}
	return metrics, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
