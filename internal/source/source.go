// Package source adapts the read-only query contracts of the
// source-of-truth log, the propagation-event log and the metrics service.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/relaywatch/internal/changefeed"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotImplemented    = errors.New("not implemented")
	ErrMalformedResponse = errors.New("malformed response")
)

// EventSource answers the two incremental event queries. A nil since means
// "the most recent limit events"; otherwise since is an exclusive lower
// bound and results are returned oldest first.
type EventSource interface {
	ListSourceWrites(ctx context.Context, since *int64, limit int) ([]changefeed.SourceWriteEvent, error)
	ListPropagationEvents(ctx context.Context, since *int64, limit int) ([]changefeed.IndexPropagationEvent, error)
}

// MetricsSource answers the session-scoped metrics queries and toggles the
// observation session on the serving side.
type MetricsSource interface {
	SessionMetrics(ctx context.Context) (changefeed.SessionMetrics, error)
	MetricsHistory(ctx context.Context) (changefeed.MetricsHistory, error)
	StartObservation(ctx context.Context, entityID string) error
	StopObservation(ctx context.Context) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}

// pageAfter applies the since/limit contract to an ascending slice.
func pageAfter[E any](items []E, mark func(E) int64, since *int64, limit int) []E {
	if limit <= 0 {
		limit = len(items)
	}
	if since == nil {
		start := len(items) - limit
		if start < 0 {
			start = 0
		}
		out := make([]E, len(items)-start)
		copy(out, items[start:])
		return out
	}
	out := make([]E, 0)
	for _, item := range items {
		if mark(item) <= *since {
			continue
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out
}
