package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/relaywatch/internal/changefeed"
	"github.com/agentworkforce/relaywatch/internal/poller"
	"github.com/agentworkforce/relaywatch/internal/source"
)

const maxListLimit = 1000

type Logger interface {
	Printf(format string, args ...any)
}

// Controller starts and stops observation sessions and clears the watched
// state. *poller.Poller satisfies it.
type Controller interface {
	StartObservation(ctx context.Context, entityID string) (*changefeed.Observation, error)
	StopObservation(ctx context.Context) error
	Clear()
}

type ServerConfig struct {
	MaxBodyBytes    int64
	StreamInterval  time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	Logger          Logger
}

type Server struct {
	session     *changefeed.Session
	control     Controller
	cfg         ServerConfig
	router      chi.Router
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(session *changefeed.Session, control Controller) *Server {
	return NewServerWithConfig(session, control, ServerConfig{})
}

func NewServerWithConfig(session *changefeed.Session, control Controller, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = poller.DefaultPollInterval
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		session:     session,
		control:     control,
		cfg:         cfg,
		rateLimiter: limiter,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlationMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/view", s.handleView)
		r.Get("/stats", s.handleStats)
		r.Get("/stream", s.handleStream)

		r.Get("/writes", s.handleWrites)
		r.Get("/transactions", s.handleTransactions)
		r.Get("/propagation", s.handlePropagation)
		r.Get("/propagation/groups", s.handlePropagationGroups)
		r.Get("/write-records", s.handleWriteRecords)

		r.Get("/metrics/buckets", s.handleBuckets)
		r.Get("/metrics/summary", s.handleMetricsSummary)

		r.Get("/observation", s.handleGetObservation)
		r.Get("/highlights", s.handleHighlights)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/write-records", s.handleRecordWrite)
			r.Post("/observation", s.handleStartObservation)
			r.Delete("/observation", s.handleStopObservation)
			r.Post("/clear", s.handleClear)
			r.Post("/highlights", s.handleObserveSnapshot)
		})
	})
	return r
}

// correlationMiddleware echoes X-Correlation-Id and assigns one when the
// caller sent none.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if correlationID == "" {
			correlationID = "corr_" + uuid.NewString()
			r.Header.Set("X-Correlation-Id", correlationID)
		}
		w.Header().Set("X-Correlation-Id", correlationID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleView(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.View())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Stats())
}

// handleWrites lists buffered source writes, newest first. With since it
// follows the source wire contract instead: writes after since, oldest
// first, so another relaywatch can poll this one.
func (s *Server) handleWrites(w http.ResponseWriter, r *http.Request) {
	writes := s.session.SourceWrites()
	since, ok, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
		return
	}
	if ok {
		writes = pageSince(writes, func(e changefeed.SourceWriteEvent) int64 { return e.Timestamp }, since)
	}
	writeJSON(w, http.StatusOK, map[string]any{"writes": limitItems(writes, r)})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	transactions := limitItems(s.session.Transactions(), r)
	writeJSON(w, http.StatusOK, map[string]any{"transactions": transactions})
}

func (s *Server) handlePropagation(w http.ResponseWriter, r *http.Request) {
	events := s.session.PropagationEvents()
	since, ok, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
		return
	}
	if ok {
		events = pageSince(events, func(e changefeed.IndexPropagationEvent) int64 { return e.LogicalTime }, since)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": limitItems(events, r)})
}

func (s *Server) handlePropagationGroups(w http.ResponseWriter, r *http.Request) {
	groups := limitItems(s.session.PropagationGroups(), r)
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleWriteRecords(w http.ResponseWriter, r *http.Request) {
	records := limitItems(s.session.WriteRecords(), r)
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleRecordWrite(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var record changefeed.WriteRecord
	if !s.decodeJSONBody(w, r, correlationID, &record) {
		return
	}
	record.Subject = strings.TrimSpace(record.Subject)
	if record.Subject == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "subject is required", correlationID)
		return
	}
	if strings.TrimSpace(record.ID) == "" {
		record.ID = "wr_" + uuid.NewString()
	}
	if !s.session.RecordWrite(record) {
		writeError(w, http.StatusConflict, "duplicate", "write record already known", correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": record.ID})
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	kind, err := changefeed.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "kind must be response_time or reaction_time", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":    kind,
		"buckets": s.session.Buckets(kind),
	})
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, _ *http.Request) {
	metrics, receivedAt := s.session.Metrics()
	var received *time.Time
	if !receivedAt.IsZero() {
		utc := receivedAt.UTC()
		received = &utc
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources":    metrics.Sources,
		"receivedAt": received,
	})
}

func (s *Server) handleGetObservation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"observation": s.session.Observation()})
}

func (s *Server) handleStartObservation(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		EntityID string `json:"entityId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.EntityID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "entityId is required", correlationID)
		return
	}
	obs, err := s.control.StartObservation(r.Context(), req.EntityID)
	if err != nil {
		s.writeControlError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, obs)
}

func (s *Server) handleStopObservation(w http.ResponseWriter, r *http.Request) {
	if err := s.control.StopObservation(r.Context()); err != nil {
		s.writeControlError(w, err, getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.control.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHighlights(w http.ResponseWriter, r *http.Request) {
	if path := strings.TrimSpace(r.URL.Query().Get("path")); path != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"path":        path,
			"highlighted": s.session.IsHighlighted(path),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"highlights": s.session.Highlighted(),
		"durationMs": s.session.HighlightDuration().Milliseconds(),
	})
}

func (s *Server) handleObserveSnapshot(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		TrackingKey string          `json:"trackingKey"`
		Snapshot    json.RawMessage `json:"snapshot"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.TrackingKey) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "trackingKey is required", correlationID)
		return
	}
	var snapshot any
	if len(req.Snapshot) > 0 {
		snapshot = req.Snapshot
	}
	changed := s.session.Observe(req.TrackingKey, snapshot)
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changed":    changed,
		"highlights": s.session.Highlighted(),
	})
}

func (s *Server) writeControlError(w http.ResponseWriter, err error, correlationID string) {
	var httpErr *source.HTTPError
	switch {
	case errors.Is(err, source.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, poller.ErrNoMetricsSource), errors.Is(err, source.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	case errors.Is(err, poller.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error(), correlationID)
	case errors.As(err, &httpErr):
		writeError(w, http.StatusBadGateway, "upstream_error", httpErr.Error(), correlationID)
	default:
		s.logf("observation control failed: %v", err)
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func limitItems[E any](items []E, r *http.Request) []E {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), len(items), 1, maxListLimit)
	if limit < len(items) {
		return items[:limit]
	}
	return items
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseSince(r *http.Request) (int64, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		return 0, false, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("since must be an integer, got %q", raw)
	}
	return since, true, nil
}

// pageSince keeps the members whose mark is after since, in ascending mark
// order.
func pageSince[E any](items []E, mark func(E) int64, since int64) []E {
	out := make([]E, 0, len(items))
	for _, item := range items {
		if mark(item) > since {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return mark(out[i]) < mark(out[j]) })
	return out
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
