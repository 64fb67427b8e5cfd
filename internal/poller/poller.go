// Package poller drives a changefeed.Session from the source adapters on
// fixed intervals.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/agentworkforce/relaywatch/internal/changefeed"
	"github.com/agentworkforce/relaywatch/internal/source"
)

const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultMetricsInterval = time.Second
	DefaultPruneInterval   = 30 * time.Second
	DefaultFetchTimeout    = 10 * time.Second
	// DefaultPageLimit covers a full event buffer so one page never ends
	// partway through a logical time the buffer could still hold.
	DefaultPageLimit = changefeed.DefaultMaxEvents
)

var (
	ErrNoMetricsSource = errors.New("no metrics source configured")
	ErrStopped         = errors.New("poller stopped")
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	PollInterval    time.Duration
	MetricsInterval time.Duration
	PruneInterval   time.Duration
	// SweepInterval defaults to the session's highlight duration.
	SweepInterval time.Duration
	FetchTimeout  time.Duration
	PageLimit     int
	Logger        Logger
	// Clock drives the tickers and fetch timings. Defaults to the real
	// clock.
	Clock clock.WithTicker
}

// Poller fetches both event streams every poll interval and, while an
// observation is active, the metrics every metrics interval. Each stream
// has at most one fetch in flight; a tick that finds its stream busy is
// skipped. Failures are logged and retried on the next tick at the same
// rate.
type Poller struct {
	session *changefeed.Session
	events  source.EventSource
	metrics source.MetricsSource
	logger  Logger
	clock   clock.WithTicker

	pollInterval    time.Duration
	metricsInterval time.Duration
	pruneInterval   time.Duration
	sweepInterval   time.Duration
	fetchTimeout    time.Duration
	pageLimit       int

	writesBusy      atomic.Bool
	propagationBusy atomic.Bool
	metricsBusy     atomic.Bool
	wg              sync.WaitGroup

	// base outlives every observation loop and is cancelled when Run
	// returns.
	base     context.Context
	stopBase context.CancelFunc

	obsMu       sync.Mutex
	stopMetrics context.CancelFunc
	metricsDone chan struct{}
}

// New builds a poller. metrics may be nil when only the event streams are
// watched.
func New(session *changefeed.Session, events source.EventSource, metrics source.MetricsSource, opts Options) (*Poller, error) {
	if session == nil || events == nil {
		return nil, fmt.Errorf("%w: session and event source are required", source.ErrInvalidInput)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = DefaultMetricsInterval
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = session.HighlightDuration()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = max(DefaultPageLimit, session.Stats().Propagation.Capacity)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	base, stopBase := context.WithCancel(context.Background())
	return &Poller{
		session:         session,
		events:          events,
		metrics:         metrics,
		logger:          opts.Logger,
		clock:           opts.Clock,
		base:            base,
		stopBase:        stopBase,
		pollInterval:    opts.PollInterval,
		metricsInterval: opts.MetricsInterval,
		pruneInterval:   opts.PruneInterval,
		sweepInterval:   opts.SweepInterval,
		fetchTimeout:    opts.FetchTimeout,
		pageLimit:       opts.PageLimit,
	}, nil
}

func (p *Poller) Session() *changefeed.Session {
	return p.session
}

func (p *Poller) PollInterval() time.Duration {
	return p.pollInterval
}

// Run ticks until ctx is done, then stops any observation loop and waits
// for outstanding fetches. Observations cannot be started once Run has
// returned.
func (p *Poller) Run(ctx context.Context) error {
	pollTicker := p.clock.NewTicker(p.pollInterval)
	defer pollTicker.Stop()
	pruneTicker := p.clock.NewTicker(p.pruneInterval)
	defer pruneTicker.Stop()
	sweepTicker := p.clock.NewTicker(p.sweepInterval)
	defer sweepTicker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logf("poller stopping: %v", ctx.Err())
			p.shutdown()
			p.Wait()
			return nil
		case <-pollTicker.C():
			p.Tick(ctx)
		case <-pruneTicker.C():
			p.Prune()
		case <-sweepTicker.C():
			p.Sweep()
		}
	}
}

// Tick launches one fetch per event stream without blocking. Busy streams
// are skipped.
func (p *Poller) Tick(ctx context.Context) {
	generation := p.session.Generation()
	p.launch(ctx, &p.writesBusy, streamWrites, func(ctx context.Context) {
		p.fetchWrites(ctx, generation)
	})
	p.launch(ctx, &p.propagationBusy, streamPropagation, func(ctx context.Context) {
		p.fetchPropagation(ctx, generation)
	})
}

// TickMetrics launches one metrics fetch. It is a no-op without a metrics
// source.
func (p *Poller) TickMetrics(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	generation := p.session.Generation()
	p.launch(ctx, &p.metricsBusy, streamMetrics, func(ctx context.Context) {
		p.fetchMetrics(ctx, generation)
	})
}

func (p *Poller) launch(ctx context.Context, busy *atomic.Bool, stream string, fetch func(context.Context)) {
	if !busy.CompareAndSwap(false, true) {
		skippedTicks.WithLabelValues(stream).Inc()
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer busy.Store(false)
		fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
		defer cancel()
		fetch(fetchCtx)
	}()
}

func (p *Poller) fetchWrites(ctx context.Context, generation uint64) {
	started := p.clock.Now()
	writes, err := p.events.ListSourceWrites(ctx, p.session.WritesSince(), p.pageLimit)
	if err != nil {
		p.fetchFailed(streamWrites, started, err)
		return
	}
	added, ok := p.session.MergeWrites(generation, writes)
	p.fetchDone(streamWrites, started, added, ok)
	bufferedEvents.WithLabelValues(streamWrites).Set(float64(p.session.Stats().SourceWrites.Len))
}

func (p *Poller) fetchPropagation(ctx context.Context, generation uint64) {
	started := p.clock.Now()
	events, err := p.events.ListPropagationEvents(ctx, p.session.PropagationSince(), p.pageLimit)
	if err != nil {
		p.fetchFailed(streamPropagation, started, err)
		return
	}
	added, ok := p.session.MergePropagation(generation, events)
	p.fetchDone(streamPropagation, started, added, ok)
	bufferedEvents.WithLabelValues(streamPropagation).Set(float64(p.session.Stats().Propagation.Len))
}

func (p *Poller) fetchMetrics(ctx context.Context, generation uint64) {
	started := p.clock.Now()
	var (
		summary *changefeed.SessionMetrics
		history *changefeed.MetricsHistory
		failed  error
	)
	if m, err := p.metrics.SessionMetrics(ctx); err != nil {
		failed = err
	} else {
		summary = &m
	}
	if h, err := p.metrics.MetricsHistory(ctx); err != nil {
		failed = errors.Join(failed, err)
	} else {
		history = &h
	}
	if summary == nil && history == nil {
		p.fetchFailed(streamMetrics, started, failed)
		return
	}
	if failed != nil {
		p.logf("metrics fetch partially failed: %v", failed)
	}
	ok := p.session.ApplyMetrics(generation, summary, history)
	p.fetchDone(streamMetrics, started, 0, ok)
}

func (p *Poller) fetchFailed(stream string, started time.Time, err error) {
	outcome := outcomeError
	if errors.Is(err, source.ErrMalformedResponse) {
		outcome = outcomeMalformed
	}
	recordFetch(stream, outcome, p.clock.Since(started).Seconds())
	p.logf("%s fetch failed: %v", stream, err)
}

func (p *Poller) fetchDone(stream string, started time.Time, added int, current bool) {
	if !current {
		recordFetch(stream, outcomeStale, p.clock.Since(started).Seconds())
		return
	}
	recordFetch(stream, outcomeOK, p.clock.Since(started).Seconds())
	if added > 0 {
		newEvents.WithLabelValues(stream).Add(float64(added))
	}
}

// Sweep drops expired highlight marks.
func (p *Poller) Sweep() int {
	removed := p.session.SweepHighlights()
	if removed > 0 {
		sweptHighlights.Add(float64(removed))
	}
	return removed
}

// Prune drops buffered entries past the session's maximum age.
func (p *Poller) Prune() int {
	removed := p.session.Prune()
	if removed > 0 {
		prunedTotal.Add(float64(removed))
		p.logf("pruned %d aged entries", removed)
	}
	return removed
}

// StartObservation opens a metrics session for entityID on the metrics
// source and starts polling it. Starting while another observation is
// active switches to the new entity.
func (p *Poller) StartObservation(ctx context.Context, entityID string) (*changefeed.Observation, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, source.ErrInvalidInput
	}
	if p.metrics == nil {
		return nil, ErrNoMetricsSource
	}
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	if p.base.Err() != nil {
		return nil, ErrStopped
	}
	p.haltMetricsLoopLocked()
	if err := p.metrics.StartObservation(ctx, entityID); err != nil {
		p.session.SetObservation(nil)
		observationActive.Set(0)
		return nil, err
	}
	obs := &changefeed.Observation{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		StartedAt: p.clock.Now().UTC(),
	}
	p.session.SetObservation(obs)
	observationActive.Set(1)

	loopCtx, cancel := context.WithCancel(p.base)
	done := make(chan struct{})
	p.stopMetrics = cancel
	p.metricsDone = done
	go p.metricsLoop(loopCtx, done)
	p.logf("observation %s started for %s", obs.ID, entityID)
	return obs, nil
}

// StopObservation halts the metrics loop and closes the session on the
// metrics source. The event poll keeps running.
func (p *Poller) StopObservation(ctx context.Context) error {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	obs := p.session.Observation()
	p.haltMetricsLoopLocked()
	p.session.SetObservation(nil)
	observationActive.Set(0)
	if obs == nil || p.metrics == nil {
		return nil
	}
	if err := p.metrics.StopObservation(ctx); err != nil {
		return err
	}
	p.logf("observation %s stopped", obs.ID)
	return nil
}

func (p *Poller) metricsLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := p.clock.NewTicker(p.metricsInterval)
	defer ticker.Stop()
	p.TickMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.TickMetrics(ctx)
		}
	}
}

func (p *Poller) shutdown() {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.stopBase()
	p.haltMetricsLoopLocked()
}

func (p *Poller) haltMetricsLoopLocked() {
	if p.stopMetrics == nil {
		return
	}
	p.stopMetrics()
	<-p.metricsDone
	p.stopMetrics = nil
	p.metricsDone = nil
}

// Clear resets the session synchronously. Fetches already in flight finish
// but their results are discarded.
func (p *Poller) Clear() {
	p.session.Clear()
	bufferedEvents.WithLabelValues(streamWrites).Set(0)
	bufferedEvents.WithLabelValues(streamPropagation).Set(0)
}

// Wait blocks until every launched fetch has returned.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
