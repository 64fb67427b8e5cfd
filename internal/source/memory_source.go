package source

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relaywatch/internal/changefeed"
)

// MemorySource keeps both logs and the metrics payloads in memory. It
// backs the "memory://" DSN and tests.
type MemorySource struct {
	mu          sync.Mutex
	writes      []changefeed.SourceWriteEvent
	propagation []changefeed.IndexPropagationEvent
	metrics     changefeed.SessionMetrics
	history     changefeed.MetricsHistory
	observed    string
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		writes:      []changefeed.SourceWriteEvent{},
		propagation: []changefeed.IndexPropagationEvent{},
		metrics:     changefeed.SessionMetrics{Sources: map[changefeed.Source]changefeed.SourceMetrics{}},
		history:     changefeed.MetricsHistory{Sources: map[changefeed.Source]changefeed.SourceHistory{}},
	}
}

func (m *MemorySource) AppendWrites(writes ...changefeed.SourceWriteEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, writes...)
	sort.SliceStable(m.writes, func(i, j int) bool { return m.writes[i].Timestamp < m.writes[j].Timestamp })
}

func (m *MemorySource) AppendPropagation(events ...changefeed.IndexPropagationEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.propagation = append(m.propagation, events...)
	sort.SliceStable(m.propagation, func(i, j int) bool { return m.propagation[i].LogicalTime < m.propagation[j].LogicalTime })
}

func (m *MemorySource) SetMetrics(metrics changefeed.SessionMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

func (m *MemorySource) SetHistory(history changefeed.MetricsHistory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = history
}

// ObservedEntity returns the entity of the active observation, if any.
func (m *MemorySource) ObservedEntity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observed
}

func (m *MemorySource) ListSourceWrites(_ context.Context, since *int64, limit int) ([]changefeed.SourceWriteEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return pageAfter(m.writes, func(e changefeed.SourceWriteEvent) int64 { return e.Timestamp }, since, limit), nil
}

func (m *MemorySource) ListPropagationEvents(_ context.Context, since *int64, limit int) ([]changefeed.IndexPropagationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return pageAfter(m.propagation, func(e changefeed.IndexPropagationEvent) int64 { return e.LogicalTime }, since, limit), nil
}

func (m *MemorySource) SessionMetrics(_ context.Context) (changefeed.SessionMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics, nil
}

func (m *MemorySource) MetricsHistory(_ context.Context) (changefeed.MetricsHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history, nil
}

func (m *MemorySource) StartObservation(_ context.Context, entityID string) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed = entityID
	return nil
}

func (m *MemorySource) StopObservation(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed = ""
	return nil
}
