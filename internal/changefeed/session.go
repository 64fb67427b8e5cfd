package changefeed

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const (
	DefaultMaxEvents       = 200
	DefaultMaxSourceWrites = 100
	DefaultMaxWriteRecords = 50
	DefaultMaxAge          = 5 * time.Minute
)

const (
	StreamSourceWrites = "source_writes"
	StreamPropagation  = "propagation"
)

type SessionOptions struct {
	MaxEvents         int
	MaxSourceWrites   int
	MaxWriteRecords   int
	MaxAge            time.Duration
	HighlightDuration time.Duration
	Clock             clock.PassiveClock
}

// Observation describes the entity whose metrics are currently collected.
type Observation struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entityId"`
	StartedAt time.Time `json:"startedAt"`
}

// Session owns every piece of observation state: watermarks, buffers,
// metric buckets and highlights. Independent sessions share nothing.
type Session struct {
	clock  clock.PassiveClock
	maxAge time.Duration

	writesMark      *Watermark
	propagationMark *Watermark

	writes      *Buffer[SourceWriteEvent]
	propagation *Buffer[IndexPropagationEvent]
	records     *Buffer[WriteRecord]

	bucketer    *Bucketer
	highlighter *Highlighter

	mu          sync.Mutex
	generation  uint64
	metrics     SessionMetrics
	metricsAt   time.Time
	observation *Observation
}

type StreamStats struct {
	Len       int    `json:"len"`
	Capacity  int    `json:"capacity"`
	Evicted   int    `json:"evicted"`
	Watermark *int64 `json:"watermark"`
}

type SessionStats struct {
	Generation   uint64      `json:"generation"`
	SourceWrites StreamStats `json:"sourceWrites"`
	Propagation  StreamStats `json:"propagation"`
	WriteRecords StreamStats `json:"writeRecords"`
}

// View is a read-only snapshot of the derived views.
type View struct {
	GeneratedAt  time.Time          `json:"generatedAt"`
	Transactions []Transaction      `json:"transactions"`
	Propagation  []LogicalTimeGroup `json:"propagation"`
	WriteRecords []WriteRecord      `json:"writeRecords"`
	ResponseTime []Bucket           `json:"responseTime"`
	ReactionTime []Bucket           `json:"reactionTime"`
	Highlights   []HighlightEntry   `json:"highlights"`
	Observation  *Observation       `json:"observation,omitempty"`
	Stats        SessionStats       `json:"stats"`
}

func NewSession(opts SessionOptions) *Session {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.MaxSourceWrites <= 0 {
		opts.MaxSourceWrites = DefaultMaxSourceWrites
	}
	if opts.MaxWriteRecords <= 0 {
		opts.MaxWriteRecords = DefaultMaxWriteRecords
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Session{
		clock:           opts.Clock,
		maxAge:          opts.MaxAge,
		writesMark:      NewWatermark(StreamSourceWrites),
		propagationMark: NewWatermark(StreamPropagation),
		writes: NewBuffer(BufferPolicy[SourceWriteEvent]{
			Key:      SourceWriteEvent.Key,
			Time:     func(e SourceWriteEvent) int64 { return e.Timestamp },
			Capacity: opts.MaxSourceWrites,
		}),
		propagation: NewBuffer(BufferPolicy[IndexPropagationEvent]{
			Key:      IndexPropagationEvent.Key,
			Time:     func(e IndexPropagationEvent) int64 { return e.WallTime },
			Mark:     func(e IndexPropagationEvent) int64 { return e.LogicalTime },
			Capacity: opts.MaxEvents,
		}),
		records: NewBuffer(BufferPolicy[WriteRecord]{
			Key:      WriteRecord.Key,
			Time:     func(r WriteRecord) int64 { return r.IssuedAt },
			Capacity: opts.MaxWriteRecords,
		}),
		bucketer:    NewBucketer(opts.Clock),
		highlighter: NewHighlighter(opts.HighlightDuration, opts.Clock),
		metrics:     SessionMetrics{Sources: map[Source]SourceMetrics{}},
	}
}

// Generation changes on every Clear. Fetch results tagged with an older
// generation are discarded by the Merge methods.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Session) WritesSince() *int64 {
	return s.writesMark.Since()
}

func (s *Session) PropagationSince() *int64 {
	return s.propagationMark.Since()
}

// MergeWrites applies one fetch result of the source-write stream. It
// returns the number of new writes and false when the result belongs to a
// generation that has since been cleared.
func (s *Session) MergeWrites(generation uint64, writes []SourceWriteEvent) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return 0, false
	}
	marks := make([]int64, 0, len(writes))
	for _, write := range writes {
		marks = append(marks, write.Timestamp)
	}
	s.writesMark.Advance(marks)
	return s.writes.Merge(writes), true
}

// MergePropagation applies one fetch result of the propagation stream.
func (s *Session) MergePropagation(generation uint64, events []IndexPropagationEvent) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return 0, false
	}
	marks := make([]int64, 0, len(events))
	for _, event := range events {
		marks = append(marks, event.LogicalTime)
	}
	s.propagationMark.Advance(marks)
	return s.propagation.Merge(events), true
}

// RecordWrite keeps a write issued by the consumer. Records without an
// issue time are stamped with the current time.
func (s *Session) RecordWrite(record WriteRecord) bool {
	if record.IssuedAt == 0 {
		record.IssuedAt = millis(s.clock.Now())
	}
	if record.AcknowledgedAt > 0 && record.LatencyMs == 0 {
		record.LatencyMs = record.AcknowledgedAt - record.IssuedAt
	}
	return s.records.Merge([]WriteRecord{record}) == 1
}

func (s *Session) SourceWrites() []SourceWriteEvent {
	return s.writes.Snapshot()
}

func (s *Session) PropagationEvents() []IndexPropagationEvent {
	return s.propagation.Snapshot()
}

func (s *Session) WriteRecords() []WriteRecord {
	return s.records.Snapshot()
}

func (s *Session) Transactions() []Transaction {
	return GroupTransactions(s.writes.Snapshot())
}

func (s *Session) PropagationGroups() []LogicalTimeGroup {
	return GroupPropagation(s.propagation.Snapshot())
}

func (s *Session) IngestSample(sample LatencySample) {
	s.bucketer.Ingest(sample.Source, sample.Kind, sample.Value, sample.Timestamp)
}

func (s *Session) RebuildHistory(history MetricsHistory) {
	s.bucketer.Rebuild(history)
}

func (s *Session) Buckets(kind Kind) []Bucket {
	return s.bucketer.Buckets(kind)
}

func (s *Session) SetMetrics(metrics SessionMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if metrics.Sources == nil {
		metrics.Sources = map[Source]SourceMetrics{}
	}
	s.metrics = metrics
	s.metricsAt = s.clock.Now()
}

// ApplyMetrics stores one metrics poll result: the summary when non-nil and
// a re-bucketed history when non-nil. Results from a cleared generation
// are dropped.
func (s *Session) ApplyMetrics(generation uint64, metrics *SessionMetrics, history *MetricsHistory) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return false
	}
	if metrics != nil {
		s.metrics = SessionMetrics{Sources: make(map[Source]SourceMetrics, len(metrics.Sources))}
		for source, m := range metrics.Sources {
			s.metrics.Sources[source] = m
		}
		s.metricsAt = s.clock.Now()
	}
	if history != nil {
		s.bucketer.Rebuild(*history)
	}
	return true
}

// Metrics returns a copy of the last session-scoped metrics summary and
// when it was received.
func (s *Session) Metrics() (SessionMetrics, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := SessionMetrics{Sources: make(map[Source]SourceMetrics, len(s.metrics.Sources))}
	for source, m := range s.metrics.Sources {
		out.Sources[source] = m
	}
	return out, s.metricsAt
}

func (s *Session) SetObservation(obs *Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obs == nil {
		s.observation = nil
		return
	}
	clone := *obs
	s.observation = &clone
}

func (s *Session) Observation() *Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.observation == nil {
		return nil
	}
	clone := *s.observation
	return &clone
}

func (s *Session) Observe(trackingKey string, snapshot any) []string {
	return s.highlighter.Observe(trackingKey, snapshot)
}

func (s *Session) IsHighlighted(path string) bool {
	return s.highlighter.IsHighlighted(path)
}

func (s *Session) Highlighted() []HighlightEntry {
	return s.highlighter.Highlighted()
}

func (s *Session) SweepHighlights() int {
	return s.highlighter.Sweep()
}

func (s *Session) HighlightDuration() time.Duration {
	return s.highlighter.Duration()
}

// Prune drops buffered entries older than the maximum age. Identities of
// evicted events at or below their stream's watermark are forgotten; the
// rest stay known so a late refetch is still deduplicated. Write record
// ids have no watermark and are kept until Clear.
func (s *Session) Prune() int {
	cutoff := millis(s.clock.Now().Add(-s.maxAge))
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.writes.Prune(cutoff) + s.propagation.Prune(cutoff) + s.records.Prune(cutoff)
	if mark, ok := s.writesMark.Current(); ok {
		s.writes.Forget(mark)
	}
	if mark, ok := s.propagationMark.Current(); ok {
		s.propagation.Forget(mark)
	}
	return removed
}

// Clear resets every watermark, buffer, bucket and highlight. The
// observation itself stays active.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.writesMark.Reset()
	s.propagationMark.Reset()
	s.writes.Reset()
	s.propagation.Reset()
	s.records.Reset()
	s.bucketer.Reset()
	s.highlighter.Reset()
	s.metrics = SessionMetrics{Sources: map[Source]SourceMetrics{}}
	s.metricsAt = time.Time{}
}

func (s *Session) Stats() SessionStats {
	return SessionStats{
		Generation:   s.Generation(),
		SourceWrites: streamStats(s.writes, s.writesMark),
		Propagation:  streamStats(s.propagation, s.propagationMark),
		WriteRecords: streamStats(s.records, nil),
	}
}

func (s *Session) View() View {
	return View{
		GeneratedAt:  s.clock.Now().UTC(),
		Transactions: s.Transactions(),
		Propagation:  s.PropagationGroups(),
		WriteRecords: s.WriteRecords(),
		ResponseTime: s.Buckets(KindResponseTime),
		ReactionTime: s.Buckets(KindReactionTime),
		Highlights:   s.Highlighted(),
		Observation:  s.Observation(),
		Stats:        s.Stats(),
	}
}

func streamStats[E any](buffer *Buffer[E], mark *Watermark) StreamStats {
	stats := StreamStats{
		Len:      buffer.Len(),
		Capacity: buffer.Capacity(),
		Evicted:  buffer.Evicted(),
	}
	if mark != nil {
		stats.Watermark = mark.Since()
	}
	return stats
}
