package changefeed

import (
	"math"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const (
	// BucketWidth is the span of one aggregation bucket.
	BucketWidth = time.Second
	// MetricsWindow is how far back samples are retained.
	MetricsWindow = 180 * time.Second
)

// Bucket is the p99 of each source within one bucket span. A nil value
// means the source had no samples in the span.
type Bucket struct {
	Time            int64    `json:"time"`
	DirectQuery     *float64 `json:"DirectQuery"`
	BatchCache      *float64 `json:"BatchCache"`
	IncrementalView *float64 `json:"IncrementalView"`
}

func (b Bucket) Value(source Source) *float64 {
	switch source {
	case SourceDirectQuery:
		return b.DirectQuery
	case SourceBatchCache:
		return b.BatchCache
	case SourceIncrementalView:
		return b.IncrementalView
	}
	return nil
}

// Bucketer assigns latency samples to fixed-width time buckets and
// reports per-source p99 over a sliding window.
type Bucketer struct {
	mu     sync.Mutex
	clock  clock.PassiveClock
	width  int64
	window int64
	// kind -> bucket start -> source -> values
	buckets map[Kind]map[int64]map[Source][]float64
}

func NewBucketer(clk clock.PassiveClock) *Bucketer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Bucketer{
		clock:   clk,
		width:   BucketWidth.Milliseconds(),
		window:  MetricsWindow.Milliseconds(),
		buckets: map[Kind]map[int64]map[Source][]float64{},
	}
}

// Ingest records one sample. Samples older than the window are dropped.
func (b *Bucketer) Ingest(source Source, kind Kind, value float64, timestamp int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	nowMs := millis(b.clock.Now())
	b.ingestLocked(source, kind, value, timestamp, nowMs)
	b.expireLocked(nowMs)
}

func (b *Bucketer) ingestLocked(source Source, kind Kind, value float64, timestamp, nowMs int64) {
	if timestamp < nowMs-b.window {
		return
	}
	start := floorDiv(timestamp, b.width) * b.width
	byStart, ok := b.buckets[kind]
	if !ok {
		byStart = map[int64]map[Source][]float64{}
		b.buckets[kind] = byStart
	}
	bySource, ok := byStart[start]
	if !ok {
		bySource = map[Source][]float64{}
		byStart[start] = bySource
	}
	bySource[source] = append(bySource[source], value)
}

// Rebuild replaces every bucket with the contents of a raw history
// payload.
func (b *Bucketer) Rebuild(history MetricsHistory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buckets = map[Kind]map[int64]map[Source][]float64{}
	nowMs := millis(b.clock.Now())
	for source, series := range history.Sources {
		for _, point := range series.ResponseTime {
			b.ingestLocked(source, KindResponseTime, point.Value, point.Timestamp, nowMs)
		}
		for _, point := range series.ReactionTime {
			b.ingestLocked(source, KindReactionTime, point.Value, point.Timestamp, nowMs)
		}
	}
}

// Buckets returns the buckets of one kind inside the window, oldest first.
func (b *Bucketer) Buckets(kind Kind) []Bucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(millis(b.clock.Now()))
	byStart := b.buckets[kind]
	starts := make([]int64, 0, len(byStart))
	for start := range byStart {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	out := make([]Bucket, 0, len(starts))
	for _, start := range starts {
		bySource := byStart[start]
		out = append(out, Bucket{
			Time:            start,
			DirectQuery:     P99(bySource[SourceDirectQuery]),
			BatchCache:      P99(bySource[SourceBatchCache]),
			IncrementalView: P99(bySource[SourceIncrementalView]),
		})
	}
	return out
}

func (b *Bucketer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buckets = map[Kind]map[int64]map[Source][]float64{}
}

// expireLocked drops buckets whose whole span is older than the window.
func (b *Bucketer) expireLocked(nowMs int64) {
	cutoff := nowMs - b.window
	for _, byStart := range b.buckets {
		for start := range byStart {
			if start+b.width <= cutoff {
				delete(byStart, start)
			}
		}
	}
}

// P99 returns sorted[min(floor(0.99*n), n-1)], or nil for no values.
func P99(values []float64) *float64 {
	n := len(values)
	if n == 0 {
		return nil
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(math.Floor(0.99 * float64(n)))
	if idx > n-1 {
		idx = n - 1
	}
	v := sorted[idx]
	return &v
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

