package changefeed

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// HighlightDuration is how long a changed path stays highlighted.
const HighlightDuration = 1500 * time.Millisecond

type HighlightEntry struct {
	Path          string    `json:"path"`
	LastChangedAt time.Time `json:"lastChangedAt"`
}

// Highlighter diffs successive snapshots of one tracked record and keeps a
// time-decayed set of changed paths.
type Highlighter struct {
	mu          sync.Mutex
	clock       clock.PassiveClock
	duration    time.Duration
	trackingKey string
	tracking    bool
	baseline    any
	marks       map[string]time.Time
}

func NewHighlighter(duration time.Duration, clk clock.PassiveClock) *Highlighter {
	if duration <= 0 {
		duration = HighlightDuration
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Highlighter{
		clock:    clk,
		duration: duration,
		marks:    map[string]time.Time{},
	}
}

// Observe records a new snapshot for trackingKey and returns the paths it
// marked. Switching to a different key resets all marks and only stores
// the baseline.
func (h *Highlighter) Observe(trackingKey string, snapshot any) []string {
	normalized := normalizeJSON(snapshot)
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.tracking || trackingKey != h.trackingKey {
		h.trackingKey = trackingKey
		h.tracking = true
		h.baseline = normalized
		h.marks = map[string]time.Time{}
		return nil
	}
	changed := Diff(h.baseline, normalized)
	h.baseline = normalized
	now := h.clock.Now()
	for _, path := range changed {
		h.marks[path] = now
	}
	return changed
}

func (h *Highlighter) IsHighlighted(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	markedAt, ok := h.marks[path]
	if !ok {
		return false
	}
	return h.clock.Now().Sub(markedAt) < h.duration
}

// Highlighted returns the currently highlighted entries sorted by path.
func (h *Highlighter) Highlighted() []HighlightEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock.Now()
	out := make([]HighlightEntry, 0, len(h.marks))
	for path, markedAt := range h.marks {
		if now.Sub(markedAt) < h.duration {
			out = append(out, HighlightEntry{Path: path, LastChangedAt: markedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Sweep removes expired marks and returns how many were removed.
func (h *Highlighter) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock.Now()
	removed := 0
	for path, markedAt := range h.marks {
		if now.Sub(markedAt) >= h.duration {
			delete(h.marks, path)
			removed++
		}
	}
	return removed
}

func (h *Highlighter) TrackingKey() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trackingKey
}

func (h *Highlighter) Duration() time.Duration {
	return h.duration
}

func (h *Highlighter) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trackingKey = ""
	h.tracking = false
	h.baseline = nil
	h.marks = map[string]time.Time{}
}
