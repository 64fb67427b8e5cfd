package changefeed

import (
	"testing"
	"time"
)

func TestSessionMergeAdvancesWatermarks(t *testing.T) {
	s := NewSession(SessionOptions{})
	gen := s.Generation()
	if s.WritesSince() != nil || s.PropagationSince() != nil {
		t.Fatalf("expected empty watermarks on a new session")
	}

	added, ok := s.MergeWrites(gen, []SourceWriteEvent{testWrite(10, "a", "x"), testWrite(12, "b", "x")})
	if !ok || added != 2 {
		t.Fatalf("expected 2 writes merged, got %d ok=%v", added, ok)
	}
	if since := s.WritesSince(); since == nil || *since != 12 {
		t.Fatalf("expected writes watermark 12, got %v", since)
	}

	s.MergeWrites(gen, nil)
	if since := s.WritesSince(); since == nil || *since != 12 {
		t.Fatalf("expected empty fetch to keep watermark 12, got %v", since)
	}

	s.MergePropagation(gen, []IndexPropagationEvent{{LogicalTime: 77, IndexName: "i", DocumentID: "d", WallTime: 1}})
	if since := s.PropagationSince(); since == nil || *since != 77 {
		t.Fatalf("expected propagation watermark 77, got %v", since)
	}
}

func TestSessionClearResetsStateAndRejectsStaleResults(t *testing.T) {
	clk := newTestClock()
	s := NewSession(SessionOptions{Clock: clk})
	gen := s.Generation()
	s.MergeWrites(gen, []SourceWriteEvent{testWrite(10, "a", "x")})
	s.RecordWrite(WriteRecord{ID: "w1", Subject: "a"})
	s.IngestSample(LatencySample{Source: SourceDirectQuery, Kind: KindResponseTime, Value: 3, Timestamp: clk.Now().UnixMilli()})
	s.Observe("order:1", map[string]any{"a": 1})
	s.Observe("order:1", map[string]any{"a": 2})
	s.SetObservation(&Observation{ID: "obs", EntityID: "order:1"})

	s.Clear()

	if len(s.SourceWrites()) != 0 || len(s.WriteRecords()) != 0 {
		t.Fatalf("expected buffers to be empty after clear")
	}
	if s.WritesSince() != nil {
		t.Fatalf("expected watermark reset after clear")
	}
	if len(s.Buckets(KindResponseTime)) != 0 {
		t.Fatalf("expected buckets reset after clear")
	}
	if s.IsHighlighted("a") {
		t.Fatalf("expected highlights reset after clear")
	}
	if s.Observation() == nil {
		t.Fatalf("expected observation to survive clear")
	}

	if _, ok := s.MergeWrites(gen, []SourceWriteEvent{testWrite(11, "b", "x")}); ok {
		t.Fatalf("expected result from a cleared generation to be rejected")
	}
	if s.WritesSince() != nil {
		t.Fatalf("expected stale result not to move the watermark")
	}
	if added, ok := s.MergeWrites(s.Generation(), []SourceWriteEvent{testWrite(10, "a", "x")}); !ok || added != 1 {
		t.Fatalf("expected write to be accepted again after clear, got %d ok=%v", added, ok)
	}
}

func TestSessionPruneDropsOldEntries(t *testing.T) {
	clk := newTestClock()
	s := NewSession(SessionOptions{Clock: clk})
	now := clk.Now().UnixMilli()
	s.MergeWrites(s.Generation(), []SourceWriteEvent{
		testWrite(now-int64(6*time.Minute/time.Millisecond), "old", "x"),
		testWrite(now-1000, "new", "x"),
	})
	s.MergePropagation(s.Generation(), []IndexPropagationEvent{
		{LogicalTime: 1, IndexName: "i", DocumentID: "old", WallTime: now - int64(10*time.Minute/time.Millisecond)},
	})
	if removed := s.Prune(); removed != 2 {
		t.Fatalf("expected 2 pruned entries, got %d", removed)
	}
	writes := s.SourceWrites()
	if len(writes) != 1 || writes[0].Subject != "new" {
		t.Fatalf("expected only the recent write to remain, got %+v", writes)
	}
}

func TestSessionMergeKeepsSeparatorIdentitiesApart(t *testing.T) {
	s := NewSession(SessionOptions{})
	added, ok := s.MergeWrites(s.Generation(), []SourceWriteEvent{
		testWrite(1000, "order:1|status", "x"),
		testWrite(1000, "order:1", "status|x"),
	})
	if !ok || added != 2 || len(s.SourceWrites()) != 2 {
		t.Fatalf("expected 2 buffered writes, got added=%d buffered=%d", added, len(s.SourceWrites()))
	}
}

func TestSessionPruneForgetsIdentitiesBelowWatermark(t *testing.T) {
	clk := newTestClock()
	s := NewSession(SessionOptions{Clock: clk})
	now := clk.Now().UnixMilli()
	old := now - int64(6*time.Minute/time.Millisecond)
	s.MergeWrites(s.Generation(), []SourceWriteEvent{testWrite(old, "old", "x"), testWrite(now, "new", "x")})
	s.MergePropagation(s.Generation(), []IndexPropagationEvent{
		{LogicalTime: 1, IndexName: "i", DocumentID: "old", WallTime: old},
		{LogicalTime: 2, IndexName: "i", DocumentID: "new", WallTime: now},
	})
	if removed := s.Prune(); removed != 2 {
		t.Fatalf("expected 2 pruned entries, got %d", removed)
	}
	if s.writes.Known() != 1 || s.propagation.Known() != 1 {
		t.Fatalf("expected pruned identities below the watermark to be forgotten, got writes=%d propagation=%d",
			s.writes.Known(), s.propagation.Known())
	}
}

func TestSessionCapsBuffers(t *testing.T) {
	s := NewSession(SessionOptions{})
	writes := make([]SourceWriteEvent, 0, 150)
	for i := 0; i < 150; i++ {
		writes = append(writes, testWrite(int64(i), "s", "p"))
	}
	s.MergeWrites(s.Generation(), writes)
	if got := len(s.SourceWrites()); got != DefaultMaxSourceWrites {
		t.Fatalf("expected %d writes retained, got %d", DefaultMaxSourceWrites, got)
	}
	if s.SourceWrites()[0].Timestamp != 149 {
		t.Fatalf("expected the most recent write first")
	}
	for i := 0; i < 60; i++ {
		s.RecordWrite(WriteRecord{ID: string(rune('A' + i)), IssuedAt: int64(i + 1)})
	}
	if got := len(s.WriteRecords()); got != DefaultMaxWriteRecords {
		t.Fatalf("expected %d write records retained, got %d", DefaultMaxWriteRecords, got)
	}
}

func TestSessionRecordWriteDerivesLatency(t *testing.T) {
	s := NewSession(SessionOptions{})
	s.RecordWrite(WriteRecord{ID: "w1", IssuedAt: 1000, AcknowledgedAt: 1250})
	records := s.WriteRecords()
	if len(records) != 1 || records[0].LatencyMs != 250 {
		t.Fatalf("expected latency 250ms, got %+v", records)
	}
	if s.RecordWrite(WriteRecord{ID: "w1", IssuedAt: 1000}) {
		t.Fatalf("expected duplicate write record to be rejected")
	}
}

func TestSessionViewCombinesDerivedViews(t *testing.T) {
	s := NewSession(SessionOptions{})
	s.MergeWrites(s.Generation(), []SourceWriteEvent{
		{Subject: "order:1", Predicate: "status", Timestamp: 10, BatchID: "t1"},
		{Subject: "order:1", Predicate: "total", Timestamp: 10, BatchID: "t1"},
	})
	view := s.View()
	if len(view.Transactions) != 1 || len(view.Transactions[0].Writes) != 2 {
		t.Fatalf("expected one transaction with 2 writes, got %+v", view.Transactions)
	}
	if view.Stats.SourceWrites.Len != 2 || view.Stats.SourceWrites.Watermark == nil {
		t.Fatalf("expected stats to report 2 writes and a watermark, got %+v", view.Stats.SourceWrites)
	}
}
