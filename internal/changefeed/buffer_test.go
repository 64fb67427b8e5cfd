package changefeed

import (
	"fmt"
	"reflect"
	"testing"
)

func testWrite(ts int64, subject, predicate string) SourceWriteEvent {
	return SourceWriteEvent{
		Subject:   subject,
		Predicate: predicate,
		Operation: OperationUpdate,
		Timestamp: ts,
	}
}

func newWriteBuffer(capacity int) *Buffer[SourceWriteEvent] {
	return NewBuffer(BufferPolicy[SourceWriteEvent]{
		Key:      SourceWriteEvent.Key,
		Time:     func(e SourceWriteEvent) int64 { return e.Timestamp },
		Capacity: capacity,
	})
}

func TestBufferMergeDropsDuplicates(t *testing.T) {
	buf := newWriteBuffer(10)
	batch := []SourceWriteEvent{
		testWrite(1, "order:1", "status"),
		testWrite(2, "order:1", "total"),
	}
	if added := buf.Merge(batch); added != 2 {
		t.Fatalf("expected 2 added, got %d", added)
	}
	first := buf.Snapshot()
	if added := buf.Merge(batch); added != 0 {
		t.Fatalf("expected 0 added on re-merge, got %d", added)
	}
	if !reflect.DeepEqual(first, buf.Snapshot()) {
		t.Fatalf("expected re-merge to leave buffer unchanged")
	}
}

func TestBufferMergeIsIndependentOfFetchSplit(t *testing.T) {
	events := make([]SourceWriteEvent, 0, 8)
	for i := 0; i < 8; i++ {
		events = append(events, testWrite(int64(100+i%4), fmt.Sprintf("order:%d", i), "status"))
	}

	whole := newWriteBuffer(6)
	whole.Merge(events)

	split := newWriteBuffer(6)
	split.Merge(events[:5])
	split.Merge(events[3:])

	if !reflect.DeepEqual(whole.Snapshot(), split.Snapshot()) {
		t.Fatalf("expected overlapping fetches to yield the same buffer\nwhole=%+v\nsplit=%+v", whole.Snapshot(), split.Snapshot())
	}
}

func TestBufferKeepsMostRecentFirstAndTruncates(t *testing.T) {
	buf := newWriteBuffer(3)
	buf.Merge([]SourceWriteEvent{
		testWrite(1, "a", "x"),
		testWrite(5, "b", "x"),
		testWrite(3, "c", "x"),
		testWrite(4, "d", "x"),
	})
	got := buf.Snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 members, got %d", len(got))
	}
	want := []int64{5, 4, 3}
	for i, ts := range want {
		if got[i].Timestamp != ts {
			t.Fatalf("expected timestamp %d at %d, got %d", ts, i, got[i].Timestamp)
		}
	}
	if buf.Evicted() != 1 {
		t.Fatalf("expected 1 eviction, got %d", buf.Evicted())
	}
}

func TestBufferRemembersEvictedIdentities(t *testing.T) {
	buf := newWriteBuffer(1)
	old := testWrite(1, "a", "x")
	buf.Merge([]SourceWriteEvent{old, testWrite(2, "b", "x")})
	if added := buf.Merge([]SourceWriteEvent{old}); added != 0 {
		t.Fatalf("expected evicted identity to stay deduplicated, got %d added", added)
	}
}

func TestBufferPruneAndReset(t *testing.T) {
	buf := newWriteBuffer(10)
	buf.Merge([]SourceWriteEvent{testWrite(10, "a", "x"), testWrite(20, "b", "x")})
	if removed := buf.Prune(15); removed != 1 {
		t.Fatalf("expected 1 pruned, got %d", removed)
	}
	if buf.Len() != 1 {
		t.Fatalf("expected 1 member after prune, got %d", buf.Len())
	}
	if added := buf.Merge([]SourceWriteEvent{testWrite(10, "a", "x")}); added != 0 {
		t.Fatalf("expected pruned identity to stay deduplicated")
	}

	buf.Reset()
	if buf.Len() != 0 {
		t.Fatalf("expected empty buffer after reset")
	}
	if added := buf.Merge([]SourceWriteEvent{testWrite(10, "a", "x")}); added != 1 {
		t.Fatalf("expected reset to forget identities, got %d added", added)
	}
}

func TestBufferSnapshotIsACopy(t *testing.T) {
	buf := newWriteBuffer(10)
	buf.Merge([]SourceWriteEvent{testWrite(1, "a", "x")})
	snap := buf.Snapshot()
	snap[0].Subject = "mutated"
	if buf.Snapshot()[0].Subject != "a" {
		t.Fatalf("expected snapshot mutation not to leak into the buffer")
	}
}

func TestWatermarkAdvanceIsMonotonic(t *testing.T) {
	w := NewWatermark(StreamSourceWrites)
	if _, ok := w.Current(); ok {
		t.Fatalf("expected no mark initially")
	}
	if w.Since() != nil {
		t.Fatalf("expected nil since bound initially")
	}
	w.Advance(nil)
	if _, ok := w.Current(); ok {
		t.Fatalf("expected empty advance to be a no-op")
	}
	w.Advance([]int64{5, 9, 7})
	if mark, _ := w.Current(); mark != 9 {
		t.Fatalf("expected mark 9, got %d", mark)
	}
	w.Advance([]int64{3})
	if mark, _ := w.Current(); mark != 9 {
		t.Fatalf("expected mark to stay 9, got %d", mark)
	}
	w.Reset()
	if _, ok := w.Current(); ok {
		t.Fatalf("expected reset to clear the mark")
	}
}

func TestBufferKeepsIdentitiesWithSeparatorsApart(t *testing.T) {
	buf := newWriteBuffer(10)
	added := buf.Merge([]SourceWriteEvent{
		testWrite(1000, "order:1|status", "x"),
		testWrite(1000, "order:1", "status|x"),
	})
	if added != 2 || buf.Len() != 2 {
		t.Fatalf("expected 2 distinct writes, got added=%d len=%d", added, buf.Len())
	}

	props := NewBuffer(BufferPolicy[IndexPropagationEvent]{
		Key:  IndexPropagationEvent.Key,
		Time: func(e IndexPropagationEvent) int64 { return e.WallTime },
	})
	added = props.Merge([]IndexPropagationEvent{
		{LogicalTime: 7, IndexName: "orders|by", DocumentID: "d"},
		{LogicalTime: 7, IndexName: "orders", DocumentID: "by|d"},
	})
	if added != 2 {
		t.Fatalf("expected 2 distinct propagation events, got %d", added)
	}
}

func TestBufferForgetDropsEvictedIdentitiesUpToMark(t *testing.T) {
	buf := newWriteBuffer(10)
	buf.Merge([]SourceWriteEvent{
		testWrite(10, "a", "x"),
		testWrite(20, "b", "x"),
		testWrite(30, "c", "x"),
	})
	buf.Prune(25)
	if dropped := buf.Forget(20); dropped != 2 {
		t.Fatalf("expected 2 identities forgotten, got %d", dropped)
	}
	if buf.Known() != 1 {
		t.Fatalf("expected only the held identity to stay known, got %d", buf.Known())
	}
	if added := buf.Merge([]SourceWriteEvent{testWrite(30, "c", "x")}); added != 0 {
		t.Fatalf("expected held identity to stay deduplicated, got %d added", added)
	}
}

func TestBufferForgetKeepsIdentitiesAboveMark(t *testing.T) {
	buf := newWriteBuffer(1)
	buf.Merge([]SourceWriteEvent{testWrite(10, "a", "x"), testWrite(20, "b", "x")})
	if dropped := buf.Forget(5); dropped != 0 {
		t.Fatalf("expected nothing forgotten below every mark, got %d", dropped)
	}
	if added := buf.Merge([]SourceWriteEvent{testWrite(10, "a", "x")}); added != 0 {
		t.Fatalf("expected evicted identity above the mark to stay deduplicated")
	}
}
