package changefeed

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestGroupTransactionsByBatchID(t *testing.T) {
	writes := []SourceWriteEvent{
		{Subject: "order:1", Predicate: "status", Timestamp: 100, BatchID: "t1", Operation: OperationUpdate},
		{Subject: "order:1", Predicate: "total", Timestamp: 100, BatchID: "t1", Operation: OperationUpdate},
		{Subject: "line:9", Predicate: "qty", Timestamp: 101, BatchID: "t1", Operation: OperationInsert},
		{Subject: "order:2", Predicate: "status", Timestamp: 150, Operation: OperationUpdate},
	}
	txs := GroupTransactions(writes)
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].BatchID != "" || len(txs[0].Writes) != 1 {
		t.Fatalf("expected singleton transaction first, got %+v", txs[0])
	}
	if txs[0].Subjects != nil {
		t.Fatalf("expected no subject grouping for singleton transaction")
	}
	batch := txs[1]
	if batch.BatchID != "t1" || len(batch.Writes) != 3 {
		t.Fatalf("expected batch t1 with 3 writes, got %+v", batch)
	}
	if batch.Timestamp != 100 {
		t.Fatalf("expected earliest member timestamp 100, got %d", batch.Timestamp)
	}
	if len(batch.Subjects) != 2 {
		t.Fatalf("expected 2 subject groups, got %d", len(batch.Subjects))
	}
	if batch.Subjects[0].Subject != "order:1" || len(batch.Subjects[0].Writes) != 2 {
		t.Fatalf("unexpected first subject group: %+v", batch.Subjects[0])
	}
}

func TestGroupTransactionsSingletonKeyUsesTimestampAndSubject(t *testing.T) {
	writes := []SourceWriteEvent{
		{Subject: "order:1", Predicate: "status", Timestamp: 100},
		{Subject: "order:1", Predicate: "total", Timestamp: 100},
		{Subject: "order:2", Predicate: "status", Timestamp: 100},
	}
	txs := GroupTransactions(writes)
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	for _, tx := range txs {
		if tx.ID == `single:100|"order:1"` && len(tx.Writes) != 2 {
			t.Fatalf("expected 2 writes for order:1, got %d", len(tx.Writes))
		}
	}
}

func TestGroupPropagationTruncatesDocuments(t *testing.T) {
	events := make([]IndexPropagationEvent, 0, 150)
	for i := 0; i < 150; i++ {
		events = append(events, IndexPropagationEvent{
			LogicalTime: 42,
			IndexName:   "orders_by_status",
			DocumentID:  fmt.Sprintf("doc-%03d", i),
			Operation:   OperationUpdate,
			WallTime:    int64(1000 + i),
		})
	}
	groups := GroupPropagation(events)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	g := groups[0]
	if g.TotalDocs != 150 || g.ShownDocs != 100 || !g.Truncated {
		t.Fatalf("expected totalDocs=150 shownDocs=100 truncated, got %d/%d/%v", g.TotalDocs, g.ShownDocs, g.Truncated)
	}
	if len(g.Documents) != 100 {
		t.Fatalf("expected 100 documents, got %d", len(g.Documents))
	}
}

func TestGroupPropagationMergesFieldChangesAndOperation(t *testing.T) {
	events := []IndexPropagationEvent{
		{
			LogicalTime: 7, IndexName: "idx_a", DocumentID: "order:1", Operation: OperationUpdate, WallTime: 10,
			FieldChanges: map[string]FieldChange{
				"status": {Old: json.RawMessage(`"new"`), New: json.RawMessage(`"paid"`)},
				"total":  {Old: json.RawMessage(`10`), New: json.RawMessage(`12`)},
			},
		},
		{
			LogicalTime: 7, IndexName: "idx_b", DocumentID: "order:1", Operation: OperationInsert, WallTime: 11,
			DisplayName: "Order #1",
			FieldChanges: map[string]FieldChange{
				"status": {Old: json.RawMessage(`"paid"`), New: json.RawMessage(`"shipped"`)},
			},
		},
		{LogicalTime: 9, IndexName: "idx_a", DocumentID: "order:2", Operation: OperationDelete, WallTime: 12},
	}
	groups := GroupPropagation(events)
	if len(groups) != 2 {
		t.Fatalf("expected 2 logical-time groups, got %d", len(groups))
	}
	if groups[0].LogicalTime != 9 || groups[1].LogicalTime != 7 {
		t.Fatalf("expected descending logical times, got %d, %d", groups[0].LogicalTime, groups[1].LogicalTime)
	}
	if groups[0].Documents[0].Operation != OperationDelete {
		t.Fatalf("expected delete operation, got %s", groups[0].Documents[0].Operation)
	}
	doc := groups[1].Documents[0]
	if doc.Operation != OperationInsert {
		t.Fatalf("expected insert to dominate, got %s", doc.Operation)
	}
	if doc.EventCount != 2 || len(doc.IndexNames) != 2 {
		t.Fatalf("expected 2 events across 2 indexes, got %+v", doc)
	}
	if doc.DisplayName != "Order #1" {
		t.Fatalf("expected display name to be carried, got %q", doc.DisplayName)
	}
	if string(doc.FieldChanges["status"].New) != `"shipped"` {
		t.Fatalf("expected last status value to win, got %s", doc.FieldChanges["status"].New)
	}
	if string(doc.FieldChanges["total"].New) != `12` {
		t.Fatalf("expected total to be kept, got %s", doc.FieldChanges["total"].New)
	}
	if groups[1].Truncated {
		t.Fatalf("expected group not to be truncated")
	}
}

func TestMergeOperationPrecedence(t *testing.T) {
	cases := []struct {
		ops  []Operation
		want Operation
	}{
		{[]Operation{OperationUpdate, OperationUpdate}, OperationUpdate},
		{[]Operation{OperationUpdate, OperationDelete}, OperationDelete},
		{[]Operation{OperationDelete, OperationInsert}, OperationInsert},
		{[]Operation{OperationInsert, OperationDelete, OperationUpdate}, OperationInsert},
	}
	for _, tc := range cases {
		var got Operation
		for _, op := range tc.ops {
			got = mergeOperation(got, op)
		}
		if got != tc.want {
			t.Fatalf("ops %v: expected %s, got %s", tc.ops, tc.want, got)
		}
	}
}

func TestDisplayFieldChangeMarksSummaryCollision(t *testing.T) {
	change := FieldChange{
		Old: json.RawMessage(`[1,2,3,4,5,6]`),
		New: json.RawMessage(`[6,5,4,3,2,1]`),
	}
	got := DisplayFieldChange("lines", change)
	if !got.Modified || got.New != ModifiedMarker {
		t.Fatalf("expected modified marker, got %+v", got)
	}

	plain := DisplayFieldChange("status", FieldChange{Old: json.RawMessage(`"new"`), New: json.RawMessage(`"paid"`)})
	if plain.Modified || plain.Old != "new" || plain.New != "paid" {
		t.Fatalf("expected plain summaries, got %+v", plain)
	}

	same := DisplayFieldChange("lines", FieldChange{Old: json.RawMessage(`[1,2]`), New: json.RawMessage(`[1, 2]`)})
	if same.Modified {
		t.Fatalf("expected equal values not to be marked modified")
	}
}

func TestSummarize(t *testing.T) {
	cases := map[string]string{
		`[1,2,3]`:       "[3 items]",
		`{"a":1,"b":2}`: "{2 fields}",
		`"paid"`:        "paid",
		`12.5`:          "12.5",
		`null`:          "",
		``:              "",
	}
	for raw, want := range cases {
		if got := Summarize(json.RawMessage(raw)); got != want {
			t.Fatalf("summarize %q: expected %q, got %q", raw, want, got)
		}
	}
}
