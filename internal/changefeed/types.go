package changefeed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Operation string

const (
	OperationInsert Operation = "Insert"
	OperationUpdate Operation = "Update"
	OperationDelete Operation = "Delete"
)

// ParseOperation accepts the canonical names plus the lower/upper case
// spellings emitted by SQL triggers.
func ParseOperation(raw string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "insert", "create", "created":
		return OperationInsert, nil
	case "update", "updated":
		return OperationUpdate, nil
	case "delete", "deleted":
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("unknown operation %q", raw)
	}
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op, err := ParseOperation(raw)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// SourceWriteEvent is one fact written to the source-of-truth log.
// Timestamp is in Unix milliseconds.
type SourceWriteEvent struct {
	Subject   string          `json:"subject"`
	Predicate string          `json:"predicate"`
	OldValue  json.RawMessage `json:"oldValue,omitempty"`
	NewValue  json.RawMessage `json:"newValue,omitempty"`
	Operation Operation       `json:"operation"`
	Timestamp int64           `json:"timestamp"`
	BatchID   string          `json:"batchId,omitempty"`
}

// Key is the (timestamp, subject, predicate) identity. String parts are
// quoted so separators inside them cannot make two identities collide.
func (e SourceWriteEvent) Key() string {
	return identityKey(e.Timestamp, e.Subject, e.Predicate)
}

// TransactionKey is the batch id, or a synthetic singleton key when the
// write was not committed as part of a batch.
func (e SourceWriteEvent) TransactionKey() string {
	if batch := strings.TrimSpace(e.BatchID); batch != "" {
		return "batch:" + batch
	}
	return "single:" + identityKey(e.Timestamp, e.Subject)
}

type FieldChange struct {
	Old json.RawMessage `json:"old,omitempty"`
	New json.RawMessage `json:"new,omitempty"`
}

// IndexPropagationEvent is one observed effect of a write reaching a
// derived index. WallTime is in Unix milliseconds.
type IndexPropagationEvent struct {
	LogicalTime  int64                  `json:"logicalTime"`
	IndexName    string                 `json:"indexName"`
	DocumentID   string                 `json:"documentId"`
	Operation    Operation              `json:"operation"`
	FieldChanges map[string]FieldChange `json:"fieldChanges,omitempty"`
	WallTime     int64                  `json:"wallTime"`
	DisplayName  string                 `json:"displayName,omitempty"`
}

func (e IndexPropagationEvent) Key() string {
	return identityKey(e.LogicalTime, e.IndexName, e.DocumentID)
}

// WriteRecord is a write issued by the consumer itself, kept so it can be
// lined up against the source-write stream.
type WriteRecord struct {
	ID             string `json:"id"`
	Subject        string `json:"subject"`
	IssuedAt       int64  `json:"issuedAt"`
	AcknowledgedAt int64  `json:"acknowledgedAt,omitempty"`
	LatencyMs      int64  `json:"latencyMs"`
	Note           string `json:"note,omitempty"`
}

func (r WriteRecord) Key() string {
	return r.ID
}

type Source string

const (
	SourceDirectQuery     Source = "DirectQuery"
	SourceBatchCache      Source = "BatchCache"
	SourceIncrementalView Source = "IncrementalView"
)

// Sources lists every data-serving strategy in display order.
var Sources = []Source{SourceDirectQuery, SourceBatchCache, SourceIncrementalView}

type Kind string

const (
	KindResponseTime Kind = "response_time"
	KindReactionTime Kind = "reaction_time"
)

func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "response", "response_time", "responsetime":
		return KindResponseTime, nil
	case "reaction", "reaction_time", "reactiontime":
		return KindReactionTime, nil
	default:
		return "", fmt.Errorf("unknown sample kind %q", raw)
	}
}

type LatencySample struct {
	Source    Source  `json:"source"`
	Kind      Kind    `json:"kind"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// HistoryPoint is one raw (value, timestamp) pair from a history query.
type HistoryPoint struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

type SourceHistory struct {
	ResponseTime []HistoryPoint `json:"response_time"`
	ReactionTime []HistoryPoint `json:"reaction_time"`
}

type MetricsHistory struct {
	Sources map[Source]SourceHistory `json:"sources"`
}

type LatencyStats struct {
	Median float64 `json:"median"`
	Max    float64 `json:"max"`
	P99    float64 `json:"p99"`
}

type SourceMetrics struct {
	ResponseTime LatencyStats `json:"response_time"`
	ReactionTime LatencyStats `json:"reaction_time"`
	SampleCount  int64        `json:"sample_count"`
	Throughput   float64      `json:"throughput"`
}

type SessionMetrics struct {
	Sources map[Source]SourceMetrics `json:"sources"`
}

func identityKey(mark int64, parts ...string) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(mark, 10))
	for _, part := range parts {
		b.WriteByte('|')
		b.WriteString(strconv.Quote(part))
	}
	return b.String()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
