package changefeed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// MaxDocsPerGroup caps the documents shown for one logical time.
const MaxDocsPerGroup = 100

// ModifiedMarker replaces old/new summaries that render identically even
// though the underlying values differ.
const ModifiedMarker = "(modified)"

const maxSummaryLen = 60

type SubjectGroup struct {
	Subject string             `json:"subject"`
	Writes  []SourceWriteEvent `json:"writes"`
}

type Transaction struct {
	ID        string             `json:"id"`
	BatchID   string             `json:"batchId,omitempty"`
	Timestamp int64              `json:"timestamp"`
	Writes    []SourceWriteEvent `json:"writes"`
	Subjects  []SubjectGroup     `json:"subjects,omitempty"`
}

// GroupTransactions groups source writes by batch id, or by (timestamp,
// subject) for writes without one. Groups are ordered by the timestamp of
// their earliest write, most recent first.
func GroupTransactions(writes []SourceWriteEvent) []Transaction {
	byKey := map[string]*Transaction{}
	order := make([]string, 0)
	for _, write := range writes {
		key := write.TransactionKey()
		tx, ok := byKey[key]
		if !ok {
			tx = &Transaction{
				ID:        key,
				BatchID:   strings.TrimSpace(write.BatchID),
				Timestamp: write.Timestamp,
			}
			byKey[key] = tx
			order = append(order, key)
		}
		if write.Timestamp < tx.Timestamp {
			tx.Timestamp = write.Timestamp
		}
		tx.Writes = append(tx.Writes, write)
	}

	out := make([]Transaction, 0, len(order))
	for _, key := range order {
		tx := byKey[key]
		sort.SliceStable(tx.Writes, func(i, j int) bool {
			if tx.Writes[i].Timestamp != tx.Writes[j].Timestamp {
				return tx.Writes[i].Timestamp < tx.Writes[j].Timestamp
			}
			return tx.Writes[i].Key() < tx.Writes[j].Key()
		})
		if len(tx.Writes) > 1 {
			tx.Subjects = groupBySubject(tx.Writes)
		}
		out = append(out, *tx)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func groupBySubject(writes []SourceWriteEvent) []SubjectGroup {
	index := map[string]int{}
	groups := make([]SubjectGroup, 0)
	for _, write := range writes {
		i, ok := index[write.Subject]
		if !ok {
			i = len(groups)
			index[write.Subject] = i
			groups = append(groups, SubjectGroup{Subject: write.Subject})
		}
		groups[i].Writes = append(groups[i].Writes, write)
	}
	return groups
}

type FieldDisplay struct {
	Field    string `json:"field"`
	Old      string `json:"old,omitempty"`
	New      string `json:"new,omitempty"`
	Modified bool   `json:"modified,omitempty"`
}

type DocumentGroup struct {
	DocumentID   string                 `json:"documentId"`
	DisplayName  string                 `json:"displayName,omitempty"`
	Operation    Operation              `json:"operation"`
	IndexNames   []string               `json:"indexNames"`
	FieldChanges map[string]FieldChange `json:"fieldChanges"`
	Fields       []FieldDisplay         `json:"fields"`
	WallTime     int64                  `json:"wallTime"`
	EventCount   int                    `json:"eventCount"`
}

type LogicalTimeGroup struct {
	LogicalTime int64           `json:"logicalTime"`
	Documents   []DocumentGroup `json:"documents"`
	TotalDocs   int             `json:"totalDocs"`
	ShownDocs   int             `json:"shownDocs"`
	Truncated   bool            `json:"truncated"`
}

// GroupPropagation groups propagation events by logical time, most recent
// first, and then by document within each logical time.
func GroupPropagation(events []IndexPropagationEvent) []LogicalTimeGroup {
	byTime := map[int64][]IndexPropagationEvent{}
	for _, event := range events {
		byTime[event.LogicalTime] = append(byTime[event.LogicalTime], event)
	}
	times := make([]int64, 0, len(byTime))
	for lt := range byTime {
		times = append(times, lt)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] > times[j] })

	out := make([]LogicalTimeGroup, 0, len(times))
	for _, lt := range times {
		docs := groupDocuments(byTime[lt])
		group := LogicalTimeGroup{
			LogicalTime: lt,
			TotalDocs:   len(docs),
		}
		if len(docs) > MaxDocsPerGroup {
			docs = docs[:MaxDocsPerGroup]
		}
		group.Documents = docs
		group.ShownDocs = len(docs)
		group.Truncated = group.TotalDocs > group.ShownDocs
		out = append(out, group)
	}
	return out
}

func groupDocuments(events []IndexPropagationEvent) []DocumentGroup {
	sorted := make([]IndexPropagationEvent, len(events))
	copy(sorted, events)
	// Oldest first so later field values overwrite earlier ones.
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].WallTime != sorted[j].WallTime {
			return sorted[i].WallTime < sorted[j].WallTime
		}
		return sorted[i].IndexName < sorted[j].IndexName
	})

	byDoc := map[string]*DocumentGroup{}
	order := make([]string, 0)
	for _, event := range sorted {
		doc, ok := byDoc[event.DocumentID]
		if !ok {
			doc = &DocumentGroup{
				DocumentID:   event.DocumentID,
				FieldChanges: map[string]FieldChange{},
			}
			byDoc[event.DocumentID] = doc
			order = append(order, event.DocumentID)
		}
		doc.EventCount++
		if event.WallTime > doc.WallTime {
			doc.WallTime = event.WallTime
		}
		if doc.DisplayName == "" && strings.TrimSpace(event.DisplayName) != "" {
			doc.DisplayName = strings.TrimSpace(event.DisplayName)
		}
		if !containsString(doc.IndexNames, event.IndexName) {
			doc.IndexNames = append(doc.IndexNames, event.IndexName)
		}
		doc.Operation = mergeOperation(doc.Operation, event.Operation)
		for field, change := range event.FieldChanges {
			doc.FieldChanges[field] = change
		}
	}

	out := make([]DocumentGroup, 0, len(order))
	for _, id := range order {
		doc := byDoc[id]
		sort.Strings(doc.IndexNames)
		doc.Fields = displayFields(doc.FieldChanges)
		out = append(out, *doc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].WallTime != out[j].WallTime {
			return out[i].WallTime > out[j].WallTime
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	return out
}

// mergeOperation folds operations so that Insert dominates Delete, and
// Delete dominates Update.
func mergeOperation(current, next Operation) Operation {
	if current == OperationInsert || next == OperationInsert {
		return OperationInsert
	}
	if current == OperationDelete || next == OperationDelete {
		return OperationDelete
	}
	return OperationUpdate
}

func displayFields(changes map[string]FieldChange) []FieldDisplay {
	fields := make([]string, 0, len(changes))
	for field := range changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	out := make([]FieldDisplay, 0, len(fields))
	for _, field := range fields {
		out = append(out, DisplayFieldChange(field, changes[field]))
	}
	return out
}

// DisplayFieldChange renders a field change as short summaries. When the
// values differ but summarize to the same text, both sides are replaced
// by ModifiedMarker.
func DisplayFieldChange(field string, change FieldChange) FieldDisplay {
	oldSummary := Summarize(change.Old)
	newSummary := Summarize(change.New)
	if oldSummary == newSummary && !sameJSON(change.Old, change.New) {
		return FieldDisplay{Field: field, New: ModifiedMarker, Modified: true}
	}
	return FieldDisplay{Field: field, Old: oldSummary, New: newSummary}
}

// Summarize renders a JSON value for display: collections collapse to a
// count, long scalars are truncated.
func Summarize(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return truncateSummary(string(trimmed))
	}
	switch v := value.(type) {
	case []any:
		return fmt.Sprintf("[%d items]", len(v))
	case map[string]any:
		return fmt.Sprintf("{%d fields}", len(v))
	case string:
		return truncateSummary(v)
	default:
		return truncateSummary(string(trimmed))
	}
}

func truncateSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSummaryLen {
		return s
	}
	return string(runes[:maxSummaryLen-3]) + "..."
}

func sameJSON(a, b json.RawMessage) bool {
	var av, bv any
	errA := json.Unmarshal(nonEmptyJSON(a), &av)
	errB := json.Unmarshal(nonEmptyJSON(b), &bv)
	if errA != nil || errB != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return len(Diff(av, bv)) == 0
}

func nonEmptyJSON(raw json.RawMessage) []byte {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null")
	}
	return raw
}

func containsString(values []string, needle string) bool {
	for _, value := range values {
		if value == needle {
			return true
		}
	}
	return false
}
