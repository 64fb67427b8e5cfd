package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/relaywatch/internal/changefeed"
)

// tailer turns session snapshots into log lines for transactions and
// propagation groups it has not reported yet. A group is reported again
// when more documents arrive for its logical time.
type tailer struct {
	session    *changefeed.Session
	seenTx     map[string]bool
	seenGroups map[int64]int
}

func newTailer(session *changefeed.Session) *tailer {
	return &tailer{
		session:    session,
		seenTx:     map[string]bool{},
		seenGroups: map[int64]int{},
	}
}

func (t *tailer) report() []string {
	lines := make([]string, 0)
	transactions := t.session.Transactions()
	for i := len(transactions) - 1; i >= 0; i-- {
		tx := transactions[i]
		if t.seenTx[tx.ID] {
			continue
		}
		t.seenTx[tx.ID] = true
		lines = append(lines, formatTransaction(tx)...)
	}
	groups := t.session.PropagationGroups()
	for i := len(groups) - 1; i >= 0; i-- {
		group := groups[i]
		if t.seenGroups[group.LogicalTime] == group.TotalDocs {
			continue
		}
		t.seenGroups[group.LogicalTime] = group.TotalDocs
		lines = append(lines, formatGroup(group)...)
	}
	return lines
}

func formatTransaction(tx changefeed.Transaction) []string {
	subjects := make([]string, 0)
	for _, w := range tx.Writes {
		if !containsString(subjects, w.Subject) {
			subjects = append(subjects, w.Subject)
		}
	}
	sort.Strings(subjects)
	lines := []string{fmt.Sprintf("tx %s at %d: %d write(s) on %s", tx.ID, tx.Timestamp, len(tx.Writes), strings.Join(subjects, ", "))}
	for _, w := range tx.Writes {
		lines = append(lines, fmt.Sprintf("  %s %s.%s %s -> %s", w.Operation, w.Subject, w.Predicate,
			orDash(changefeed.Summarize(w.OldValue)), orDash(changefeed.Summarize(w.NewValue))))
	}
	return lines
}

func formatGroup(group changefeed.LogicalTimeGroup) []string {
	header := fmt.Sprintf("lt %d: %d document(s)", group.LogicalTime, group.TotalDocs)
	if group.Truncated {
		header += fmt.Sprintf(", showing %d", group.ShownDocs)
	}
	lines := []string{header}
	for _, doc := range group.Documents {
		name := doc.DocumentID
		if doc.DisplayName != "" {
			name = doc.DisplayName + " (" + doc.DocumentID + ")"
		}
		lines = append(lines, fmt.Sprintf("  %s %s in %s", doc.Operation, name, strings.Join(doc.IndexNames, ", ")))
		for _, field := range doc.Fields {
			if field.Modified {
				lines = append(lines, fmt.Sprintf("    %s %s", field.Field, changefeed.ModifiedMarker))
				continue
			}
			lines = append(lines, fmt.Sprintf("    %s %s -> %s", field.Field, orDash(field.Old), orDash(field.New)))
		}
	}
	return lines
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func containsString(items []string, value string) bool {
	for _, item := range items {
		if item == value {
			return true
		}
	}
	return false
}
