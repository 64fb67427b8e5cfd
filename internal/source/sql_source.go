package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/agentworkforce/relaywatch/internal/changefeed"
)

const (
	defaultWritesTable      = "relaywatch_source_writes"
	defaultPropagationTable = "relaywatch_propagation_events"
	sqlOperationTimeout     = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

type SQLOptions struct {
	WritesTable      string
	PropagationTable string
	// CreateTables creates both tables when missing. Producers normally
	// own the schema; this exists for local demos and tests.
	CreateTables bool
}

// SQLSource reads the source-write log and the propagation-event log from
// two tables of a Postgres or SQLite database.
type SQLSource struct {
	dialect          Dialect
	dsn              string
	writesTable      string
	propagationTable string
	createTables     bool
	openDB           sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSource(dsn string, opts SQLOptions) (*SQLSource, error) {
	return newSQLSource(DialectPostgres, dsn, opts)
}

func NewSQLiteSource(path string, opts SQLOptions) (*SQLSource, error) {
	return newSQLSource(DialectSQLite, path, opts)
}

// NewSQLSourceFromDB wraps an already opened database.
func NewSQLSourceFromDB(db *sql.DB, dialect Dialect, opts SQLOptions) (*SQLSource, error) {
	if db == nil {
		return nil, ErrInvalidInput
	}
	src, err := newSQLSource(dialect, "preopened", opts)
	if err != nil {
		return nil, err
	}
	src.openDB = func(string, string) (*sql.DB, error) { return db, nil }
	return src, nil
}

func newSQLSource(dialect Dialect, dsn string, opts SQLOptions) (*SQLSource, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	writesTable := strings.TrimSpace(opts.WritesTable)
	if writesTable == "" {
		writesTable = defaultWritesTable
	}
	propagationTable := strings.TrimSpace(opts.PropagationTable)
	if propagationTable == "" {
		propagationTable = defaultPropagationTable
	}
	return &SQLSource{
		dialect:          dialect,
		dsn:              dsn,
		writesTable:      writesTable,
		propagationTable: propagationTable,
		createTables:     opts.CreateTables,
		openDB:           sql.Open,
	}, nil
}

func (s *SQLSource) ListSourceWrites(ctx context.Context, since *int64, limit int) ([]changefeed.SourceWriteEvent, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	columns := "subject, predicate, old_value, new_value, operation, ts, batch_id"
	query, args := s.pageQuery(columns, s.writesTable, "ts", "subject, predicate", since, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]changefeed.SourceWriteEvent, 0)
	for rows.Next() {
		var (
			event              changefeed.SourceWriteEvent
			oldValue, newValue sql.NullString
			operation          string
			batchID            sql.NullString
		)
		if err := rows.Scan(&event.Subject, &event.Predicate, &oldValue, &newValue, &operation, &event.Timestamp, &batchID); err != nil {
			return nil, err
		}
		op, err := changefeed.ParseOperation(operation)
		if err != nil {
			return nil, malformed("%s: %v", s.writesTable, err)
		}
		event.Operation = op
		if event.OldValue, err = rawJSONColumn(oldValue); err != nil {
			return nil, malformed("%s.old_value: %v", s.writesTable, err)
		}
		if event.NewValue, err = rawJSONColumn(newValue); err != nil {
			return nil, malformed("%s.new_value: %v", s.writesTable, err)
		}
		event.BatchID = batchID.String
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if since == nil {
		reverse(out)
	}
	return out, nil
}

func (s *SQLSource) ListPropagationEvents(ctx context.Context, since *int64, limit int) ([]changefeed.IndexPropagationEvent, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	columns := "logical_time, index_name, document_id, operation, field_changes, wall_time, display_name"
	query, args := s.pageQuery(columns, s.propagationTable, "logical_time", "index_name, document_id", since, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]changefeed.IndexPropagationEvent, 0)
	for rows.Next() {
		var (
			event        changefeed.IndexPropagationEvent
			operation    string
			fieldChanges sql.NullString
			displayName  sql.NullString
		)
		if err := rows.Scan(&event.LogicalTime, &event.IndexName, &event.DocumentID, &operation, &fieldChanges, &event.WallTime, &displayName); err != nil {
			return nil, err
		}
		op, err := changefeed.ParseOperation(operation)
		if err != nil {
			return nil, malformed("%s: %v", s.propagationTable, err)
		}
		event.Operation = op
		if fieldChanges.Valid && strings.TrimSpace(fieldChanges.String) != "" {
			if err := json.Unmarshal([]byte(fieldChanges.String), &event.FieldChanges); err != nil {
				return nil, malformed("%s.field_changes: %v", s.propagationTable, err)
			}
		}
		event.DisplayName = displayName.String
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if since == nil {
		reverse(out)
	}
	return out, nil
}

// pageQuery builds the since/limit query. Without a bound the newest rows
// are selected and the caller reverses them into ascending order.
func (s *SQLSource) pageQuery(columns, table, markColumn, tieColumns string, since *int64, limit int) (string, []any) {
	if limit <= 0 {
		limit = 100
	}
	quoted := quoteIdentifier(table)
	if since == nil {
		query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s DESC, %s LIMIT %s",
			columns, quoted, markColumn, descending(tieColumns), s.dialect.placeholder(1))
		return query, []any{limit}
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s > %s ORDER BY %s ASC, %s LIMIT %s",
		columns, quoted, markColumn, s.dialect.placeholder(1), markColumn, tieColumns, s.dialect.placeholder(2))
	return query, []any{*since, limit}
}

func (s *SQLSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLSource) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(string(s.dialect), s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect == DialectSQLite {
			// A single connection keeps :memory: databases visible to
			// every query.
			db.SetMaxOpenConns(1)
		}
		if s.createTables {
			if err := s.createSchema(db); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLSource) createSchema(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				subject TEXT NOT NULL,
				predicate TEXT NOT NULL,
				old_value TEXT,
				new_value TEXT,
				operation TEXT NOT NULL,
				ts BIGINT NOT NULL,
				batch_id TEXT
			)`, quoteIdentifier(s.writesTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (ts)`,
			quoteIdentifier(s.writesTable+"_ts_idx"), quoteIdentifier(s.writesTable)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				logical_time BIGINT NOT NULL,
				index_name TEXT NOT NULL,
				document_id TEXT NOT NULL,
				operation TEXT NOT NULL,
				field_changes TEXT,
				wall_time BIGINT NOT NULL,
				display_name TEXT
			)`, quoteIdentifier(s.propagationTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (logical_time)`,
			quoteIdentifier(s.propagationTable+"_lt_idx"), quoteIdentifier(s.propagationTable)),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertSourceWrites appends writes to the source-write table. It backs the
// demo seeder and tests; producers write through their own paths.
func (s *SQLSource) InsertSourceWrites(ctx context.Context, writes []changefeed.SourceWriteEvent) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	p := s.dialect.placeholder
	query := fmt.Sprintf("INSERT INTO %s (subject, predicate, old_value, new_value, operation, ts, batch_id) VALUES (%s, %s, %s, %s, %s, %s, %s)",
		quoteIdentifier(s.writesTable), p(1), p(2), p(3), p(4), p(5), p(6), p(7))
	for _, w := range writes {
		if _, err := s.db.ExecContext(ctx, query, w.Subject, w.Predicate, nullableJSON(w.OldValue), nullableJSON(w.NewValue),
			string(w.Operation), w.Timestamp, nullableString(w.BatchID)); err != nil {
			return err
		}
	}
	return nil
}

// InsertPropagationEvents appends events to the propagation table.
func (s *SQLSource) InsertPropagationEvents(ctx context.Context, events []changefeed.IndexPropagationEvent) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	p := s.dialect.placeholder
	query := fmt.Sprintf("INSERT INTO %s (logical_time, index_name, document_id, operation, field_changes, wall_time, display_name) VALUES (%s, %s, %s, %s, %s, %s, %s)",
		quoteIdentifier(s.propagationTable), p(1), p(2), p(3), p(4), p(5), p(6), p(7))
	for _, e := range events {
		var changes any
		if len(e.FieldChanges) > 0 {
			data, err := json.Marshal(e.FieldChanges)
			if err != nil {
				return err
			}
			changes = string(data)
		}
		if _, err := s.db.ExecContext(ctx, query, e.LogicalTime, e.IndexName, e.DocumentID, string(e.Operation),
			changes, e.WallTime, nullableString(e.DisplayName)); err != nil {
			return err
		}
	}
	return nil
}

func rawJSONColumn(col sql.NullString) (json.RawMessage, error) {
	if !col.Valid || strings.TrimSpace(col.String) == "" {
		return nil, nil
	}
	raw := json.RawMessage(col.String)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid json %q", col.String)
	}
	return raw, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func descending(columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part) + " DESC"
	}
	return strings.Join(parts, ", ")
}

func reverse[E any](items []E) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
