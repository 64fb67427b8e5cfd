package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaywatch/internal/changefeed"
)

const (
	fileWrites      = "writes.jsonl"
	filePropagation = "propagation.jsonl"
	fileMetrics     = "metrics.json"
	fileHistory     = "history.json"
)

type FileSourceOptions struct {
	Logger Logger
}

// FileSource reads JSON-lines logs from a directory:
//
//	writes.jsonl       one SourceWriteEvent per line
//	propagation.jsonl  one IndexPropagationEvent per line
//	metrics.json       SessionMetrics
//	history.json       MetricsHistory
//
// Parsed files are cached and re-read only after a change notification.
// Without a working watcher every query re-reads its file.
type FileSource struct {
	dir    string
	logger Logger

	mu          sync.Mutex
	dirty       map[string]bool
	writes      []changefeed.SourceWriteEvent
	propagation []changefeed.IndexPropagationEvent
	metrics     changefeed.SessionMetrics
	history     changefeed.MetricsHistory
	observed    string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewFileSource(dir string, opts FileSourceOptions) (*FileSource, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &FileSource{
		dir:    filepath.Clean(dir),
		logger: opts.Logger,
		dirty: map[string]bool{
			fileWrites:      true,
			filePropagation: true,
			fileMetrics:     true,
			fileHistory:     true,
		},
		done: make(chan struct{}),
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logf("file source: watcher unavailable, re-reading on every query: %v", err)
		return s, nil
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		s.logf("file source: watch %s failed, re-reading on every query: %v", s.dir, err)
		return s, nil
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *FileSource) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			s.mu.Lock()
			if _, tracked := s.dirty[name]; tracked {
				s.dirty[name] = true
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			// Missed notifications: drop every cache.
			s.logf("file source: watcher error: %v", err)
			s.mu.Lock()
			for name := range s.dirty {
				s.dirty[name] = true
			}
			s.mu.Unlock()
		}
	}
}

func (s *FileSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.watcher.Close()
}

func (s *FileSource) ListSourceWrites(_ context.Context, since *int64, limit int) ([]changefeed.SourceWriteEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.needsReload(fileWrites) {
		writes, err := readJSONLines[changefeed.SourceWriteEvent](filepath.Join(s.dir, fileWrites))
		if err != nil {
			return nil, err
		}
		sort.SliceStable(writes, func(i, j int) bool { return writes[i].Timestamp < writes[j].Timestamp })
		s.writes = writes
		s.dirty[fileWrites] = false
	}
	return pageAfter(s.writes, func(e changefeed.SourceWriteEvent) int64 { return e.Timestamp }, since, limit), nil
}

func (s *FileSource) ListPropagationEvents(_ context.Context, since *int64, limit int) ([]changefeed.IndexPropagationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.needsReload(filePropagation) {
		events, err := readJSONLines[changefeed.IndexPropagationEvent](filepath.Join(s.dir, filePropagation))
		if err != nil {
			return nil, err
		}
		sort.SliceStable(events, func(i, j int) bool { return events[i].LogicalTime < events[j].LogicalTime })
		s.propagation = events
		s.dirty[filePropagation] = false
	}
	return pageAfter(s.propagation, func(e changefeed.IndexPropagationEvent) int64 { return e.LogicalTime }, since, limit), nil
}

func (s *FileSource) SessionMetrics(_ context.Context) (changefeed.SessionMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.needsReload(fileMetrics) {
		var metrics changefeed.SessionMetrics
		if err := readJSONFile(filepath.Join(s.dir, fileMetrics), schemaMetrics, &metrics); err != nil {
			return changefeed.SessionMetrics{}, err
		}
		s.metrics = metrics
		s.dirty[fileMetrics] = false
	}
	return s.metrics, nil
}

func (s *FileSource) MetricsHistory(_ context.Context) (changefeed.MetricsHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.needsReload(fileHistory) {
		var history changefeed.MetricsHistory
		if err := readJSONFile(filepath.Join(s.dir, fileHistory), schemaHistory, &history); err != nil {
			return changefeed.MetricsHistory{}, err
		}
		s.history = history
		s.dirty[fileHistory] = false
	}
	return s.history, nil
}

// StartObservation only records the entity; files carry no session scope.
func (s *FileSource) StartObservation(_ context.Context, entityID string) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed = entityID
	return nil
}

func (s *FileSource) StopObservation(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed = ""
	return nil
}

func (s *FileSource) needsReload(name string) bool {
	return s.watcher == nil || s.dirty[name]
}

func (s *FileSource) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func readJSONLines[E any](path string) ([]E, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []E{}, nil
		}
		return nil, err
	}
	out := make([]E, 0)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var item E
		if err := json.Unmarshal(text, &item); err != nil {
			return nil, malformed("%s:%d: %v", filepath.Base(path), line, err)
		}
		out = append(out, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, malformed("%s: %v", filepath.Base(path), err)
	}
	return out, nil
}

func readJSONFile(path, schema string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := validatePayload(schema, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return malformed("%s: %v", filepath.Base(path), err)
	}
	return nil
}
