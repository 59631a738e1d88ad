package telemetry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a single-writer/multi-reader ring buffer of TaskRecords paired
// with a running PerformanceAggregate. Record serialises writers; Snapshot
// and History take a read lock so concurrent readers never block each other.
type Store struct {
	mu        sync.RWMutex
	dataDir   string
	logger    *slog.Logger
	ring      []TaskRecord
	next      int
	filled    bool
	aggregate *PerformanceAggregate

	mirror   *sql.DB
	mirrorOn bool
}

// New creates a Store rooted at dataDir. If sqliteMirror is true, every
// recorded TaskRecord is additionally written to a WAL-mode sqlite database
// at <dataDir>/telemetry.db.
func New(dataDir string, sqliteMirror bool, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dataDir:   dataDir,
		logger:    logger.With("component", "telemetry"),
		ring:      make([]TaskRecord, HistoryCapacity),
		aggregate: newAggregate(),
	}

	if err := s.loadPersisted(); err != nil {
		s.logger.Warn("failed to load persisted telemetry, starting fresh", "error", err)
	}

	if sqliteMirror {
		if err := s.openMirror(); err != nil {
			return nil, fmt.Errorf("open sqlite mirror: %w", err)
		}
	}

	return s, nil
}

func (s *Store) openMirror() error {
	path := filepath.Join(s.dataDir, "telemetry.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return fmt.Errorf("wal mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS task_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		command TEXT NOT NULL,
		duration_nanos INTEGER NOT NULL,
		success INTEGER NOT NULL,
		error TEXT
	)`); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	s.mirror = db
	s.mirrorOn = true
	return nil
}

// Record appends a TaskRecord, evicting the oldest entry once the ring is
// full, and updates the PerformanceAggregate.
func (s *Store) Record(rec TaskRecord) {
	s.mu.Lock()
	s.ring[s.next] = rec
	s.next = (s.next + 1) % HistoryCapacity
	if s.next == 0 {
		s.filled = true
	}

	a := s.aggregate
	a.CommandsExecuted++
	a.TotalExecutionNanos += rec.DurationNanos
	if rec.Success {
		a.SuccessfulExecutions++
	} else {
		a.FailedExecutions++
	}
	if a.FirstCommandAt == nil {
		t := rec.Timestamp
		a.FirstCommandAt = &t
	}
	t := rec.Timestamp
	a.LastCommandAt = &t

	stats, ok := a.PerCommand[rec.Command]
	if !ok {
		stats = &CommandStats{}
		a.PerCommand[rec.Command] = stats
	}
	stats.TotalNanos += rec.DurationNanos
	if rec.Success {
		stats.Success++
	} else {
		stats.Fail++
	}
	s.mu.Unlock()

	if s.mirrorOn {
		s.mirrorRecord(rec)
	}
}

func (s *Store) mirrorRecord(rec TaskRecord) {
	errVal := any(nil)
	if rec.Error != "" {
		errVal = rec.Error
	}
	if _, err := s.mirror.Exec(
		`INSERT INTO task_records(timestamp, command, duration_nanos, success, error) VALUES(?, ?, ?, ?, ?)`,
		rec.Timestamp.Format(time.RFC3339Nano), rec.Command, rec.DurationNanos, rec.Success, errVal,
	); err != nil {
		s.logger.Warn("sqlite mirror insert failed", "error", err)
	}
}

// RecordEvolutionCycle increments the evolution-cycle counter in the
// aggregate; called by the evolution engine on cycle completion.
func (s *Store) RecordEvolutionCycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregate.EvolutionCycles++
}

// RecordModuleCreated increments the modules-created counter; called by the
// evolution engine's Integrate phase on a successful registration.
func (s *Store) RecordModuleCreated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregate.ModulesCreated++
}

// Snapshot returns a deep copy of the current PerformanceAggregate.
func (s *Store) Snapshot() *PerformanceAggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregate.clone()
}

// History returns the last n records in chronological order (oldest first).
// If n <= 0 or n exceeds the number of stored records, all stored records
// are returned.
func (s *Store) History(n int) []TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.next
	if s.filled {
		count = HistoryCapacity
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]TaskRecord, 0, n)
	start := s.next - n
	if s.filled {
		for i := 0; i < n; i++ {
			idx := (s.next - n + i + HistoryCapacity) % HistoryCapacity
			out = append(out, s.ring[idx])
		}
		return out
	}
	if start < 0 {
		start = 0
	}
	out = append(out, s.ring[start:s.next]...)
	return out
}

// SaveState persists the aggregate and the last PersistedHistoryCount
// records to disk via atomic temp-file-then-rename writes.
func (s *Store) SaveState() error {
	s.mu.RLock()
	aggCopy := s.aggregate.clone()
	history := s.History(PersistedHistoryCount)
	s.mu.RUnlock()

	if err := writeJSONAtomic(filepath.Join(s.dataDir, "metrics.json"), aggCopy); err != nil {
		return fmt.Errorf("save metrics: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(s.dataDir, "task_history.json"), history); err != nil {
		return fmt.Errorf("save task history: %w", err)
	}
	return nil
}

// Close closes the optional sqlite mirror, if one was opened.
func (s *Store) Close() error {
	if s.mirror != nil {
		return s.mirror.Close()
	}
	return nil
}

func (s *Store) loadPersisted() error {
	metricsPath := filepath.Join(s.dataDir, "metrics.json")
	if data, err := os.ReadFile(metricsPath); err == nil {
		agg := newAggregate()
		if err := json.Unmarshal(data, agg); err != nil {
			return fmt.Errorf("parse metrics.json: %w", err)
		}
		if agg.PerCommand == nil {
			agg.PerCommand = make(map[string]*CommandStats)
		}
		s.aggregate = agg
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read metrics.json: %w", err)
	}

	historyPath := filepath.Join(s.dataDir, "task_history.json")
	if data, err := os.ReadFile(historyPath); err == nil {
		var history []TaskRecord
		if err := json.Unmarshal(data, &history); err != nil {
			return fmt.Errorf("parse task_history.json: %w", err)
		}
		for _, rec := range history {
			s.ring[s.next] = rec
			s.next = (s.next + 1) % HistoryCapacity
			if s.next == 0 {
				s.filled = true
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read task_history.json: %w", err)
	}

	return nil
}

// Snapshot samples coarse process resource usage for inclusion in a TaskRecord.
func Snapshot() ResourceSnapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return ResourceSnapshot{
		HeapAllocMB:  float64(m.HeapAlloc) / (1024 * 1024),
		NumGoroutine: runtime.NumGoroutine(),
	}
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".telemetry-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	if writeErr != nil {
		os.Remove(tmpName)
		return writeErr
	}
	if closeErr != nil {
		os.Remove(tmpName)
		return closeErr
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
