package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Trace kinds
const (
	KindCacheHit = "cache"
	KindRelay    = "relay"
)

// FrameTrace records one frame handled by the gateway
type FrameTrace struct {
	ID           int64         `json:"id"`
	SessionID    string        `json:"session_id"`    // Downstream session (uuid)
	Kind         string        `json:"kind"`          // KindCacheHit or KindRelay
	FrameID      uint64        `json:"frame_id"`      // Header id of the request
	Command      string        `json:"command"`       // DATA or MODEL_INFO
	NumItems     uint32        `json:"num_items"`     // Items in the request
	RequestSize  int           `json:"request_size"`  // Request bytes, header included
	ResponseSize int           `json:"response_size"` // Response bytes, header included
	Latency      time.Duration `json:"latency"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    int64         `json:"created_at"` // Unix seconds
}

// TraceStore persists gateway frame traces in sqlite
type TraceStore struct {
	db     *sql.DB
	ttl    time.Duration // Trace time-to-live; 0 keeps traces forever
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewTraceStore opens (or creates) the trace database at dbPath
func NewTraceStore(dbPath string, ttl time.Duration, logger *zap.Logger) (*TraceStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	store := &TraceStore{
		db:     db,
		ttl:    ttl,
		logger: logger.Named("traces"),
		done:   make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if ttl > 0 {
		go store.cleanupLoop()
	}

	return store, nil
}

// initSchema creates the database schema
func (s *TraceStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS frame_traces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		frame_id INTEGER NOT NULL,
		command TEXT NOT NULL,
		num_items INTEGER NOT NULL,
		request_size INTEGER NOT NULL,
		response_size INTEGER NOT NULL,
		latency_us INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	-- Index for per-session lookups
	CREATE INDEX IF NOT EXISTS idx_trace_session ON frame_traces(session_id);

	-- Index for expiration cleanup
	CREATE INDEX IF NOT EXISTS idx_trace_created ON frame_traces(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Record stores a trace. CreatedAt defaults to now.
func (s *TraceStore) Record(t *FrameTrace) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().Unix()
	}

	query := `
		INSERT INTO frame_traces (session_id, kind, frame_id, command, num_items, request_size, response_size, latency_us, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query, t.SessionID, t.Kind, int64(t.FrameID), t.Command, t.NumItems,
		t.RequestSize, t.ResponseSize, t.Latency.Microseconds(), t.Error, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record trace: %w", err)
	}

	t.ID, _ = result.LastInsertId()
	return nil
}

func scanTraces(rows *sql.Rows) ([]*FrameTrace, error) {
	var traces []*FrameTrace
	for rows.Next() {
		t := &FrameTrace{}
		var frameID, latencyUs int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Kind, &frameID, &t.Command, &t.NumItems,
			&t.RequestSize, &t.ResponseSize, &latencyUs, &t.Error, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trace: %w", err)
		}
		t.FrameID = uint64(frameID)
		t.Latency = time.Duration(latencyUs) * time.Microsecond
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// Recent returns up to limit traces, newest first
func (s *TraceStore) Recent(limit int) ([]*FrameTrace, error) {
	query := `
		SELECT id, session_id, kind, frame_id, command, num_items, request_size, response_size, latency_us, error, created_at
		FROM frame_traces
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get traces: %w", err)
	}
	defer rows.Close()

	return scanTraces(rows)
}

// Session returns all traces of one downstream session, oldest first
func (s *TraceStore) Session(sessionID string) ([]*FrameTrace, error) {
	query := `
		SELECT id, session_id, kind, frame_id, command, num_items, request_size, response_size, latency_us, error, created_at
		FROM frame_traces
		WHERE session_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session traces: %w", err)
	}
	defer rows.Close()

	return scanTraces(rows)
}

// Count returns the number of stored traces
func (s *TraceStore) Count() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM frame_traces`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count traces: %w", err)
	}
	return count, nil
}

// DeleteBefore removes traces created before cutoff (Unix seconds)
func (s *TraceStore) DeleteBefore(cutoff int64) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM frame_traces WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete traces: %w", err)
	}
	return result.RowsAffected()
}

// cleanupLoop periodically removes traces older than the TTL
func (s *TraceStore) cleanupLoop() {
	interval := s.ttl / 2
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			count, err := s.DeleteBefore(time.Now().Add(-s.ttl).Unix())
			if err != nil {
				s.logger.Warn("failed to cleanup expired traces", zap.Error(err))
				continue
			}
			if count > 0 {
				s.logger.Info("cleaned up expired traces", zap.Int64("count", count))
			}
		}
	}
}

// Close stops the cleanup loop and closes the database
func (s *TraceStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.db.Close()
}
