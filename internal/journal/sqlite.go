package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the journal database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS fetches (
		target TEXT NOT NULL PRIMARY KEY,
		run_id TEXT NOT NULL,
		ext_id TEXT NOT NULL,
		version TEXT NOT NULL,
		url TEXT NOT NULL,
		status TEXT NOT NULL,
		bytes INTEGER DEFAULT 0,
		last_error TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fetches_run_status ON fetches(run_id, status);
	CREATE INDEX IF NOT EXISTS idx_fetches_updated_at ON fetches(updated_at);
	`

	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// SaveFetch saves or updates the record for a target
func (s *SQLiteStore) SaveFetch(record *FetchRecord) error {
	if s.isClosed() {
		return fmt.Errorf("journal store is closed")
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.saveFetchInternal(record)
	})
}

func (s *SQLiteStore) saveFetchInternal(record *FetchRecord) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO fetches
	(target, run_id, ext_id, version, url, status, bytes, last_error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(target) DO UPDATE SET
		run_id = excluded.run_id,
		ext_id = excluded.ext_id,
		version = excluded.version,
		url = excluded.url,
		status = excluded.status,
		bytes = excluded.bytes,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		record.Target,
		record.RunID,
		record.ID,
		record.Version,
		record.URL,
		record.Status,
		record.Bytes,
		record.LastError,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fetch: %w", err)
	}

	return nil
}

// GetFetch returns the record for target, or nil if none exists
func (s *SQLiteStore) GetFetch(target string) (*FetchRecord, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("journal store is closed")
	}

	query := `
	SELECT target, run_id, ext_id, version, url, status, bytes, last_error, updated_at
	FROM fetches WHERE target = ?
	`

	record, err := scanFetch(s.db.QueryRow(query, target))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// LatestRun returns the run id of the most recently updated record
func (s *SQLiteStore) LatestRun() (string, error) {
	if s.isClosed() {
		return "", fmt.Errorf("journal store is closed")
	}

	var runID string
	err := s.db.QueryRow(`SELECT run_id FROM fetches ORDER BY updated_at DESC LIMIT 1`).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return runID, err
}

// ListProblems returns the not-found and failed fetches of a run
func (s *SQLiteStore) ListProblems(runID string) ([]*FetchRecord, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("journal store is closed")
	}

	query := `
	SELECT target, run_id, ext_id, version, url, status, bytes, last_error, updated_at
	FROM fetches WHERE run_id = ? AND status IN (?, ?)
	ORDER BY ext_id ASC, version ASC
	`

	rows, err := s.db.Query(query, runID, StatusNotFound, StatusFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*FetchRecord
	for rows.Next() {
		record, err := scanFetch(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFetch(row scanner) (*FetchRecord, error) {
	var record FetchRecord
	var lastError sql.NullString

	err := row.Scan(
		&record.Target,
		&record.RunID,
		&record.ID,
		&record.Version,
		&record.URL,
		&record.Status,
		&record.Bytes,
		&lastError,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		record.LastError = lastError.String
	}

	return &record, nil
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}

		delay := baseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(attempt*10) * time.Millisecond
		time.Sleep(delay + jitter)
	}

	return err
}

func isSQLiteBusyError(err error) bool {
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
