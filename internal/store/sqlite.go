package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultRetention is how long journaled calls are kept.
const DefaultRetention = 30 * 24 * time.Hour

// SQLiteStore implements Store using an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex // serializes writes (SQLite is single-writer)
	closeCh   chan struct{}
	closeOnce sync.Once
	retention time.Duration
}

// NewSQLiteStore opens or creates a SQLite database at dataDir/journal.db
// and runs schema migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "journal.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:        db,
		closeCh:   make(chan struct{}),
		retention: DefaultRetention,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	go s.cleanupLoop()

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			server TEXT NOT NULL,
			operation TEXT NOT NULL,
			streaming INTEGER NOT NULL DEFAULT 0,
			request BLOB,
			response BLOB,
			events INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_operation ON calls(operation)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// cleanupLoop periodically drops calls older than the retention window.
func (s *SQLiteStore) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.CallPrune(context.Background(), time.Now().UTC().Add(-s.retention))
		}
	}
}

func (s *SQLiteStore) CallStart(ctx context.Context, c *Call) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, server, operation, streaming, request, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Server, c.Operation, c.Streaming, c.Request, c.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("recording call: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CallFinish(ctx context.Context, id string, response []byte, events int, callErr error) error {
	msg := ""
	if callErr != nil {
		msg = callErr.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET response = ?, events = ?, error = ?, finished_at = ? WHERE id = ?`,
		response, events, msg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("finishing call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("call not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) CallGet(ctx context.Context, id string) (*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := scanCall(s.db.QueryRowContext(ctx,
		`SELECT id, server, operation, streaming, request, response, events, error, started_at, finished_at
		 FROM calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) CallList(ctx context.Context, opts ListOptions) ([]Call, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server, operation, streaming, request, response, events, error, started_at, finished_at
		 FROM calls WHERE (? = '' OR operation = ?) ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		opts.Operation, opts.Operation, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

func (s *SQLiteStore) CallPrune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM calls WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (*Call, error) {
	var c Call
	var finished sql.NullTime
	if err := row.Scan(&c.ID, &c.Server, &c.Operation, &c.Streaming, &c.Request, &c.Response,
		&c.Events, &c.Error, &c.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		c.FinishedAt = &t
	}
	return &c, nil
}
