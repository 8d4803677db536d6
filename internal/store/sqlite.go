package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("store: closed")

// Store represents the SQLite request store.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection. Later calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) conn() (*sql.DB, func(), error) {
	s.mu.RLock()
	if s.closed || s.db == nil {
		s.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	return s.db, s.mu.RUnlock, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	db, release, err := s.conn()
	if err != nil {
		return err
	}
	defer release()
	return db.PingContext(ctx)
}

// InsertRequest inserts a completed request and returns its ID.
func (s *Store) InsertRequest(r *Request) (int64, error) {
	db, done, err := s.conn()
	if err != nil {
		return 0, err
	}
	defer done()

	if r.RecordedNs == 0 {
		r.RecordedNs = time.Now().UnixNano()
	}

	result, err := db.Exec(`
		INSERT INTO requests (tag, uid, type, status, origin, reason, phase, from_user, window_name, start_ns, duration_ms, recorded_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Tag, r.UID, r.Type, r.Status, r.Origin, r.Reason, r.Phase, r.FromUser, r.WindowName, r.StartNs, r.DurationMs, r.RecordedNs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	r.ID = id

	return id, nil
}

// InsertRequests writes a batch in one transaction.
func (s *Store) InsertRequests(rs []*Request) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO requests (tag, uid, type, status, origin, reason, phase, from_user, window_name, start_ns, duration_ms, recorded_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, r := range rs {
		if r.RecordedNs == 0 {
			r.RecordedNs = now
		}
		if _, err := stmt.Exec(r.Tag, r.UID, r.Type, r.Status, r.Origin, r.Reason, r.Phase, r.FromUser, r.WindowName, r.StartNs, r.DurationMs, r.RecordedNs); err != nil {
			return fmt.Errorf("insert request %s: %w", r.Tag, err)
		}
	}

	return tx.Commit()
}

// RecentRequests returns up to limit requests, newest first.
func (s *Store) RecentRequests(limit int) ([]Request, error) {
	db, done, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer done()

	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(`
		SELECT id, tag, uid, type, status, origin, reason, phase, from_user, window_name, start_ns, duration_ms, recorded_ns
		FROM requests
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	return scanRequests(rows)
}

// GetRequest returns the request with the given row id, or nil.
func (s *Store) GetRequest(id int64) (*Request, error) {
	db, done, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer done()

	var r Request
	err = db.QueryRow(`
		SELECT id, tag, uid, type, status, origin, reason, phase, from_user, window_name, start_ns, duration_ms, recorded_ns
		FROM requests WHERE id = ?`, id,
	).Scan(&r.ID, &r.Tag, &r.UID, &r.Type, &r.Status, &r.Origin, &r.Reason, &r.Phase, &r.FromUser, &r.WindowName, &r.StartNs, &r.DurationMs, &r.RecordedNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	return &r, nil
}

// StatusCounts returns the number of stored requests per final status.
func (s *Store) StatusCounts() (map[string]int64, error) {
	return s.countBy("status")
}

// ReasonCounts returns the number of stored requests per reason.
func (s *Store) ReasonCounts() (map[string]int64, error) {
	return s.countBy("reason")
}

// column is one of a fixed set of names, never user input.
func (s *Store) countBy(column string) (map[string]int64, error) {
	db, done, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer done()

	rows, err := db.Query(fmt.Sprintf("SELECT %s, COUNT(*) FROM requests GROUP BY %s", column, column))
	if err != nil {
		return nil, fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", column, err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return counts, nil
}

// Prune deletes requests recorded before olderThan and returns how many
// were removed.
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	db, done, err := s.conn()
	if err != nil {
		return 0, err
	}
	defer done()

	result, err := db.Exec("DELETE FROM requests WHERE recorded_ns < ?", olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune requests: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func scanRequests(rows *sql.Rows) ([]Request, error) {
	var out []Request

	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.Tag, &r.UID, &r.Type, &r.Status, &r.Origin, &r.Reason, &r.Phase, &r.FromUser, &r.WindowName, &r.StartNs, &r.DurationMs, &r.RecordedNs); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}

	return out, nil
}
