// Package records provides the named-record store backing all persistent
// state: a sqlite table of independently fetched and stored JSON records
// keyed by name. Each get/set is an independent, immediately-durable
// operation; there is no multi-key transaction.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "charlesd-v1-2026-08-records-audit"

	// maxCASAttempts bounds the read-modify-write retry loop in Update.
	maxCASAttempts = 8
)

var (
	// ErrNotFound reports an absent record. Callers fall back to the
	// record's documented default.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict reports a compare-and-put against a stale version.
	ErrVersionConflict = errors.New("record version conflict")

	// ErrUnavailable wraps storage-backend failures. Not retried by
	// callers; propagates as a request failure.
	ErrUnavailable = errors.New("record store unavailable")
)

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".charlesd", "charlesd.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the storage backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// Get returns the raw JSON value and version of the named record.
// An absent record reports ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) ([]byte, int64, error) {
	var (
		value   string
		version int64
	)
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT value, version FROM records WHERE name = ?;`, name,
		).Scan(&value, &version)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("record %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: get %q: %v", ErrUnavailable, name, err)
	}
	return []byte(value), version, nil
}

// Put writes the record unconditionally (last write wins).
func (s *Store) Put(ctx context.Context, name string, raw []byte) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO records (name, value, version, updated_at)
			VALUES (?, ?, 1, CURRENT_TIMESTAMP)
			ON CONFLICT(name) DO UPDATE SET
				value = excluded.value,
				version = records.version + 1,
				updated_at = CURRENT_TIMESTAMP;
		`, name, string(raw))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrUnavailable, name, err)
	}
	return nil
}

// CompareAndPut writes the record only when its stored version still equals
// expectVersion. expectVersion 0 asserts the record does not exist yet.
func (s *Store) CompareAndPut(ctx context.Context, name string, raw []byte, expectVersion int64) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		var (
			res     sql.Result
			execErr error
		)
		if expectVersion == 0 {
			res, execErr = s.db.ExecContext(ctx, `
				INSERT INTO records (name, value, version, updated_at)
				VALUES (?, ?, 1, CURRENT_TIMESTAMP)
				ON CONFLICT(name) DO NOTHING;
			`, name, string(raw))
		} else {
			res, execErr = s.db.ExecContext(ctx, `
				UPDATE records
				SET value = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
				WHERE name = ? AND version = ?;
			`, string(raw), name, expectVersion)
		}
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return fmt.Errorf("%w: compare-and-put %q: %v", ErrUnavailable, name, err)
	}
	if affected == 0 {
		return fmt.Errorf("record %q at version %d: %w", name, expectVersion, ErrVersionConflict)
	}
	return nil
}

// Update applies fn to the current value of the named record under a
// version-checked read-modify-write loop. An absent record presents fn with
// def. Conflicting writers retry up to maxCASAttempts before surfacing
// ErrVersionConflict.
func (s *Store) Update(ctx context.Context, name string, def []byte, fn func(cur []byte) ([]byte, error)) error {
	var lastErr error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, version, err := s.Get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			cur, version = def, 0
		} else if err != nil {
			return err
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}

		err = s.CompareAndPut(ctx, name, next, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.IntN(5)+1) * time.Millisecond):
		}
	}
	return lastErr
}

// Delete removes the named record. Absent records are not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM records WHERE name = ?;`, name)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("%w: delete %q: %v", ErrUnavailable, name, err)
	}
	return nil
}

// PurgeAuditLog deletes audit_log rows older than the retention window.
// days <= 0 keeps everything.
func (s *Store) PurgeAuditLog(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx,
			`DELETE FROM audit_log WHERE created_at < datetime('now', ?);`,
			fmt.Sprintf("-%d days", days),
		)
		if execErr != nil {
			return execErr
		}
		purged, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("%w: purge audit_log: %v", ErrUnavailable, err)
	}
	return purged, nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
