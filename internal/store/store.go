// Package store is the local persistence layer for the teamtrack sync engine.
//
// Two backends share one API:
//   - Embedded SQLite (ncruces/go-sqlite3) at .teamtrack/teamtrack.db, WAL mode,
//     immediate transactions so every write transaction serializes on open.
//   - Dolt or MySQL in server mode (go-sql-driver/mysql), with transient
//     connection errors retried under exponential backoff.
//
// Tables:
//   - connections, sync_state: the singleton profile and its watermark
//   - work_items: cached external items, revision-guarded
//   - external_users, identity_mappings, team_members: identity import
//   - projects, work_item_links: link targets and links
//
// Timestamps are stored as fixed-width UTC text so lexical and chronological
// order agree on both backends.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrRunNotOwned is returned when a run tries to finish after it lost the
// Running status to a stale-run reclaim.
var ErrRunNotOwned = errors.New("sync run no longer owns the connection")

// ErrRunInProgress is returned when a scope change is attempted while a run
// holds the connection.
var ErrRunInProgress = errors.New("cannot change connection scope while a sync run is in progress")

// Backend names the SQL engine behind a Store.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendMySQL  Backend = "mysql"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store wraps the database connection and implements every table operation
// the sync engine needs.
type Store struct {
	conn    *sql.DB
	path    string
	backend Backend
	logger  *slog.Logger
}

// Open opens (creating if needed) the embedded SQLite database at path.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &Store{
		conn:    conn,
		path:    path,
		backend: BackendSQLite,
		logger:  slog.Default(),
	}, nil
}

// OpenServer connects to a Dolt or MySQL server using a go-sql-driver DSN
// such as "root@tcp(127.0.0.1:3306)/teamtrack".
func OpenServer(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid server DSN: %w", err)
	}
	if cfg.DBName == "" {
		return nil, fmt.Errorf("server DSN must name a database")
	}
	// Conditional UPDATEs report matched rows, not changed rows.
	cfg.ClientFoundRows = true

	conn, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open server connection: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:    conn,
		path:    cfg.Addr + "/" + cfg.DBName,
		backend: BackendMySQL,
		logger:  slog.Default(),
	}

	if err := s.withRetry(ctx, func() error { return conn.PingContext(ctx) }); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach server at %s: %w", cfg.Addr, err)
	}
	return s, nil
}

// SetLogger replaces the store's logger. A nil logger is ignored.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Backend reports which SQL engine the store is using.
func (s *Store) Backend() Backend {
	return s.backend
}

// Path returns the database file path, or host/database in server mode.
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection.
// In SQLite mode the WAL is checkpointed first.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if s.backend == BackendSQLite {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn("failed to checkpoint WAL", "error", err)
		}
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Safe to call repeatedly.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	for _, stmt := range schemaFor(s.backend) {
		if _, err := s.execContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	if err := s.migrateAssigneeKey(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Server mode has no driver-level retry, so transient connection errors are
// retried here for up to serverRetryMaxElapsed.
const serverRetryMaxElapsed = 30 * time.Second

func newServerRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = serverRetryMaxElapsed
	return bo
}

// isRetryableError reports whether err is a transient server connection error.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, transient := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"database is read only",
		"lost connection",
		"gone away",
		"i/o timeout",
	} {
		if strings.Contains(errStr, transient) {
			return true
		}
	}
	return false
}

func (s *Store) withRetry(ctx context.Context, op func() error) error {
	if s.backend != BackendMySQL {
		return op()
	}

	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(newServerRetryBackoff(), ctx))
}

func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.conn.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

func (s *Store) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.conn.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

func (s *Store) queryRowContext(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	return s.withRetry(ctx, func() error {
		return scan(s.conn.QueryRowContext(ctx, query, args...))
	})
}

// withTx runs fn inside one transaction, committing on nil error.
// In server mode the whole transaction is retried on transient errors.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// isUniqueViolation reports whether err came from a UNIQUE or PRIMARY KEY
// constraint on either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	if errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Older rows or hand-edited data may carry plain RFC3339.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// normalizeUniqueName is the key used for identity lookups. External unique
// names are email-like and compared case-insensitively.
func normalizeUniqueName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
