// Package store provides a durable, best-effort audit trail of command
// outcomes (spec.md §4.M), adapted from the teacher's pkg/storage sqlite
// sink: same PRAGMA tuning and schema-evolution habits, narrowed to a single
// append-only execution_history table instead of a multi-sink fan-out.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	envHistoryDBPath  = "FLEETSCHED_HISTORY_DB_PATH"
	defaultDBDirName  = ".fleetsched"
	defaultDBFileName = "history.sqlite"
	historyTableName  = "execution_history"
)

// ExecutionRecord is the durable shape of one terminal invocation outcome.
// It mirrors fleetsched.ExecutionRecord field-for-field but is declared
// independently so the on-disk schema does not silently drift if the core
// type changes (the same reasoning as remote.DeviceInfo).
type ExecutionRecord struct {
	CommandID    int64
	Args         []string
	DeviceSerial string
	StartUnixMs  int64
	EndUnixMs    int64
	Status       string
	Error        string
}

// HistoryStore is the external port this package implements: a fire-and-
// forget audit sink the scheduler never blocks on for longer than a single
// local insert.
type HistoryStore interface {
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
	Close() error
}

// NoopHistoryStore discards every record. It is the default when no
// durable history is configured, so the scheduler's core never has a hard
// dependency on sqlite being reachable.
type NoopHistoryStore struct{}

func (NoopHistoryStore) RecordExecution(context.Context, ExecutionRecord) error { return nil }
func (NoopHistoryStore) Close() error                                          { return nil }

// SQLiteHistoryStore persists records to a local sqlite database via
// modernc.org/sqlite (pure Go, no cgo), matching the teacher's embedded
// tracking database.
type SQLiteHistoryStore struct {
	db   *sql.DB
	stmt *sql.Stmt
	path string
}

// OpenSQLiteHistoryStore opens (creating if necessary) the history
// database at the path resolved from FLEETSCHED_HISTORY_DB_PATH, or
// ~/.fleetsched/history.sqlite by default, and prepares its schema.
func OpenSQLiteHistoryStore() (*SQLiteHistoryStore, error) {
	path, err := resolveDatabasePath()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "store: open sqlite database failed")
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	stmt, err := db.Prepare(insertStatement())
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: prepare insert failed")
	}
	log.Info().Str("path", path).Msg("fleetsched: execution history store opened")
	return &SQLiteHistoryStore{db: db, stmt: stmt, path: path}, nil
}

func resolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(envHistoryDBPath)); custom != "" {
		if err := ensureDir(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "store: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDir(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "store: create dir %s failed", dir)
	}
	return nil
}

func configure(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return errors.Wrapf(err, "store: execute %s failed", p)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_id INTEGER NOT NULL,
		args TEXT NOT NULL,
		device_serial TEXT NOT NULL,
		start_unix_ms INTEGER NOT NULL,
		end_unix_ms INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT
	);`, historyTableName)
	if _, err := db.Exec(createTable); err != nil {
		return errors.Wrap(err, "store: init schema failed")
	}
	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_command ON %s(command_id);`, historyTableName, historyTableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_device ON %s(device_serial);`, historyTableName, historyTableName),
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "store: init indexes failed")
		}
	}
	return nil
}

func insertStatement() string {
	return fmt.Sprintf(`INSERT INTO %s
		(command_id, args, device_serial, start_unix_ms, end_unix_ms, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, historyTableName)
}

// RecordExecution appends rec. Errors are returned to the caller (the
// scheduler logs and discards them rather than letting a storage hiccup
// affect dispatch).
func (s *SQLiteHistoryStore) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return errors.Wrap(err, "store: marshal args failed")
	}
	_, err = s.stmt.ExecContext(ctx,
		rec.CommandID, string(args), rec.DeviceSerial,
		rec.StartUnixMs, rec.EndUnixMs, rec.Status, rec.Error,
	)
	if err != nil {
		return errors.Wrap(err, "store: insert execution record failed")
	}
	return nil
}

// Close releases the prepared statement and database handle.
func (s *SQLiteHistoryStore) Close() error {
	if s.stmt != nil {
		s.stmt.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
