package residue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteLogSink persists records to a single SQLite database, one table
// shared by every logger (distinguished by the logger_id column), backed
// by the pure-Go modernc.org/sqlite driver. Adapted from the teacher's
// sqliteStore (sqlite_store.go): the dual tagV/tagT columns collapse to a
// single tag column, and the fixed-shape Record grows logger_id/client_id/
// ip/level columns. Useful for deployments that want query access to
// recent records; this is an implementation-detail alternative to
// FileLogSink, not a queryable log API (spec.md's Non-goals exclude the
// latter as a product feature, not this).
type SQLiteLogSink struct {
	db *sql.DB

	mu     sync.Mutex
	chains map[string]*chainState
}

// NewSQLiteLogSink opens (creating if absent) a SQLite database at dsn and
// ensures its schema and pragmas.
func NewSQLiteLogSink(dsn string) (*SQLiteLogSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS records (
  logger_id TEXT    NOT NULL,
  idx       INTEGER NOT NULL,
  ts        INTEGER NOT NULL,
  client_id TEXT    NOT NULL,
  ip        TEXT    NOT NULL,
  level     INTEGER NOT NULL,
  msg       TEXT    NOT NULL,
  tag       BLOB    NOT NULL,
  PRIMARY KEY (logger_id, idx)
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteLogSink{db: db, chains: make(map[string]*chainState)}, nil
}

func (s *SQLiteLogSink) chainFor(loggerID string) (*chainState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chains[loggerID]; ok {
		return c, nil
	}
	c, err := newChainState()
	if err != nil {
		return nil, err
	}
	var maxIdx sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(idx) FROM records WHERE logger_id = ?`, loggerID).Scan(&maxIdx); err != nil {
		return nil, err
	}
	c.index = uint64(maxIdx.Int64)
	s.chains[loggerID] = c
	return c, nil
}

// Write inserts rec, computing and persisting its chain tag. A separate
// chainState per logger id is held in memory for the life of the process;
// a restart begins a fresh chain (new key, index continuing after the
// logger's highest stored idx), which is acceptable for a tamper-evidence
// mechanism scoped to "since last restart" rather than the full archive
// (spec.md does not require cross-restart chain continuity).
func (s *SQLiteLogSink) Write(ctx context.Context, rec Record) error {
	c, err := s.chainFor(rec.LoggerID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	idx, tag := c.advance(rec.TS, []byte(rec.ClientID+"|"+rec.IPAddr), []byte(rec.Msg))
	s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records(logger_id, idx, ts, client_id, ip, level, msg, tag) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.LoggerID, idx, rec.TS, rec.ClientID, rec.IPAddr, rec.Level, rec.Msg, tag[:])
	return err
}

// ReadAll returns every record stored for loggerID in ascending index
// order, for operator tooling and tests.
func (s *SQLiteLogSink) ReadAll(ctx context.Context, loggerID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, ts, client_id, ip, level, msg, tag FROM records WHERE logger_id = ? ORDER BY idx ASC`, loggerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var tag []byte
		if err := rows.Scan(&rec.Index, &rec.TS, &rec.ClientID, &rec.IPAddr, &rec.Level, &rec.Msg, &tag); err != nil {
			return nil, err
		}
		rec.LoggerID = loggerID
		copy(rec.Tag[:], tag)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *SQLiteLogSink) Close() error {
	return s.db.Close()
}
