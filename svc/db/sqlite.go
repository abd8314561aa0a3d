package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// SQLite keeps objects in a single key/value table. Suited to
// single-host deployments; WAL mode keeps readers unblocked during
// writes and each statement is its own transaction.
type SQLite struct {
	db           *sql.DB
	queryTimeout time.Duration
}

var _ Store = (*SQLite)(nil)

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS objects (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		meta TEXT
	);
	`
	_, err = s.db.Exec(query)
	return err
}

func (s *SQLite) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var metaJSON interface{}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return errors.Wrap(err, "marshal meta")
		}
		metaJSON = string(raw)
	}
	q := `
	INSERT INTO objects (key, data, meta) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET data = excluded.data, meta = excluded.meta
	`
	_, err := s.db.ExecContext(queryCtx, q, key, data, metaJSON)
	return errors.Wrap(err, "db put")
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var data []byte
	err := s.db.QueryRowContext(queryCtx, `SELECT data FROM objects WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return data, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM objects WHERE key = ?`, key)
	return errors.Wrap(err, "db delete")
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT key FROM objects WHERE key LIKE ? ESCAPE '\' ORDER BY key`
	rows, err := s.db.QueryContext(queryCtx, q, escapeLike(prefix)+"%")
	if err != nil {
		return nil, errors.Wrap(err, "db list")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "db list scan")
		}
		keys = append(keys, key)
	}
	return keys, errors.Wrap(rows.Err(), "db list rows")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
