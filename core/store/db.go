package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"kestrel-alert/config"
	"kestrel-alert/core/utils"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps *sql.DB with the configured driver so store queries can be
// written once in `?` placeholder form. The pgx stdlib driver passes
// placeholders through verbatim, so every statement is rebound to $N
// before it reaches postgres.
type DB struct {
	conn   *sql.DB
	driver string
}

func (d *DB) Driver() string { return d.driver }

func (d *DB) Close() error { return d.conn.Close() }

func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(rebind(d.driver, query), args...)
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.conn.ExecContext(ctx, rebind(d.driver, query), args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.conn.QueryContext(ctx, rebind(d.driver, query), args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.conn.QueryRowContext(ctx, rebind(d.driver, query), args...)
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := d.conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, driver: d.driver}, nil
}

// Tx carries the driver through a transaction so statements inside it
// get the same placeholder treatment.
type Tx struct {
	tx     *sql.Tx
	driver string
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.driver, query), args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.driver, query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.driver, query), args...)
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// rebind rewrites `?` placeholders to `$1..$N` for postgres. Characters
// inside single-quoted literals are left alone; sqlite queries pass
// through untouched.
func rebind(driver, query string) string {
	if driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inLiteral := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inLiteral = !inLiteral
			b.WriteByte(c)
		case c == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// NewDB opens the configured database. sqlite is the default; postgres is
// selected with db_driver=postgres and a db_url.
func NewDB(cfg *config.AppConfig, logger *utils.Logger) (*DB, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	switch driver {
	case "", DriverSQLite:
		path := strings.TrimSpace(cfg.DBPath)
		if path == "" {
			return nil, errors.New("sqlite db_path is empty")
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, err
			}
		}
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// modernc sqlite has a single writer; one connection keeps
		// concurrent transactions queued instead of failing busy.
		db.SetMaxOpenConns(1)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, err
		}
		if logger != nil {
			logger.Infof("store: sqlite open path=%s", path)
		}
		return &DB{conn: db, driver: DriverSQLite}, nil
	case DriverPostgres:
		url := strings.TrimSpace(cfg.DBURL)
		if url == "" {
			return nil, errors.New("postgres db_url is empty")
		}
		db, err := sql.Open("pgx", url)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, err
		}
		if logger != nil {
			logger.Infof("store: postgres open")
		}
		return &DB{conn: db, driver: DriverPostgres}, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
}
