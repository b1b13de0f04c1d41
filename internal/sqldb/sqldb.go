// Package sqldb opens the database shared by the task registry and the record store.
package sqldb

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects with the given driver. For sqlite dsn is a file path.
func Open(driver, dsn string) (*DB, error) {
	switch Dialect(driver) {
	case SQLite:
		db, err := sql.Open("sqlite", fmt.Sprintf(
			"file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dsn))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		return &DB{DB: db, Dialect: SQLite}, nil
	case Postgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return &DB{DB: db, Dialect: Postgres}, nil
	}
	return nil, fmt.Errorf("unsupported driver %q", driver)
}

// Rebind rewrites ? placeholders into $n for postgres.
func (d *DB) Rebind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Serial is the auto-increment primary key column type for the dialect.
func (d *DB) Serial() string {
	if d.Dialect == Postgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Exec runs each statement in turn.
func (d *DB) ExecAll(stmts ...string) error {
	for _, s := range stmts {
		if _, err := d.Exec(s); err != nil {
			return fmt.Errorf("%s: %w", firstLine(s), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Millis stores times as UTC unix milliseconds so both dialects compare them the same way.
func Millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func NullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: Millis(*t), Valid: true}
}

func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func FromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}
