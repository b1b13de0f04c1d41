package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"seoflow/internal/domain"
	"seoflow/internal/sqldb"
)

func EnsureSchema(db *sqldb.DB) error {
	return db.ExecAll(`
CREATE TABLE IF NOT EXISTS records (
  kind TEXT NOT NULL,
  record_key TEXT NOT NULL,
  data TEXT NOT NULL,
  fetched_at BIGINT NOT NULL,
  PRIMARY KEY (kind, record_key)
)`,
		`CREATE INDEX IF NOT EXISTS idx_records_fetched ON records(fetched_at)`,
		`
CREATE TABLE IF NOT EXISTS record_history (
  id `+db.Serial()+`,
  kind TEXT NOT NULL,
  record_key TEXT NOT NULL,
  data TEXT NOT NULL,
  fetched_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_record_history_key ON record_history(kind, record_key, fetched_at)`,
	)
}

// SQLStore keeps the latest record per (kind, key) plus an append-only history.
type SQLStore struct {
	db  *sqldb.DB
	now func() time.Time
}

func NewSQLStore(db *sqldb.DB) *SQLStore { return &SQLStore{db: db, now: time.Now} }

func (s *SQLStore) GetCached(ctx context.Context, kind domain.RecordKind, key string, maxAge time.Duration) (domain.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
SELECT data, fetched_at FROM records WHERE kind=? AND record_key=? AND fetched_at > ?`),
		string(kind), key, sqldb.Millis(s.now().Add(-maxAge)))
	var (
		data    string
		fetched int64
	)
	if err := row.Scan(&data, &fetched); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Record{}, false, nil
		}
		return domain.Record{}, false, fmt.Errorf("get %s %q: %w", kind, key, err)
	}
	return domain.Record{Kind: kind, Key: key, Data: []byte(data), FetchedAt: sqldb.FromMillis(fetched)}, true, nil
}

func (s *SQLStore) Save(ctx context.Context, rec domain.Record) error {
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	at := sqldb.Millis(rec.FetchedAt)
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
INSERT INTO records (kind, record_key, data, fetched_at) VALUES (?,?,?,?)
ON CONFLICT(kind, record_key) DO UPDATE SET data=excluded.data, fetched_at=excluded.fetched_at`),
		string(rec.Kind), rec.Key, string(rec.Data), at); err != nil {
		return fmt.Errorf("save %s %q: %w", rec.Kind, rec.Key, err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
INSERT INTO record_history (kind, record_key, data, fetched_at) VALUES (?,?,?,?)`),
		string(rec.Kind), rec.Key, string(rec.Data), at); err != nil {
		return fmt.Errorf("append history %s %q: %w", rec.Kind, rec.Key, err)
	}
	return tx.Commit()
}

// DeleteOlderThan drops current records and history fetched before cutoff.
func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	at := sqldb.Millis(cutoff)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM records WHERE fetched_at < ?`), at)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM record_history WHERE fetched_at < ?`), at); err != nil {
		return n, err
	}
	return n, nil
}

// History returns past snapshots for (kind, key), newest first.
func (s *SQLStore) History(ctx context.Context, kind domain.RecordKind, key string, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
SELECT data, fetched_at FROM record_history WHERE kind=? AND record_key=?
ORDER BY fetched_at DESC, id DESC LIMIT ?`), string(kind), key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Record
	for rows.Next() {
		var (
			data    string
			fetched int64
		)
		if err := rows.Scan(&data, &fetched); err != nil {
			return nil, err
		}
		out = append(out, domain.Record{Kind: kind, Key: key, Data: []byte(data), FetchedAt: sqldb.FromMillis(fetched)})
	}
	return out, rows.Err()
}

// Counts returns the number of current records per kind.
func (s *SQLStore) Counts(ctx context.Context) (map[domain.RecordKind]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM records GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[domain.RecordKind]int)
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[domain.RecordKind(k)] = n
	}
	return out, rows.Err()
}
