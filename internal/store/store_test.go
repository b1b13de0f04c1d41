package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"seoflow/internal/domain"
	"seoflow/internal/sqldb"
)

func openStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sqldb.Open("sqlite", filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return NewSQLStore(db)
}

func record(t *testing.T, key string, fetched time.Time) domain.Record {
	t.Helper()
	rec, err := domain.NewRecord(domain.RecordContent, key, domain.ContentRecord{URL: key, Title: "hello"}, fetched)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	return rec
}

func TestSQLStoreFreshness(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	if err := s.Save(ctx, record(t, "https://a.test", now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok, err := s.GetCached(ctx, domain.RecordContent, "https://a.test", time.Hour); err != nil || ok {
		t.Fatalf("stale record served: ok=%v err=%v", ok, err)
	}
	rec, ok, err := s.GetCached(ctx, domain.RecordContent, "https://a.test", 24*time.Hour)
	if err != nil || !ok {
		t.Fatalf("fresh record missing: ok=%v err=%v", ok, err)
	}
	var c domain.ContentRecord
	if err := rec.Decode(&c); err != nil || c.Title != "hello" {
		t.Fatalf("decode = %+v, %v", c, err)
	}
}

func TestSQLStoreHistoryAndRetention(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()
	for i := 3; i >= 1; i-- {
		if err := s.Save(ctx, record(t, "k", now.Add(-time.Duration(i)*24*time.Hour))); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	hist, err := s.History(ctx, domain.RecordContent, "k", 0)
	if err != nil || len(hist) != 3 {
		t.Fatalf("History = %d, %v", len(hist), err)
	}
	if !hist[0].FetchedAt.After(hist[2].FetchedAt) {
		t.Fatal("history not newest first")
	}

	if _, err := s.DeleteOlderThan(ctx, now.Add(-36*time.Hour)); err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	hist, _ = s.History(ctx, domain.RecordContent, "k", 0)
	if len(hist) != 1 {
		t.Fatalf("history after retention = %d, want 1", len(hist))
	}
	counts, err := s.Counts(ctx)
	if err != nil || counts[domain.RecordContent] != 1 {
		t.Fatalf("Counts = %v, %v", counts, err)
	}
}

func TestRedisCacheWritesThroughAndBackfills(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	sql := openStore(t)
	cache := NewRedisCache(sql, rdb, 24*time.Hour)
	ctx := context.Background()

	if err := cache.Save(ctx, record(t, "https://a.test", time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !mr.Exists(redisKey(domain.RecordContent, "https://a.test")) {
		t.Fatal("save did not reach redis")
	}

	// written straight to sql, then served through the cache
	if err := sql.Save(ctx, record(t, "https://b.test", time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok, err := cache.GetCached(ctx, domain.RecordContent, "https://b.test", time.Hour); err != nil || !ok {
		t.Fatalf("GetCached = %v, %v", ok, err)
	}
	if !mr.Exists(redisKey(domain.RecordContent, "https://b.test")) {
		t.Fatal("miss was not backfilled")
	}
}

func TestRedisCacheSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	cache := NewRedisCache(openStore(t), rdb, time.Hour)
	ctx := context.Background()
	mr.Close()

	if err := cache.Save(ctx, record(t, "https://c.test", time.Now())); err != nil {
		t.Fatalf("Save with redis down: %v", err)
	}
	if _, ok, err := cache.GetCached(ctx, domain.RecordContent, "https://c.test", time.Hour); err != nil || !ok {
		t.Fatalf("GetCached with redis down = %v, %v", ok, err)
	}
}
