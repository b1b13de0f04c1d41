package competitor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"seoflow/internal/batch"
	"seoflow/internal/cache"
	"seoflow/internal/domain"
	"seoflow/internal/fetch"
	"seoflow/internal/handlers/content"
	"seoflow/internal/retry"
	"seoflow/internal/sqldb"
	"seoflow/internal/store"
)

func site() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><head><title>Rival Analytics Platform</title></head><body>
<p>one two three four</p>
<a href="/">Home</a><a href="/blog/analytics">Blog</a><a href="/pricing">Pricing</a><a href="/gone">Gone</a>
<a href="https://elsewhere.test/">Out</a></body></html>`)
	})
	mux.HandleFunc("/blog/analytics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Analytics Tips</title></head><body><p>one two</p></body></html>`)
	})
	mux.HandleFunc("/pricing", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Pricing Plans</title></head><body><p>one two three</p></body></html>`)
	})
	return mux
}

func setup(t *testing.T) (*Scanner, *store.SQLStore) {
	t.Helper()
	db, err := sqldb.Open("sqlite", filepath.Join(t.TempDir(), "c.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSchema(db); err != nil {
		t.Fatal(err)
	}
	st := store.NewSQLStore(db)
	gate := cache.NewGate(st, cache.TTLs{Content: time.Hour, Keyword: time.Hour}, nil)
	exec := batch.New(gate, batch.Options{HTTPConcurrency: 3, Retry: retry.Policy{MaxAttempts: 1}})
	return New(exec, content.New(exec, fetch.New(fetch.Options{})), gate), st
}

func TestScanAggregatesPages(t *testing.T) {
	srv := httptest.NewServer(site())
	defer srv.Close()
	s, st := setup(t)
	ctx := context.Background()

	res, err := s.Handle(ctx, domain.MustPayload([]any{[]string{srv.URL}}, nil))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res["succeeded"] != 1 {
		t.Fatalf("result = %v", res)
	}

	rec, ok, err := st.GetCached(ctx, domain.RecordCompetitor, "127.0.0.1", time.Hour)
	if err != nil || !ok {
		t.Fatalf("competitor record missing: %v", err)
	}
	var cr domain.CompetitorRecord
	if err := rec.Decode(&cr); err != nil {
		t.Fatal(err)
	}
	// homepage plus two live pages; /gone fails without sinking the scan.
	// Word counts are 9, 2 and 3 since link text counts.
	if len(cr.TopPages) != 3 || cr.AvgWordCount != 4 {
		t.Fatalf("pages = %+v avg = %d", cr.TopPages, cr.AvgWordCount)
	}
	if cr.ContentTypes["homepage"] != 1 || cr.ContentTypes["blog"] != 1 || cr.ContentTypes["product"] != 1 {
		t.Fatalf("content types = %v", cr.ContentTypes)
	}
	if len(cr.CommonKeywords) == 0 || cr.CommonKeywords[0] != "analytics" {
		t.Fatalf("keywords = %v", cr.CommonKeywords)
	}

	res, err = s.Handle(ctx, domain.MustPayload([]any{srv.URL}, nil))
	if err != nil || res["skipped"] != 1 {
		t.Fatalf("second run = %v, %v", res, err)
	}
}

func TestScanUnreachableDomainFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	s, _ := setup(t)
	if _, err := s.Handle(context.Background(), domain.MustPayload([]any{srv.URL}, nil)); err == nil {
		t.Fatal("expected an error when every scan fails")
	}
}
