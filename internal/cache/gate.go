// Package cache decides per item whether fresh stored data makes a fetch unnecessary.
package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"seoflow/internal/domain"
	"seoflow/internal/store"
)

type Metrics interface {
	RecordCacheHit()
	RecordCacheMiss()
}

type TTLs struct {
	Content time.Duration
	Keyword time.Duration // also used for competitor and SERP records
}

// Gate is a read-through check in front of the record store. Concurrent
// misses for the same key each fetch; there is no request coalescing.
type Gate struct {
	store   store.Store
	ttls    TTLs
	metrics Metrics
}

// NewGate returns a gate over s. m may be nil.
func NewGate(s store.Store, ttls TTLs, m Metrics) *Gate {
	return &Gate{store: s, ttls: ttls, metrics: m}
}

// TTL returns the freshness window for kind.
func (g *Gate) TTL(kind domain.RecordKind) time.Duration {
	if kind == domain.RecordContent {
		return g.ttls.Content
	}
	return g.ttls.Keyword
}

// Lookup reports a fresh record for (kind, key). Store errors count as a miss.
func (g *Gate) Lookup(ctx context.Context, kind domain.RecordKind, key string) (domain.Record, bool) {
	rec, ok, err := g.store.GetCached(ctx, kind, key, g.TTL(kind))
	if err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Str("key", key).Msg("cache lookup failed, treating as miss")
		ok = false
	}
	if g.metrics != nil {
		if ok {
			g.metrics.RecordCacheHit()
		} else {
			g.metrics.RecordCacheMiss()
		}
	}
	return rec, ok
}

// Store writes rec back. A failure is logged; the caller's item still counts as done.
func (g *Gate) Store(ctx context.Context, rec domain.Record) {
	if err := g.store.Save(ctx, rec); err != nil {
		log.Error().Err(err).Str("kind", string(rec.Kind)).Str("key", rec.Key).Msg("cache write-back failed")
	}
}
