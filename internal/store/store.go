// Package store keeps collected SEO records. The engine only needs the Store
// interface; SQLStore is the durable implementation and RedisCache an optional
// hot layer in front of it.
package store

import (
	"context"
	"time"

	"seoflow/internal/domain"
)

type Store interface {
	// GetCached returns the record for (kind, key) when it is younger than maxAge.
	GetCached(ctx context.Context, kind domain.RecordKind, key string, maxAge time.Duration) (domain.Record, bool, error)
	Save(ctx context.Context, rec domain.Record) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Fresh reports whether rec is younger than maxAge at now.
func Fresh(rec domain.Record, maxAge time.Duration, now time.Time) bool {
	return now.Sub(rec.FetchedAt) < maxAge
}
