// Package cache provides the small key-value store with expiry used for
// domain->node mappings, platform tokens and MX lookups. Values are
// idempotent and overwrite-safe; no read-modify-write discipline is needed.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
