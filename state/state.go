// Package state persists component snapshots so budget windows and A/B
// accumulators survive restarts.
package state

import (
	"context"
	"time"
)

type Store interface {
	// Saves a snapshot under the key with a time-to-live.
	SaveSnapshot(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Loads a snapshot. A missing or expired key yields (nil, nil).
	LoadSnapshot(ctx context.Context, key string) ([]byte, error)
}
