package state

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Source is one component whose state the keeper snapshots.
type Source struct {
	Key     string
	Capture func() ([]byte, error)
	Restore func(data []byte) error
}

// Keeper periodically captures registered component state into a Store and
// restores it on startup.
type Keeper struct {
	store    Store
	interval time.Duration
	ttl      time.Duration
	logger   *zap.SugaredLogger
	clock    clock.Clock
	sources  []Source
}

const snapshotTtl = 14 * 24 * time.Hour

func NewKeeper(store Store, interval time.Duration, logger *zap.SugaredLogger) *Keeper {
	return newKeeperWithClock(store, interval, logger, clock.New())
}

func newKeeperWithClock(store Store, interval time.Duration, logger *zap.SugaredLogger, clk clock.Clock) *Keeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Keeper{
		store:    store,
		interval: interval,
		ttl:      snapshotTtl,
		logger:   logger,
		clock:    clk,
	}
}

func (k *Keeper) Register(source Source) {
	k.sources = append(k.sources, source)
}

// RestoreAll loads whatever snapshots exist. Missing or unreadable snapshots
// are skipped; a fresh process must still come up.
func (k *Keeper) RestoreAll(ctx context.Context) {
	for _, source := range k.sources {
		data, err := k.store.LoadSnapshot(ctx, source.Key)
		if err != nil {
			k.logger.Warnw("Failed to load snapshot", "key", source.Key, "error", err)
			continue
		}
		if data == nil {
			continue
		}
		if err := source.Restore(data); err != nil {
			k.logger.Warnw("Failed to restore snapshot", "key", source.Key, "error", err)
			continue
		}
		k.logger.Infow("Restored snapshot", "key", source.Key, "bytes", len(data))
	}
}

// SaveAll captures every registered source once.
func (k *Keeper) SaveAll(ctx context.Context) {
	for _, source := range k.sources {
		data, err := source.Capture()
		if err != nil {
			k.logger.Warnw("Failed to capture snapshot", "key", source.Key, "error", err)
			continue
		}
		if err := k.store.SaveSnapshot(ctx, source.Key, data, k.ttl); err != nil {
			k.logger.Warnw("Failed to save snapshot", "key", source.Key, "error", err)
		}
	}
}

// Start snapshots on the configured interval until the context is cancelled,
// with a final save on the way out.
func (k *Keeper) Start(ctx context.Context) {
	go func() {
		ticker := k.clock.Ticker(k.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				k.SaveAll(context.Background())
				return
			case <-ticker.C:
				k.SaveAll(ctx)
			}
		}
	}()
}
