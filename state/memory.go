package state

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type memoryEntry struct {
	value []byte

	// Expiry time in unix nanoseconds.
	expiry int64
}

// MemoryStore is the in-process Store used when persistence is disabled or
// no Valkey endpoint is configured. Snapshots do not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewMemoryStore() (*MemoryStore, func()) {
	return newMemoryStoreWithClock(clock.New())
}

func newMemoryStoreWithClock(clk clock.Clock) (*MemoryStore, func()) {
	store := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		clock:   clk,
	}
	stop := store.startCleanup(5 * time.Minute)
	return store, stop
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = &memoryEntry{
		value:  value,
		expiry: m.clock.Now().Add(ttl).UnixNano(),
	}
	return nil
}

func (m *MemoryStore) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.entries[key]
	if !exists || entry.expiry <= m.clock.Now().UnixNano() {
		return nil, nil
	}
	return entry.value, nil
}

func (m *MemoryStore) cleanup() {
	now := m.clock.Now().UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if entry.expiry <= now {
			delete(m.entries, key)
		}
	}
}

func (m *MemoryStore) startCleanup(interval time.Duration) func() {
	ticker := m.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
