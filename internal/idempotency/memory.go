package idempotency

import (
	"context"
	"sync"
	"time"

	"mailflow/internal/types"
)

type memoryEntry struct {
	sent    bool
	expires time.Time
}

// MemoryStore is a process-local Store for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	clock   types.Clock
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty store. A nil clock uses the wall clock.
func NewMemoryStore(clock types.Clock) *MemoryStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryStore{clock: clock, entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Claim(_ context.Context, key string, lease time.Duration) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		if e.sent {
			return AlreadySent, nil
		}
		return InFlight, nil
	}
	m.entries[key] = memoryEntry{expires: now.Add(lease)}
	return Claimed, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{sent: true, expires: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && !e.sent {
		delete(m.entries, key)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
