package access

import (
	"context"
	"sync"
)

// Entitlements records which users may connect to a channel without asking.
type Entitlements interface {
	IsEntitled(ctx context.Context, channelID, userID string) (bool, error)
	Entitle(ctx context.Context, channelID, userID string) error
	// Claim entitles userID if the channel has no entitled user yet and
	// reports whether it did.
	Claim(ctx context.Context, channelID, userID string) (bool, error)
}

// MemoryEntitlements keeps entitlements for the lifetime of the process.
type MemoryEntitlements struct {
	mu       sync.Mutex
	channels map[string]map[string]struct{}
}

func NewMemoryEntitlements() *MemoryEntitlements {
	return &MemoryEntitlements{channels: make(map[string]map[string]struct{})}
}

func (m *MemoryEntitlements) IsEntitled(_ context.Context, channelID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[channelID][userID]
	return ok, nil
}

func (m *MemoryEntitlements) Entitle(_ context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entitle(channelID, userID)
	return nil
}

func (m *MemoryEntitlements) Claim(_ context.Context, channelID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.channels[channelID]) > 0 {
		return false, nil
	}
	m.entitle(channelID, userID)
	return true, nil
}

func (m *MemoryEntitlements) entitle(channelID, userID string) {
	users, ok := m.channels[channelID]
	if !ok {
		users = make(map[string]struct{})
		m.channels[channelID] = users
	}
	users[userID] = struct{}{}
}
