package store

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and ephemeral gateways.
type MemoryStore struct {
	mu   sync.RWMutex
	bots map[string]BotConfig
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bots: make(map[string]BotConfig)}
}

func (m *MemoryStore) CreateBot(_ context.Context, bot BotConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[bot.ID] = cloneBot(bot)
	return nil
}

func (m *MemoryStore) GetBot(_ context.Context, id string) (BotConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bot, ok := m.bots[id]
	if !ok {
		return BotConfig{}, ErrNotFound
	}
	return cloneBot(bot), nil
}

func (m *MemoryStore) ListBots(_ context.Context, tenantID string) ([]BotConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bots []BotConfig
	for _, bot := range m.bots {
		if tenantID != "" && bot.TenantID != tenantID {
			continue
		}
		bots = append(bots, cloneBot(bot))
	}
	return bots, nil
}

func (m *MemoryStore) ListAutoStart(_ context.Context) ([]BotConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bots []BotConfig
	for _, bot := range m.bots {
		if bot.AutoStart {
			bots = append(bots, cloneBot(bot))
		}
	}
	return bots, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bot, ok := m.bots[id]
	if !ok {
		return ErrNotFound
	}
	bot.Status = status
	bot.UpdatedAt = time.Now().UTC()
	m.bots[id] = bot
	return nil
}

func (m *MemoryStore) UpdateSettings(_ context.Context, id string, settings map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bot, ok := m.bots[id]
	if !ok {
		return ErrNotFound
	}
	bot.Settings = maps.Clone(settings)
	bot.UpdatedAt = time.Now().UTC()
	m.bots[id] = bot
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func cloneBot(bot BotConfig) BotConfig {
	bot.Settings = maps.Clone(bot.Settings)
	return bot
}
