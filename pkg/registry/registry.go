// Package registry owns the set of configured bots and their running
// adapter instances, and drives every lifecycle transition. It is the sole
// writer of the running-bot map; the router and health monitor only read it
// through accessors.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatgate/pkg/adapter"
	"chatgate/pkg/store"
)

// ValidationError reports a rejected bot configuration before any state
// change has happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid bot config: %s %s", e.Field, e.Reason)
}

// RunningBot is the process-local live state of one started bot. It exists
// only while the bot is running and is rebuilt from the persisted record on
// every start.
type RunningBot struct {
	BotID     string
	TenantID  string
	Platform  string
	Adapter   adapter.Adapter
	StartedAt time.Time
}

// NewBot carries the caller-supplied fields of a create request.
type NewBot struct {
	TenantID    string
	Name        string
	Platform    string
	Credentials string
	WebhookURL  string
	Settings    map[string]string
	AutoStart   bool
}

// Registry manages bot configuration records and live adapter instances.
type Registry struct {
	store    store.Store
	adapters *adapter.Registry
	sink     adapter.Sink
	log      *slog.Logger

	mu      sync.RWMutex
	running map[string]*RunningBot

	lifecycleMu sync.Mutex
	lifecycle   map[string]*sync.Mutex
}

// New builds a registry. sink receives inbound messages from adapters that
// run their own transports (polling loops, sockets).
func New(s store.Store, adapters *adapter.Registry, sink adapter.Sink, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}

	return &Registry{
		store:     s,
		adapters:  adapters,
		sink:      sink,
		log:       log.With("component", "registry"),
		running:   make(map[string]*RunningBot),
		lifecycle: make(map[string]*sync.Mutex),
	}
}

// CreateBot validates and persists a new bot with status inactive.
func (r *Registry) CreateBot(ctx context.Context, req NewBot) (store.BotConfig, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return store.BotConfig{}, &ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	if strings.TrimSpace(req.Name) == "" {
		return store.BotConfig{}, &ValidationError{Field: "name", Reason: "is required"}
	}
	if strings.TrimSpace(req.Platform) == "" {
		return store.BotConfig{}, &ValidationError{Field: "platform", Reason: "is required"}
	}
	if strings.TrimSpace(req.Credentials) == "" {
		return store.BotConfig{}, &ValidationError{Field: "credentials", Reason: "are required"}
	}
	if !r.adapters.Supported(req.Platform) {
		return store.BotConfig{}, fmt.Errorf("%w: %s", adapter.ErrUnsupportedPlatform, req.Platform)
	}

	now := time.Now().UTC()
	bot := store.BotConfig{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		Name:        req.Name,
		Platform:    req.Platform,
		Credentials: req.Credentials,
		WebhookURL:  req.WebhookURL,
		Settings:    req.Settings,
		Status:      store.StatusInactive,
		AutoStart:   req.AutoStart,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.store.CreateBot(ctx, bot); err != nil {
		return store.BotConfig{}, fmt.Errorf("persist bot: %w", err)
	}

	r.log.Info("Bot created", "bot_id", bot.ID, "tenant_id", bot.TenantID, "platform", bot.Platform)
	return bot, nil
}

// StartBot transitions one bot to running. Starting an already running bot
// is a no-op success: duplicate start requests never create a second
// instance. A start failure moves the persisted status to error and is
// returned to the caller; the registry never retries on its own.
func (r *Registry) StartBot(ctx context.Context, botID string) error {
	lock := r.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := r.Running(botID); ok {
		r.log.Debug("Bot already running", "bot_id", botID)
		return nil
	}

	bot, err := r.store.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("load bot %s: %w", botID, err)
	}

	instance, err := r.adapters.New(adapter.Config{
		BotID:       bot.ID,
		Platform:    bot.Platform,
		Credentials: bot.Credentials,
		WebhookURL:  bot.WebhookURL,
		Settings:    bot.Settings,
		Log:         r.log.With("bot_id", bot.ID, "platform", bot.Platform),
	})
	if err != nil {
		r.persistStatus(ctx, botID, store.StatusError)
		return err
	}

	if err := instance.Start(ctx, r.sink); err != nil {
		r.persistStatus(ctx, botID, store.StatusError)
		return fmt.Errorf("start bot %s: %w", botID, err)
	}

	r.mu.Lock()
	r.running[botID] = &RunningBot{
		BotID:     bot.ID,
		TenantID:  bot.TenantID,
		Platform:  bot.Platform,
		Adapter:   instance,
		StartedAt: time.Now().UTC(),
	}
	r.mu.Unlock()

	r.persistStatus(ctx, botID, store.StatusActive)
	r.log.Info("Bot started", "bot_id", botID, "platform", bot.Platform)
	return nil
}

// StopBot transitions one bot to stopped. Stopping a bot that is not
// running is a no-op success. Adapter stop is best-effort: the bot leaves
// the active set and is persisted inactive even when Stop reports an error.
func (r *Registry) StopBot(ctx context.Context, botID string) error {
	lock := r.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	rb, ok := r.Running(botID)
	if !ok {
		return nil
	}

	if err := rb.Adapter.Stop(ctx); err != nil {
		r.log.Warn("Adapter stop failed, removing bot anyway", "bot_id", botID, "error", err)
	}

	r.mu.Lock()
	delete(r.running, botID)
	r.mu.Unlock()

	r.persistStatus(ctx, botID, store.StatusInactive)
	r.log.Info("Bot stopped", "bot_id", botID, "platform", rb.Platform)
	return nil
}

// StartConfiguredBots starts every bot flagged autoStart. Each bot starts
// independently: one failure is logged and the rest continue. The number of
// successfully started bots is returned.
func (r *Registry) StartConfiguredBots(ctx context.Context) int {
	bots, err := r.store.ListAutoStart(ctx)
	if err != nil {
		r.log.Error("Failed to list autostart bots", "error", err)
		return 0
	}

	started := 0
	for _, bot := range bots {
		if err := r.StartBot(ctx, bot.ID); err != nil {
			r.log.Error("Autostart failed", "bot_id", bot.ID, "platform", bot.Platform, "error", err)
			continue
		}
		started++
	}

	return started
}

// StopAllBots stops every running bot with the same per-item failure
// isolation as StartConfiguredBots. Intended to run before process exit.
func (r *Registry) StopAllBots(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.StopBot(ctx, id); err != nil {
			r.log.Error("Stop failed during shutdown", "bot_id", id, "error", err)
		}
	}
}

// Running returns the live instance for one bot, when present.
func (r *Registry) Running(botID string) (*RunningBot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rb, ok := r.running[botID]
	return rb, ok
}

// RunningCount returns the number of currently running bots.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.running)
}

// PlatformActive reports whether at least one bot is running on platform.
func (r *Registry) PlatformActive(platform string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rb := range r.running {
		if rb.Platform == platform {
			return true
		}
	}
	return false
}

// AdaptersByPlatform returns one running adapter per platform, for health
// probing.
func (r *Registry) AdaptersByPlatform() map[string]adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byPlatform := make(map[string]adapter.Adapter)
	for _, rb := range r.running {
		if _, ok := byPlatform[rb.Platform]; !ok {
			byPlatform[rb.Platform] = rb.Adapter
		}
	}
	return byPlatform
}

// botLock returns the lifecycle mutex for one bot, creating it on first
// use. Serializing start/stop per bot keeps transitions ordered without a
// global lock across bots.
func (r *Registry) botLock(botID string) *sync.Mutex {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	lock, ok := r.lifecycle[botID]
	if !ok {
		lock = &sync.Mutex{}
		r.lifecycle[botID] = lock
	}
	return lock
}

func (r *Registry) persistStatus(ctx context.Context, botID string, status store.Status) {
	if err := r.store.UpdateStatus(ctx, botID, status); err != nil {
		r.log.Error("Failed to persist bot status", "bot_id", botID, "status", string(status), "error", err)
	}
}
