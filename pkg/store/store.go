// Package store persists bot configuration records. The gateway consumes
// it as a plain record store; the default implementation is SQLite, with an
// in-memory variant for tests and ephemeral runs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no bot record matches the given id.
var ErrNotFound = errors.New("bot not found")

// Status is the persisted lifecycle status of a bot.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusError    Status = "error"
)

// BotConfig is the persisted configuration of one bot: one credential pair
// bound to one platform and one owning tenant. Credentials are stored as an
// opaque blob the gateway never interprets.
type BotConfig struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Name        string            `json:"name"`
	Platform    string            `json:"platform"`
	Credentials string            `json:"-"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
	Status      Status            `json:"status"`
	AutoStart   bool              `json:"auto_start"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Store is the persistence boundary for bot records.
type Store interface {
	CreateBot(ctx context.Context, bot BotConfig) error
	GetBot(ctx context.Context, id string) (BotConfig, error)
	// ListBots returns bots for one tenant, or all bots when tenantID is
	// empty.
	ListBots(ctx context.Context, tenantID string) ([]BotConfig, error)
	ListAutoStart(ctx context.Context) ([]BotConfig, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	UpdateSettings(ctx context.Context, id string, settings map[string]string) error
	Close() error
}
