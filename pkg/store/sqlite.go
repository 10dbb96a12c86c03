package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists bot records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the bot database at path.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return s, nil
}

// OpenMemory opens an in-memory SQLite database, useful for tests.
func OpenMemory() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}

	// A single connection keeps every query on the same in-memory database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS bots (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			platform TEXT NOT NULL,
			credentials TEXT NOT NULL,
			webhook_url TEXT NOT NULL DEFAULT '',
			settings TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'inactive',
			auto_start INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_bots_tenant ON bots(tenant_id);
	`)
	return err
}

// CreateBot inserts one bot record.
func (s *SQLiteStore) CreateBot(ctx context.Context, bot BotConfig) error {
	settings, err := json.Marshal(settingsOrEmpty(bot.Settings))
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bots (id, tenant_id, name, platform, credentials, webhook_url, settings, status, auto_start, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bot.ID, bot.TenantID, bot.Name, bot.Platform, bot.Credentials,
		bot.WebhookURL, string(settings), string(bot.Status), boolToInt(bot.AutoStart),
		bot.CreatedAt.UTC(), bot.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert bot: %w", err)
	}

	return nil
}

// GetBot loads one bot record by id.
func (s *SQLiteStore) GetBot(ctx context.Context, id string) (BotConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, platform, credentials, webhook_url, settings, status, auto_start, created_at, updated_at
		FROM bots WHERE id = ?`, id)

	bot, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BotConfig{}, ErrNotFound
	}
	if err != nil {
		return BotConfig{}, fmt.Errorf("load bot %s: %w", id, err)
	}

	return bot, nil
}

// ListBots returns bots for one tenant, or every bot when tenantID is empty.
func (s *SQLiteStore) ListBots(ctx context.Context, tenantID string) ([]BotConfig, error) {
	query := `
		SELECT id, tenant_id, name, platform, credentials, webhook_url, settings, status, auto_start, created_at, updated_at
		FROM bots`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	return collectBots(rows)
}

// ListAutoStart returns every bot flagged for automatic start at boot.
func (s *SQLiteStore) ListAutoStart(ctx context.Context) ([]BotConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, platform, credentials, webhook_url, settings, status, auto_start, created_at, updated_at
		FROM bots WHERE auto_start = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list autostart bots: %w", err)
	}
	defer rows.Close()

	return collectBots(rows)
}

// UpdateStatus persists a lifecycle status transition.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bots SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update bot status: %w", err)
	}

	return requireAffected(result)
}

// UpdateSettings replaces a bot's settings map.
func (s *SQLiteStore) UpdateSettings(ctx context.Context, id string, settings map[string]string) error {
	encoded, err := json.Marshal(settingsOrEmpty(settings))
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE bots SET settings = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update bot settings: %w", err)
	}

	return requireAffected(result)
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (BotConfig, error) {
	var (
		bot       BotConfig
		settings  string
		status    string
		autoStart int
	)

	err := row.Scan(&bot.ID, &bot.TenantID, &bot.Name, &bot.Platform,
		&bot.Credentials, &bot.WebhookURL, &settings, &status, &autoStart,
		&bot.CreatedAt, &bot.UpdatedAt)
	if err != nil {
		return BotConfig{}, err
	}

	if err := json.Unmarshal([]byte(settings), &bot.Settings); err != nil {
		return BotConfig{}, fmt.Errorf("decode settings: %w", err)
	}
	bot.Status = Status(status)
	bot.AutoStart = autoStart != 0

	return bot, nil
}

func collectBots(rows *sql.Rows) ([]BotConfig, error) {
	var bots []BotConfig
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		bots = append(bots, bot)
	}

	return bots, rows.Err()
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func settingsOrEmpty(settings map[string]string) map[string]string {
	if settings == nil {
		return map[string]string{}
	}
	return settings
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
