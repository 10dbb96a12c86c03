// Package discord integrates Discord over its persistent gateway socket
// using discordgo. Inbound messages arrive through session handlers rather
// than webhooks.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"chatgate/pkg/adapter"
	"chatgate/pkg/message"
)

const platformName = "discord"

// Adapter bridges Discord gateway events into normalized messages.
type Adapter struct {
	cfg adapter.Config
	log *slog.Logger

	mu        sync.Mutex
	session   *discordgo.Session
	botUserID string
	started   bool
}

// New constructs a Discord adapter.
func New(cfg adapter.Config) (adapter.Adapter, error) {
	if strings.TrimSpace(cfg.Credentials) == "" {
		return nil, errors.New("discord bot token is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg: cfg,
		log: log.With("component", "adapter.discord"),
	}, nil
}

// Register binds this adapter's factory into the registry.
func Register(r *adapter.Registry) {
	r.Register(platformName, New)
}

func (a *Adapter) Platform() string {
	return platformName
}

// Start opens the gateway socket and wires message handlers. Idempotent on
// a running session.
func (a *Adapter) Start(ctx context.Context, sink adapter.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return nil
	}

	session, err := discordgo.New("Bot " + strings.TrimSpace(a.cfg.Credentials))
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	loopCtx := context.WithoutCancel(ctx)
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		a.log.Info("Discord bot connected", "user", r.User.Username)
	})
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(loopCtx, m, sink)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}

	a.session = session
	a.started = true
	return nil
}

// Stop closes the gateway socket. Safe on a stopped adapter.
func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false

	if err := a.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, m *discordgo.MessageCreate, sink adapter.Sink) {
	a.mu.Lock()
	botUserID := a.botUserID
	a.mu.Unlock()

	if m.Author == nil || m.Author.ID == botUserID || m.Author.Bot {
		return
	}

	inbound := normalizeMessage(a.cfg.BotID, m.Message)
	inbound.Metadata[message.MetaVerified] = "true"

	if err := sink(ctx, inbound); err != nil {
		a.log.Error("Failed to forward inbound message", "chat_id", inbound.ChatID, "error", err)
	}
}

// VerifyAndNormalize handles message payloads delivered over HTTP. Discord
// pushes messages over the authenticated gateway socket, so there is no
// signature material here; events are accepted and marked unverified.
func (a *Adapter) VerifyAndNormalize(_ context.Context, event adapter.RawEvent) (message.Inbound, error) {
	a.log.Warn("Accepting discord event without transport verification")

	var msg discordgo.Message
	if err := json.Unmarshal(event.Body, &msg); err != nil {
		return message.Inbound{}, fmt.Errorf("decode discord message: %w", err)
	}
	if msg.Author == nil || msg.Author.Bot {
		return message.Inbound{}, adapter.ErrIgnoreEvent
	}

	inbound := normalizeMessage(a.cfg.BotID, &msg)
	inbound.Metadata[message.MetaVerified] = "false"
	return inbound, nil
}

func normalizeMessage(botID string, m *discordgo.Message) message.Inbound {
	inbound := message.Inbound{
		ID:        m.ID,
		BotID:     botID,
		Platform:  platformName,
		ChatID:    m.ChannelID,
		Timestamp: m.Timestamp.UTC(),
		Type:      message.TypeText,
		Text:      m.Content,
		Metadata:  map[string]string{},
	}
	if m.Author != nil {
		inbound.SenderID = m.Author.ID
		inbound.SenderName = m.Author.Username
	}
	if m.GuildID != "" {
		inbound.Metadata["guild_id"] = m.GuildID
	}

	for _, att := range m.Attachments {
		kind := message.TypeFile
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			kind = message.TypeImage
		case strings.HasPrefix(att.ContentType, "video/"):
			kind = message.TypeVideo
		case strings.HasPrefix(att.ContentType, "audio/"):
			kind = message.TypeAudio
		}
		inbound.Attachments = append(inbound.Attachments, message.Attachment{
			Kind:     kind,
			URL:      att.URL,
			MimeType: att.ContentType,
			Name:     att.Filename,
			Size:     int64(att.Size),
		})
	}
	if m.Content == "" && len(inbound.Attachments) > 0 {
		inbound.Type = inbound.Attachments[0].Kind
	}

	return inbound
}

// Send posts one message to the target channel.
func (a *Adapter) Send(ctx context.Context, msg message.Outbound) (message.SendAck, error) {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: false, Err: errors.New("adapter not started")}
	}

	sent, err := session.ChannelMessageSend(msg.ChatID, msg.Content, discordgo.WithContext(ctx))
	if err != nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: retryable(err), Err: err}
	}

	return message.SendAck{
		MessageID: sent.ID,
		Platform:  platformName,
		Timestamp: time.Now().UTC(),
	}, nil
}

// HealthCheck fetches the bot's own user record.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return errors.New("adapter not started")
	}

	if _, err := session.User("@me", discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord user lookup: %w", err)
	}
	return nil
}

// StrictVerification is false: Discord's HTTP push path carries no shared
// secret here, so unverified events are dropped quietly rather than
// rejected.
func (a *Adapter) StrictVerification() bool {
	return false
}

// retryable classifies REST failures by status code; anything without a
// REST response is treated as a transient transport error.
func retryable(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		switch {
		case code == 401 || code == 403 || code == 404:
			return false
		case code == 429 || code >= 500:
			return true
		default:
			return false
		}
	}
	return true
}
