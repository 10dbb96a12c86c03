// Package telegram integrates Telegram through the Bot API client library,
// receiving updates over long polling. Webhook events are verified with the
// optional secret token Telegram echoes in a request header.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"chatgate/pkg/adapter"
	"chatgate/pkg/message"
)

const (
	platformName      = "telegram"
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// Adapter bridges Telegram updates into normalized gateway messages.
type Adapter struct {
	cfg       adapter.Config
	allowFrom map[string]struct{}
	log       *slog.Logger

	mu      sync.Mutex
	bot     *telego.Bot
	cancel  context.CancelFunc
	started bool
}

// New validates Telegram configuration and constructs an adapter instance.
func New(cfg adapter.Config) (adapter.Adapter, error) {
	token := strings.TrimSpace(cfg.Credentials)
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.Setting("allow_from")),
		log:       log.With("component", "adapter.telegram"),
	}, nil
}

// Register binds this adapter's factory into the registry.
func Register(r *adapter.Registry) {
	r.Register(platformName, New)
}

func (a *Adapter) Platform() string {
	return platformName
}

// Start begins long polling. A second Start on a running adapter returns
// nil without opening a second polling loop.
func (a *Adapter) Start(ctx context.Context, sink adapter.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return nil
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Credentials))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	// The polling loop outlives the Start call's context.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	updates, err := bot.UpdatesViaLongPolling(loopCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	a.bot = bot
	a.cancel = cancel
	a.started = true

	go a.poll(loopCtx, updates, sink)

	a.log.Info("Telegram polling started")
	return nil
}

// Stop cancels the polling loop. Safe to call on a stopped adapter.
func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}

	a.cancel()
	a.started = false
	a.log.Info("Telegram polling stopped")
	return nil
}

func (a *Adapter) poll(ctx context.Context, updates <-chan telego.Update, sink adapter.Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}

			inbound, err := a.normalize(update)
			if err != nil {
				if !errors.Is(err, adapter.ErrIgnoreEvent) {
					a.log.Debug("Skipping update", "error", err)
				}
				continue
			}
			inbound.Metadata[message.MetaVerified] = "true"

			if err := sink(ctx, inbound); err != nil {
				a.log.Error("Failed to forward inbound message", "chat_id", inbound.ChatID, "error", err)
			}
		}
	}
}

// VerifyAndNormalize checks the webhook secret token and converts a
// Telegram update payload. When no secret token is configured the event is
// allowed and marked unverified, so the fallback stays observable.
func (a *Adapter) VerifyAndNormalize(_ context.Context, event adapter.RawEvent) (message.Inbound, error) {
	secret := a.cfg.Setting("secret_token")
	verified := false
	switch {
	case secret == "":
		a.log.Warn("No webhook secret token configured, accepting unverified event")
	case event.Header.Get(secretTokenHeader) != secret:
		return message.Inbound{}, &adapter.VerificationError{Platform: platformName, Reason: "secret token mismatch"}
	default:
		verified = true
	}

	var update telego.Update
	if err := json.Unmarshal(event.Body, &update); err != nil {
		return message.Inbound{}, fmt.Errorf("decode telegram update: %w", err)
	}

	inbound, err := a.normalize(update)
	if err != nil {
		return message.Inbound{}, err
	}
	inbound.Metadata[message.MetaVerified] = strconv.FormatBool(verified)

	return inbound, nil
}

func (a *Adapter) normalize(update telego.Update) (message.Inbound, error) {
	msg := update.Message
	if msg == nil {
		return message.Inbound{}, adapter.ErrIgnoreEvent
	}
	if msg.From == nil {
		return message.Inbound{}, adapter.ErrIgnoreEvent
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !a.senderAllowed(senderID) {
		return message.Inbound{}, adapter.ErrIgnoreEvent
	}

	inbound := message.Inbound{
		ID:         strconv.Itoa(msg.MessageID),
		BotID:      a.cfg.BotID,
		Platform:   platformName,
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:   senderID,
		SenderName: senderName(msg.From),
		Timestamp:  time.Unix(msg.Date, 0).UTC(),
		Metadata: map[string]string{
			"update_id": strconv.Itoa(update.UpdateID),
		},
	}

	switch {
	case msg.Text != "":
		inbound.Type = message.TypeText
		inbound.Text = msg.Text
	case len(msg.Photo) > 0:
		inbound.Type = message.TypeImage
		inbound.Text = msg.Caption
	case msg.Video != nil:
		inbound.Type = message.TypeVideo
		inbound.Text = msg.Caption
	case msg.Voice != nil || msg.Audio != nil:
		inbound.Type = message.TypeAudio
		inbound.Text = msg.Caption
	case msg.Document != nil:
		inbound.Type = message.TypeFile
		inbound.Text = msg.Caption
	case msg.Location != nil:
		inbound.Type = message.TypeLocation
		inbound.Text = fmt.Sprintf("%f,%f", msg.Location.Latitude, msg.Location.Longitude)
	case msg.Sticker != nil:
		inbound.Type = message.TypeSticker
	default:
		inbound.Type = message.TypeSystem
	}

	return inbound, nil
}

// Send delivers one message through the Bot API client.
func (a *Adapter) Send(ctx context.Context, msg message.Outbound) (message.SendAck, error) {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: false, Err: errors.New("adapter not started")}
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ChatID), 10, 64)
	if err != nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: false, Err: fmt.Errorf("invalid chat id %q", msg.ChatID)}
	}

	sent, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Content))
	if err != nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: retryable(err), Err: err}
	}

	return message.SendAck{
		MessageID: strconv.Itoa(sent.MessageID),
		Platform:  platformName,
		Timestamp: time.Now().UTC(),
	}, nil
}

// HealthCheck asks the Bot API who the bot is.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return errors.New("adapter not started")
	}

	if _, err := bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	return nil
}

// StrictVerification rejects unverified webhooks only when a secret token
// is configured; Telegram retries failed deliveries aggressively.
func (a *Adapter) StrictVerification() bool {
	return a.cfg.Setting("secret_token") != ""
}

// retryable classifies Bot API failures: auth and bad-request errors are
// permanent, rate limiting and server errors are worth retrying.
func retryable(err error) bool {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode == 401 || apiErr.ErrorCode == 403:
			return false
		case apiErr.ErrorCode == 429 || apiErr.ErrorCode >= 500:
			return true
		default:
			return false
		}
	}

	// Transport-level failures without an API response are transient.
	return true
}

func senderName(user *telego.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.Username
	}
	return name
}

// senderAllowed checks the optional allow_from setting. An empty setting
// accepts all senders.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes a comma-separated allow_from value into a lookup
// set.
func allowFromSet(raw string) map[string]struct{} {
	parts := strings.Split(raw, ",")
	allowed := make(map[string]struct{}, len(parts))
	for _, value := range parts {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}
