// Package telegramapi is the webhook-only Telegram integration speaking the
// Bot API over plain HTTP. It coexists with the client-library adapter in
// package telegram behind the same contract; deployments pick one per bot.
package telegramapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatgate/pkg/adapter"
	"chatgate/pkg/message"
)

const (
	platformName      = "telegram-api"
	defaultAPIBase    = "https://api.telegram.org"
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
	requestTimeout    = 30 * time.Second
)

// Adapter talks to the Telegram Bot API directly over REST. Inbound events
// arrive exclusively through the webhook ingress.
type Adapter struct {
	cfg     adapter.Config
	apiBase string
	client  *http.Client
	log     *slog.Logger

	mu      sync.Mutex
	started bool
}

// New constructs a REST Telegram adapter.
func New(cfg adapter.Config) (adapter.Adapter, error) {
	if strings.TrimSpace(cfg.Credentials) == "" {
		return nil, errors.New("telegram bot token is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	apiBase := strings.TrimRight(cfg.Setting("api_base"), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	return &Adapter{
		cfg:     cfg,
		apiBase: apiBase,
		client:  &http.Client{Timeout: requestTimeout},
		log:     log.With("component", "adapter.telegram_api"),
	}, nil
}

// Register binds this adapter's factory into the registry.
func Register(r *adapter.Registry) {
	r.Register(platformName, New)
}

func (a *Adapter) Platform() string {
	return platformName
}

// Start registers the webhook URL with Telegram when one is configured.
// Idempotent: repeating the registration is harmless and a started adapter
// returns nil immediately.
func (a *Adapter) Start(ctx context.Context, sink adapter.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return nil
	}

	if a.cfg.WebhookURL != "" {
		params := map[string]string{"url": a.cfg.WebhookURL}
		if secret := a.cfg.Setting("secret_token"); secret != "" {
			params["secret_token"] = secret
		}
		if err := a.call(ctx, "setWebhook", params, nil); err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
	}

	a.started = true
	a.log.Info("Telegram webhook adapter started", "webhook_url", a.cfg.WebhookURL)
	return nil
}

// Stop deregisters the webhook, best-effort.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false

	if a.cfg.WebhookURL != "" {
		if err := a.call(ctx, "deleteWebhook", map[string]string{}, nil); err != nil {
			return fmt.Errorf("deregister webhook: %w", err)
		}
	}
	return nil
}

// VerifyAndNormalize checks the secret token header and converts a webhook
// update. Without a configured secret the event passes with an observable
// unverified marker.
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

	var update webhookUpdate
	if err := json.Unmarshal(event.Body, &update); err != nil {
		return message.Inbound{}, fmt.Errorf("decode telegram update: %w", err)
	}
	if update.Message == nil || update.Message.From == nil {
		return message.Inbound{}, adapter.ErrIgnoreEvent
	}

	msg := update.Message
	inbound := message.Inbound{
		ID:         strconv.Itoa(msg.MessageID),
		BotID:      a.cfg.BotID,
		Platform:   platformName,
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		Timestamp:  time.Unix(msg.Date, 0).UTC(),
		Type:       message.TypeText,
		Text:       msg.Text,
		Metadata: map[string]string{
			"update_id":         strconv.FormatInt(update.UpdateID, 10),
			message.MetaVerified: strconv.FormatBool(verified),
		},
	}
	if msg.Text == "" {
		inbound.Type = message.TypeSystem
	}

	return inbound, nil
}

// Send posts a sendMessage call to the Bot API.
func (a *Adapter) Send(ctx context.Context, msg message.Outbound) (message.SendAck, error) {
	var result struct {
		MessageID int `json:"message_id"`
	}
	err := a.call(ctx, "sendMessage", map[string]string{
		"chat_id": msg.ChatID,
		"text":    msg.Content,
	}, &result)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: apiErr.retryable(), Err: err}
		}
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: true, Err: err}
	}

	return message.SendAck{
		MessageID: strconv.Itoa(result.MessageID),
		Platform:  platformName,
		Timestamp: time.Now().UTC(),
	}, nil
}

// HealthCheck calls getMe.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.call(ctx, "getMe", map[string]string{}, nil); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	return nil
}

// StrictVerification mirrors the client-library adapter: strict only when a
// secret token is configured.
func (a *Adapter) StrictVerification() bool {
	return a.cfg.Setting("secret_token") != ""
}

type webhookUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int   `json:"message_id"`
		Date      int64 `json:"date"`
		Text      string `json:"text"`
		From      *struct {
			ID        int64  `json:"id"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type apiError struct {
	StatusCode  int
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.ErrorCode, e.Description)
}

func (e *apiError) retryable() bool {
	switch {
	case e.ErrorCode == 401 || e.ErrorCode == 403:
		return false
	case e.ErrorCode == 429 || e.ErrorCode >= 500:
		return true
	default:
		return false
	}
}

// call performs one Bot API method call and decodes the result payload
// into out when provided.
func (a *Adapter) call(ctx context.Context, method string, params map[string]string, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", a.apiBase, strings.TrimSpace(a.cfg.Credentials), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}

	if !envelope.OK {
		return &apiError{StatusCode: resp.StatusCode, ErrorCode: envelope.ErrorCode, Description: envelope.Description}
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}

	return nil
}
