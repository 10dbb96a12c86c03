// Package teams integrates Microsoft Teams through Bot Framework activity
// webhooks. Inbound activities carry no shared-secret signature in this
// deployment mode, so the adapter documents an allow policy: every event is
// accepted and marked unverified.
package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatgate/pkg/adapter"
	"chatgate/pkg/message"
)

const (
	platformName   = "teams"
	requestTimeout = 30 * time.Second
)

// Adapter bridges Bot Framework activities into normalized messages.
type Adapter struct {
	cfg        adapter.Config
	serviceURL string
	client     *http.Client
	log        *slog.Logger

	mu      sync.Mutex
	started bool
}

// New constructs a Teams adapter. The service URL for outbound replies
// comes from settings; inbound activities may override it per conversation.
func New(cfg adapter.Config) (adapter.Adapter, error) {
	if strings.TrimSpace(cfg.Credentials) == "" {
		return nil, errors.New("teams bot credentials are required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:        cfg,
		serviceURL: strings.TrimRight(cfg.Setting("service_url"), "/"),
		client:     &http.Client{Timeout: requestTimeout},
		log:        log.With("component", "adapter.teams"),
	}, nil
}

// Register binds this adapter's factory into the registry.
func Register(r *adapter.Registry) {
	r.Register(platformName, New)
}

func (a *Adapter) Platform() string {
	return platformName
}

// Start marks the adapter live; Teams pushes activities to the webhook URL
// registered with the bot channel.
func (a *Adapter) Start(_ context.Context, sink adapter.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	a.log.Info("Teams adapter started")
	return nil
}

// Stop marks the adapter stopped. Safe to repeat.
func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	return nil
}

type activity struct {
	Type         string    `json:"type"`
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Text         string    `json:"text"`
	ServiceURL   string    `json:"serviceUrl"`
	ReplyToID    string    `json:"replyToId"`
	From         account   `json:"from"`
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

type account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// VerifyAndNormalize converts one Bot Framework activity. The allow policy
// is logged once per event so the unverified path stays observable.
func (a *Adapter) VerifyAndNormalize(_ context.Context, event adapter.RawEvent) (message.Inbound, error) {
	a.log.Warn("Accepting teams activity without transport verification")

	var act activity
	if err := json.Unmarshal(event.Body, &act); err != nil {
		return message.Inbound{}, fmt.Errorf("decode teams activity: %w", err)
	}

	if act.Type != "message" {
		return message.Inbound{}, adapter.ErrIgnoreEvent
	}

	timestamp := act.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	inbound := message.Inbound{
		ID:         act.ID,
		BotID:      a.cfg.BotID,
		Platform:   platformName,
		ChatID:     act.Conversation.ID,
		SenderID:   act.From.ID,
		SenderName: act.From.Name,
		Timestamp:  timestamp.UTC(),
		Type:       message.TypeText,
		Text:       act.Text,
		Metadata: map[string]string{
			message.MetaVerified: "false",
		},
	}
	if act.ServiceURL != "" {
		inbound.Metadata["service_url"] = act.ServiceURL
	}
	if act.ReplyToID != "" {
		inbound.Metadata["reply_to_id"] = act.ReplyToID
	}

	return inbound, nil
}

// Send posts a message activity to the conversation through the Bot
// Framework connector.
func (a *Adapter) Send(ctx context.Context, msg message.Outbound) (message.SendAck, error) {
	if a.serviceURL == "" {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: false, Err: errors.New("service_url is not configured")}
	}

	payload := map[string]string{
		"type": "message",
		"text": msg.Content,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: false, Err: err}
	}

	url := fmt.Sprintf("%s/v3/conversations/%s/activities", a.serviceURL, msg.ChatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(a.cfg.Credentials))

	resp, err := a.client.Do(req)
	if err != nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return message.SendAck{}, &adapter.SendError{
			Platform:  platformName,
			Retryable: resp.StatusCode == 429 || resp.StatusCode >= 500,
			Err:       fmt.Errorf("connector status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.ID == "" {
		result.ID = uuid.NewString()
	}

	return message.SendAck{
		MessageID: result.ID,
		Platform:  platformName,
		Timestamp: time.Now().UTC(),
	}, nil
}

// HealthCheck probes connector reachability when a service URL is
// configured; a webhook-only deployment is healthy while started.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return errors.New("adapter not started")
	}
	if a.serviceURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.serviceURL+"/v3/conversations", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(a.cfg.Credentials))

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("teams connector unreachable: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("teams connector status %d", resp.StatusCode)
	}
	return nil
}

// StrictVerification is false: rejecting Bot Framework deliveries causes
// disruptive redelivery storms, so unverified events are dropped silently
// at the application level instead.
func (a *Adapter) StrictVerification() bool {
	return false
}
