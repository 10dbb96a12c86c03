// Package line integrates LINE Messaging API webhooks. LINE expects strict
// signature enforcement: a missing or mismatched X-Line-Signature is always
// rejected at the transport level.
package line

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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
	platformName    = "line"
	defaultAPIBase  = "https://api.line.me"
	signatureHeader = "X-Line-Signature"
	requestTimeout  = 30 * time.Second
)

// Adapter bridges LINE webhook events into normalized messages.
type Adapter struct {
	cfg           adapter.Config
	channelSecret string
	apiBase       string
	client        *http.Client
	log           *slog.Logger

	mu      sync.Mutex
	started bool
	sink    adapter.Sink
}

// New constructs a LINE adapter. Credentials hold the channel access
// token; the channel secret for webhook verification comes from settings
// and is mandatory because LINE verification is strict.
func New(cfg adapter.Config) (adapter.Adapter, error) {
	if strings.TrimSpace(cfg.Credentials) == "" {
		return nil, errors.New("line channel access token is required")
	}
	if strings.TrimSpace(cfg.Setting("channel_secret")) == "" {
		return nil, errors.New("line channel_secret setting is required")
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
		cfg:           cfg,
		channelSecret: cfg.Setting("channel_secret"),
		apiBase:       apiBase,
		client:        &http.Client{Timeout: requestTimeout},
		log:           log.With("component", "adapter.line"),
	}, nil
}

// Register binds this adapter's factory into the registry.
func Register(r *adapter.Registry) {
	r.Register(platformName, New)
}

func (a *Adapter) Platform() string {
	return platformName
}

// Start marks the adapter live; LINE pushes events to the webhook URL
// configured in the channel console. The sink carries the remainder of
// batched webhook deliveries.
func (a *Adapter) Start(_ context.Context, sink adapter.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	a.sink = sink
	a.log.Info("LINE adapter started")
	return nil
}

// Stop marks the adapter stopped. Safe to repeat.
func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	a.sink = nil
	return nil
}

type webhookBody struct {
	Events []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	ReplyToken string `json:"replyToken"`
	Source     struct {
		Type    string `json:"type"`
		UserID  string `json:"userId"`
		GroupID string `json:"groupId"`
		RoomID  string `json:"roomId"`
	} `json:"source"`
	Message struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

// VerifyAndNormalize validates the webhook signature and converts every
// message event in the batch. The first is returned to the caller; the
// rest go through the sink so nothing in the delivery is lost.
func (a *Adapter) VerifyAndNormalize(ctx context.Context, event adapter.RawEvent) (message.Inbound, error) {
	signature := event.Header.Get(signatureHeader)
	if signature == "" {
		return message.Inbound{}, &adapter.VerificationError{Platform: platformName, Reason: "missing signature header"}
	}

	mac := hmac.New(sha256.New, []byte(a.channelSecret))
	mac.Write(event.Body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return message.Inbound{}, &adapter.VerificationError{Platform: platformName, Reason: "signature mismatch"}
	}

	var body webhookBody
	if err := json.Unmarshal(event.Body, &body); err != nil {
		return message.Inbound{}, fmt.Errorf("decode line webhook: %w", err)
	}

	var inbounds []message.Inbound
	for _, evt := range body.Events {
		if evt.Type != "message" {
			continue
		}
		inbounds = append(inbounds, a.normalize(evt))
	}
	if len(inbounds) == 0 {
		return message.Inbound{}, adapter.ErrIgnoreEvent
	}

	a.forwardRest(ctx, inbounds[1:])
	return inbounds[0], nil
}

// forwardRest hands the trailing messages of a batched delivery to the
// sink. Delivery is asynchronous: the webhook response must not wait on
// the downstream pipeline.
func (a *Adapter) forwardRest(ctx context.Context, rest []message.Inbound) {
	if len(rest) == 0 {
		return
	}

	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()

	if sink == nil {
		a.log.Warn("Dropping batched message events, adapter not started", "count", len(rest))
		return
	}

	forwardCtx := context.WithoutCancel(ctx)
	go func() {
		for _, msg := range rest {
			if err := sink(forwardCtx, msg); err != nil {
				a.log.Error("Batched message delivery failed", "message_id", msg.ID, "error", err)
			}
		}
	}()
}

func (a *Adapter) normalize(evt webhookEvent) message.Inbound {
	chatID := evt.Source.UserID
	if evt.Source.GroupID != "" {
		chatID = evt.Source.GroupID
	} else if evt.Source.RoomID != "" {
		chatID = evt.Source.RoomID
	}

	inbound := message.Inbound{
		ID:       evt.Message.ID,
		BotID:    a.cfg.BotID,
		Platform: platformName,
		ChatID:   chatID,
		SenderID: evt.Source.UserID,
		// LINE timestamps are epoch milliseconds.
		Timestamp: time.UnixMilli(evt.Timestamp).UTC(),
		Metadata: map[string]string{
			message.MetaVerified: "true",
		},
	}
	if evt.ReplyToken != "" {
		inbound.Metadata["reply_token"] = evt.ReplyToken
	}

	switch evt.Message.Type {
	case "text":
		inbound.Type = message.TypeText
		inbound.Text = evt.Message.Text
	case "image":
		inbound.Type = message.TypeImage
	case "video":
		inbound.Type = message.TypeVideo
	case "audio":
		inbound.Type = message.TypeAudio
	case "file":
		inbound.Type = message.TypeFile
	case "location":
		inbound.Type = message.TypeLocation
	case "sticker":
		inbound.Type = message.TypeSticker
	default:
		inbound.Type = message.TypeSystem
	}

	return inbound
}

// Send pushes one text message to the target chat.
func (a *Adapter) Send(ctx context.Context, msg message.Outbound) (message.SendAck, error) {
	payload := map[string]any{
		"to": msg.ChatID,
		"messages": []map[string]string{
			{"type": "text", "text": msg.Content},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/v2/bot/message/push", bytes.NewReader(body))
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
			Err:       fmt.Errorf("push status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	return message.SendAck{
		MessageID: strconv.FormatInt(time.Now().UnixNano(), 10),
		Platform:  platformName,
		Timestamp: time.Now().UTC(),
	}, nil
}

// HealthCheck fetches the bot info endpoint.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+"/v2/bot/info", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(a.cfg.Credentials))

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("line bot info: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("line bot info status %d", resp.StatusCode)
	}
	return nil
}

// StrictVerification is always true: LINE expects webhook endpoints to
// reject unsigned requests.
func (a *Adapter) StrictVerification() bool {
	return true
}
