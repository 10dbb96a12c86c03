// Package whatsapp integrates the Meta Cloud API for WhatsApp: GET
// hub.challenge subscription handshake, X-Hub-Signature-256 payload
// verification, and Graph API sends.
package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	platformName    = "whatsapp"
	defaultAPIBase  = "https://graph.facebook.com/v19.0"
	signatureHeader = "X-Hub-Signature-256"
	requestTimeout  = 30 * time.Second
)

// Adapter bridges Cloud API webhook events into normalized messages.
type Adapter struct {
	cfg           adapter.Config
	appSecret     string
	verifyToken   string
	phoneNumberID string
	apiBase       string
	client        *http.Client
	log           *slog.Logger

	mu      sync.Mutex
	started bool
	sink    adapter.Sink
}

// New constructs a WhatsApp adapter. Credentials hold the Graph API access
// token; app_secret, verify_token, and phone_number_id come from settings.
func New(cfg adapter.Config) (adapter.Adapter, error) {
	if strings.TrimSpace(cfg.Credentials) == "" {
		return nil, errors.New("whatsapp access token is required")
	}
	if strings.TrimSpace(cfg.Setting("phone_number_id")) == "" {
		return nil, errors.New("whatsapp phone_number_id setting is required")
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
		appSecret:     cfg.Setting("app_secret"),
		verifyToken:   cfg.Setting("verify_token"),
		phoneNumberID: cfg.Setting("phone_number_id"),
		apiBase:       apiBase,
		client:        &http.Client{Timeout: requestTimeout},
		log:           log.With("component", "adapter.whatsapp"),
	}, nil
}

// Register binds this adapter's factory into the registry.
func Register(r *adapter.Registry) {
	r.Register(platformName, New)
}

func (a *Adapter) Platform() string {
	return platformName
}

// Start marks the adapter live; Meta pushes events to the webhook URL
// configured in the app dashboard. The sink carries the remainder of
// batched webhook deliveries.
func (a *Adapter) Start(_ context.Context, sink adapter.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	a.sink = sink
	a.log.Info("WhatsApp adapter started")
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

// Challenge answers Meta's subscription handshake: when the verify token
// matches, the hub.challenge value is echoed back verbatim.
func (a *Adapter) Challenge(event adapter.RawEvent) ([]byte, bool) {
	if event.Query.Get("hub.mode") != "subscribe" {
		return nil, false
	}
	if a.verifyToken == "" || event.Query.Get("hub.verify_token") != a.verifyToken {
		return nil, false
	}
	return []byte(event.Query.Get("hub.challenge")), true
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []cloudMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	// Cloud API timestamps arrive as epoch-seconds strings.
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Location struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
}

// VerifyAndNormalize validates the payload signature when an app secret is
// configured and converts every message in the batch; the first is
// returned and the rest go through the sink. Without an app secret the
// documented fallback applies: allow, mark unverified, log.
func (a *Adapter) VerifyAndNormalize(ctx context.Context, event adapter.RawEvent) (message.Inbound, error) {
	verified := false
	if a.appSecret == "" {
		a.log.Warn("No app secret configured, accepting unverified event")
	} else {
		signature := strings.TrimPrefix(event.Header.Get(signatureHeader), "sha256=")
		if signature == "" {
			return message.Inbound{}, &adapter.VerificationError{Platform: platformName, Reason: "missing signature header"}
		}

		mac := hmac.New(sha256.New, []byte(a.appSecret))
		mac.Write(event.Body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(signature)) {
			return message.Inbound{}, &adapter.VerificationError{Platform: platformName, Reason: "signature mismatch"}
		}
		verified = true
	}

	var payload webhookPayload
	if err := json.Unmarshal(event.Body, &payload); err != nil {
		return message.Inbound{}, fmt.Errorf("decode whatsapp webhook: %w", err)
	}

	var inbounds []message.Inbound
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			senderName := ""
			if len(change.Value.Contacts) > 0 {
				senderName = change.Value.Contacts[0].Profile.Name
			}

			for _, msg := range change.Value.Messages {
				inbound := a.normalize(msg, senderName)
				inbound.Metadata[message.MetaVerified] = strconv.FormatBool(verified)
				inbounds = append(inbounds, inbound)
			}
		}
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

func (a *Adapter) normalize(msg cloudMessage, senderName string) message.Inbound {
	inbound := message.Inbound{
		ID:         msg.ID,
		BotID:      a.cfg.BotID,
		Platform:   platformName,
		ChatID:     msg.From,
		SenderID:   msg.From,
		SenderName: senderName,
		Timestamp:  epochString(msg.Timestamp),
		Metadata:   map[string]string{},
	}

	switch msg.Type {
	case "text":
		inbound.Type = message.TypeText
		inbound.Text = msg.Text.Body
	case "image":
		inbound.Type = message.TypeImage
	case "video":
		inbound.Type = message.TypeVideo
	case "audio", "voice":
		inbound.Type = message.TypeAudio
	case "document":
		inbound.Type = message.TypeFile
	case "location":
		inbound.Type = message.TypeLocation
		inbound.Text = fmt.Sprintf("%f,%f", msg.Location.Latitude, msg.Location.Longitude)
	case "sticker":
		inbound.Type = message.TypeSticker
	case "interactive", "button":
		inbound.Type = message.TypeInteractive
	default:
		inbound.Type = message.TypeSystem
	}

	return inbound
}

// Send posts one text message through the Graph API.
func (a *Adapter) Send(ctx context.Context, msg message.Outbound) (message.SendAck, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                msg.ChatID,
		"type":              "text",
		"text":              map[string]string{"body": msg.Content},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: false, Err: err}
	}

	url := fmt.Sprintf("%s/%s/messages", a.apiBase, a.phoneNumberID)
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

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return message.SendAck{}, &adapter.SendError{
			Platform:  platformName,
			Retryable: resp.StatusCode == 429 || resp.StatusCode >= 500,
			Err:       fmt.Errorf("graph api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	messageID := ""
	if err := json.Unmarshal(raw, &result); err == nil && len(result.Messages) > 0 {
		messageID = result.Messages[0].ID
	}

	return message.SendAck{
		MessageID: messageID,
		Platform:  platformName,
		Timestamp: time.Now().UTC(),
	}, nil
}

// HealthCheck fetches the phone number record.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", a.apiBase, a.phoneNumberID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(a.cfg.Credentials))

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp phone lookup: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whatsapp phone lookup status %d", resp.StatusCode)
	}
	return nil
}

// StrictVerification rejects unverified payloads only when an app secret
// is configured.
func (a *Adapter) StrictVerification() bool {
	return a.appSecret != ""
}

// epochString converts the Cloud API's epoch-seconds string into a point
// in time; unparsable values fall back to now.
func epochString(value string) time.Time {
	seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || seconds <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(seconds, 0).UTC()
}
