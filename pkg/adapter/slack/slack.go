// Package slack integrates Slack through the Events API webhook and the
// chat.postMessage REST call. Inbound events are authenticated with the
// signing-secret HMAC scheme; the url_verification handshake is answered
// through the challenge hook.
package slack

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
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatgate/pkg/adapter"
	"chatgate/pkg/message"
)

const (
	platformName       = "slack"
	defaultAPIBase     = "https://slack.com/api"
	signatureHeader    = "X-Slack-Signature"
	timestampHeader    = "X-Slack-Request-Timestamp"
	timestampTolerance = 5 * time.Minute
	requestTimeout     = 30 * time.Second
)

// Adapter bridges Slack events into normalized messages.
type Adapter struct {
	cfg           adapter.Config
	signingSecret string
	apiBase       string
	client        *http.Client
	log           *slog.Logger

	mu      sync.Mutex
	started bool

	now func() time.Time
}

// New constructs a Slack adapter. Credentials hold the bot token; the
// signing secret comes from settings.
func New(cfg adapter.Config) (adapter.Adapter, error) {
	if strings.TrimSpace(cfg.Credentials) == "" {
		return nil, errors.New("slack bot token is required")
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
		signingSecret: cfg.Setting("signing_secret"),
		apiBase:       apiBase,
		client:        &http.Client{Timeout: requestTimeout},
		log:           log.With("component", "adapter.slack"),
		now:           time.Now,
	}, nil
}

// Register binds this adapter's factory into the registry.
func Register(r *adapter.Registry) {
	r.Register(platformName, New)
}

func (a *Adapter) Platform() string {
	return platformName
}

// Start marks the adapter live. Slack delivers events to the webhook URL
// configured in the Slack app; there is no connection to open.
func (a *Adapter) Start(_ context.Context, sink adapter.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	a.log.Info("Slack adapter started")
	return nil
}

// Stop marks the adapter stopped. Safe to repeat.
func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	return nil
}

type eventEnvelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	Event     innerEvent `json:"event"`
}

type innerEvent struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	Username string `json:"username"`
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
	BotID    string `json:"bot_id"`
	Subtype  string `json:"subtype"`
}

// Challenge answers Slack's url_verification handshake by echoing the
// challenge value. With a signing secret configured the handshake is
// authenticated like any other event; an unsigned challenge falls through
// to VerifyAndNormalize and gets rejected there.
func (a *Adapter) Challenge(event adapter.RawEvent) ([]byte, bool) {
	var envelope eventEnvelope
	if err := json.Unmarshal(event.Body, &envelope); err != nil {
		return nil, false
	}
	if envelope.Type != "url_verification" {
		return nil, false
	}

	if a.signingSecret != "" {
		if reason, ok := a.verifySignature(event); !ok {
			a.log.Warn("Rejecting unauthenticated url_verification", "reason", reason)
			return nil, false
		}
	}

	body, err := json.Marshal(map[string]string{"challenge": envelope.Challenge})
	if err != nil {
		return nil, false
	}
	return body, true
}

// VerifyAndNormalize authenticates one Events API callback and converts a
// message event. Without a configured signing secret the event is allowed
// and marked unverified, with a warning.
func (a *Adapter) VerifyAndNormalize(_ context.Context, event adapter.RawEvent) (message.Inbound, error) {
	verified := false
	if a.signingSecret == "" {
		a.log.Warn("No signing secret configured, accepting unverified event")
	} else {
		if reason, ok := a.verifySignature(event); !ok {
			return message.Inbound{}, &adapter.VerificationError{Platform: platformName, Reason: reason}
		}
		verified = true
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(event.Body, &envelope); err != nil {
		return message.Inbound{}, fmt.Errorf("decode slack event: %w", err)
	}

	if envelope.Type != "event_callback" {
		return message.Inbound{}, adapter.ErrIgnoreEvent
	}
	inner := envelope.Event
	// Bot echoes and non-message subtypes would loop or carry no content.
	if inner.Type != "message" || inner.BotID != "" || inner.Subtype != "" {
		return message.Inbound{}, adapter.ErrIgnoreEvent
	}

	inbound := message.Inbound{
		ID:         inner.TS,
		BotID:      a.cfg.BotID,
		Platform:   platformName,
		ChatID:     inner.Channel,
		SenderID:   inner.User,
		SenderName: inner.Username,
		Timestamp:  slackTimestamp(inner.TS, a.now),
		Type:       message.TypeText,
		Text:       inner.Text,
		Metadata: map[string]string{
			message.MetaVerified: strconv.FormatBool(verified),
		},
	}
	if inner.ThreadTS != "" {
		inbound.Metadata["thread_ts"] = inner.ThreadTS
	}

	return inbound, nil
}

// verifySignature implements Slack's v0 signing scheme: HMAC-SHA256 over
// "v0:<timestamp>:<body>", with a bounded timestamp to stop replays.
func (a *Adapter) verifySignature(event adapter.RawEvent) (string, bool) {
	timestamp := event.Header.Get(timestampHeader)
	signature := event.Header.Get(signatureHeader)
	if timestamp == "" || signature == "" {
		return "missing signature headers", false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "malformed timestamp", false
	}
	drift := a.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(timestampTolerance.Seconds()) {
		return "timestamp outside tolerance", false
	}

	base := fmt.Sprintf("v0:%s:%s", timestamp, event.Body)
	mac := hmac.New(sha256.New, []byte(a.signingSecret))
	mac.Write([]byte(base))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return "signature mismatch", false
	}
	return "", true
}

// Send posts one message through chat.postMessage.
func (a *Adapter) Send(ctx context.Context, msg message.Outbound) (message.SendAck, error) {
	payload := map[string]string{
		"channel": msg.ChatID,
		"text":    msg.Content,
	}
	if msg.Options.ThreadID != "" {
		payload["thread_ts"] = msg.Options.ThreadID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/chat.postMessage", bytes.NewReader(body))
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

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		TS    string `json:"ts"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return message.SendAck{}, &adapter.SendError{Platform: platformName, Retryable: true, Err: fmt.Errorf("decode response: %w", err)}
	}

	if !result.OK {
		return message.SendAck{}, &adapter.SendError{
			Platform:  platformName,
			Retryable: sendRetryable(resp.StatusCode, result.Error),
			Err:       fmt.Errorf("chat.postMessage: %s", result.Error),
		}
	}

	return message.SendAck{
		MessageID: result.TS,
		Platform:  platformName,
		Timestamp: time.Now().UTC(),
	}, nil
}

// HealthCheck calls auth.test.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/auth.test", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(a.cfg.Credentials))

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode auth.test response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("slack auth.test: %s", result.Error)
	}
	return nil
}

// StrictVerification rejects unverified events only when a signing secret
// is configured.
func (a *Adapter) StrictVerification() bool {
	return a.signingSecret != ""
}

func sendRetryable(statusCode int, slackError string) bool {
	switch slackError {
	case "invalid_auth", "not_authed", "account_inactive", "token_revoked", "channel_not_found", "is_archived":
		return false
	case "rate_limited", "ratelimited":
		return true
	}
	return statusCode == 429 || statusCode >= 500
}

// slackTimestamp converts Slack's "seconds.micros" ts string; an unparsable
// value falls back to the current time rather than a zero timestamp.
func slackTimestamp(ts string, now func() time.Time) time.Time {
	value, err := strconv.ParseFloat(ts, 64)
	if err != nil || value <= 0 {
		return now().UTC()
	}

	seconds, fraction := math.Modf(value)
	return time.Unix(int64(seconds), int64(fraction*1e9)).UTC()
}
