// Package pipeline hands normalized inbound messages to the downstream
// message-processing collaborator. The gateway makes a single attempt per
// message; failures are logged, never retried.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chatgate/pkg/message"
)

// Pipeline accepts one normalized message for downstream processing.
type Pipeline interface {
	Submit(ctx context.Context, msg message.Inbound) error
}

// HTTPForwarder posts normalized messages as JSON to a fixed URL.
type HTTPForwarder struct {
	url    string
	client *http.Client
}

// NewHTTPForwarder builds a forwarder with the given per-request timeout.
func NewHTTPForwarder(url string, timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPForwarder{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPForwarder) Submit(ctx context.Context, msg message.Inbound) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build pipeline request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit message %s: %w", msg.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("pipeline rejected message %s: status %d", msg.ID, resp.StatusCode)
	}

	return nil
}

// LogSink logs normalized messages instead of forwarding them. It is the
// default when no pipeline URL is configured.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink builds a logging pipeline sink.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With("component", "pipeline.log_sink")}
}

func (s *LogSink) Submit(_ context.Context, msg message.Inbound) error {
	s.log.Info("Normalized message received",
		"message_id", msg.ID, "bot_id", msg.BotID, "platform", msg.Platform,
		"chat_id", msg.ChatID, "type", string(msg.Type))
	return nil
}
