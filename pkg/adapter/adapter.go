// Package adapter defines the capability contract every platform
// integration implements, plus the factory registry the bot registry uses
// to construct adapter instances by platform name.
package adapter

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"chatgate/pkg/message"
)

// Sink receives normalized inbound messages from an adapter's own transport
// (polling loop, persistent socket). The gateway owns the sink; adapters only
// call it, never retain control flow beyond the call.
type Sink func(ctx context.Context, msg message.Inbound) error

// RawEvent is one inbound transport event before verification, exactly as
// the transport delivered it.
type RawEvent struct {
	Body   []byte
	Header http.Header
	Query  url.Values
}

// Adapter is the fixed capability set for one platform integration.
//
// Start is idempotent: a second Start on a started adapter returns nil
// without creating a second connection. Stop is safe on a stopped adapter.
// All blocking calls honor the passed context.
type Adapter interface {
	// Platform returns the platform identifier this adapter serves.
	Platform() string

	// Start establishes the platform connection (webhook registration,
	// polling loop, or persistent socket) and begins delivering inbound
	// messages through sink.
	Start(ctx context.Context, sink Sink) error

	// Stop releases all resources held by Start.
	Stop(ctx context.Context) error

	// VerifyAndNormalize validates the authenticity of one raw transport
	// event and converts it into the canonical inbound shape. A signature
	// mismatch yields *VerificationError and the event content is never
	// returned. ErrIgnoreEvent marks events that verified fine but carry
	// nothing to forward.
	VerifyAndNormalize(ctx context.Context, event RawEvent) (message.Inbound, error)

	// Send delivers one outbound message. All failures come back as
	// *SendError with a retryable classification.
	Send(ctx context.Context, msg message.Outbound) (message.SendAck, error)

	// HealthCheck is a cheap liveness probe. Callers bound it with a
	// timeout; the adapter must respect context cancellation.
	HealthCheck(ctx context.Context) error

	// StrictVerification reports whether a verification failure should be
	// rejected at the transport level (401) instead of acknowledged and
	// dropped. The choice is platform-specific: some vendors expect strict
	// signature enforcement, others retry disruptively on errors.
	StrictVerification() bool
}

// ChallengeResponder is implemented by adapters whose platform requires a
// verification handshake on the webhook endpoint (Slack url_verification,
// Meta hub.challenge). The returned bytes are written verbatim as the
// transport response when handled is true.
type ChallengeResponder interface {
	Challenge(event RawEvent) (response []byte, handled bool)
}

// Config is everything a factory needs to build one adapter instance for
// one configured bot.
type Config struct {
	BotID       string
	Platform    string
	Credentials string
	WebhookURL  string
	Settings    map[string]string
	Log         *slog.Logger
}

// Setting returns a settings value or the empty string.
func (c Config) Setting(key string) string {
	if c.Settings == nil {
		return ""
	}
	return c.Settings[key]
}

// Factory constructs one adapter instance from bot configuration.
type Factory func(cfg Config) (Adapter, error)
