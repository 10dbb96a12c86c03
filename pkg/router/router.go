// Package router dispatches outbound messages to running bot adapters,
// applying per-platform rate limits and concurrency ceilings, and keeping
// rolling per-platform send statistics.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatgate/pkg/message"
	"chatgate/pkg/platform"
	"chatgate/pkg/registry"
)

var (
	// ErrNotRunning is returned when the target bot has no live adapter
	// instance. The router never starts a bot implicitly.
	ErrNotRunning = errors.New("bot is not running")

	// ErrNoPlatformAvailable is returned when platform selection finds no
	// candidate that is registered, running, and under its ceiling.
	ErrNoPlatformAvailable = errors.New("no platform available")
)

const defaultSendTimeout = 30 * time.Second

// Router is the outbound send path.
type Router struct {
	resolve     func(botID string) (*registry.RunningBot, bool)
	active      func(platform string) bool
	states      *platform.States
	sendTimeout time.Duration
	log         *slog.Logger
}

// New builds a router over the registry's read accessors and the shared
// platform runtime state.
func New(reg *registry.Registry, states *platform.States, sendTimeout time.Duration, log *slog.Logger) *Router {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Router{
		resolve:     reg.Running,
		active:      reg.PlatformActive,
		states:      states,
		sendTimeout: sendTimeout,
		log:         log.With("component", "router"),
	}
}

// Send delivers one outbound message through the target bot's adapter.
// Rate-limited and over-ceiling requests fail immediately; the router never
// queues. The adapter call is bounded by the configured send timeout.
func (rt *Router) Send(ctx context.Context, botID string, msg message.Outbound) (message.SendAck, error) {
	rb, ok := rt.resolve(botID)
	if !ok {
		return message.SendAck{}, fmt.Errorf("bot %s: %w", botID, ErrNotRunning)
	}

	if err := rt.states.Acquire(rb.Platform); err != nil {
		return message.SendAck{}, fmt.Errorf("platform %s: %w", rb.Platform, err)
	}
	defer rt.states.Release(rb.Platform)

	sendCtx, cancel := context.WithTimeout(ctx, rt.sendTimeout)
	defer cancel()

	start := time.Now()
	ack, err := rb.Adapter.Send(sendCtx, msg)
	latency := time.Since(start)
	rt.states.RecordSend(rb.Platform, latency, err)

	if err != nil {
		rt.log.Warn("Send failed", "bot_id", botID, "platform", rb.Platform,
			"latency_ms", latency.Milliseconds(), "error", err)
		return message.SendAck{}, err
	}

	rt.log.Debug("Send delivered", "bot_id", botID, "platform", rb.Platform,
		"latency_ms", latency.Milliseconds())
	return ack, nil
}

// SelectPlatform picks the platform to reach a recipient that more than one
// bot could serve. An explicitly preferred platform wins when available.
// Otherwise high-priority traffic ranks candidates by configured priority
// and normal traffic by current load ratio, least-loaded first.
func (rt *Router) SelectPlatform(preferred string, highPriority bool) (string, error) {
	if preferred != "" && rt.available(preferred) {
		return preferred, nil
	}

	var (
		best      string
		bestScore float64
	)
	for _, name := range rt.states.Platforms() {
		if !rt.available(name) {
			continue
		}

		var score float64
		if highPriority {
			score = float64(rt.states.Priority(name))
		} else {
			// Invert load so that higher is always better.
			score = 1 - rt.states.LoadRatio(name)
		}

		if best == "" || score > bestScore {
			best = name
			bestScore = score
		}
	}

	if best == "" {
		return "", ErrNoPlatformAvailable
	}
	return best, nil
}

func (rt *Router) available(name string) bool {
	return rt.states.Registered(name) && rt.active(name) && rt.states.UnderCeiling(name)
}
