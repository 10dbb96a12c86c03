// Package health periodically probes every running adapter and aggregates
// gateway-wide platform status.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatgate/pkg/adapter"
	"chatgate/pkg/platform"
)

const (
	defaultInterval     = 30 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// Monitor drives the periodic health-check loop.
type Monitor struct {
	instances    func() map[string]adapter.Adapter
	states       *platform.States
	interval     time.Duration
	probeTimeout time.Duration
	log          *slog.Logger
}

// New builds a monitor. instances returns one running adapter per platform;
// the registry provides it.
func New(instances func() map[string]adapter.Adapter, states *platform.States, interval, probeTimeout time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Monitor{
		instances:    instances,
		states:       states,
		interval:     interval,
		probeTimeout: probeTimeout,
		log:          log.With("component", "health"),
	}
}

// Run probes immediately and then on every interval tick until ctx is
// canceled.
func (m *Monitor) Run(ctx context.Context) {
	m.CheckAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every platform with a running adapter concurrently. Each
// probe is bounded by its own timeout and isolated: one platform's failing
// or panicking probe never affects the evaluation of any other platform.
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for name, instance := range m.instances() {
		wg.Add(1)
		go func(name string, instance adapter.Adapter) {
			defer wg.Done()
			m.probe(ctx, name, instance)
		}(name, instance)
	}
	wg.Wait()
}

// Healthy reports whether every platform with a running adapter is
// currently healthy. Platforms no bot runs on are not counted: a gateway
// serving two platforms is ready even when six others sit unused.
func (m *Monitor) Healthy() bool {
	for name := range m.instances() {
		if m.states.Status(name) != platform.StatusHealthy {
			return false
		}
	}
	return true
}

func (m *Monitor) probe(ctx context.Context, name string, instance adapter.Adapter) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Health probe panicked", "platform", name, "panic", r)
			m.states.SetHealth(name, platform.StatusError, time.Now().UTC())
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	checkedAt := time.Now().UTC()
	if err := instance.HealthCheck(probeCtx); err != nil {
		m.log.Warn("Health probe failed", "platform", name, "error", err)
		m.states.SetHealth(name, platform.StatusUnhealthy, checkedAt)
		return
	}

	m.states.SetHealth(name, platform.StatusHealthy, checkedAt)
}
