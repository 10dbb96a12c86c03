// Package platform tracks per-platform runtime state: rate-limit windows,
// connection counts, rolling send statistics, and health status. The
// outbound router and the health monitor share one States instance; every
// mutation takes only the lock of the platform it touches, so operations on
// different platforms never contend.
package platform

import (
	"errors"
	"sync"
	"time"
)

// Status is the runtime health classification of one platform.
type Status string

const (
	StatusUnregistered Status = "unregistered"
	StatusRegistered   Status = "registered"
	StatusHealthy      Status = "healthy"
	StatusUnhealthy    Status = "unhealthy"
	StatusError        Status = "error"
)

const rateWindow = time.Second

var (
	// ErrRateLimited is returned when the platform's send window is
	// exhausted. Callers decide whether to retry; nothing is queued.
	ErrRateLimited = errors.New("rate limited")

	// ErrBusy is returned when the platform is at its concurrency ceiling.
	ErrBusy = errors.New("platform at concurrency limit")

	// ErrUnknownPlatform is returned for platforms never registered.
	ErrUnknownPlatform = errors.New("unknown platform")
)

// Limits bounds outbound traffic for one platform.
type Limits struct {
	MessagesPerSecond int
	MaxConcurrent     int
	Priority          int
}

// Snapshot is a point-in-time copy of one platform's runtime state.
type Snapshot struct {
	Platform          string    `json:"platform"`
	Status            Status    `json:"status"`
	LastHealthCheck   time.Time `json:"last_health_check,omitzero"`
	ActiveConnections int       `json:"active_connections"`
	MaxConcurrent     int       `json:"max_concurrent"`
	Priority          int       `json:"priority"`
	MessagesSent      int64     `json:"messages_sent"`
	SendErrors        int64     `json:"send_errors"`
	AvgLatencyMillis  float64   `json:"avg_latency_ms"`
}

type state struct {
	mu              sync.Mutex
	limits          Limits
	status          Status
	lastHealthCheck time.Time

	active       int
	windowStart  time.Time
	windowCount  int
	sent         int64
	sendErrors   int64
	totalLatency time.Duration
}

// States holds the runtime state of all registered platforms.
type States struct {
	mu     sync.RWMutex
	states map[string]*state

	now func() time.Time
}

// NewStates registers every platform in limits with status registered.
func NewStates(limits map[string]Limits) *States {
	s := &States{
		states: make(map[string]*state, len(limits)),
		now:    time.Now,
	}
	for name, l := range limits {
		s.states[name] = &state{limits: l, status: StatusRegistered}
	}
	return s
}

// Register adds or replaces the limits for one platform.
func (s *States) Register(platform string, limits Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.states[platform]; ok {
		existing.mu.Lock()
		existing.limits = limits
		existing.mu.Unlock()
		return
	}
	s.states[platform] = &state{limits: limits, status: StatusRegistered}
}

func (s *States) get(platform string) (*state, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[platform]
	return st, ok
}

// Acquire admits one outbound send: it checks the sliding rate window and
// the concurrency ceiling, then counts the send against both. Every
// successful Acquire must be paired with Release.
func (s *States) Acquire(platform string) error {
	st, ok := s.get(platform)
	if !ok {
		return ErrUnknownPlatform
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.now()
	if now.Sub(st.windowStart) >= rateWindow {
		st.windowStart = now
		st.windowCount = 0
	}

	if st.limits.MessagesPerSecond > 0 && st.windowCount >= st.limits.MessagesPerSecond {
		return ErrRateLimited
	}
	if st.limits.MaxConcurrent > 0 && st.active >= st.limits.MaxConcurrent {
		return ErrBusy
	}

	st.windowCount++
	st.active++
	return nil
}

// Release returns one connection slot taken by Acquire.
func (s *States) Release(platform string) {
	st, ok := s.get(platform)
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active > 0 {
		st.active--
	}
}

// RecordSend folds one completed send into the platform's rolling stats.
func (s *States) RecordSend(platform string, latency time.Duration, sendErr error) {
	st, ok := s.get(platform)
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.sent++
	st.totalLatency += latency
	if sendErr != nil {
		st.sendErrors++
	}
}

// SetHealth records the outcome of one health probe.
func (s *States) SetHealth(platform string, status Status, checkedAt time.Time) {
	st, ok := s.get(platform)
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.status = status
	st.lastHealthCheck = checkedAt
}

// Status returns the current health classification of one platform.
func (s *States) Status(platform string) Status {
	st, ok := s.get(platform)
	if !ok {
		return StatusUnregistered
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

// Healthy reports whether every probed platform is currently healthy.
// Platforms still in StatusRegistered have never been probed because no
// bot runs on them; they do not count against readiness.
func (s *States) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.states {
		st.mu.Lock()
		healthy := st.status == StatusHealthy || st.status == StatusRegistered
		st.mu.Unlock()
		if !healthy {
			return false
		}
	}

	return true
}

// LoadRatio returns active connections over the concurrency ceiling,
// in [0, 1]. Platforms without a ceiling report zero load.
func (s *States) LoadRatio(platform string) float64 {
	st, ok := s.get(platform)
	if !ok {
		return 1
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.limits.MaxConcurrent <= 0 {
		return 0
	}
	return float64(st.active) / float64(st.limits.MaxConcurrent)
}

// UnderCeiling reports whether the platform can admit one more concurrent
// send right now.
func (s *States) UnderCeiling(platform string) bool {
	st, ok := s.get(platform)
	if !ok {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.limits.MaxConcurrent <= 0 || st.active < st.limits.MaxConcurrent
}

// Priority returns the configured selection priority for one platform.
func (s *States) Priority(platform string) int {
	st, ok := s.get(platform)
	if !ok {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.limits.Priority
}

// Registered reports whether the platform has runtime state at all.
func (s *States) Registered(platform string) bool {
	_, ok := s.get(platform)
	return ok
}

// Platforms returns the names of all registered platforms.
func (s *States) Platforms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.states))
	for name := range s.states {
		names = append(names, name)
	}
	return names
}

// Snapshots copies the runtime state of every platform.
func (s *States) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(s.states))
	for name, st := range s.states {
		st.mu.Lock()
		snap := Snapshot{
			Platform:          name,
			Status:            st.status,
			LastHealthCheck:   st.lastHealthCheck,
			ActiveConnections: st.active,
			MaxConcurrent:     st.limits.MaxConcurrent,
			Priority:          st.limits.Priority,
			MessagesSent:      st.sent,
			SendErrors:        st.sendErrors,
		}
		if st.sent > 0 {
			snap.AvgLatencyMillis = float64(st.totalLatency.Milliseconds()) / float64(st.sent)
		}
		st.mu.Unlock()
		snaps = append(snaps, snap)
	}

	return snaps
}
