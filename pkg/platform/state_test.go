package platform

import (
	"errors"
	"testing"
	"time"
)

func TestAcquireEnforcesRateWindow(t *testing.T) {
	s := NewStates(map[string]Limits{
		"slack": {MessagesPerSecond: 5, MaxConcurrent: 100},
	})
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		if err := s.Acquire("slack"); err != nil {
			t.Fatalf("Acquire %d error: %v", i+1, err)
		}
		s.Release("slack")
	}

	if err := s.Acquire("slack"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("sixth Acquire error = %v, want ErrRateLimited", err)
	}
}

func TestAcquireWindowRollsOver(t *testing.T) {
	s := NewStates(map[string]Limits{
		"slack": {MessagesPerSecond: 1, MaxConcurrent: 10},
	})
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	if err := s.Acquire("slack"); err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}
	s.Release("slack")

	if err := s.Acquire("slack"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("same-window Acquire error = %v, want ErrRateLimited", err)
	}

	current = base.Add(time.Second)
	if err := s.Acquire("slack"); err != nil {
		t.Fatalf("next-window Acquire error: %v", err)
	}
}

func TestAcquireEnforcesConcurrencyCeiling(t *testing.T) {
	s := NewStates(map[string]Limits{
		"discord": {MessagesPerSecond: 100, MaxConcurrent: 2},
	})

	if err := s.Acquire("discord"); err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}
	if err := s.Acquire("discord"); err != nil {
		t.Fatalf("second Acquire error: %v", err)
	}

	if err := s.Acquire("discord"); !errors.Is(err, ErrBusy) {
		t.Fatalf("over-ceiling Acquire error = %v, want ErrBusy", err)
	}

	s.Release("discord")
	if err := s.Acquire("discord"); err != nil {
		t.Fatalf("Acquire after Release error: %v", err)
	}
}

func TestAcquireUnknownPlatform(t *testing.T) {
	s := NewStates(nil)
	if err := s.Acquire("nope"); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("Acquire error = %v, want ErrUnknownPlatform", err)
	}
}

func TestHealthyCountsOnlyProbedPlatforms(t *testing.T) {
	s := NewStates(map[string]Limits{
		"telegram": {MaxConcurrent: 1},
		"slack":    {MaxConcurrent: 1},
		"discord":  {MaxConcurrent: 1},
	})

	// Unprobed platforms are neutral: nothing runs on them yet.
	if !s.Healthy() {
		t.Fatal("Healthy = false before any probe, want true")
	}

	now := time.Now()
	s.SetHealth("telegram", StatusHealthy, now)
	if !s.Healthy() {
		t.Fatal("Healthy = false with one healthy and two unprobed platforms, want true")
	}

	s.SetHealth("slack", StatusUnhealthy, now)
	if s.Healthy() {
		t.Fatal("Healthy = true with one unhealthy platform, want false")
	}

	s.SetHealth("slack", StatusHealthy, now)
	if !s.Healthy() {
		t.Fatal("Healthy = false after slack recovered, want true")
	}
}

func TestLoadRatioAndUnderCeiling(t *testing.T) {
	s := NewStates(map[string]Limits{
		"line": {MessagesPerSecond: 100, MaxConcurrent: 4},
	})

	if got := s.LoadRatio("line"); got != 0 {
		t.Fatalf("idle LoadRatio = %v, want 0", got)
	}

	if err := s.Acquire("line"); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if got := s.LoadRatio("line"); got != 0.25 {
		t.Fatalf("LoadRatio = %v, want 0.25", got)
	}
	if !s.UnderCeiling("line") {
		t.Fatal("UnderCeiling = false at 1 of 4 slots, want true")
	}
}

func TestRecordSendAggregatesStats(t *testing.T) {
	s := NewStates(map[string]Limits{
		"teams": {MaxConcurrent: 1, Priority: 2},
	})

	s.RecordSend("teams", 100*time.Millisecond, nil)
	s.RecordSend("teams", 300*time.Millisecond, errors.New("boom"))

	snaps := s.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("len(Snapshots) = %d, want 1", len(snaps))
	}

	snap := snaps[0]
	if snap.MessagesSent != 2 {
		t.Fatalf("MessagesSent = %d, want 2", snap.MessagesSent)
	}
	if snap.SendErrors != 1 {
		t.Fatalf("SendErrors = %d, want 1", snap.SendErrors)
	}
	if snap.AvgLatencyMillis != 200 {
		t.Fatalf("AvgLatencyMillis = %v, want 200", snap.AvgLatencyMillis)
	}
	if snap.Priority != 2 {
		t.Fatalf("Priority = %d, want 2", snap.Priority)
	}
}
