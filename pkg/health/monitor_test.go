package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatgate/pkg/adapter"
	"chatgate/pkg/message"
	"chatgate/pkg/platform"
)

type probeAdapter struct {
	err   error
	panic bool
}

func (p *probeAdapter) Platform() string                          { return "probe" }
func (p *probeAdapter) Start(context.Context, adapter.Sink) error { return nil }
func (p *probeAdapter) Stop(context.Context) error                { return nil }
func (p *probeAdapter) StrictVerification() bool                  { return false }

func (p *probeAdapter) VerifyAndNormalize(context.Context, adapter.RawEvent) (message.Inbound, error) {
	return message.Inbound{}, adapter.ErrIgnoreEvent
}

func (p *probeAdapter) Send(context.Context, message.Outbound) (message.SendAck, error) {
	return message.SendAck{}, nil
}

func (p *probeAdapter) HealthCheck(context.Context) error {
	if p.panic {
		panic("probe exploded")
	}
	return p.err
}

func TestCheckAllClassifiesEachPlatform(t *testing.T) {
	states := platform.NewStates(map[string]platform.Limits{
		"telegram": {MaxConcurrent: 1},
		"slack":    {MaxConcurrent: 1},
	})
	instances := map[string]adapter.Adapter{
		"telegram": &probeAdapter{},
		"slack":    &probeAdapter{err: errors.New("auth.test failed")},
	}

	m := New(func() map[string]adapter.Adapter { return instances }, states, time.Minute, time.Second, nil)
	m.CheckAll(context.Background())

	if got := states.Status("telegram"); got != platform.StatusHealthy {
		t.Fatalf("telegram status = %q, want %q", got, platform.StatusHealthy)
	}
	if got := states.Status("slack"); got != platform.StatusUnhealthy {
		t.Fatalf("slack status = %q, want %q", got, platform.StatusUnhealthy)
	}
	if m.Healthy() {
		t.Fatal("Healthy = true with one unhealthy platform, want false")
	}
}

func TestCheckAllIsolatesPanickingProbe(t *testing.T) {
	states := platform.NewStates(map[string]platform.Limits{
		"telegram": {MaxConcurrent: 1},
		"discord":  {MaxConcurrent: 1},
	})
	instances := map[string]adapter.Adapter{
		"telegram": &probeAdapter{},
		"discord":  &probeAdapter{panic: true},
	}

	m := New(func() map[string]adapter.Adapter { return instances }, states, time.Minute, time.Second, nil)
	m.CheckAll(context.Background())

	if got := states.Status("discord"); got != platform.StatusError {
		t.Fatalf("discord status = %q, want %q", got, platform.StatusError)
	}
	if got := states.Status("telegram"); got != platform.StatusHealthy {
		t.Fatalf("telegram status = %q, want %q", got, platform.StatusHealthy)
	}
}

func TestHealthyTrueWhenAllProbesPass(t *testing.T) {
	states := platform.NewStates(map[string]platform.Limits{
		"telegram": {MaxConcurrent: 1},
	})
	instances := map[string]adapter.Adapter{
		"telegram": &probeAdapter{},
	}

	m := New(func() map[string]adapter.Adapter { return instances }, states, time.Minute, time.Second, nil)
	m.CheckAll(context.Background())

	if !m.Healthy() {
		t.Fatal("Healthy = false with all probes passing, want true")
	}
}

func TestHealthyIgnoresPlatformsWithoutRunningAdapters(t *testing.T) {
	states := platform.NewStates(map[string]platform.Limits{
		"telegram": {MaxConcurrent: 1},
		"slack":    {MaxConcurrent: 1},
		"discord":  {MaxConcurrent: 1},
		"line":     {MaxConcurrent: 1},
	})
	instances := map[string]adapter.Adapter{
		"telegram": &probeAdapter{},
	}

	m := New(func() map[string]adapter.Adapter { return instances }, states, time.Minute, time.Second, nil)
	m.CheckAll(context.Background())

	if !m.Healthy() {
		t.Fatal("Healthy = false with only the running platform probed, want true")
	}
}

func TestHealthyFalseBeforeFirstProbe(t *testing.T) {
	states := platform.NewStates(map[string]platform.Limits{
		"telegram": {MaxConcurrent: 1},
	})
	instances := map[string]adapter.Adapter{
		"telegram": &probeAdapter{},
	}

	m := New(func() map[string]adapter.Adapter { return instances }, states, time.Minute, time.Second, nil)

	if m.Healthy() {
		t.Fatal("Healthy = true before the running adapter was probed, want false")
	}
}
