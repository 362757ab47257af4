package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ratecore/internal/config"
	"ratecore/internal/eventbus"
	"ratecore/internal/fault"
	"ratecore/internal/health"
	"ratecore/internal/lifecycle"
)

type sink struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (s *sink) Publish(e eventbus.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *sink) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func stallingConfig(continueOnFatal bool) *config.Config {
	cfg := config.Default()
	cfg.Timer.Interval = "2ms"
	cfg.Health.ContinueOnFatal = continueOnFatal
	cfg.RateGroups[0].Tasks = []config.TaskConfig{{
		Name:    "stalls",
		Kind:    "stall",
		Params:  json.RawMessage(`{"after":3}`),
		Monitor: &config.MonitorConfig{Warn: 2, Fatal: 4},
	}}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestFatalStopsRateGroups(t *testing.T) {
	t.Parallel()
	bus := &sink{}
	var fatal []string
	var mu sync.Mutex
	d, err := New(stallingConfig(false), Options{
		RunID: "soak",
		Sink:  bus,
		OnFatal: func(r health.Record) {
			mu.Lock()
			fatal = append(fatal, r.ID)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := d.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.StartRateGroups(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartRateGroups: %v", err)
		}
	case <-time.After(5 * time.Second):
		d.StopRateGroups()
		t.Fatal("FATAL did not stop the rate groups")
	}

	if d.StopReason() != lifecycle.StopHealthFatal {
		t.Fatalf("stop reason = %q", d.StopReason())
	}
	mu.Lock()
	if len(fatal) != 1 || fatal[0] != "stalls" {
		t.Fatalf("fatal = %v", fatal)
	}
	mu.Unlock()
	if bus.count(eventbus.TypeHealthWarning) != 1 || bus.count(eventbus.TypeHealthFatal) != 1 {
		t.Fatalf("warning=%d fatal=%d", bus.count(eventbus.TypeHealthWarning), bus.count(eventbus.TypeHealthFatal))
	}

	st := d.Status()
	if st.Healthy || st.StopReason != "health_fatal" || st.Groups[0].Cycles == 0 {
		t.Fatalf("status = %+v", st)
	}
	ticks := st.Driver.Ticks

	if err := d.Teardown(ctx); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if err := d.Teardown(ctx); err != nil {
		t.Fatalf("second Teardown: %v", err)
	}
	if d.Phase() != lifecycle.PhaseDestroy {
		t.Fatalf("phase = %s", d.Phase())
	}
	time.Sleep(10 * time.Millisecond)
	if got := d.Topology().Driver.Stats().Ticks; got != ticks {
		t.Fatalf("driver ticked after stop: %d -> %d", ticks, got)
	}
}

func TestContinueOnFatalKeepsRunning(t *testing.T) {
	t.Parallel()
	bus := &sink{}
	fatal := make(chan struct{}, 1)
	d, err := New(stallingConfig(true), Options{
		Sink: bus,
		OnFatal: func(health.Record) {
			select {
			case fatal <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := d.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- d.StartRateGroups(ctx) }()

	select {
	case <-fatal:
	case <-time.After(5 * time.Second):
		t.Fatal("no FATAL")
	}
	select {
	case <-done:
		t.Fatal("rate groups stopped although continue_on_fatal is set")
	case <-time.After(20 * time.Millisecond):
	}
	d.StopRateGroups()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if d.StopReason() != lifecycle.StopRequested {
		t.Fatalf("stop reason = %q", d.StopReason())
	}
	_ = d.Teardown(ctx)
}

func TestSetupRejectsUnknownTaskKind(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.RateGroups[1].Tasks = []config.TaskConfig{{Name: "ghost", Kind: "ghost"}}
	config.ApplyDefaults(cfg)
	d, err := New(cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Setup(context.Background()); !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("Setup = %v, want configuration error", err)
	}
	if err := d.StartRateGroups(context.Background()); !errors.Is(err, lifecycle.ErrPhaseOrder) {
		t.Fatalf("StartRateGroups = %v, want phase order error", err)
	}
	if err := d.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown after failed setup: %v", err)
	}
}
