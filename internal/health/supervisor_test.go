package health

import (
	"context"
	"sync"
	"testing"

	"ratecore/internal/eventbus"
	"ratecore/internal/fault"
	"ratecore/internal/rate"
)

type eventLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (l *eventLog) Publish(e eventbus.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func newSupervisor(t *testing.T, warn, fatal int, opts ...Option) (*Supervisor, *eventLog) {
	t.Helper()
	events := &eventLog{}
	s := New(append([]Option{WithSink(events)}, opts...)...)
	if err := s.Register("task", warn, fatal); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Activate()
	return s, events
}

func mustState(t *testing.T, s *Supervisor, want State, misses int) {
	t.Helper()
	r, ok := s.Get("task")
	if !ok {
		t.Fatal("record missing")
	}
	if r.State != want || r.Misses != misses {
		t.Fatalf("state=%s misses=%d, want %s/%d", r.State, r.Misses, want, misses)
	}
}

func TestEscalationWarnThenFatal(t *testing.T) {
	t.Parallel()
	fatals := 0
	s, events := newSupervisor(t, 3, 5, WithFatalHook(func(Record) { fatals++ }))

	want := []State{Healthy, Healthy, Warning, Warning, Fatal}
	for i, st := range want {
		s.OnCycleComplete("task")
		mustState(t, s, st, i+1)
	}
	if n := events.count(eventbus.TypeHealthWarning); n != 1 {
		t.Fatalf("warning events = %d, want 1", n)
	}
	if n := events.count(eventbus.TypeHealthFatal); n != 1 {
		t.Fatalf("fatal events = %d, want 1", n)
	}
	if fatals != 1 {
		t.Fatalf("fatal hook calls = %d, want 1", fatals)
	}

	// Held in FATAL: no more events.
	s.OnCycleComplete("task")
	s.OnCycleComplete("task")
	if events.count(eventbus.TypeHealthFatal) != 1 || fatals != 1 {
		t.Fatal("FATAL re-emitted while held")
	}
	if !s.AnyFatal() {
		t.Fatal("AnyFatal = false")
	}
}

func TestPingAtMissFourPreventsFatal(t *testing.T) {
	t.Parallel()
	s, events := newSupervisor(t, 3, 5)
	for i := 0; i < 4; i++ {
		s.OnCycleComplete("task")
	}
	mustState(t, s, Warning, 4)

	s.OnPing("task")
	mustState(t, s, Healthy, 0)
	if n := events.count(eventbus.TypeHealthRecovered); n != 1 {
		t.Fatalf("recovered events = %d, want 1", n)
	}

	// The cadence that saw the ping does not count as a miss.
	s.OnCycleComplete("task")
	mustState(t, s, Healthy, 0)
	if events.count(eventbus.TypeHealthFatal) != 0 {
		t.Fatal("fatal event fired")
	}
}

func TestWarnEqualsFatalSkipsWarning(t *testing.T) {
	t.Parallel()
	s, events := newSupervisor(t, 2, 2)
	s.OnCycleComplete("task")
	s.OnCycleComplete("task")
	mustState(t, s, Fatal, 2)
	if events.count(eventbus.TypeHealthWarning) != 0 || events.count(eventbus.TypeHealthFatal) != 1 {
		t.Fatalf("events = %+v", events.events)
	}
}

func TestRecoveryFromFatalRearmsWarning(t *testing.T) {
	t.Parallel()
	s, events := newSupervisor(t, 1, 2)
	s.OnCycleComplete("task")
	s.OnCycleComplete("task")
	mustState(t, s, Fatal, 2)
	s.OnPing("task")
	s.OnCycleComplete("task") // consumes the ping
	s.OnCycleComplete("task")
	mustState(t, s, Warning, 1)
	if n := events.count(eventbus.TypeHealthWarning); n != 2 {
		t.Fatalf("warning events = %d, want 2", n)
	}
}

func TestPingWhileHealthyIsSilent(t *testing.T) {
	t.Parallel()
	s, events := newSupervisor(t, 3, 5)
	s.OnPing("task")
	s.OnPing("unknown")
	if n := len(events.events); n != 0 {
		t.Fatalf("events = %d, want 0", n)
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		id          string
		warn, fatal int
	}{
		{name: "empty id", id: "", warn: 1, fatal: 1},
		{name: "zero warn", id: "x", warn: 0, fatal: 1},
		{name: "warn above fatal", id: "x", warn: 4, fatal: 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := New().Register(tt.id, tt.warn, tt.fatal); !fault.IsConfig(err) {
				t.Fatalf("Register = %v, want configuration error", err)
			}
		})
	}

	s := New()
	_ = s.Register("a", 1, 2)
	if err := s.Register("a", 1, 2); !fault.IsConfig(err) {
		t.Fatalf("duplicate Register = %v", err)
	}
	s.Activate()
	if err := s.Register("b", 1, 2); !fault.IsConfig(err) {
		t.Fatalf("Register after Activate = %v", err)
	}
	if err := s.Watch("rg1", "a"); !fault.IsConfig(err) {
		t.Fatalf("Watch after Activate = %v", err)
	}
}

func TestSetEnabled(t *testing.T) {
	t.Parallel()
	s, events := newSupervisor(t, 1, 3)
	if err := s.SetEnabled("task", false); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		s.OnCycleComplete("task")
	}
	if n := len(events.events); n != 0 {
		t.Fatalf("disabled entry emitted %d events", n)
	}
	_ = s.SetEnabled("task", true)
	mustState(t, s, Healthy, 0)
	s.OnCycleComplete("task")
	mustState(t, s, Warning, 1)

	if err := s.SetEnabled("nope", true); err != ErrUnknownEntry {
		t.Fatalf("SetEnabled(unknown) = %v", err)
	}
}

func TestObserveCycleCountsWatchedEntries(t *testing.T) {
	t.Parallel()
	s := New()
	_ = s.Register("a", 2, 4)
	_ = s.Register("b", 2, 4)
	if err := s.Watch("rg1", "a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.Watch("rg1", "missing"); !fault.IsConfig(err) {
		t.Fatalf("Watch(missing) = %v", err)
	}
	s.Activate()

	g := rate.NewGroup("rg1", rate.WithPinger(s, "a"))
	_ = g.OnCycle(s.ObserveCycle)
	g.Activate()
	for i := 0; i < 2; i++ {
		_ = g.Dispatch(context.Background(), rate.BaseTick(i))
	}

	// "a" is pinged by the group before each cycle report, "b" never is.
	if r, _ := s.Get("a"); r.State != Healthy || r.Misses != 0 {
		t.Fatalf("a = %+v", r)
	}
	if r, _ := s.Get("b"); r.State != Warning || r.Misses != 2 {
		t.Fatalf("b = %+v", r)
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].ID != "a" || snap[1].ID != "b" || snap[1].Status != "WARN" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSweeperStrokesWatchdogUntilFatal(t *testing.T) {
	t.Parallel()
	strokes := 0
	s := New(WithWatchdog(func() { strokes++ }))
	_ = s.Register("rateGroup1", 1, 2)
	s.Activate()

	sweep := s.Sweeper("rateGroup1")
	for i := 0; i < 3; i++ {
		_ = sweep.Invoke(context.Background(), 0)
	}
	// The first pass opens the cadence, miss 1 warns, miss 2 is fatal.
	if strokes != 2 {
		t.Fatalf("strokes = %d, want 2", strokes)
	}

	_ = s.Pinger("rateGroup1").Invoke(context.Background(), 0)
	_ = sweep.Invoke(context.Background(), 0)
	if strokes != 3 {
		t.Fatalf("strokes after recovery = %d, want 3", strokes)
	}
}

func TestConcurrentPingAndCycle(t *testing.T) {
	t.Parallel()
	s, _ := newSupervisor(t, 1000, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.OnPing("task")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.OnCycleComplete("task")
			}
		}()
	}
	wg.Wait()
	if r, _ := s.Get("task"); r.Misses < 0 || r.Misses > 800 {
		t.Fatalf("misses = %d", r.Misses)
	}
}

func TestStridedSweeperMatchesSlowGroupCadence(t *testing.T) {
	t.Parallel()
	s := New()
	_ = s.Register("fast", 1, 3)
	_ = s.Register("slow", 1, 3)
	s.Activate()
	sweep := s.StridedSweeper(SweepEntry{ID: "fast", Every: 1}, SweepEntry{ID: "slow", Every: 4})

	// The slow group pings once every fourth base tick and is never late.
	for tick := 0; tick < 16; tick++ {
		s.OnPing("fast")
		_ = sweep.Invoke(context.Background(), 0)
		if tick%4 == 0 {
			s.OnPing("slow")
		}
	}
	for _, id := range []string{"fast", "slow"} {
		if r, _ := s.Get(id); r.State != Healthy || r.Misses != 0 {
			t.Fatalf("%s = %+v, want HEALTHY with no misses", id, r)
		}
	}

	// Silence the slow group: only every fourth sweep counts against it.
	for i := 0; i < 4; i++ {
		_ = sweep.Invoke(context.Background(), 0)
	}
	if r, _ := s.Get("slow"); r.Misses != 1 || r.State != Warning {
		t.Fatalf("slow after silence = %+v", r)
	}
}

func TestSweeperFirstCadenceIsNotAMiss(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	s := New(WithSink(events))
	_ = s.Register("self", 1, 1)
	_ = s.Register("late", 1, 1)
	s.Activate()
	sweep := s.StridedSweeper(SweepEntry{ID: "self", Every: 1}, SweepEntry{ID: "late", Every: 4})

	// The sweeper runs ahead of both groups' first passes.
	for tick := 0; tick < 12; tick++ {
		_ = sweep.Invoke(context.Background(), 0)
		s.OnPing("self")
		if tick%4 == 3 {
			s.OnPing("late")
		}
	}
	if n := events.count(eventbus.TypeHealthWarning) + events.count(eventbus.TypeHealthFatal); n != 0 {
		t.Fatalf("%d health events on a clean run", n)
	}

	// One sweep consumes the last ping, the next finds the pass missing.
	_ = sweep.Invoke(context.Background(), 0)
	_ = sweep.Invoke(context.Background(), 0)
	if r, _ := s.Get("self"); r.State != Fatal {
		t.Fatalf("self after a missed pass = %+v", r)
	}
}
