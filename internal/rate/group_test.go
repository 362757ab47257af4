package rate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"ratecore/internal/eventbus"
	"ratecore/internal/fault"
)

type pingRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (p *pingRecorder) OnPing(id string) {
	p.mu.Lock()
	p.ids = append(p.ids, id)
	p.mu.Unlock()
}

func namedTask(log *callLog, name string, err error) Task {
	return TaskFunc(func(context.Context, ContextToken) error {
		log.add(name)
		return err
	})
}

func TestGroupFaultDoesNotStopPass(t *testing.T) {
	t.Parallel()
	log := &callLog{}
	events := &eventLog{}
	g := NewGroup("rg1", WithGroupSink(events))
	boom := errors.New("boom")
	for _, tk := range []struct {
		id  string
		err error
	}{{"A", boom}, {"B", nil}, {"C", nil}} {
		if err := g.AddTask(tk.id, namedTask(log, tk.id, tk.err)); err != nil {
			t.Fatal(err)
		}
	}
	var reports []CycleReport
	if err := g.OnCycle(func(r CycleReport) { reports = append(reports, r) }); err != nil {
		t.Fatal(err)
	}
	g.Activate()

	if err := g.Dispatch(context.Background(), 7); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := log.take(); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("invoked %v", got)
	}

	faults := events.ofType(eventbus.TypeTaskFault)
	if len(faults) != 1 {
		t.Fatalf("fault events = %d, want 1", len(faults))
	}
	data := faults[0].Data.(eventbus.FaultData)
	if data.Task != "A" || data.Group != "rg1" || data.Tick != 7 || data.Panic {
		t.Fatalf("fault data = %+v", data)
	}

	if len(reports) != 1 {
		t.Fatalf("cycle reports = %d, want 1", len(reports))
	}
	if !reflect.DeepEqual(reports[0].Faulted, []TaskID{"A"}) || reports[0].Tick != 7 {
		t.Fatalf("report = %+v", reports[0])
	}
	if st := g.Stats(); st.Cycles != 1 || st.Faults != 1 || st.LastTick != 7 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGroupRecoversPanic(t *testing.T) {
	t.Parallel()
	log := &callLog{}
	events := &eventLog{}
	g := NewGroup("rg2", WithGroupSink(events))
	_ = g.AddTask("panicky", TaskFunc(func(context.Context, ContextToken) error { panic("kaboom") }))
	_ = g.AddTask("after", namedTask(log, "after", nil))
	g.Activate()

	if err := g.Dispatch(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if got := log.take(); !reflect.DeepEqual(got, []string{"after"}) {
		t.Fatalf("invoked %v", got)
	}
	faults := events.ofType(eventbus.TypeTaskFault)
	if len(faults) != 1 || !faults[0].Data.(eventbus.FaultData).Panic {
		t.Fatalf("fault events = %+v", faults)
	}
}

func TestGroupPositionalTokens(t *testing.T) {
	t.Parallel()
	g := NewGroup("rg1")
	var mu sync.Mutex
	got := map[string]ContextToken{}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("t%d", i)
		_ = g.AddTask(id, TaskFunc(func(_ context.Context, tok ContextToken) error {
			mu.Lock()
			got[id] = tok
			mu.Unlock()
			return nil
		}))
	}
	// Fewer tokens than tasks: the rest get zero.
	if err := g.Configure([]ContextToken{11, 22}); err != nil {
		t.Fatal(err)
	}
	g.Activate()
	_ = g.Dispatch(context.Background(), 0)

	want := map[string]ContextToken{"t0": 11, "t1": 22, "t2": 0}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
}

func TestGroupConfigurationErrors(t *testing.T) {
	t.Parallel()
	noop := TaskFunc(func(context.Context, ContextToken) error { return nil })

	tests := []struct {
		name string
		run  func(g *Group) error
	}{
		{name: "nil task", run: func(g *Group) error { return g.AddTask("x", nil) }},
		{name: "duplicate id", run: func(g *Group) error {
			_ = g.AddTask("x", noop)
			return g.AddTask("x", noop)
		}},
		{name: "full", run: func(g *Group) error {
			for i := 0; i < MaxConnections; i++ {
				if err := g.AddTask(fmt.Sprintf("t%d", i), noop); err != nil {
					return err
				}
			}
			return g.AddTask("overflow", noop)
		}},
		{name: "too many contexts", run: func(g *Group) error {
			return g.Configure(make([]ContextToken, MaxConnections+1))
		}},
		{name: "add after activate", run: func(g *Group) error {
			g.Activate()
			return g.AddTask("late", noop)
		}},
		{name: "configure after activate", run: func(g *Group) error {
			g.Activate()
			return g.Configure(nil)
		}},
		{name: "listener after activate", run: func(g *Group) error {
			g.Activate()
			return g.OnCycle(func(CycleReport) {})
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.run(NewGroup("g")); !fault.IsConfig(err) {
				t.Fatalf("got %v, want configuration error", err)
			}
		})
	}
}

func TestGroupInactiveDispatch(t *testing.T) {
	t.Parallel()
	log := &callLog{}
	g := NewGroup("rg3")
	_ = g.AddTask("a", namedTask(log, "a", nil))

	if err := g.Dispatch(context.Background(), 0); !errors.Is(err, ErrInactive) {
		t.Fatalf("Dispatch before Activate = %v", err)
	}
	g.Activate()
	g.Deactivate()
	if err := g.Dispatch(context.Background(), 1); !errors.Is(err, ErrInactive) {
		t.Fatalf("Dispatch after Deactivate = %v", err)
	}
	if got := log.take(); len(got) != 0 {
		t.Fatalf("inactive group invoked %v", got)
	}
	if st := g.Stats(); st.Inactive != 2 || st.Cycles != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGroupPingsAfterEveryPass(t *testing.T) {
	t.Parallel()
	p := &pingRecorder{}
	g := NewGroup("rg1", WithPinger(p, "rateGroup1"))
	_ = g.AddTask("bad", TaskFunc(func(context.Context, ContextToken) error { return errors.New("x") }))
	g.Activate()
	for tick := BaseTick(0); tick < 3; tick++ {
		_ = g.Dispatch(context.Background(), tick)
	}
	if want := []string{"rateGroup1", "rateGroup1", "rateGroup1"}; !reflect.DeepEqual(p.ids, want) {
		t.Fatalf("pings = %v", p.ids)
	}
}

func TestGroupEmptyPassStillReports(t *testing.T) {
	t.Parallel()
	g := NewGroup("empty")
	n := 0
	_ = g.OnCycle(func(r CycleReport) {
		n++
		if len(r.Tasks) != 0 {
			t.Errorf("tasks = %v", r.Tasks)
		}
	})
	g.Activate()
	_ = g.Dispatch(context.Background(), 0)
	if n != 1 {
		t.Fatalf("reports = %d, want 1", n)
	}
}
