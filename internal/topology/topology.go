package topology

import (
	"context"
	"sync"

	"ratecore/internal/eventbus"
	"ratecore/internal/fault"
	"ratecore/internal/health"
	"ratecore/internal/rate"
	"ratecore/internal/tasks"
	logx "ratecore/pkg/logx"
)

// Component is what the lifecycle controller drives. Each value returned by
// Components also implements some of the lifecycle phase interfaces.
type Component interface {
	Name() string
}

// ParamSource supplies persisted key/value parameters per component.
// storage.Store implements it.
type ParamSource interface {
	Params(ctx context.Context, component string) (map[string]string, error)
}

type Deps struct {
	Log     logx.Logger
	Sink    eventbus.Sink
	Catalog *tasks.Catalog
	Params  ParamSource
	Health  []health.Option
}

// Topology owns the driver, the health supervisor and, once Init has run,
// the groups and tasks.
type Topology struct {
	log     logx.Logger
	sink    eventbus.Sink
	catalog *tasks.Catalog
	params  ParamSource

	Driver *rate.Driver
	Health *health.Supervisor

	mu     sync.RWMutex
	groups map[string]*rate.Group
	tasks  map[rate.TaskID]rate.Task

	comps []Component
}

// Build creates the driver and health supervisor for st and lays out the
// component list: driver, health, one per group, one per task.
func Build(st *State, deps Deps) (*Topology, error) {
	if st == nil {
		return nil, fault.Config("topology", "", "state is nil")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Sink == nil {
		deps.Sink = eventbus.Discard
	}
	if deps.Catalog == nil {
		deps.Catalog = tasks.Builtin()
	}
	t := &Topology{
		log:     deps.Log,
		sink:    deps.Sink,
		catalog: deps.Catalog,
		params:  deps.Params,
		groups:  map[string]*rate.Group{},
		tasks:   map[rate.TaskID]rate.Task{},
	}
	t.Driver = rate.NewDriver(
		rate.WithDriverLogger(deps.Log.With(logx.String("comp", "driver"))),
		rate.WithDriverSink(deps.Sink),
		rate.WithOverrunPolicy(st.Policy, st.QueueDepth),
	)
	hopts := append([]health.Option{
		health.WithLogger(deps.Log.With(logx.String("comp", "health"))),
		health.WithSink(deps.Sink),
	}, deps.Health...)
	t.Health = health.New(hopts...)

	t.comps = append(t.comps, &driverComponent{t: t}, &healthComponent{t: t})
	for _, g := range st.Groups {
		t.comps = append(t.comps, &groupComponent{t: t, spec: g})
	}
	for _, g := range st.Groups {
		for _, ts := range g.Tasks {
			t.comps = append(t.comps, &taskComponent{t: t, group: g.Name, spec: ts})
		}
	}
	return t, nil
}

// Components returns the components in setup order.
func (t *Topology) Components() []Component {
	return append([]Component(nil), t.comps...)
}

// Group returns the named group once Init has created it.
func (t *Topology) Group(name string) (*rate.Group, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.groups[name]
	return g, ok
}

// GroupStats returns per-group counters in slot order.
func (t *Topology) GroupStats(st *State) []rate.GroupStats {
	out := make([]rate.GroupStats, 0, len(st.Groups))
	for _, gs := range st.Groups {
		if g, ok := t.Group(gs.Name); ok {
			out = append(out, g.Stats())
		}
	}
	return out
}

// Task returns the named task once Init has created it.
func (t *Topology) Task(id rate.TaskID) (rate.Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.tasks[id]
	return task, ok
}

func (t *Topology) mustGroup(name string) (*rate.Group, error) {
	g, ok := t.Group(name)
	if !ok {
		return nil, fault.Config("topology", name, "rate group not initialized")
	}
	return g, nil
}

// sweepEntries gives every monitored group a stride so each cadence the
// sweeper closes spans at least one of that group's passes.
func sweepEntries(st *State) ([]health.SweepEntry, error) {
	hg, ok := st.Group(st.HealthGroup)
	if !ok {
		return nil, fault.Config("topology", "health.group", "unknown rate group %q", st.HealthGroup)
	}
	var out []health.SweepEntry
	for _, g := range st.Groups {
		if g.Monitor == nil {
			continue
		}
		every := uint64(1)
		if g.Divisor.Divisor > hg.Divisor.Divisor {
			every = uint64((g.Divisor.Divisor + hg.Divisor.Divisor - 1) / hg.Divisor.Divisor)
		}
		out = append(out, health.SweepEntry{ID: g.Name, Every: every})
	}
	return out, nil
}
