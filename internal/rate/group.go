package rate

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"ratecore/internal/eventbus"
	"ratecore/internal/fault"
	logx "ratecore/pkg/logx"
)

// MaxConnections is the maximum number of tasks (and context tokens) a group holds.
const MaxConnections = 10

// GroupStats is a point-in-time view of a group's counters.
type GroupStats struct {
	Name         string        `json:"name"`
	Active       bool          `json:"active"`
	Tasks        int           `json:"tasks"`
	Cycles       uint64        `json:"cycles"`
	Faults       uint64        `json:"faults"`
	Inactive     uint64        `json:"inactive_dispatches"`
	LastTick     BaseTick      `json:"last_tick"`
	LastDuration time.Duration `json:"last_duration"`
	MaxDuration  time.Duration `json:"max_duration"`
}

// Group invokes an ordered list of tasks each time its slot fires.
//
// Tasks and context tokens are fixed before Activate; after that the task
// list is read-only and Dispatch needs no lock to walk it.
type Group struct {
	name string
	log  logx.Logger
	sink eventbus.Sink

	pinger Pinger
	pingID string

	id atomic.Uint32

	mu        sync.Mutex
	tasks     []TaskEntry
	contexts  []ContextToken
	listeners []func(CycleReport)
	active    atomic.Bool

	statsMu sync.Mutex
	stats   GroupStats
}

type GroupOption func(*Group)

func WithGroupLogger(log logx.Logger) GroupOption {
	return func(g *Group) { g.log = log }
}

func WithGroupSink(sink eventbus.Sink) GroupOption {
	return func(g *Group) { g.sink = sink }
}

// WithPinger makes the group acknowledge its own liveness under id after
// every completed pass.
func WithPinger(p Pinger, id string) GroupOption {
	return func(g *Group) {
		g.pinger = p
		g.pingID = id
	}
}

func NewGroup(name string, opts ...GroupOption) *Group {
	g := &Group{name: name}
	for _, o := range opts {
		o(g)
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	if g.sink == nil {
		g.sink = eventbus.Discard
	}
	g.stats.Name = name
	return g
}

func (g *Group) Name() string { return g.name }

// SetBaseID assigns the group's numeric identifier.
func (g *Group) SetBaseID(id uint32) { g.id.Store(id) }

func (g *Group) BaseID() uint32 { return g.id.Load() }

// AddTask appends a task. It is a configuration error after activation, for a
// duplicate id, or beyond MaxConnections.
func (g *Group) AddTask(id TaskID, task Task) error {
	if task == nil {
		return fault.Config(g.name, "tasks", "task %q is nil", id)
	}
	if g.active.Load() {
		return fault.Config(g.name, "tasks", "cannot add task %q after activation", id)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.tasks) >= MaxConnections {
		return fault.Config(g.name, "tasks", "cannot add task %q: group is full (%d)", id, MaxConnections)
	}
	for _, e := range g.tasks {
		if e.ID == id {
			return fault.Config(g.name, "tasks", "duplicate task id %q", id)
		}
	}
	g.tasks = append(g.tasks, TaskEntry{ID: id, Task: task})
	g.applyTokensLocked()
	return nil
}

// Configure installs the group's context tokens. Token i belongs to task i;
// tasks without a token get 0.
func (g *Group) Configure(contexts []ContextToken) error {
	if g.active.Load() {
		return fault.Config(g.name, "contexts", "cannot configure after activation")
	}
	if len(contexts) > MaxConnections {
		return fault.Config(g.name, "contexts", "%d context tokens exceed the maximum of %d", len(contexts), MaxConnections)
	}
	g.mu.Lock()
	g.contexts = append([]ContextToken(nil), contexts...)
	g.applyTokensLocked()
	g.mu.Unlock()
	return nil
}

func (g *Group) applyTokensLocked() {
	for i := range g.tasks {
		var tok ContextToken
		if i < len(g.contexts) {
			tok = g.contexts[i]
		}
		g.tasks[i].Token = tok
	}
}

// OnCycle registers a cycle listener. Listeners run on the dispatching
// goroutine, in registration order, after every pass.
func (g *Group) OnCycle(fn func(CycleReport)) error {
	if fn == nil {
		return nil
	}
	if g.active.Load() {
		return fault.Config(g.name, "listeners", "cannot add cycle listener after activation")
	}
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
	return nil
}

// Tasks returns a copy of the registered entries in order.
func (g *Group) Tasks() []TaskEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]TaskEntry(nil), g.tasks...)
}

func (g *Group) Activate() {
	g.active.Store(true)
	g.log.Debug("rate group activated", logx.Int("tasks", len(g.Tasks())))
}

func (g *Group) Deactivate() {
	if g.active.Swap(false) {
		g.log.Debug("rate group deactivated")
	}
}

func (g *Group) Active() bool { return g.active.Load() }

// Dispatch invokes every task in registration order with its token. A task
// fault is reported and the pass continues with the next task.
func (g *Group) Dispatch(ctx context.Context, t BaseTick) error {
	if !g.active.Load() {
		g.statsMu.Lock()
		g.stats.Inactive++
		g.statsMu.Unlock()
		return ErrInactive
	}

	g.mu.Lock()
	tasks := g.tasks
	listeners := g.listeners
	g.mu.Unlock()

	started := time.Now()
	report := CycleReport{Group: g.name, Tick: t, Started: started, Tasks: make([]TaskID, 0, len(tasks))}
	for _, e := range tasks {
		report.Tasks = append(report.Tasks, e.ID)
		if f := g.invoke(ctx, e, t); f != nil {
			report.Faulted = append(report.Faulted, e.ID)
			g.reportFault(f)
		}
	}
	report.Duration = time.Since(started)

	g.statsMu.Lock()
	g.stats.Cycles++
	g.stats.Faults += uint64(len(report.Faulted))
	g.stats.LastTick = t
	g.stats.LastDuration = report.Duration
	if report.Duration > g.stats.MaxDuration {
		g.stats.MaxDuration = report.Duration
	}
	g.statsMu.Unlock()

	if g.pinger != nil {
		g.pinger.OnPing(g.pingID)
	}
	for _, fn := range listeners {
		fn(report)
	}
	return nil
}

func (g *Group) invoke(ctx context.Context, e TaskEntry, t BaseTick) (f *fault.TaskFault) {
	defer func() {
		if r := recover(); r != nil {
			f = &fault.TaskFault{
				Group: g.name,
				Task:  e.ID,
				Tick:  uint64(t),
				Err:   fmt.Errorf("panic: %v", r),
				Panic: r,
				Stack: string(debug.Stack()),
			}
		}
	}()
	if err := e.Task.Invoke(ctx, e.Token); err != nil {
		return &fault.TaskFault{Group: g.name, Task: e.ID, Tick: uint64(t), Err: err}
	}
	return nil
}

func (g *Group) reportFault(f *fault.TaskFault) {
	g.log.Warn("task fault",
		logx.String("task", f.Task),
		logx.Uint64("tick", f.Tick),
		logx.Bool("panic", f.Panic != nil),
		logx.Err(f.Err),
		logx.Stack(f.Stack),
	)
	g.sink.Publish(eventbus.Event{
		Type: eventbus.TypeTaskFault,
		Data: eventbus.FaultData{
			Group: f.Group,
			Task:  f.Task,
			Tick:  f.Tick,
			Err:   f.Err.Error(),
			Panic: f.Panic != nil,
		},
	})
}

// Stats returns a snapshot of the group's counters.
func (g *Group) Stats() GroupStats {
	g.statsMu.Lock()
	st := g.stats
	g.statsMu.Unlock()
	st.Active = g.active.Load()
	st.Tasks = len(g.Tasks())
	return st
}
