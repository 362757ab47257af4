package topology

import (
	"context"
	"errors"
	"fmt"

	"ratecore/internal/rate"
	"ratecore/internal/tasks"
	logx "ratecore/pkg/logx"
)

// driverComponent installs the divider set.
type driverComponent struct{ t *Topology }

func (c *driverComponent) Name() string { return c.t.Driver.Name() }

func (c *driverComponent) Configure(_ context.Context, st *State) error {
	return c.t.Driver.Configure(st.Specs())
}

// Stop is normally a no-op: scheduling was stopped before teardown began.
func (c *driverComponent) Stop(ctx context.Context, _ *State) error {
	return c.t.Driver.Stop(ctx)
}

// healthComponent hooks the supervisor to group cycles and registers every
// monitored entry.
type healthComponent struct{ t *Topology }

func (c *healthComponent) Name() string { return c.t.Health.Name() }

func (c *healthComponent) Connect(_ context.Context, st *State) error {
	var errs []error
	for _, gs := range st.Groups {
		g, err := c.t.mustGroup(gs.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, g.OnCycle(c.t.Health.ObserveCycle))
	}
	return errors.Join(errs...)
}

func (c *healthComponent) Register(_ context.Context, st *State) error {
	var errs []error
	for _, g := range st.Groups {
		if g.Monitor != nil {
			errs = append(errs, c.t.Health.Register(g.Name, g.Monitor.Warn, g.Monitor.Fatal))
		}
		for _, ts := range g.Tasks {
			if ts.Monitor == nil {
				continue
			}
			if err := c.t.Health.Register(ts.ID, ts.Monitor.Warn, ts.Monitor.Fatal); err != nil {
				errs = append(errs, err)
				continue
			}
			errs = append(errs, c.t.Health.Watch(g.Name, ts.ID))
		}
	}
	return errors.Join(errs...)
}

func (c *healthComponent) Start(context.Context, *State) error {
	c.t.Health.Activate()
	return nil
}

// groupComponent owns one rate group from creation to release.
type groupComponent struct {
	t    *Topology
	spec GroupSpec
}

func (c *groupComponent) Name() string { return c.spec.Name }

func (c *groupComponent) Init(context.Context, *State) error {
	opts := []rate.GroupOption{
		rate.WithGroupLogger(c.t.log.With(logx.String("comp", "group"), logx.String("group", c.spec.Name))),
		rate.WithGroupSink(c.t.sink),
	}
	if c.spec.Monitor != nil {
		opts = append(opts, rate.WithPinger(c.t.Health, c.spec.Name))
	}
	g := rate.NewGroup(c.spec.Name, opts...)
	c.t.mu.Lock()
	c.t.groups[c.spec.Name] = g
	c.t.mu.Unlock()
	c.t.log.Debug("rate group created", logx.String("group", c.spec.String()))
	return nil
}

func (c *groupComponent) SetIDs(context.Context, *State) error {
	g, err := c.t.mustGroup(c.spec.Name)
	if err != nil {
		return err
	}
	g.SetBaseID(c.spec.BaseID)
	return nil
}

func (c *groupComponent) Connect(context.Context, *State) error {
	g, err := c.t.mustGroup(c.spec.Name)
	if err != nil {
		return err
	}
	return c.t.Driver.Attach(c.spec.Slot, g)
}

func (c *groupComponent) Register(_ context.Context, st *State) error {
	g, err := c.t.mustGroup(c.spec.Name)
	if err != nil {
		return err
	}
	var errs []error
	for _, ts := range c.spec.Tasks {
		task, ok := c.t.Task(ts.ID)
		if !ok {
			errs = append(errs, fmt.Errorf("task %q was not created", ts.ID))
			continue
		}
		errs = append(errs, g.AddTask(ts.ID, task))
	}
	if c.spec.Name == st.HealthGroup {
		if entries, err := sweepEntries(st); err != nil {
			errs = append(errs, err)
		} else if len(entries) > 0 {
			errs = append(errs, g.AddTask(SweeperID, c.t.Health.StridedSweeper(entries...)))
		}
	}
	return errors.Join(errs...)
}

func (c *groupComponent) Configure(context.Context, *State) error {
	g, err := c.t.mustGroup(c.spec.Name)
	if err != nil {
		return err
	}
	return g.Configure(c.spec.Contexts)
}

func (c *groupComponent) Start(context.Context, *State) error {
	g, err := c.t.mustGroup(c.spec.Name)
	if err != nil {
		return err
	}
	g.Activate()
	return nil
}

func (c *groupComponent) Stop(context.Context, *State) error {
	if g, ok := c.t.Group(c.spec.Name); ok {
		g.Deactivate()
	}
	return nil
}

func (c *groupComponent) Destroy(context.Context, *State) error {
	c.t.mu.Lock()
	delete(c.t.groups, c.spec.Name)
	c.t.mu.Unlock()
	return nil
}

// taskComponent builds a catalog task and feeds it persisted parameters.
type taskComponent struct {
	t     *Topology
	group string
	spec  TaskSpec
}

func (c *taskComponent) Name() string { return c.spec.ID }

func (c *taskComponent) Init(context.Context, *State) error {
	env := tasks.Env{
		ID:    c.spec.ID,
		Group: c.group,
		Log:   c.t.log.With(logx.String("comp", "task"), logx.String("task", c.spec.ID)),
	}
	if c.spec.Monitor != nil {
		env.Health = c.t.Health
	}
	task, err := c.t.catalog.New(c.spec.Kind, env, c.spec.Params)
	if err != nil {
		return err
	}
	c.t.mu.Lock()
	c.t.tasks[c.spec.ID] = task
	c.t.mu.Unlock()
	return nil
}

func (c *taskComponent) LoadParameters(ctx context.Context, _ *State) error {
	if c.t.params == nil {
		return nil
	}
	task, ok := c.t.Task(c.spec.ID)
	if !ok {
		return nil
	}
	tn, ok := task.(tasks.Tunable)
	if !ok {
		return nil
	}
	params, err := c.t.params.Params(ctx, c.spec.ID)
	if err != nil {
		return err
	}
	if len(params) == 0 {
		return nil
	}
	if err := tn.Tune(params); err != nil {
		return err
	}
	c.t.log.Info("persisted parameters applied", logx.String("task", c.spec.ID), logx.Int("params", len(params)))
	return nil
}

func (c *taskComponent) Destroy(context.Context, *State) error {
	c.t.mu.Lock()
	task := c.t.tasks[c.spec.ID]
	delete(c.t.tasks, c.spec.ID)
	c.t.mu.Unlock()
	if cl, ok := task.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}
