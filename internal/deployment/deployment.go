// Package deployment is the process boundary of the scheduling core: it
// assembles topology, lifecycle and clock and exposes Setup,
// StartRateGroups, StopRateGroups and Teardown.
package deployment

import (
	"context"

	"ratecore/internal/config"
	"ratecore/internal/eventbus"
	"ratecore/internal/health"
	"ratecore/internal/lifecycle"
	"ratecore/internal/rate"
	"ratecore/internal/runtime/supervisor"
	"ratecore/internal/tasks"
	"ratecore/internal/timer"
	"ratecore/internal/topology"
	logx "ratecore/pkg/logx"
)

type Options struct {
	RunID      string
	Log        logx.Logger
	Sink       eventbus.Sink
	Catalog    *tasks.Catalog
	Params     topology.ParamSource
	Supervisor *supervisor.Supervisor
	// Clock overrides the base timer; nil uses timer.Clock.
	Clock lifecycle.TickSource
	// Watchdog is stroked by the health sweeper while nothing is FATAL.
	Watchdog func()
	// OnFatal is called for every entry that goes FATAL, before any
	// shutdown request.
	OnFatal func(health.Record)
}

type Deployment struct {
	log   logx.Logger
	state *topology.State
	topo  *topology.Topology
	ctl   *lifecycle.Controller
}

// New resolves cfg and builds the component graph. Nothing runs until Setup.
func New(cfg *config.Config, opts Options) (*Deployment, error) {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Sink == nil {
		opts.Sink = eventbus.Discard
	}
	st, err := topology.FromConfig(cfg, opts.RunID)
	if err != nil {
		return nil, err
	}

	d := &Deployment{log: opts.Log.With(logx.String("comp", "deployment")), state: st}

	hopts := []health.Option{health.WithFatalHook(func(r health.Record) {
		if opts.OnFatal != nil {
			opts.OnFatal(r)
		}
		if st.ContinueOnFatal {
			return
		}
		d.ctl.RequestShutdown(lifecycle.StopHealthFatal)
	})}
	if opts.Watchdog != nil {
		hopts = append(hopts, health.WithWatchdog(opts.Watchdog))
	}
	topo, err := topology.Build(st, topology.Deps{
		Log:     opts.Log,
		Sink:    opts.Sink,
		Catalog: opts.Catalog,
		Params:  opts.Params,
		Health:  hopts,
	})
	if err != nil {
		return nil, err
	}
	d.topo = topo

	clock := opts.Clock
	if clock == nil {
		clock = timer.New(timer.WithLogger(opts.Log.With(logx.String("comp", "clock"))))
	}
	comps := make([]lifecycle.Component, 0, len(topo.Components()))
	for _, c := range topo.Components() {
		comps = append(comps, c)
	}
	lopts := []lifecycle.Option{
		lifecycle.WithLogger(opts.Log.With(logx.String("comp", "lifecycle"))),
		lifecycle.WithSink(opts.Sink),
	}
	if opts.Supervisor != nil {
		lopts = append(lopts, lifecycle.WithSupervisor(opts.Supervisor))
	}
	d.ctl = lifecycle.New(topo.Driver, clock, comps, lopts...)
	return d, nil
}

// Setup runs every setup phase.
func (d *Deployment) Setup(ctx context.Context) error {
	d.log.Info("deployment setup",
		logx.String("run_id", d.state.RunID),
		logx.Int("rate_groups", len(d.state.Groups)),
		logx.Duration("interval", d.state.Interval),
		logx.String("overrun_policy", d.state.Policy.String()),
	)
	return d.ctl.Setup(ctx, d.state)
}

// StartRateGroups starts the base clock and blocks until the rate groups are
// stopped.
func (d *Deployment) StartRateGroups(ctx context.Context) error {
	return d.ctl.StartScheduling(ctx, d.state.Interval)
}

// StopRateGroups stops dispatching and waits for the in-flight tick. It is
// idempotent and safe from any goroutine outside a task.
func (d *Deployment) StopRateGroups() {
	d.ctl.StopScheduling()
}

// Teardown stops, frees and destroys every component in reverse order.
func (d *Deployment) Teardown(ctx context.Context) error {
	return d.ctl.Teardown(ctx, d.state)
}

// RequestShutdown stops the rate groups without waiting.
func (d *Deployment) RequestShutdown(reason lifecycle.StopReason) {
	d.ctl.RequestShutdown(reason)
}

func (d *Deployment) StopReason() lifecycle.StopReason { return d.ctl.Reason() }

func (d *Deployment) State() *topology.State { return d.state }

func (d *Deployment) Topology() *topology.Topology { return d.topo }

func (d *Deployment) Phase() lifecycle.Phase { return d.ctl.Phase() }

// Status is a point-in-time view of the running deployment.
type Status struct {
	RunID      string            `json:"run_id"`
	Phase      string            `json:"phase"`
	StopReason string            `json:"stop_reason,omitempty"`
	Interval   string            `json:"interval"`
	Driver     rate.DriverStats  `json:"driver"`
	Groups     []rate.GroupStats `json:"groups"`
	Health     []health.Record   `json:"health"`
	Healthy    bool              `json:"healthy"`
}

func (d *Deployment) Status() Status {
	return Status{
		RunID:      d.state.RunID,
		Phase:      d.ctl.Phase().String(),
		StopReason: string(d.ctl.Reason()),
		Interval:   d.state.Interval.String(),
		Driver:     d.topo.Driver.Stats(),
		Groups:     d.topo.GroupStats(d.state),
		Health:     d.topo.Health.Snapshot(),
		Healthy:    !d.topo.Health.AnyFatal(),
	}
}
