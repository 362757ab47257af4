// Package app wires a deployment into a process: config file and hot
// reload, logging, event history, housekeeping, the status server and
// systemd notification around the Setup/StartRateGroups/Teardown sequence.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"ratecore/internal/config"
	"ratecore/internal/deployment"
	"ratecore/internal/eventbus"
	"ratecore/internal/eventlog"
	"ratecore/internal/health"
	"ratecore/internal/housekeeping"
	"ratecore/internal/lifecycle"
	"ratecore/internal/observability/status"
	"ratecore/internal/runtime/supervisor"
	"ratecore/internal/sdnotify"
	"ratecore/internal/storage"
	"ratecore/internal/tasks"
	logx "ratecore/pkg/logx"
)

type Options struct {
	// RunID stamps stored events; empty generates a UUID.
	RunID   string
	Catalog *tasks.Catalog
	// Signals maps SIGINT/SIGTERM to a shutdown request.
	Signals bool
}

type App struct {
	cfgm  *config.Manager
	cfg   *config.Config
	opts  Options
	runID string

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rec   *eventlog.Recorder

	notify *sdnotify.Notifier
	sup    *supervisor.Supervisor
	dep    *deployment.Deployment
	hk     *housekeeping.Service
	status *status.Service
}

// Result describes how a run ended.
type Result struct {
	RunID   string
	Reason  lifecycle.StopReason
	Healthy bool
	Err     error
}

// ExitCode maps the result to a process exit status: 0 clean, 1 setup or
// startup failure, 2 FATAL health, 3 stopped for a config change.
func (r Result) ExitCode() int {
	switch {
	case r.Reason == lifecycle.StopSetupFailed || (r.Err != nil && r.Reason == ""):
		return 1
	case r.Reason == lifecycle.StopHealthFatal || !r.Healthy:
		return 2
	case r.Reason == lifecycle.StopConfigChanged:
		return 3
	default:
		return 0
	}
}

// NewApp loads the config file and opens logging and storage. Nothing is
// scheduled until Run.
func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if opts.Catalog == nil {
		opts.Catalog = tasks.Builtin()
	}
	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("run_id", runID))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := OpenStore(cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver), logx.String("path", cfg.Storage.Path))
	}

	return &App{
		cfgm:   cfgm,
		cfg:    cfg,
		opts:   opts,
		runID:  runID,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		bus:    eventbus.New(),
		store:  store,
		rec:    eventlog.New(mapEventLogConfig(cfg), runID, store, log.With(logx.String("comp", "events"))),
		notify: sdnotify.New(mapSystemdConfig(cfg), log.With(logx.String("comp", "systemd"))),
	}, nil
}

func (a *App) RunID() string { return a.runID }

// Deployment returns the running deployment, nil before Run.
func (a *App) Deployment() *deployment.Deployment { return a.dep }

// Run sets up the deployment, schedules until a shutdown request, a FATAL
// health entry or ctx, then tears everything down.
func (a *App) Run(ctx context.Context) Result {
	res := Result{RunID: a.runID}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(false))

	// The event log outlives the run context so teardown events are kept.
	events, unsub := a.bus.Subscribe(1024)
	recCtx, stopRec := context.WithCancel(context.Background())
	a.sup.Go0("eventlog", func(context.Context) {
		defer unsub()
		_ = a.rec.Run(recCtx, events)
	})

	dep, err := deployment.New(a.cfg, deployment.Options{
		RunID:      a.runID,
		Log:        a.log.With(logx.String("comp", "deployment")),
		Sink:       a.bus,
		Catalog:    a.opts.Catalog,
		Params:     a.store,
		Supervisor: a.sup,
		Watchdog:   a.notify.Watchdog(),
		OnFatal: func(r health.Record) {
			a.notify.Status("FATAL: " + r.ID)
		},
	})
	if err != nil {
		res.Reason, res.Err = lifecycle.StopSetupFailed, err
		a.shutdown(stopRec)
		return res
	}
	a.dep = dep

	a.hk = housekeeping.New(mapHousekeepingConfig(a.cfg), a.pruner(), a.summary, a.log.With(logx.String("comp", "housekeeping")))
	a.status = status.New(mapStatusConfig(a.cfg), dep, a.log.With(logx.String("comp", "status")),
		status.WithSection("housekeeping", func() any { return a.hk.Stats() }),
		status.WithSection("events", func() any {
			return map[string]any{"counts": a.rec.Counts(), "suppressed": a.rec.Suppressed(), "bus_dropped": a.bus.Dropped()}
		}),
		status.WithSection("supervisor", func() any { return a.sup.Snapshot() }),
		status.WithSection("logging", func() any { return a.logs.Counts() }),
	)

	a.startConfigReload()
	if a.opts.Signals {
		a.watchSignals()
	}

	if err := dep.Setup(ctx); err != nil {
		res.Reason, res.Err = lifecycle.StopSetupFailed, err
		a.log.Error("setup failed", logx.Err(err))
		a.teardown()
		a.shutdown(stopRec)
		return res
	}

	if err := a.hk.Start(a.sup.Context()); err != nil {
		a.log.Warn("housekeeping not started", logx.Err(err))
	}
	a.status.Start(a.sup.Context())
	a.notify.Ready(a.runID)

	if err := dep.StartRateGroups(ctx); err != nil {
		res.Err = fmt.Errorf("start rate groups: %w", err)
		a.log.Error("rate groups failed to start", logx.Err(err))
	}
	res.Reason = dep.StopReason()
	res.Healthy = dep.Status().Healthy
	a.notify.Stopping(string(res.Reason))
	a.log.Info("stopping", logx.String("reason", string(res.Reason)), logx.Bool("healthy", res.Healthy))

	a.teardown()
	a.shutdown(stopRec)
	return res
}

func (a *App) teardown() {
	if a.dep == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.step(ctx, "status", time.Second, func(c context.Context) error {
		if a.status != nil {
			a.status.Stop(c)
		}
		return nil
	})
	a.step(ctx, "housekeeping", 2*time.Second, func(c context.Context) error {
		if a.hk != nil {
			a.hk.Stop(c)
		}
		return nil
	})
	a.step(ctx, "deployment", 5*time.Second, a.dep.Teardown)
}

// shutdown stops the supervised goroutines, drains the event log and closes
// storage and logging, in that order.
func (a *App) shutdown(stopRec context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.sup.Cancel()
	stopRec()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.log.Info("stopped")
	_ = a.logs.Close()
}

// step runs one shutdown step bounded by max; a step that overruns is
// logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) pruner() housekeeping.Pruner {
	if a.store == nil {
		return nil
	}
	return a.store
}

// summary is the periodic soak summary logged by housekeeping.
func (a *App) summary() []logx.Field {
	st := a.dep.Status()
	fields := []logx.Field{
		logx.String("phase", st.Phase),
		logx.Bool("healthy", st.Healthy),
		logx.Uint64("ticks", st.Driver.Ticks),
		logx.Uint64("overruns", st.Driver.Overruns),
		logx.Uint64("bus_dropped", a.bus.Dropped()),
	}
	logCounts := a.logs.Counts()
	fields = append(fields, logx.Uint64("log_warns", logCounts["warn"]), logx.Uint64("log_errors", logCounts["error"]))
	for _, g := range st.Groups {
		fields = append(fields,
			logx.Uint64(g.Name+".cycles", g.Cycles),
			logx.Uint64(g.Name+".faults", g.Faults),
			logx.Duration(g.Name+".max", g.MaxDuration),
		)
	}
	return fields
}

// startConfigReload follows the config file. Logging changes apply live;
// anything else needs a restart, which is requested when
// systemd.restart_on_change is set.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			var newCfg *config.Config
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				newCfg = cfg
			}
		coalesce:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break coalesce
				}
			}

			sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.logs.Apply(mapLogConfig(newCfg))
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			if !restart {
				continue
			}
			a.log.Warn("config change needs a restart to take effect", logx.String("changed", strings.Join(sections, ",")))
			if newCfg.Systemd.RestartOnChange && a.dep != nil {
				a.dep.RequestShutdown(lifecycle.StopConfigChanged)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

func (a *App) watchSignals() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	a.sup.Go0("signals", func(c context.Context) {
		defer signal.Stop(ch)
		for {
			select {
			case <-c.Done():
				return
			case sig := <-ch:
				reason := lifecycle.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = lifecycle.StopSIGTERM
				}
				a.log.Info("signal received", logx.String("signal", sig.String()))
				if a.dep != nil {
					a.dep.RequestShutdown(reason)
				}
			}
		}
	})
}
