// Package lifecycle drives a deployment's components through the setup and
// teardown phases and owns the start and stop of scheduling.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ratecore/internal/eventbus"
	"ratecore/internal/fault"
	"ratecore/internal/runtime/supervisor"
	"ratecore/internal/timer"
	"ratecore/internal/topology"
	logx "ratecore/pkg/logx"
)

// Scheduler is the tick consumer. rate.Driver implements it.
type Scheduler interface {
	timer.Handler
	Stop(ctx context.Context) error
}

// TickSource is the base timer. timer.Clock implements it.
type TickSource interface {
	Start(ctx context.Context, period time.Duration, h timer.Handler) error
	Stop()
}

const defaultStepTimeout = 2 * time.Second

// Controller runs the phase state machine.
//
// Setup visits every component in each phase, in order. Teardown visits them
// in reverse order and only those that reached the mirrored setup phase.
type Controller struct {
	log         logx.Logger
	sink        eventbus.Sink
	sup         *supervisor.Supervisor
	stepTimeout time.Duration

	sched Scheduler
	clock TickSource
	comps []Component

	mu        sync.Mutex
	phase     Phase
	failed    bool
	reached   []Phase
	softErrs  []error
	started   bool
	tornDown  bool
	reason    StopReason
	stopOnce  sync.Once
	stopReq   chan struct{}
	stoppedCh chan struct{}
}

type Option func(*Controller)

func WithLogger(log logx.Logger) Option {
	return func(c *Controller) { c.log = log }
}

func WithSink(sink eventbus.Sink) Option {
	return func(c *Controller) { c.sink = sink }
}

// WithSupervisor runs asynchronous shutdown requests on sup.
func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(c *Controller) { c.sup = sup }
}

// WithStepTimeout bounds each teardown step. Zero disables the bound.
func WithStepTimeout(d time.Duration) Option {
	return func(c *Controller) { c.stepTimeout = d }
}

func New(sched Scheduler, clock TickSource, comps []Component, opts ...Option) *Controller {
	c := &Controller{
		sched:       sched,
		clock:       clock,
		comps:       append([]Component(nil), comps...),
		reached:     make([]Phase, len(comps)),
		stepTimeout: defaultStepTimeout,
		stopReq:     make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	if c.sink == nil {
		c.sink = eventbus.Discard
	}
	return c
}

// Phase returns the last phase that completed.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// SoftErrors returns the non-fatal errors collected during Setup.
func (c *Controller) SoftErrors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.softErrs...)
}

// Reason returns the recorded stop reason, or "" while running.
func (c *Controller) Reason() StopReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Setup runs Init through Start. A configuration or phase-order error stops
// it after the phase in which it occurred; any other error is logged,
// published and collected, and setup continues.
func (c *Controller) Setup(ctx context.Context, st *topology.State) error {
	c.mu.Lock()
	if c.phase != PhaseNone || c.failed {
		c.mu.Unlock()
		return fmt.Errorf("setup: already run: %w", ErrPhaseOrder)
	}
	c.mu.Unlock()

	for _, p := range SetupPhases() {
		if err := ctx.Err(); err != nil {
			c.fail()
			return fmt.Errorf("setup %s: %w", p, err)
		}
		var hard []error
		for i, comp := range c.comps {
			fn := hook(comp, p)
			c.mu.Lock()
			c.reached[i] = p
			c.mu.Unlock()
			if fn == nil {
				continue
			}
			err := c.call(ctx, st, comp, p, fn)
			if err == nil {
				continue
			}
			if p != PhaseLoadParameters && isHard(err) {
				hard = append(hard, err)
				continue
			}
			c.mu.Lock()
			c.softErrs = append(c.softErrs, err)
			c.mu.Unlock()
		}
		if len(hard) > 0 {
			c.fail()
			err := errors.Join(hard...)
			c.log.Error("setup aborted", logx.String("phase", p.String()), logx.Err(err))
			return fmt.Errorf("setup %s: %w", p, err)
		}
		c.mu.Lock()
		c.phase = p
		c.mu.Unlock()
		c.sink.Publish(eventbus.Event{Type: eventbus.TypePhase, Time: time.Now(), Data: eventbus.PhaseData{Phase: p.String()}})
		c.log.Debug("phase complete", logx.String("phase", p.String()))
	}
	c.log.Info("setup complete", logx.Int("components", len(c.comps)), logx.Int("soft_errors", len(c.SoftErrors())))
	return nil
}

func isHard(err error) bool {
	return errors.Is(err, fault.ErrConfiguration) || errors.Is(err, ErrPhaseOrder)
}

func (c *Controller) fail() {
	c.mu.Lock()
	c.failed = true
	c.mu.Unlock()
}

// call runs one phase hook with panic recovery and reports a failure.
func (c *Controller) call(ctx context.Context, st *topology.State, comp Component, p Phase, fn phaseFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err == nil {
			return
		}
		err = fmt.Errorf("%s %s: %w", comp.Name(), p, err)
		c.log.Warn("phase error", logx.String("phase", p.String()), logx.String("component", comp.Name()), logx.Err(err))
		c.sink.Publish(eventbus.Event{
			Type: eventbus.TypePhaseError,
			Time: time.Now(),
			Data: eventbus.PhaseData{Phase: p.String(), Component: comp.Name(), Err: err.Error()},
		})
	}()
	return fn(ctx, st)
}

// StartScheduling starts the base clock and blocks until scheduling is
// stopped by StopScheduling, RequestShutdown or ctx.
func (c *Controller) StartScheduling(ctx context.Context, interval time.Duration) error {
	c.mu.Lock()
	switch {
	case c.failed || c.phase != PhaseStart:
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("start scheduling in phase %s: %w", phase, ErrPhaseOrder)
	case c.started:
		c.mu.Unlock()
		return fmt.Errorf("scheduling already started: %w", ErrPhaseOrder)
	}
	c.started = true
	c.mu.Unlock()

	select {
	case <-c.stopReq:
		<-c.stoppedCh
		return nil
	default:
	}

	if err := c.clock.Start(ctx, interval, c.sched); err != nil {
		return err
	}
	c.log.Info("scheduling started", logx.Duration("interval", interval))

	select {
	case <-c.stopReq:
	case <-ctx.Done():
		c.setReason(StopContextDone)
		c.StopScheduling()
	}
	<-c.stoppedCh
	return nil
}

// StopScheduling stops the driver, waiting for the in-flight tick, then the
// clock. After it returns no further dispatch happens. Concurrent callers
// all block until the stop completes. It must not be called from inside a
// task; use RequestShutdown there.
func (c *Controller) StopScheduling() {
	c.stopOnce.Do(func() {
		close(c.stopReq)
		c.setReason(StopRequested)
		start := time.Now()
		if err := c.sched.Stop(context.Background()); err != nil {
			c.log.Warn("scheduler stop", logx.Err(err))
		}
		c.clock.Stop()
		c.log.Info("scheduling stopped", logx.String("reason", string(c.Reason())), logx.Duration("took", time.Since(start)))
		close(c.stoppedCh)
	})
	<-c.stoppedCh
}

// RequestShutdown records reason and stops scheduling without blocking the
// caller. It is safe from inside a dispatch, such as a health fatal hook.
func (c *Controller) RequestShutdown(reason StopReason) {
	if !c.setReason(reason) {
		return
	}
	c.sink.Publish(eventbus.Event{Type: eventbus.TypeShutdown, Time: time.Now(), Data: eventbus.PhaseData{Phase: PhaseStop.String(), Reason: string(reason)}})
	c.log.Info("shutdown requested", logx.String("reason", string(reason)))
	if c.sup != nil {
		c.sup.Go0("lifecycle.shutdown", func(context.Context) { c.StopScheduling() })
		return
	}
	go c.StopScheduling()
}

// setReason records the first reason. It reports whether this call set it.
func (c *Controller) setReason(r StopReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason != "" {
		return false
	}
	c.reason = r
	return true
}

// Teardown stops scheduling if needed, then runs Stop, FreeResources and
// Destroy in reverse component order. A second call is a no-op.
func (c *Controller) Teardown(ctx context.Context, st *topology.State) error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return nil
	}
	c.tornDown = true
	c.mu.Unlock()

	c.StopScheduling()

	var errs []error
	for _, p := range TeardownPhases() {
		for i := len(c.comps) - 1; i >= 0; i-- {
			comp := c.comps[i]
			c.mu.Lock()
			reached := c.reached[i]
			c.mu.Unlock()
			if reached < p.mirror() {
				continue
			}
			fn := hook(comp, p)
			if fn == nil {
				continue
			}
			if err := c.step(ctx, st, comp, p, fn); err != nil {
				errs = append(errs, err)
			}
		}
		c.mu.Lock()
		c.phase = p
		c.mu.Unlock()
	}
	c.log.Info("teardown complete", logx.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// step runs a teardown hook with an upper bound so one component cannot
// stall the whole teardown. The caller's deadline is never extended.
func (c *Controller) step(ctx context.Context, st *topology.State, comp Component, p Phase, fn phaseFunc) error {
	limit := c.stepTimeout
	stepCtx := ctx
	if limit > 0 {
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max(limit, 0))
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- c.call(stepCtx, st, comp, p, fn) }()

	select {
	case err := <-done:
		c.log.Debug("teardown step", logx.String("phase", p.String()), logx.String("component", comp.Name()), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		c.log.Warn("teardown step deadline reached (continuing)",
			logx.String("phase", p.String()),
			logx.String("component", comp.Name()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				c.log.Warn("teardown step finished after deadline", logx.String("component", comp.Name()), logx.Err(err))
			}
		}()
		return fmt.Errorf("%s %s: %w", comp.Name(), p, stepCtx.Err())
	}
}
