package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/eapache/queue"

	"ratecore/internal/eventbus"
	"ratecore/internal/fault"
	logx "ratecore/pkg/logx"
)

// OverrunPolicy decides what happens to a tick that arrives while the previous
// tick's dispatch sequence is still running. Either way the overrun is
// published and counted.
type OverrunPolicy int

const (
	// OverrunReject drops the late tick from dispatch and reports it.
	OverrunReject OverrunPolicy = iota
	// OverrunQueue defers the late tick until the in-flight sequence ends,
	// bounded by the queue depth.
	OverrunQueue
)

func (p OverrunPolicy) String() string {
	if p == OverrunQueue {
		return "queue"
	}
	return "reject"
}

// ParseOverrunPolicy accepts "reject" (default for "") and "queue".
func ParseOverrunPolicy(s string) (OverrunPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return OverrunReject, nil
	case "queue":
		return OverrunQueue, nil
	default:
		return OverrunReject, fault.Config("driver", "overrun_policy", "unknown overrun policy %q (use reject|queue)", s)
	}
}

const defaultQueueDepth = 4

// DriverStats is a point-in-time view of the driver's counters.
type DriverStats struct {
	Policy    string   `json:"policy"`
	Ticks     uint64   `json:"ticks"`
	LastTick  BaseTick `json:"last_tick"`
	Overruns  uint64   `json:"overruns"`
	Queued    uint64   `json:"queued"`
	Rejected  uint64   `json:"rejected"`
	Discarded uint64   `json:"discarded"`
	Fired     []uint64 `json:"fired"`
}

// Driver fans base ticks out to rate groups.
//
// Exactly one caller runs a dispatch sequence at a time; an overlapping Tick
// is an overrun and is handled by the configured OverrunPolicy.
type Driver struct {
	log    logx.Logger
	sink   eventbus.Sink
	policy OverrunPolicy
	depth  int

	mu         sync.Mutex
	specs      []DivisorSpec
	slots      []Dispatcher
	configured bool
	stopped    bool
	busy       bool
	idle       chan struct{} // closed when the in-flight sequence ends
	inFlight   BaseTick
	pending    *queue.Queue
	stats      DriverStats
}

type DriverOption func(*Driver)

func WithDriverLogger(log logx.Logger) DriverOption {
	return func(d *Driver) { d.log = log }
}

func WithDriverSink(sink eventbus.Sink) DriverOption {
	return func(d *Driver) { d.sink = sink }
}

// WithOverrunPolicy sets the overrun policy; depth bounds the queue for OverrunQueue.
func WithOverrunPolicy(p OverrunPolicy, depth int) DriverOption {
	return func(d *Driver) {
		d.policy = p
		if depth > 0 {
			d.depth = depth
		}
	}
}

func NewDriver(opts ...DriverOption) *Driver {
	d := &Driver{depth: defaultQueueDepth, pending: queue.New()}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	if d.sink == nil {
		d.sink = eventbus.Discard
	}
	return d
}

func (d *Driver) Name() string { return "rateGroupDriver" }

// Attach connects a dispatcher to a divider slot. Slots may be attached before
// the divider set is configured; Configure checks every attached slot has a spec.
func (d *Driver) Attach(slot int, g Dispatcher) error {
	if slot < 0 {
		return fault.Config("driver", "slot", "negative slot %d", slot)
	}
	if g == nil {
		return fault.Config("driver", "slot", "nil dispatcher for slot %d", slot)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy || d.stats.Ticks > 0 {
		return fault.Config("driver", "slot", "cannot attach slot %d after scheduling started", slot)
	}
	for len(d.slots) <= slot {
		d.slots = append(d.slots, nil)
	}
	if d.slots[slot] != nil {
		return fault.Config("driver", "slot", "slot %d already attached to %s", slot, d.slots[slot].Name())
	}
	d.slots[slot] = g
	return nil
}

// Configure installs the ordered divider set. It may be called once.
func (d *Driver) Configure(specs []DivisorSpec) error {
	if len(specs) == 0 {
		return fault.Config("driver", "divisors", "at least one divisor is required")
	}
	var errs []error
	for i, s := range specs {
		if err := s.Validate(); err != nil {
			errs = append(errs, fault.Config("driver", fmt.Sprintf("divisors[%d]", i), "%w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.configured {
		return fault.Config("driver", "divisors", "divider set already configured")
	}
	for i, g := range d.slots {
		if g != nil && i >= len(specs) {
			return fault.Config("driver", "divisors", "slot %d (%s) has no divisor", i, g.Name())
		}
	}
	d.specs = append([]DivisorSpec(nil), specs...)
	d.stats.Fired = make([]uint64, len(specs))
	d.stats.Policy = d.policy.String()
	d.configured = true
	return nil
}

// Specs returns the configured divider set.
func (d *Driver) Specs() []DivisorSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DivisorSpec(nil), d.specs...)
}

// Tick evaluates every divider for t and dispatches the fired groups in
// configured order before returning.
//
// A Tick that overlaps a running sequence returns ErrCycleOverrun under
// OverrunReject, or nil once queued under OverrunQueue.
// Tick must not be called from inside a task; that is always an overrun.
func (d *Driver) Tick(ctx context.Context, t BaseTick) error {
	d.mu.Lock()
	if !d.configured {
		d.mu.Unlock()
		return ErrNotConfigured
	}
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	if d.busy {
		return d.overrunLocked(t, t)
	}
	d.begin(t)
	d.mu.Unlock()

	return d.run(ctx, t)
}

// Missed reports firings in [first, last] that came due while the previous
// dispatch was in flight. Each one counts as an overrun and the range is
// published as a single event. Under OverrunQueue up to the queue depth of
// them are dispatched now in order, the rest are rejected.
func (d *Driver) Missed(ctx context.Context, first, last BaseTick) error {
	if last < first {
		return nil
	}
	d.mu.Lock()
	if !d.configured {
		d.mu.Unlock()
		return ErrNotConfigured
	}
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	if d.busy {
		// Someone else is dispatching; every firing overlaps it.
		return d.overrunLocked(first, last)
	}
	ev := eventbus.OverrunData{Tick: uint64(first), Last: uint64(last), InFlight: uint64(d.stats.LastTick), Policy: d.policy.String()}
	queued := make([]BaseTick, 0, d.depth)
	for t := first; ; t++ {
		ev.Count++
		d.stats.Overruns++
		if d.policy == OverrunQueue && len(queued) < d.depth {
			queued = append(queued, t)
			d.stats.Queued++
		} else {
			d.stats.Rejected++
		}
		if t == last {
			break
		}
	}
	ev.Queued = uint64(len(queued))
	if len(queued) == 0 {
		d.mu.Unlock()
		d.publishOverrun(ev)
		return ErrCycleOverrun
	}
	d.begin(queued[0])
	for _, t := range queued[1:] {
		d.pending.Add(t)
	}
	d.mu.Unlock()

	d.publishOverrun(ev)
	if err := d.run(ctx, queued[0]); err != nil {
		return err
	}
	if ev.Queued < ev.Count {
		return ErrCycleOverrun
	}
	return nil
}

// begin marks a sequence in flight. Caller holds mu.
func (d *Driver) begin(t BaseTick) {
	d.busy = true
	d.idle = make(chan struct{})
	d.inFlight = t
}

// run dispatches t and then drains queued ticks. The busy flag is released
// even if a dispatcher panics.
func (d *Driver) run(ctx context.Context, t BaseTick) error {
	released := false
	defer func() {
		if !released {
			d.mu.Lock()
			d.endLocked()
			d.mu.Unlock()
		}
	}()

	for {
		d.dispatch(ctx, t)

		d.mu.Lock()
		if d.stopped || d.pending.Length() == 0 {
			d.endLocked()
			released = true
			d.mu.Unlock()
			return nil
		}
		t = d.pending.Remove().(BaseTick)
		d.inFlight = t
		d.mu.Unlock()
	}
}

// endLocked clears the in-flight state and discards whatever is still queued.
func (d *Driver) endLocked() {
	if n := d.pending.Length(); n > 0 {
		d.stats.Discarded += uint64(n)
		d.pending = queue.New()
	}
	d.busy = false
	if d.idle != nil {
		close(d.idle)
		d.idle = nil
	}
}

func (d *Driver) dispatch(ctx context.Context, t BaseTick) {
	d.mu.Lock()
	d.stats.Ticks++
	d.stats.LastTick = t
	specs := d.specs
	slots := d.slots
	d.mu.Unlock()

	for i, spec := range specs {
		if !Fires(t, spec) {
			continue
		}
		d.mu.Lock()
		d.stats.Fired[i]++
		d.mu.Unlock()
		if i >= len(slots) || slots[i] == nil {
			continue
		}
		if err := slots[i].Dispatch(ctx, t); err != nil {
			if errors.Is(err, ErrInactive) {
				d.log.Debug("rate group inactive; skipped", logx.String("group", slots[i].Name()), logx.Uint64("tick", uint64(t)))
				continue
			}
			d.log.Warn("rate group dispatch failed", logx.String("group", slots[i].Name()), logx.Uint64("tick", uint64(t)), logx.Err(err))
		}
	}
}

// overrunLocked handles ticks [first, last] that overlap the running
// sequence and reports them as one event. It releases mu.
func (d *Driver) overrunLocked(first, last BaseTick) error {
	ev := eventbus.OverrunData{Tick: uint64(first), Last: uint64(last), InFlight: uint64(d.inFlight), Policy: d.policy.String()}
	for t := first; ; t++ {
		ev.Count++
		d.stats.Overruns++
		if d.policy == OverrunQueue && d.pending.Length() < d.depth {
			d.pending.Add(t)
			d.stats.Queued++
			ev.Queued++
		} else {
			d.stats.Rejected++
		}
		if t == last {
			break
		}
	}
	d.mu.Unlock()

	d.publishOverrun(ev)
	if ev.Queued < ev.Count {
		return ErrCycleOverrun
	}
	return nil
}

func (d *Driver) publishOverrun(ev eventbus.OverrunData) {
	d.sink.Publish(eventbus.Event{Type: eventbus.TypeCycleOverrun, Data: ev})
}

// Stop prevents any further dispatch and waits for the in-flight sequence to
// finish. Queued ticks are discarded. It is idempotent and safe to call from
// any goroutine except a task running inside the sequence it waits for.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	first := !d.stopped
	d.stopped = true
	idle := d.idle
	d.mu.Unlock()

	if first {
		d.log.Debug("rate group driver stopping")
	}
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped reports whether Stop has been called.
func (d *Driver) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Stats returns a snapshot of the driver's counters.
func (d *Driver) Stats() DriverStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.stats
	st.Fired = append([]uint64(nil), d.stats.Fired...)
	return st
}
