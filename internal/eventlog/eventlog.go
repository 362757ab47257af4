// Package eventlog renders bus events: it logs them (throttled) and appends
// the ones worth keeping to the history store.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"ratecore/internal/eventbus"
	"ratecore/internal/storage"
	logx "ratecore/pkg/logx"
)

// Config controls log throttling. RatePerSec <= 0 disables it.
type Config struct {
	RatePerSec float64
	Burst      int
}

// Recorder consumes the event bus.
//
// FATAL events are never throttled. Everything else shares one limiter;
// suppressed lines are counted and reported with the next line that passes.
type Recorder struct {
	log     logx.Logger
	store   storage.Store
	runID   string
	limiter *rate.Limiter

	suppressed atomic.Uint64
	storeErrs  atomic.Uint64

	mu     sync.Mutex
	counts map[string]uint64
}

func New(cfg Config, runID string, store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{log: log, store: store, runID: runID, counts: map[string]uint64{}}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSec))
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return r
}

// Run handles events until ctx is done or ch is closed. Events still
// buffered when ctx ends are drained so a shutdown keeps its final record.
func (r *Recorder) Run(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.Handle(ctx, e)
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-ch:
					if !ok {
						return nil
					}
					r.Handle(context.Background(), e)
				default:
					return nil
				}
			}
		}
	}
}

// Handle logs and persists one event.
func (r *Recorder) Handle(ctx context.Context, e eventbus.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	sev := eventbus.SeverityOf(e.Type)
	source, msg := Describe(e)

	r.mu.Lock()
	r.counts[e.Type]++
	r.mu.Unlock()

	r.logEvent(e, sev, source, msg)

	if r.store == nil || !Persisted(e.Type) {
		return
	}
	data, _ := json.Marshal(e.Data)
	err := r.store.AppendEvent(ctx, storage.EventRecord{
		At:       e.Time,
		RunID:    r.runID,
		Type:     e.Type,
		Severity: sev.String(),
		Source:   source,
		Message:  msg,
		Data:     data,
	})
	if err != nil && r.storeErrs.Add(1) == 1 {
		r.log.Warn("event history append failed", logx.String("type", e.Type), logx.Err(err))
	}
}

func (r *Recorder) logEvent(e eventbus.Event, sev eventbus.Severity, source, msg string) {
	if sev != eventbus.SeverityFatal && r.limiter != nil && !r.limiter.Allow() {
		r.suppressed.Add(1)
		return
	}
	fields := []logx.Field{logx.String("type", e.Type), logx.String("source", source)}
	if n := r.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	switch sev {
	case eventbus.SeverityFatal:
		r.log.Error(msg, fields...)
	case eventbus.SeverityWarning:
		r.log.Warn(msg, fields...)
	case eventbus.SeverityActivity:
		r.log.Info(msg, fields...)
	default:
		r.log.Debug(msg, fields...)
	}
}

// Counts returns how many events of each type were handled.
func (r *Recorder) Counts() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Suppressed returns the number of log lines currently held back by throttling.
func (r *Recorder) Suppressed() uint64 { return r.suppressed.Load() }

// Persisted reports whether events of typ go to the history store.
func Persisted(typ string) bool {
	switch typ {
	case eventbus.TypeHealthRecovered, eventbus.TypeShutdown:
		return true
	}
	return eventbus.SeverityOf(typ) >= eventbus.SeverityWarning
}

// Describe returns the event's source and a one-line message.
func Describe(e eventbus.Event) (source, msg string) {
	switch d := e.Data.(type) {
	case eventbus.HealthData:
		return d.ID, fmt.Sprintf("%s is %s after %d missed cycles (warn=%d fatal=%d)", d.ID, d.State, d.Misses, d.Warn, d.Fatal)
	case eventbus.FaultData:
		kind := "failed"
		if d.Panic {
			kind = "panicked"
		}
		return d.Group + "/" + d.Task, fmt.Sprintf("task %s/%s %s at tick %d: %s", d.Group, d.Task, kind, d.Tick, d.Err)
	case eventbus.OverrunData:
		if d.Count <= 1 {
			action := "rejected"
			if d.Queued > 0 {
				action = "queued"
			}
			return "rateGroupDriver", fmt.Sprintf("tick %d overran tick %d (%s, policy %s)", d.Tick, d.InFlight, action, d.Policy)
		}
		return "rateGroupDriver", fmt.Sprintf("ticks %d..%d (%d) overran tick %d (%d queued, %d rejected, policy %s)",
			d.Tick, d.Last, d.Count, d.InFlight, d.Queued, d.Count-d.Queued, d.Policy)
	case eventbus.PhaseData:
		switch {
		case d.Err != "":
			return d.Component, fmt.Sprintf("%s failed in %s: %s", d.Component, d.Phase, d.Err)
		case d.Reason != "":
			return "lifecycle", fmt.Sprintf("shutdown requested: %s", d.Reason)
		default:
			return d.Component, fmt.Sprintf("phase %s complete", d.Phase)
		}
	default:
		return "", e.Type
	}
}
