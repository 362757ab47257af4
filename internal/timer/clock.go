// Package timer provides the base tick source.
package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"ratecore/internal/rate"
	logx "ratecore/pkg/logx"
)

var (
	ErrAlreadyStarted = errors.New("clock already started")
	ErrInvalidPeriod  = errors.New("clock period must be positive")
)

// Handler receives base ticks. rate.Driver implements it.
type Handler interface {
	Tick(ctx context.Context, t rate.BaseTick) error
	Missed(ctx context.Context, first, last rate.BaseTick) error
}

// Clock fires at start + k*period and calls the handler synchronously on its
// own goroutine. Firings that come due while the handler runs are reported
// through Missed in one batch instead of being dropped.
type Clock struct {
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
	next    rate.BaseTick
}

type Option func(*Clock)

func WithLogger(log logx.Logger) Option {
	return func(c *Clock) { c.log = log }
}

func New(opts ...Option) *Clock {
	c := &Clock{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c
}

// Start begins firing. It may be called once per Clock.
func (c *Clock) Start(ctx context.Context, period time.Duration, h Handler) error {
	if period <= 0 {
		return ErrInvalidPeriod
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(ctx, period, h)
	c.log.Info("base clock started", logx.Duration("period", period))
	return nil
}

// Stop ends the loop and waits for the in-flight handler call. It is
// idempotent and a no-op on a clock that never started.
func (c *Clock) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	done := c.done
	c.mu.Unlock()
	<-done
}

// Done is closed when the loop exits. Nil before Start.
func (c *Clock) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Ticks returns the number of firings that have come due so far.
func (c *Clock) Ticks() rate.BaseTick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *Clock) loop(ctx context.Context, period time.Duration, h Handler) {
	defer close(c.done)

	start := c.now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	var k rate.BaseTick
	for {
		select {
		case <-ctx.Done():
			c.log.Debug("base clock context done", logx.Err(ctx.Err()))
			return
		case <-c.stop:
			c.log.Debug("base clock stopped", logx.Uint64("ticks", uint64(k)))
			return
		case <-timer.C:
		}
		if c.stopping() {
			return
		}

		c.setNext(k + 1)
		if err := h.Tick(ctx, k); err != nil && !quiet(err) {
			c.log.Warn("tick handler failed", logx.Uint64("tick", uint64(k)), logx.Err(err))
		}

		// Firings that came due while the handler ran.
		elapsed := c.now().Sub(start)
		due := rate.BaseTick(elapsed / period)
		if due > k && !c.stopping() {
			c.setNext(due + 1)
			if err := h.Missed(ctx, k+1, due); err != nil && !quiet(err) {
				c.log.Warn("late firings", logx.Uint64("first", uint64(k+1)), logx.Uint64("last", uint64(due)), logx.Err(err))
			}
			k = due
		}
		k++

		wait := time.Duration(k)*period - c.now().Sub(start)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// quiet reports handler errors that are already published as events or
// expected during shutdown.
func quiet(err error) bool {
	return errors.Is(err, rate.ErrStopped) || errors.Is(err, rate.ErrCycleOverrun)
}

func (c *Clock) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Clock) setNext(n rate.BaseTick) {
	c.mu.Lock()
	c.next = n
	c.mu.Unlock()
}
