package timer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ratecore/internal/rate"
)

type recorder struct {
	mu     sync.Mutex
	ticks  []rate.BaseTick
	missed [][2]rate.BaseTick
	hook   func(t rate.BaseTick)
}

func (r *recorder) Tick(_ context.Context, t rate.BaseTick) error {
	r.mu.Lock()
	r.ticks = append(r.ticks, t)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(t)
	}
	return nil
}

func (r *recorder) Missed(_ context.Context, first, last rate.BaseTick) error {
	r.mu.Lock()
	r.missed = append(r.missed, [2]rate.BaseTick{first, last})
	r.mu.Unlock()
	return nil
}

// covered returns every tick seen either directly or as a missed range.
func (r *recorder) covered() []rate.BaseTick {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[rate.BaseTick]bool{}
	var max rate.BaseTick
	for _, t := range r.ticks {
		seen[t] = true
		if t > max {
			max = t
		}
	}
	for _, m := range r.missed {
		for t := m[0]; t <= m[1]; t++ {
			seen[t] = true
		}
		if m[1] > max {
			max = m[1]
		}
	}
	out := make([]rate.BaseTick, 0, len(seen))
	for t := rate.BaseTick(0); t <= max; t++ {
		if seen[t] {
			out = append(out, t)
		}
	}
	return out
}

func TestClockFiresInOrder(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	c := New()
	if err := c.Start(context.Background(), 2*time.Millisecond, rec); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	c.Stop()

	rec.mu.Lock()
	ticks := append([]rate.BaseTick(nil), rec.ticks...)
	rec.mu.Unlock()
	if len(ticks) < 2 {
		t.Fatalf("only %d ticks", len(ticks))
	}
	for i := 1; i < len(ticks); i++ {
		if ticks[i] <= ticks[i-1] {
			t.Fatalf("ticks not increasing: %v", ticks)
		}
	}
	cov := rec.covered()
	for i, tk := range cov {
		if tk != rate.BaseTick(i) {
			t.Fatalf("gap in firings: %v", cov)
		}
	}
}

func TestClockReportsLateFirings(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	rec.hook = func(tk rate.BaseTick) {
		if tk == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
	c := New()
	if err := c.Start(context.Background(), 2*time.Millisecond, rec); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	c.Stop()

	rec.mu.Lock()
	missed := append([][2]rate.BaseTick(nil), rec.missed...)
	rec.mu.Unlock()
	if len(missed) == 0 {
		t.Fatal("slow handler produced no missed report")
	}
	if missed[0][0] != 1 {
		t.Fatalf("first missed range = %v, want to start at 1", missed[0])
	}
}

func TestClockStopWaitsForHandler(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rec := &recorder{hook: func(rate.BaseTick) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}}
	c := New()
	if err := c.Start(context.Background(), time.Millisecond, rec); err != nil {
		t.Fatal(err)
	}
	<-entered

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the handler was running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	<-stopped

	rec.mu.Lock()
	n := len(rec.ticks)
	rec.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.ticks) != n || len(rec.ticks) != 1 {
		t.Fatalf("ticks after Stop: %v", rec.ticks)
	}
	c.Stop()
}

func TestClockStartOnce(t *testing.T) {
	t.Parallel()
	c := New()
	if err := c.Start(context.Background(), 0, &recorder{}); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("Start(0) = %v", err)
	}
	if err := c.Start(context.Background(), time.Hour, &recorder{}); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background(), time.Hour, &recorder{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v", err)
	}
	c.Stop()
	New().Stop()
}

func TestClockExitsOnContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	c := New()
	if err := c.Start(ctx, time.Hour, &recorder{}); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("clock did not exit after cancel")
	}
}
