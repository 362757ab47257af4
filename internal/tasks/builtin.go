package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"ratecore/internal/config"
	"ratecore/internal/rate"
)

// Builtin returns a catalog with the demonstration kinds used by soak runs:
//
//	noop     does nothing and never pings
//	counter  counts runs and pings
//	sleep    holds the group for "duration", then pings
//	flaky    pings, and faults on every "every"-th run ("panic" to panic instead)
//	stall    pings for the first "after" runs, then goes silent
func Builtin() *Catalog {
	c := NewCatalog()
	_ = c.Register("noop", newNoop)
	_ = c.Register("counter", newCounter)
	_ = c.Register("sleep", newSleep)
	_ = c.Register("flaky", newFlaky)
	_ = c.Register("stall", newStall)
	return c
}

func newNoop(Env, json.RawMessage) (rate.Task, error) {
	return rate.TaskFunc(func(context.Context, rate.ContextToken) error { return nil }), nil
}

// Counter counts its runs and the last token it saw.
type Counter struct {
	env       Env
	runs      atomic.Uint64
	lastToken atomic.Uint32
}

func newCounter(env Env, _ json.RawMessage) (rate.Task, error) {
	return &Counter{env: env}, nil
}

func (c *Counter) Invoke(_ context.Context, token rate.ContextToken) error {
	c.runs.Add(1)
	c.lastToken.Store(uint32(token))
	c.env.ping()
	return nil
}

func (c *Counter) Runs() uint64 { return c.runs.Load() }

func (c *Counter) LastToken() rate.ContextToken { return rate.ContextToken(c.lastToken.Load()) }

// Sleep simulates work that takes a fixed time.
type Sleep struct {
	env Env
	d   atomic.Int64
}

type sleepParams struct {
	Duration string `json:"duration"`
}

func newSleep(env Env, raw json.RawMessage) (rate.Task, error) {
	var p sleepParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	d, err := config.ParseDurationField("duration", p.Duration)
	if err != nil {
		return nil, err
	}
	s := &Sleep{env: env}
	s.d.Store(int64(d))
	return s, nil
}

func (s *Sleep) Invoke(ctx context.Context, _ rate.ContextToken) error {
	if d := time.Duration(s.d.Load()); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	s.env.ping()
	return nil
}

func (s *Sleep) Tune(params map[string]string) error {
	raw, ok := params["duration"]
	if !ok {
		return nil
	}
	d, err := config.ParseDurationField("duration", raw)
	if err != nil {
		return err
	}
	s.d.Store(int64(d))
	return nil
}

// ErrInjected is the fault a flaky task returns.
var ErrInjected = errors.New("injected fault")

// Flaky faults on every Nth run.
type Flaky struct {
	env    Env
	every  atomic.Int64
	panics bool
	runs   atomic.Uint64
}

type flakyParams struct {
	Every int  `json:"every"`
	Panic bool `json:"panic"`
}

func newFlaky(env Env, raw json.RawMessage) (rate.Task, error) {
	p := flakyParams{Every: 2}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Every < 1 {
		return nil, fmt.Errorf("every must be >= 1, got %d", p.Every)
	}
	f := &Flaky{env: env, panics: p.Panic}
	f.every.Store(int64(p.Every))
	return f, nil
}

func (f *Flaky) Invoke(context.Context, rate.ContextToken) error {
	n := f.runs.Add(1)
	f.env.ping()
	if n%uint64(f.every.Load()) != 0 {
		return nil
	}
	if f.panics {
		panic(fmt.Sprintf("%s: run %d", ErrInjected, n))
	}
	return fmt.Errorf("run %d: %w", n, ErrInjected)
}

func (f *Flaky) Tune(params map[string]string) error {
	raw, ok := params["every"]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fmt.Errorf("every: invalid value %q", raw)
	}
	f.every.Store(int64(n))
	return nil
}

// Stall stops acknowledging liveness after a number of runs, which drives
// its health entry through WARN to FATAL.
type Stall struct {
	env   Env
	after atomic.Uint64
	runs  atomic.Uint64
}

type stallParams struct {
	After uint64 `json:"after"`
}

func newStall(env Env, raw json.RawMessage) (rate.Task, error) {
	var p stallParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	s := &Stall{env: env}
	s.after.Store(p.After)
	return s, nil
}

func (s *Stall) Invoke(context.Context, rate.ContextToken) error {
	if s.runs.Add(1) <= s.after.Load() {
		s.env.ping()
	}
	return nil
}

func (s *Stall) Tune(params map[string]string) error {
	raw, ok := params["after"]
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("after: invalid value %q", raw)
	}
	s.after.Store(n)
	return nil
}
