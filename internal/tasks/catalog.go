// Package tasks holds the catalog of periodic tasks a config can place in a
// rate group, addressed by kind.
package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"ratecore/internal/fault"
	"ratecore/internal/rate"
	logx "ratecore/pkg/logx"
)

// Env is what a factory gets besides its params.
type Env struct {
	ID     rate.TaskID
	Group  string
	Health rate.Pinger
	Log    logx.Logger
}

// ping acknowledges liveness for the task's own health entry, if any.
func (e Env) ping() {
	if e.Health != nil {
		e.Health.OnPing(e.ID)
	}
}

// Factory builds a task from its raw JSON params.
type Factory func(env Env, params json.RawMessage) (rate.Task, error)

// Tunable tasks accept persisted key/value parameters during the
// LoadParameters phase. Keys they do not know are ignored.
type Tunable interface {
	Tune(params map[string]string) error
}

type Catalog struct {
	mu sync.RWMutex
	m  map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{m: map[string]Factory{}}
}

// Register adds a factory. Kinds are case-insensitive.
func (c *Catalog) Register(kind string, f Factory) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || f == nil {
		return fmt.Errorf("tasks: invalid registration %q", kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[kind]; ok {
		return fmt.Errorf("tasks: kind %q already registered", kind)
	}
	c.m[kind] = f
	return nil
}

// New builds a task of the given kind. Unknown kinds and bad params are
// configuration errors.
func (c *Catalog) New(kind string, env Env, params json.RawMessage) (rate.Task, error) {
	c.mu.RLock()
	f, ok := c.m[strings.ToLower(strings.TrimSpace(kind))]
	c.mu.RUnlock()
	if !ok {
		return nil, fault.Config("tasks", env.ID, "unknown kind %q (known: %s)", kind, strings.Join(c.Kinds(), ", "))
	}
	if env.Log.IsZero() {
		env.Log = logx.Nop()
	}
	t, err := f(env, params)
	if err != nil {
		return nil, fault.Config("tasks", env.ID, "%s params: %w", kind, err)
	}
	return t, nil
}

// Kinds returns the registered kinds, sorted.
func (c *Catalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.m))
	for k := range c.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// decodeParams strictly decodes raw into dst. Empty params keep dst's defaults.
func decodeParams(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
