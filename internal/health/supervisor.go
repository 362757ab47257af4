// Package health tracks per-entry liveness and escalates missed pings
// through WARN and FATAL.
package health

import (
	"errors"
	"sync"

	"ratecore/internal/eventbus"
	"ratecore/internal/fault"
	"ratecore/internal/rate"
	logx "ratecore/pkg/logx"
)

var ErrUnknownEntry = errors.New("unknown health entry")

// State is the supervision state of one entry.
type State int

const (
	Healthy State = iota
	Warning
	Fatal
)

func (s State) String() string {
	switch s {
	case Warning:
		return "WARN"
	case Fatal:
		return "FATAL"
	default:
		return "HEALTHY"
	}
}

// Record is a snapshot of one monitored entry.
type Record struct {
	ID      string `json:"id"`
	Misses  int    `json:"misses"`
	Warn    int    `json:"warn"`
	Fatal   int    `json:"fatal"`
	State   State  `json:"-"`
	Status  string `json:"state"`
	Enabled bool   `json:"enabled"`
	Pinged  bool   `json:"pinged"`
}

// Supervisor owns the health table. Every mutation happens under mu;
// events and the fatal hook run after it is released.
type Supervisor struct {
	log     logx.Logger
	sink    eventbus.Sink
	onFatal func(Record)
	stroke  func()

	mu      sync.Mutex
	records map[string]*Record
	order   []string
	groups  map[string][]string
	active  bool
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func WithSink(sink eventbus.Sink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

// WithFatalHook sets the function called once per entry entering FATAL.
// It runs on the goroutine that observed the miss and must not block on
// the dispatch sequence.
func WithFatalHook(fn func(Record)) Option {
	return func(s *Supervisor) { s.onFatal = fn }
}

// WithWatchdog sets the function a Sweeper calls after each pass in which no
// entry is FATAL.
func WithWatchdog(fn func()) Option {
	return func(s *Supervisor) { s.stroke = fn }
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		records: map[string]*Record{},
		groups:  map[string][]string{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.sink == nil {
		s.sink = eventbus.Discard
	}
	return s
}

func (s *Supervisor) Name() string { return "health" }

// Register adds an entry. It requires 1 <= warn <= fatal and must happen
// before Activate.
func (s *Supervisor) Register(id string, warn, fatal int) error {
	if id == "" {
		return fault.Config("health", "id", "empty entry id")
	}
	if warn < 1 || fatal < 1 {
		return fault.Config("health", id, "thresholds must be positive (warn=%d fatal=%d)", warn, fatal)
	}
	if warn > fatal {
		return fault.Config("health", id, "warn threshold %d exceeds fatal threshold %d", warn, fatal)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return fault.Config("health", id, "cannot register after activation")
	}
	if _, ok := s.records[id]; ok {
		return fault.Config("health", id, "duplicate entry")
	}
	s.records[id] = &Record{ID: id, Warn: warn, Fatal: fatal, Enabled: true}
	s.order = append(s.order, id)
	return nil
}

// Watch binds entries to a rate group: every completed cycle of that group
// counts as one cadence for each of them (see ObserveCycle).
func (s *Supervisor) Watch(group string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return fault.Config("health", group, "cannot watch after activation")
	}
	for _, id := range ids {
		if _, ok := s.records[id]; !ok {
			return fault.Config("health", group, "watch of unregistered entry %q", id)
		}
		s.groups[group] = append(s.groups[group], id)
	}
	return nil
}

// Activate freezes the table.
func (s *Supervisor) Activate() {
	s.mu.Lock()
	s.active = true
	n := len(s.records)
	s.mu.Unlock()
	s.log.Debug("health supervision active", logx.Int("entries", n))
}

// OnPing acknowledges liveness for id. A WARN or FATAL entry recovers
// immediately.
func (s *Supervisor) OnPing(id string) {
	s.mu.Lock()
	r, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		s.log.Debug("ping for unknown entry", logx.String("id", id))
		return
	}
	if !r.Enabled {
		s.mu.Unlock()
		return
	}
	r.Pinged = true
	r.Misses = 0
	recovered := r.State != Healthy
	r.State = Healthy
	snap := r.snapshot()
	s.mu.Unlock()

	if recovered {
		s.log.Info("health entry recovered", logx.String("id", id))
		s.publish(eventbus.TypeHealthRecovered, snap)
	}
}

// OnCycleComplete closes one expected cadence for id. Without a ping since
// the previous cadence the miss count grows and may cross a threshold.
func (s *Supervisor) OnCycleComplete(id string) {
	s.mu.Lock()
	r, ok := s.records[id]
	if !ok || !r.Enabled {
		s.mu.Unlock()
		return
	}
	if r.Pinged {
		r.Pinged = false
		s.mu.Unlock()
		return
	}
	r.Misses++
	var typ string
	switch {
	case r.State == Fatal:
	case r.Misses >= r.Fatal:
		r.State = Fatal
		typ = eventbus.TypeHealthFatal
	case r.State == Healthy && r.Misses >= r.Warn:
		r.State = Warning
		typ = eventbus.TypeHealthWarning
	}
	snap := r.snapshot()
	s.mu.Unlock()

	switch typ {
	case eventbus.TypeHealthWarning:
		s.log.Warn("health warning", logx.String("id", id), logx.Int("misses", snap.Misses), logx.Int("warn", snap.Warn))
		s.publish(typ, snap)
	case eventbus.TypeHealthFatal:
		s.log.Error("health fatal", logx.String("id", id), logx.Int("misses", snap.Misses), logx.Int("fatal", snap.Fatal))
		s.publish(typ, snap)
		if s.onFatal != nil {
			s.onFatal(snap)
		}
	}
}

// ObserveCycle is a rate.Group cycle listener.
func (s *Supervisor) ObserveCycle(report rate.CycleReport) {
	s.mu.Lock()
	ids := s.groups[report.Group]
	s.mu.Unlock()
	for _, id := range ids {
		s.OnCycleComplete(id)
	}
}

// SetEnabled turns monitoring of id on or off. A re-enabled entry starts
// over as HEALTHY with no misses.
func (s *Supervisor) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrUnknownEntry
	}
	if r.Enabled == enabled {
		return nil
	}
	r.Enabled = enabled
	r.Misses = 0
	r.Pinged = false
	r.State = Healthy
	return nil
}

// Get returns the record for id.
func (s *Supervisor) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return r.snapshot(), true
}

// Snapshot returns every record in registration order.
func (s *Supervisor) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].snapshot())
	}
	return out
}

// AnyFatal reports whether an enabled entry is FATAL.
func (s *Supervisor) AnyFatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Enabled && r.State == Fatal {
			return true
		}
	}
	return false
}

func (s *Supervisor) publish(typ string, r Record) {
	s.sink.Publish(eventbus.Event{
		Type: typ,
		Data: eventbus.HealthData{ID: r.ID, State: r.Status, Misses: r.Misses, Warn: r.Warn, Fatal: r.Fatal},
	})
}

func (r *Record) snapshot() Record {
	c := *r
	c.Status = c.State.String()
	return c
}

