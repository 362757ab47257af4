// Package topology turns a loaded config into the deployment's component
// graph: the driver, one component per rate group and per task, and the
// health supervisor, wired to each other phase by phase.
package topology

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ratecore/internal/config"
	"ratecore/internal/fault"
	"ratecore/internal/rate"
)

// SweeperID is the task id of the health sweeper placed in the health group.
const SweeperID = "healthSweeper"

// Thresholds are the WARN/FATAL miss counts of one health entry.
type Thresholds struct {
	Warn  int
	Fatal int
}

type TaskSpec struct {
	ID      rate.TaskID
	Kind    string
	Params  json.RawMessage
	Monitor *Thresholds
}

type GroupSpec struct {
	Name     string
	Slot     int
	BaseID   uint32
	Divisor  rate.DivisorSpec
	Contexts []rate.ContextToken
	Monitor  *Thresholds
	Tasks    []TaskSpec
}

// State is the immutable snapshot every phase reads. It is built once before
// Init and never changed afterwards.
type State struct {
	RunID           string
	Interval        time.Duration
	Policy          rate.OverrunPolicy
	QueueDepth      int
	HealthGroup     string
	ContinueOnFatal bool
	Groups          []GroupSpec
}

// FromConfig resolves cfg into a State. cfg is expected to have passed
// config.Validate; errors here are configuration errors.
func FromConfig(cfg *config.Config, runID string) (*State, error) {
	if cfg == nil {
		return nil, fault.Config("topology", "", "config is nil")
	}
	interval, err := config.ParseDurationOrDefault("timer.interval", cfg.Timer.Interval, config.DefaultInterval)
	if err != nil {
		return nil, fault.Config("topology", "timer.interval", "%w", err)
	}
	policy, err := rate.ParseOverrunPolicy(cfg.Timer.OverrunPolicy)
	if err != nil {
		return nil, err
	}
	st := &State{
		RunID:           runID,
		Interval:        interval,
		Policy:          policy,
		QueueDepth:      cfg.Timer.QueueDepth,
		HealthGroup:     strings.TrimSpace(cfg.Health.Group),
		ContinueOnFatal: cfg.Health.ContinueOnFatal,
	}
	for i, g := range cfg.RateGroups {
		gs := GroupSpec{
			Name:    strings.TrimSpace(g.Name),
			Slot:    i,
			BaseID:  uint32(i+1) * 0x100,
			Divisor: rate.DivisorSpec{Divisor: g.Divisor, Offset: g.Offset},
		}
		for _, c := range g.Contexts {
			gs.Contexts = append(gs.Contexts, rate.ContextToken(c))
		}
		if warn, fatal, ok := cfg.Thresholds(g.Monitor); ok {
			gs.Monitor = &Thresholds{Warn: warn, Fatal: fatal}
		}
		for _, t := range g.Tasks {
			ts := TaskSpec{ID: strings.TrimSpace(t.Name), Kind: strings.TrimSpace(t.Kind), Params: t.Params}
			// Tasks are supervised only when they ask for it; a task that
			// never pings would otherwise go FATAL.
			if t.Monitor != nil {
				if warn, fatal, ok := cfg.Thresholds(t.Monitor); ok {
					ts.Monitor = &Thresholds{Warn: warn, Fatal: fatal}
				}
			}
			gs.Tasks = append(gs.Tasks, ts)
		}
		st.Groups = append(st.Groups, gs)
	}
	if len(st.Groups) == 0 {
		return nil, fault.Config("topology", "rate_groups", "no rate groups")
	}
	return st, nil
}

// Specs returns the divider set in slot order.
func (s *State) Specs() []rate.DivisorSpec {
	out := make([]rate.DivisorSpec, len(s.Groups))
	for i, g := range s.Groups {
		out[i] = g.Divisor
	}
	return out
}

// Group returns the spec of the named group.
func (s *State) Group(name string) (GroupSpec, bool) {
	for _, g := range s.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return GroupSpec{}, false
}

// MonitoredGroups returns the names of the groups under health supervision.
func (s *State) MonitoredGroups() []string {
	var out []string
	for _, g := range s.Groups {
		if g.Monitor != nil {
			out = append(out, g.Name)
		}
	}
	return out
}

func (g GroupSpec) String() string {
	return fmt.Sprintf("%s{divisor=%d offset=%d tasks=%d}", g.Name, g.Divisor.Divisor, g.Divisor.Offset, len(g.Tasks))
}
