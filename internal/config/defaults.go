package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"ratecore/internal/fault"
	"ratecore/internal/housekeeping"
)

const (
	DefaultInterval   = time.Second
	DefaultWarn       = 3
	DefaultFatal      = 5
	DefaultRetain     = 100
	DefaultStatusAddr = "127.0.0.1:9310"
	maxContexts       = 10
)

// Default returns the reference deployment: three rate groups at full, half
// and quarter rate, zeroed contexts, each group monitored at WARN=3/FATAL=5.
func Default() *Config {
	cfg := &Config{
		Logging: LoggingConfig{Level: "INFO", Console: true},
		Timer:   TimerConfig{Interval: DefaultInterval.String(), OverrunPolicy: "reject"},
		Health: HealthConfig{
			Group:    "rateGroup1",
			Defaults: MonitorConfig{Warn: DefaultWarn, Fatal: DefaultFatal},
		},
	}
	for i, div := range []uint32{1, 2, 4} {
		cfg.RateGroups = append(cfg.RateGroups, RateGroupConfig{
			Name:     fmt.Sprintf("rateGroup%d", i+1),
			Divisor:  div,
			Contexts: make([]uint32, maxContexts),
			Monitor:  &MonitorConfig{Warn: DefaultWarn, Fatal: DefaultFatal},
		})
	}
	return cfg
}

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "INFO"
	}
	if strings.TrimSpace(cfg.Timer.Interval) == "" {
		cfg.Timer.Interval = DefaultInterval.String()
	}
	if strings.TrimSpace(cfg.Timer.OverrunPolicy) == "" {
		cfg.Timer.OverrunPolicy = "reject"
	}
	if strings.TrimSpace(cfg.Health.Group) == "" && len(cfg.RateGroups) > 0 {
		cfg.Health.Group = cfg.RateGroups[0].Name
	}
	if cfg.Health.Defaults.Warn <= 0 {
		cfg.Health.Defaults.Warn = DefaultWarn
	}
	if cfg.Health.Defaults.Fatal <= 0 {
		cfg.Health.Defaults.Fatal = max(DefaultFatal, cfg.Health.Defaults.Warn)
	}
	if cfg.Storage != nil {
		if strings.TrimSpace(cfg.Storage.Driver) == "" {
			cfg.Storage.Driver = "file"
		}
		if cfg.Storage.Retain <= 0 {
			cfg.Storage.Retain = DefaultRetain
		}
	}
	if cfg.Status.Enabled && strings.TrimSpace(cfg.Status.Addr) == "" {
		cfg.Status.Addr = DefaultStatusAddr
	}
}

// Thresholds resolves a monitor block against the health defaults.
// ok is false when monitoring is disabled for the entry.
func (c *Config) Thresholds(m *MonitorConfig) (warn, fatal int, ok bool) {
	warn, fatal = c.Health.Defaults.Warn, c.Health.Defaults.Fatal
	if m == nil {
		return warn, fatal, true
	}
	if m.Disabled {
		return 0, 0, false
	}
	if m.Warn > 0 {
		warn = m.Warn
	}
	if m.Fatal > 0 {
		fatal = m.Fatal
	}
	return warn, fatal, true
}

// Validate checks every invariant the scheduler relies on and returns all
// violations joined. Each one is a configuration error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fault.Config("config", "", "config is nil")
	}
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, fault.Config("config", field, format, args...))
	}

	if d, err := ParseDurationField("timer.interval", cfg.Timer.Interval); err != nil {
		add("timer.interval", "%w", err)
	} else if d <= 0 {
		add("timer.interval", "must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Timer.OverrunPolicy)) {
	case "", "reject", "queue":
	default:
		add("timer.overrun_policy", "unknown policy %q (use reject|queue)", cfg.Timer.OverrunPolicy)
	}
	if cfg.Timer.QueueDepth < 0 {
		add("timer.queue_depth", "must be >= 0")
	}
	if err := validateMonitor(cfg, &cfg.Health.Defaults); err != nil {
		add("health.defaults", "%w", err)
	}

	if len(cfg.RateGroups) == 0 {
		add("rate_groups", "at least one rate group is required")
	}
	groups := map[string]bool{}
	ids := map[string]string{}
	for i, g := range cfg.RateGroups {
		if name := strings.TrimSpace(g.Name); name != "" && ids[name] == "" {
			ids[name] = fmt.Sprintf("rate_groups[%d]", i)
		}
	}
	for i, g := range cfg.RateGroups {
		path := fmt.Sprintf("rate_groups[%d]", i)
		name := strings.TrimSpace(g.Name)
		if name == "" {
			add(path+".name", "empty name")
		} else if groups[name] {
			add(path+".name", "duplicate rate group %q", name)
		}
		groups[name] = true
		if g.Divisor == 0 {
			add(path+".divisor", "must be >= 1")
		} else if g.Offset >= g.Divisor {
			add(path+".offset", "offset %d must be below divisor %d", g.Offset, g.Divisor)
		}
		if len(g.Contexts) > maxContexts {
			add(path+".contexts", "%d contexts exceed the maximum of %d", len(g.Contexts), maxContexts)
		}
		slots := maxContexts
		if name == strings.TrimSpace(cfg.Health.Group) {
			slots-- // the sweeper
		}
		if len(g.Tasks) > slots {
			add(path+".tasks", "%d tasks exceed the %d available slots", len(g.Tasks), slots)
		}
		if err := validateMonitor(cfg, g.Monitor); err != nil {
			add(path+".monitor", "%w", err)
		}
		for j, t := range g.Tasks {
			tpath := fmt.Sprintf("%s.tasks[%d]", path, j)
			tname := strings.TrimSpace(t.Name)
			switch {
			case tname == "":
				add(tpath+".name", "empty name")
			case ids[tname] != "":
				add(tpath+".name", "name %q already used by %s", tname, ids[tname])
			default:
				ids[tname] = tpath
			}
			if strings.TrimSpace(t.Kind) == "" {
				add(tpath+".kind", "empty kind")
			}
			if err := validateMonitor(cfg, t.Monitor); err != nil {
				add(tpath+".monitor", "%w", err)
			}
		}
	}
	if hg := strings.TrimSpace(cfg.Health.Group); hg != "" && !groups[hg] {
		add("health.group", "unknown rate group %q", hg)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite":
		default:
			add("storage.driver", "unknown driver %q (use file|sqlite)", s.Driver)
		}
		if strings.TrimSpace(s.Path) == "" {
			add("storage.path", "empty path")
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			add("storage.busy_timeout", "%w", err)
		}
	}
	if err := housekeeping.Validate(housekeeping.Config{
		Prune:    cfg.Housekeeping.Prune,
		Summary:  cfg.Housekeeping.Summary,
		Timezone: cfg.Housekeeping.Timezone,
	}); err != nil {
		add("housekeeping", "%w", err)
	}
	return errors.Join(errs...)
}

func validateMonitor(cfg *Config, m *MonitorConfig) error {
	if m != nil && (m.Warn < 0 || m.Fatal < 0) {
		return fmt.Errorf("thresholds must be >= 0")
	}
	warn, fatal, ok := cfg.Thresholds(m)
	if !ok {
		return nil
	}
	if warn < 1 || warn > fatal {
		return fmt.Errorf("need 1 <= warn <= fatal (warn=%d fatal=%d)", warn, fatal)
	}
	return nil
}
