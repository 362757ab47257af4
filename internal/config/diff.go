package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ratecore/pkg/logx"
)

// HotSections can be applied to a running deployment. Any other changed
// section only takes effect after a restart, since schedules are fixed at
// startup.
var HotSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed section names (sorted), safe
// structured attrs for logging, and whether a restart is needed to apply
// everything.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Timer, newCfg.Timer) {
		changed = append(changed, "timer")
		attrs = append(attrs,
			logx.String("timer.interval", strings.TrimSpace(newCfg.Timer.Interval)),
			logx.String("timer.overrun_policy", newCfg.Timer.OverrunPolicy),
		)
	}
	if !reflect.DeepEqual(oldCfg.RateGroups, newCfg.RateGroups) {
		changed = append(changed, "rate_groups")
		attrs = append(attrs,
			logx.Int("rate_groups.count", len(newCfg.RateGroups)),
			logx.Int("rate_groups.tasks", countTasks(newCfg)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs, logx.String("health.group", newCfg.Health.Group))
	}

	var oDriver, nDriver string
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.enabled", newCfg.Storage != nil),
			logx.Bool("storage.driver_changed", oDriver != nDriver),
			logx.String("storage.driver", nDriver),
		)
	}
	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
	}
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs, logx.Bool("status.enabled", newCfg.Status.Enabled))
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	restart := false
	for _, s := range changed {
		if !HotSections[s] {
			restart = true
			break
		}
	}
	return changed, attrs, restart
}

func countTasks(cfg *Config) int {
	n := 0
	for _, g := range cfg.RateGroups {
		n += len(g.Tasks)
	}
	return n
}
