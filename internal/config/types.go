package config

import "encoding/json"

// Config is the deployment file. Every section except rate_groups may be
// omitted; Defaults fills the gaps.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Timer        TimerConfig        `json:"timer"`
	RateGroups   []RateGroupConfig  `json:"rate_groups"`
	Health       HealthConfig       `json:"health"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Status       StatusConfig       `json:"status"`
	Systemd      SystemdConfig      `json:"systemd"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LogFileConfig  `json:"file"`
	Events  LogEventConfig `json:"events"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LogEventConfig throttles the event log. RatePerSec <= 0 disables throttling.
type LogEventConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// TimerConfig describes the base tick source.
//
// Defaults:
//   - interval: "1s"
//   - overrun_policy: "reject"
//   - queue_depth: 4 (queue policy only)
type TimerConfig struct {
	Interval      string `json:"interval"`
	OverrunPolicy string `json:"overrun_policy,omitempty"`
	QueueDepth    int    `json:"queue_depth,omitempty"`
}

// MonitorConfig sets WARN/FATAL miss thresholds. Zero values inherit the
// health defaults.
type MonitorConfig struct {
	Warn     int  `json:"warn,omitempty"`
	Fatal    int  `json:"fatal,omitempty"`
	Disabled bool `json:"disabled,omitempty"`
}

type RateGroupConfig struct {
	Name     string         `json:"name"`
	Divisor  uint32         `json:"divisor"`
	Offset   uint32         `json:"offset,omitempty"`
	Contexts []uint32       `json:"contexts,omitempty"`
	Monitor  *MonitorConfig `json:"monitor,omitempty"`
	Tasks    []TaskConfig   `json:"tasks,omitempty"`
}

// TaskConfig places one catalog task in a group. Params are passed to the
// task factory as raw JSON.
type TaskConfig struct {
	Name    string          `json:"name"`
	Kind    string          `json:"kind"`
	Params  json.RawMessage `json:"params,omitempty"`
	Monitor *MonitorConfig  `json:"monitor,omitempty"`
}

// HealthConfig names the group that runs the rate-group sweeper and the
// default thresholds. A FATAL entry stops scheduling unless ContinueOnFatal
// is set.
type HealthConfig struct {
	Group           string        `json:"group,omitempty"`
	Defaults        MonitorConfig `json:"defaults"`
	ContinueOnFatal bool          `json:"continue_on_fatal,omitempty"`
}

// StorageConfig enables the event history and parameter store.
// Nil means disabled.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retain      int    `json:"retain,omitempty"`
}

// HousekeepingConfig holds cron specs for background jobs. Empty disables a job.
type HousekeepingConfig struct {
	Prune    string `json:"prune,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StatusConfig enables the HTTP status server. A non-loopback addr needs a
// token or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// SystemdConfig controls sd_notify. RestartOnChange stops the process when
// a section that needs a restart changes, leaving the restart to the unit.
type SystemdConfig struct {
	Notify          bool `json:"notify"`
	Watchdog        bool `json:"watchdog"`
	RestartOnChange bool `json:"restart_on_change,omitempty"`
}
