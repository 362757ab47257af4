package app

import (
	"fmt"
	"strings"
	"time"

	"ratecore/internal/config"
	"ratecore/internal/eventlog"
	"ratecore/internal/housekeeping"
	"ratecore/internal/observability/status"
	"ratecore/internal/sdnotify"
	"ratecore/internal/storage"
	logx "ratecore/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEventLogConfig(cfg *config.Config) eventlog.Config {
	return eventlog.Config{
		RatePerSec: cfg.Logging.Events.RatePerSec,
		Burst:      cfg.Logging.Events.Burst,
	}
}

// mapStorageConfig reports enabled=false when the storage section is absent
// or names the "none" driver.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStore opens the configured store. It returns (nil, nil) when storage
// is disabled.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	return storage.Open(sc, log)
}

func mapHousekeepingConfig(cfg *config.Config) housekeeping.Config {
	hc := housekeeping.Config{
		Prune:    cfg.Housekeeping.Prune,
		Summary:  cfg.Housekeeping.Summary,
		Timezone: cfg.Housekeeping.Timezone,
	}
	if cfg.Storage != nil {
		hc.Retain = cfg.Storage.Retain
	}
	return hc
}

func mapStatusConfig(cfg *config.Config) status.Config {
	return status.Config{
		Enabled:       cfg.Status.Enabled,
		Addr:          cfg.Status.Addr,
		Pprof:         cfg.Status.Pprof,
		Token:         cfg.Status.Token,
		AllowInsecure: cfg.Status.AllowInsecure,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  35 * time.Second,
		IdleTimeout:   time.Minute,
	}
}

func mapSystemdConfig(cfg *config.Config) sdnotify.Config {
	return sdnotify.Config{Notify: cfg.Systemd.Notify, Watchdog: cfg.Systemd.Watchdog}
}
