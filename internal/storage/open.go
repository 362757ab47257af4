package storage

import (
	"context"
	"fmt"
	"strings"

	logx "ratecore/pkg/logx"
)

// Store is the persistence API used by the event log, the parameter loader,
// housekeeping and the soak report.
type Store interface {
	AppendEvent(ctx context.Context, e EventRecord) error
	Events(ctx context.Context, q Query) ([]EventRecord, error)
	// Prune keeps the newest keep events of each RetentionClass and reports
	// how many were removed.
	Prune(ctx context.Context, keep int) (int, error)

	PutParam(ctx context.Context, component, key, value string) error
	Params(ctx context.Context, component string) (map[string]string, error)

	Close() error
}

// Open initializes the configured store. It returns (nil, nil) if storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
