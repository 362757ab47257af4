package storage

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// EventRecord is one persisted supervision event. Keep it compact and
// schema-stable: the soak report reads histories written by older runs.
type EventRecord struct {
	Seq      int64           `json:"seq"`
	At       time.Time       `json:"at"`
	RunID    string          `json:"run_id"`
	Type     string          `json:"type"`
	Severity string          `json:"severity"`
	Source   string          `json:"source,omitempty"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Query selects events. Zero fields do not filter. Results are in append
// order; Limit keeps the most recent matches.
type Query struct {
	Since time.Time
	RunID string
	Types []string
	Limit int
}

func (q Query) match(e EventRecord) bool {
	if !q.Since.IsZero() && e.At.Before(q.Since) {
		return false
	}
	if q.RunID != "" && e.RunID != q.RunID {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// RetentionClass names the pruning window an event type shares. Every
// health transition shares one window; any other type has its own, so a
// burst of one kind cannot evict the health history.
func RetentionClass(typ string) string {
	if strings.HasPrefix(typ, "health.") {
		return "health"
	}
	return typ
}
