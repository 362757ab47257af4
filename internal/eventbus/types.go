package eventbus

// Event types published by the core.
const (
	TypeHealthWarning   = "health.warning"
	TypeHealthFatal     = "health.fatal"
	TypeHealthRecovered = "health.recovered"
	TypeTaskFault       = "task.fault"
	TypeCycleOverrun    = "cycle.overrun"
	TypePhase           = "lifecycle.phase"
	TypePhaseError      = "lifecycle.phase_error"
	TypeShutdown        = "lifecycle.shutdown"
)

// Severity orders event types for rendering and filtering.
type Severity int

const (
	SeverityDiagnostic Severity = iota
	SeverityActivity
	SeverityWarning
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityActivity:
		return "ACTIVITY"
	case SeverityWarning:
		return "WARNING"
	case SeverityFatal:
		return "FATAL"
	default:
		return "DIAGNOSTIC"
	}
}

// SeverityOf returns the severity of an event type.
func SeverityOf(typ string) Severity {
	switch typ {
	case TypeHealthFatal:
		return SeverityFatal
	case TypeHealthWarning, TypeTaskFault, TypeCycleOverrun, TypePhaseError:
		return SeverityWarning
	case TypeHealthRecovered, TypePhase, TypeShutdown:
		return SeverityActivity
	default:
		return SeverityDiagnostic
	}
}

// HealthData is the payload of health.* events.
type HealthData struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Misses int    `json:"misses"`
	Warn   int    `json:"warn"`
	Fatal  int    `json:"fatal"`
}

// FaultData is the payload of task.fault events.
type FaultData struct {
	Group string `json:"group"`
	Task  string `json:"task"`
	Tick  uint64 `json:"tick"`
	Err   string `json:"err"`
	Panic bool   `json:"panic,omitempty"`
}

// OverrunData is the payload of cycle.overrun events. One event covers a
// contiguous range of late ticks [Tick, Last].
type OverrunData struct {
	Tick     uint64 `json:"tick"`
	Last     uint64 `json:"last"`
	Count    uint64 `json:"count"`
	InFlight uint64 `json:"in_flight"`
	Policy   string `json:"policy"`
	Queued   uint64 `json:"queued"`
}

// PhaseData is the payload of lifecycle.* events.
type PhaseData struct {
	Phase     string `json:"phase"`
	Component string `json:"component,omitempty"`
	Err       string `json:"err,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
