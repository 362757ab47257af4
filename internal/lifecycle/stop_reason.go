package lifecycle

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopUnknown       StopReason = "unknown"
	StopSIGINT        StopReason = "sigint"
	StopSIGTERM       StopReason = "sigterm"
	StopHealthFatal   StopReason = "health_fatal"
	StopRequested     StopReason = "requested"
	StopContextDone   StopReason = "context_done"
	StopSetupFailed   StopReason = "setup_failed"
	StopConfigChanged StopReason = "config_changed"
)
