// Package fault defines the error taxonomy shared by the scheduling core.
//
//   - Configuration errors are fatal at setup time and abort setup before Start.
//   - Task faults are recovered by the rate group that observed them.
//   - Cycle overruns are reported, never silently merged.
//
// Health warnings/fatals are supervisory events, not errors; see package health.
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrCycleOverrun  = errors.New("cycle overrun")
)

// ConfigError describes an invalid setting detected while building or
// configuring a component.
type ConfigError struct {
	Component string
	Field     string
	Err       error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Component != "" && e.Field != "":
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Field, e.Err)
	case e.Component != "":
		return fmt.Sprintf("%s: %v", e.Component, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is makes every ConfigError match ErrConfiguration.
func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

// Config builds a ConfigError. The message is formatted like fmt.Errorf, so %w works.
func Config(component, field, format string, args ...any) error {
	return &ConfigError{Component: component, Field: field, Err: fmt.Errorf(format, args...)}
}

// IsConfig reports whether err is (or wraps) a configuration error.
func IsConfig(err error) bool { return errors.Is(err, ErrConfiguration) }

// TaskFault is a task failure observed during dispatch: either a returned
// error or a recovered panic.
type TaskFault struct {
	Group string
	Task  string
	Tick  uint64
	Err   error
	Panic any
	Stack string
}

func (f *TaskFault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("task %s/%s panicked at tick %d: %v", f.Group, f.Task, f.Tick, f.Panic)
	}
	return fmt.Sprintf("task %s/%s failed at tick %d: %v", f.Group, f.Task, f.Tick, f.Err)
}

func (f *TaskFault) Unwrap() error { return f.Err }
