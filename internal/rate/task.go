package rate

import (
	"context"
	"time"
)

// TaskID is the stable identifier of a periodic task, assigned during Register.
type TaskID = string

// ContextToken is the opaque per-task value a rate group passes on every
// invocation. Its meaning belongs to the task; the core never interprets it.
type ContextToken uint32

// Task is a periodic task collaborator.
//
// Invoke must return within a bounded fraction of the tick period; the core
// cannot enforce that. A returned error or a panic is a task fault.
type Task interface {
	Invoke(ctx context.Context, token ContextToken) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, token ContextToken) error

func (f TaskFunc) Invoke(ctx context.Context, token ContextToken) error { return f(ctx, token) }

// TaskEntry is one registered task of a group.
type TaskEntry struct {
	ID    TaskID
	Task  Task
	Token ContextToken
}

// Pinger receives liveness acknowledgements. The health supervisor implements it.
type Pinger interface {
	OnPing(id string)
}

// Dispatcher is what the driver calls for each fired slot.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, t BaseTick) error
}

// CycleReport is emitted exactly once per completed group dispatch.
type CycleReport struct {
	Group    string
	Tick     BaseTick
	Tasks    []TaskID
	Faulted  []TaskID
	Started  time.Time
	Duration time.Duration
}
