package lifecycle

import (
	"context"

	"ratecore/internal/topology"
)

// Component is anything the controller drives through the phases. It opts
// into a phase by implementing the matching interface below.
type Component interface {
	Name() string
}

type Initializer interface {
	Init(ctx context.Context, st *topology.State) error
}

type IDAssigner interface {
	SetIDs(ctx context.Context, st *topology.State) error
}

type Connector interface {
	Connect(ctx context.Context, st *topology.State) error
}

type Registrar interface {
	Register(ctx context.Context, st *topology.State) error
}

type Configurer interface {
	Configure(ctx context.Context, st *topology.State) error
}

// ParameterLoader errors never abort setup; the component keeps its
// config defaults.
type ParameterLoader interface {
	LoadParameters(ctx context.Context, st *topology.State) error
}

type Starter interface {
	Start(ctx context.Context, st *topology.State) error
}

type Stopper interface {
	Stop(ctx context.Context, st *topology.State) error
}

type Releaser interface {
	FreeResources(ctx context.Context, st *topology.State) error
}

type Destroyer interface {
	Destroy(ctx context.Context, st *topology.State) error
}

type phaseFunc func(ctx context.Context, st *topology.State) error

// hook returns c's method for phase p, or nil when c does not take part.
func hook(c Component, p Phase) phaseFunc {
	switch p {
	case PhaseInit:
		if x, ok := c.(Initializer); ok {
			return x.Init
		}
	case PhaseSetIDs:
		if x, ok := c.(IDAssigner); ok {
			return x.SetIDs
		}
	case PhaseConnect:
		if x, ok := c.(Connector); ok {
			return x.Connect
		}
	case PhaseRegister:
		if x, ok := c.(Registrar); ok {
			return x.Register
		}
	case PhaseConfigure:
		if x, ok := c.(Configurer); ok {
			return x.Configure
		}
	case PhaseLoadParameters:
		if x, ok := c.(ParameterLoader); ok {
			return x.LoadParameters
		}
	case PhaseStart:
		if x, ok := c.(Starter); ok {
			return x.Start
		}
	case PhaseStop:
		if x, ok := c.(Stopper); ok {
			return x.Stop
		}
	case PhaseFreeResources:
		if x, ok := c.(Releaser); ok {
			return x.FreeResources
		}
	case PhaseDestroy:
		if x, ok := c.(Destroyer); ok {
			return x.Destroy
		}
	}
	return nil
}
