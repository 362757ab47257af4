package lifecycle

import "errors"

// ErrPhaseOrder is returned when an operation is called out of its phase
// order, such as StartScheduling before Setup completed.
var ErrPhaseOrder = errors.New("lifecycle phase order violation")

// Phase is one step of the deployment lifecycle.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseInit
	PhaseSetIDs
	PhaseConnect
	PhaseRegister
	PhaseConfigure
	PhaseLoadParameters
	PhaseStart
	PhaseStop
	PhaseFreeResources
	PhaseDestroy
)

var phaseNames = [...]string{
	PhaseNone:           "None",
	PhaseInit:           "Init",
	PhaseSetIDs:         "SetIDs",
	PhaseConnect:        "Connect",
	PhaseRegister:       "Register",
	PhaseConfigure:      "Configure",
	PhaseLoadParameters: "LoadParameters",
	PhaseStart:          "Start",
	PhaseStop:           "Stop",
	PhaseFreeResources:  "FreeResources",
	PhaseDestroy:        "Destroy",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Unknown"
	}
	return phaseNames[p]
}

// SetupPhases lists the setup phases in execution order.
func SetupPhases() []Phase {
	return []Phase{PhaseInit, PhaseSetIDs, PhaseConnect, PhaseRegister, PhaseConfigure, PhaseLoadParameters, PhaseStart}
}

// TeardownPhases lists the teardown phases in execution order.
func TeardownPhases() []Phase {
	return []Phase{PhaseStop, PhaseFreeResources, PhaseDestroy}
}

// mirror is the setup phase a component must have reached for a teardown
// phase to apply to it.
func (p Phase) mirror() Phase {
	switch p {
	case PhaseStop:
		return PhaseStart
	case PhaseFreeResources:
		return PhaseConnect
	case PhaseDestroy:
		return PhaseInit
	default:
		return PhaseNone
	}
}
