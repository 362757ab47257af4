package rate

import "ratecore/internal/fault"

// BaseTick counts timer firings. It never decreases and wraps only at max uint64.
type BaseTick uint64

// DivisorSpec selects which base ticks fire a rate group: every Divisor-th tick,
// starting at Offset.
type DivisorSpec struct {
	Divisor uint32 `json:"divisor"`
	Offset  uint32 `json:"offset"`
}

// Validate enforces Divisor >= 1 and Offset < Divisor.
func (s DivisorSpec) Validate() error {
	if s.Divisor == 0 {
		return fault.Config("", "divisor", "divisor must be >= 1")
	}
	if s.Offset >= s.Divisor {
		return fault.Config("", "offset", "offset %d must be < divisor %d", s.Offset, s.Divisor)
	}
	return nil
}

// Fires reports whether spec fires at tick t. The firing ticks are exactly
// Offset, Offset+Divisor, Offset+2*Divisor, ...
//
// Fires is pure; specs are validated at configuration time, and an invalid
// spec never fires.
func Fires(t BaseTick, spec DivisorSpec) bool {
	if spec.Divisor == 0 || spec.Offset >= spec.Divisor {
		return false
	}
	off := BaseTick(spec.Offset)
	if t < off {
		return false
	}
	return (t-off)%BaseTick(spec.Divisor) == 0
}
