package rate

import (
	"errors"

	"ratecore/internal/fault"
)

var (
	ErrCycleOverrun  = fault.ErrCycleOverrun
	ErrStopped       = errors.New("rate group driver stopped")
	ErrNotConfigured = errors.New("rate group driver not configured")
	ErrInactive      = errors.New("rate group inactive")
)
