package world

import "errors"

var (
	ErrDuplicateAgent = errors.New("world: agent already spawned")
	ErrUnknownAgent   = errors.New("world: unknown agent")
	ErrUnknownSensor  = errors.New("world: unknown sensor")
	ErrUnknownKind    = errors.New("world: unknown agent kind")
	ErrInvalidDt      = errors.New("world: dt must be positive")
	ErrClosed         = errors.New("world: closed")

	// ErrInjectedFailure is returned once by Step when Config.FailAfter
	// frames have been produced.
	ErrInjectedFailure = errors.New("world: injected step failure")
)
