package dispatch

import "errors"

// Errors raised by Dispatch, matching the taxonomy in §4.5/§7.
var (
	ErrParseError          = errors.New("dispatch: parse error")
	ErrUnknownModule       = errors.New("dispatch: unknown module")
	ErrUnknownAction       = errors.New("dispatch: unknown action")
	ErrExecutionError      = errors.New("dispatch: execution error")
	ErrGeneratorUnavailable = errors.New("dispatch: generator unavailable")
)
