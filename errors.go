package conveyor

import "errors"

var (
	// Validation errors.
	ErrInvalidType    = errors.New("conveyor: invalid job type")
	ErrInvalidPayload = errors.New("conveyor: payload is not serializable")
	ErrInvalidDelay   = errors.New("conveyor: delay out of range")
	ErrInvalidJobID   = errors.New("conveyor: malformed job id")
	ErrNilHandler     = errors.New("conveyor: handler must not be nil")

	// Registration errors.
	ErrHandlerExists = errors.New("conveyor: handler already registered for type")

	// Store errors.
	ErrJobNotFound = errors.New("conveyor: job not found")
	ErrJobExists   = errors.New("conveyor: job already exists")

	// Operational errors.
	ErrJobActive       = errors.New("conveyor: job is active")
	ErrJobNotFailed    = errors.New("conveyor: job is not in failed status")
	ErrNotTerminal     = errors.New("conveyor: status is not terminal")
	ErrTransportClosed = errors.New("conveyor: transport closed")
)
