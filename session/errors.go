package session

import "github.com/pkg/errors"

var (
	// ErrInvalidConfig indicates Config is missing a required field (no
	// baud rate candidate configured).
	ErrInvalidConfig = errors.New("session: invalid configuration")
	// ErrRegistrationDenied indicates the network refused attach
	// (CEREG/CGREG state 3). Non-retryable at this layer.
	ErrRegistrationDenied = errors.New("session: registration denied")
	// ErrConnectionLost indicates CEREG/CGREG reported state 80.
	ErrConnectionLost = errors.New("session: connection lost")
	// ErrBaudProbeFailed indicates no candidate baud rate produced a ping
	// response across MaxBaudSweeps sweeps.
	ErrBaudProbeFailed = errors.New("session: no candidate baud rate responded")
	// ErrSIMNotReady indicates +CPIN never reported READY within the wait
	// window.
	ErrSIMNotReady = errors.New("session: SIM not ready")
)
