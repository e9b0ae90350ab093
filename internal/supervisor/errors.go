package supervisor

import "errors"

var (
	ErrInvalidID      = errors.New("invalid stream id")
	ErrStreamNotFound = errors.New("stream not found")
	ErrAlreadyActive  = errors.New("stream is already active")
	ErrShuttingDown   = errors.New("supervisor is shutting down")

	// Exit classification outcomes.
	ErrRecoverable        = errors.New("recoverable engine failure")
	ErrBackendUnavailable = errors.New("encoder backend unavailable")
	ErrFatal              = errors.New("fatal engine failure")

	// Restart policy denials.
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")
	ErrBackendsExhausted      = errors.New("no encoder backend left to try")

	// ErrShutdownTimeout is a warning: the engine ignored SIGTERM and was
	// killed. The session still ends STOPPED.
	ErrShutdownTimeout = errors.New("engine did not exit after SIGTERM; killed")
)
