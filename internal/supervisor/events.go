package supervisor

import (
	"time"

	"github.com/edirooss/restreamd/internal/domain/stream"
)

type EventKind string

const (
	EventTransition       EventKind = "transition"
	EventAttemptStarted   EventKind = "attempt_started"
	EventAttemptExited    EventKind = "attempt_exited"
	EventRestartScheduled EventKind = "restart_scheduled"
	EventBackendSwitched  EventKind = "backend_switched"
	EventWarning          EventKind = "warning"

	// EventRemoved is emitted by Supervisor.Remove after the session is gone.
	EventRemoved EventKind = "removed"
)

// Event is emitted by a session for every transition and attempt lifecycle
// step. Fields not relevant to Kind are zero.
type Event struct {
	StreamID     string         `json:"stream_id"`
	Kind         EventKind      `json:"kind"`
	Time         time.Time      `json:"time"`
	From         State          `json:"from,omitempty"`
	To           State          `json:"to,omitempty"`
	Attempt      int            `json:"attempt,omitempty"`
	Backend      stream.Backend `json:"backend,omitempty"`
	Cause        Cause          `json:"cause,omitempty"`
	ExitCode     int            `json:"exit_code,omitempty"`
	Signal       string         `json:"signal,omitempty"`
	Uptime       time.Duration  `json:"uptime,omitempty"`
	Backoff      time.Duration  `json:"backoff,omitempty"`
	RestartCount int            `json:"restart_count"`
	Message      string         `json:"message,omitempty"`
}

// EventSink receives events on the session goroutine. Implementations must
// not block.
type EventSink interface {
	OnEvent(Event)
}
