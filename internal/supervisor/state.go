package supervisor

// State is the lifecycle state of a stream session.
//
//	IDLE -> STARTING -> RUNNING -> STOPPING -> STOPPED
//	STARTING|RUNNING -> RESTARTING -> STARTING      (recoverable exit, policy allows)
//	RESTARTING -> FAILED                           (policy denies)
//	STARTING|RUNNING -> FAILED                     (fatal exit)
//	IDLE -> FAILED                                 (configuration error)
type State string

const (
	StateIdle       State = "IDLE"
	StateStarting   State = "STARTING"
	StateRunning    State = "RUNNING"
	StateRestarting State = "RESTARTING"
	StateStopping   State = "STOPPING"
	StateStopped    State = "STOPPED"
	StateFailed     State = "FAILED"
)

// Active reports whether the session owns, or is about to own, a process.
func (s State) Active() bool {
	switch s {
	case StateStarting, StateRunning, StateRestarting, StateStopping:
		return true
	}
	return false
}

// States lists every state, in lifecycle order.
var States = []State{StateIdle, StateStarting, StateRunning, StateRestarting, StateStopping, StateStopped, StateFailed}
