package supervisor

import (
	"context"
	"fmt"
	"time"
)

// ProcessExit is everything the supervisor learns when an engine process ends.
type ProcessExit struct {
	Code     int    `json:"code"`
	Signal   string `json:"signal,omitempty"`
	StartErr error  `json:"-"`
}

// Clean reports a zero exit status without a signal.
func (e ProcessExit) Clean() bool { return e.StartErr == nil && e.Signal == "" && e.Code == 0 }

func (e ProcessExit) String() string {
	switch {
	case e.StartErr != nil:
		return "spawn failed: " + e.StartErr.Error()
	case e.Signal != "":
		return "killed by " + e.Signal
	default:
		return fmt.Sprintf("exit status %d", e.Code)
	}
}

// Progress is the latest -progress report of a running engine.
type Progress struct {
	Frame     int64     `json:"frame"`
	FPS       float64   `json:"fps"`
	Bitrate   string    `json:"bitrate,omitempty"`
	Speed     string    `json:"speed,omitempty"`
	OutTime   string    `json:"out_time,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LineSink receives engine output one line at a time.
type LineSink interface {
	Append(source, text string)
}

type LaunchSpec struct {
	StreamID string
	Attempt  int
	Argv     []string
	Output   LineSink
}

// Attempt is one running engine process.
type Attempt interface {
	PID() int
	// Ready closes once the engine reports it is pushing media.
	Ready() <-chan struct{}
	// Done closes after the process is reaped and its output drained.
	Done() <-chan struct{}
	// Exit is valid once Done is closed.
	Exit() ProcessExit
	Progress() Progress
	// Terminate asks the process group to exit (SIGTERM).
	Terminate() error
	// Kill forces the process group down (SIGKILL).
	Kill() error
}

// Launcher spawns engine processes. Launch returns an error only when the
// process could not be started at all.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Attempt, error)
}
