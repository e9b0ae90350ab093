package supervisor

import (
	"time"

	"github.com/edirooss/restreamd/internal/domain/stream"
	"github.com/edirooss/restreamd/internal/logring"
)

// ExitInfo describes how the last attempt ended.
type ExitInfo struct {
	Attempt int           `json:"attempt"`
	Code    int           `json:"code"`
	Signal  string        `json:"signal,omitempty"`
	Cause   Cause         `json:"cause"`
	Reason  string        `json:"reason,omitempty"`
	Uptime  time.Duration `json:"uptime"`
	At      time.Time     `json:"at"`
}

// Status is a point-in-time view of one session.
type Status struct {
	ID    string `json:"id"`
	State State  `json:"state"`

	Source       stream.Source  `json:"source"`
	Destinations []string       `json:"destinations"` // masked
	Backend      stream.Backend `json:"backend,omitempty"`

	Attempt       int `json:"attempt"`
	PID           int `json:"pid,omitempty"`
	RestartCount  int `json:"restart_count"`
	TotalRestarts int `json:"total_restarts"`

	StartedAt    time.Time     `json:"started_at,omitzero"`
	RunningSince time.Time     `json:"running_since,omitzero"`
	Uptime       time.Duration `json:"uptime"`
	NextRetryAt  time.Time     `json:"next_retry_at,omitzero"`

	LastExit  *ExitInfo       `json:"last_exit,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Failures  []FailureRecord `json:"failures,omitempty"`
	Progress  *Progress       `json:"progress,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`

	LogTail []logring.Entry `json:"log_tail,omitempty"`
}

// snapshot is what a session publishes for lock-free readers.
type snapshot struct {
	status  Status
	attempt Attempt
}

// view completes the published status with time-dependent fields.
func (sn *snapshot) view(now time.Time) Status {
	st := sn.status
	st.Destinations = append([]string(nil), st.Destinations...)
	st.Failures = append([]FailureRecord(nil), st.Failures...)
	if st.LastExit != nil {
		le := *st.LastExit
		st.LastExit = &le
	}
	if st.State == StateRunning && !st.RunningSince.IsZero() {
		st.Uptime = now.Sub(st.RunningSince)
	}
	if sn.attempt != nil {
		if pr := sn.attempt.Progress(); !pr.UpdatedAt.IsZero() {
			st.Progress = &pr
		}
	}
	return st
}
