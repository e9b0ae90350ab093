package supervisor

import (
	"fmt"
	"math"
	"time"

	"github.com/edirooss/restreamd/internal/domain/stream"
)

// FailureRecord describes one attempt that ended without being asked to.
type FailureRecord struct {
	Attempt  int            `json:"attempt"`
	Backend  stream.Backend `json:"backend"`
	ExitCode int            `json:"exit_code"`
	Signal   string         `json:"signal,omitempty"`
	Cause    Cause          `json:"cause"`
	Reason   string         `json:"reason,omitempty"`
	Uptime   time.Duration  `json:"uptime"`
	At       time.Time      `json:"at"`
}

// Policy bounds automatic restarts. It is a pure value: Decide depends only
// on its arguments.
type Policy struct {
	// MaxRestarts is the number of restarts allowed per failure window.
	MaxRestarts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// StabilizationPeriod is how long an attempt must run before its
	// failure opens a fresh window.
	StabilizationPeriod time.Duration
	// Window additionally forgets failures older than this. Zero disables it.
	Window time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRestarts:         10,
		BaseDelay:           time.Second,
		MaxDelay:            time.Minute,
		Multiplier:          2,
		StabilizationPeriod: time.Minute,
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	After time.Duration
	// SwitchBackend asks for the next preferred backend before retrying.
	SwitchBackend bool
	// Err explains a denial.
	Err error
}

// CurrentWindow returns the trailing failures that count against the
// restart budget, oldest first.
func (p Policy) CurrentWindow(failures []FailureRecord, now time.Time) []FailureRecord {
	start := len(failures)
	for i := len(failures) - 1; i >= 0; i-- {
		f := failures[i]
		if p.Window > 0 && now.Sub(f.At) > p.Window {
			break
		}
		start = i
		if p.StabilizationPeriod > 0 && f.Uptime >= p.StabilizationPeriod {
			break
		}
	}
	return failures[start:]
}

// Decide judges the most recent failure, the last element of failures.
func (p Policy) Decide(failures []FailureRecord, now time.Time) Decision {
	if len(failures) == 0 {
		return Decision{Retry: true}
	}
	last := failures[len(failures)-1]
	if last.Cause == CauseFatal {
		return Decision{Err: fmt.Errorf("%w: %s", ErrFatal, last.Reason)}
	}

	window := p.CurrentWindow(failures, now)
	n := len(window)
	if restarts := n - 1; restarts >= p.MaxRestarts {
		return Decision{Err: fmt.Errorf("%w: %d restarts within window, last: %s", ErrRestartBudgetExhausted, restarts, last.Reason)}
	}

	return Decision{
		Retry:         true,
		After:         p.Backoff(n),
		SwitchBackend: last.Cause == CauseBackendUnavailable,
	}
}

// Backoff is the delay before the n-th restart of a window (n >= 1):
// BaseDelay * Multiplier^(n-1), capped at MaxDelay.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 1)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
