package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
)

// Cause is the classified reason an attempt ended.
type Cause string

const (
	CauseRecoverable        Cause = "recoverable"
	CauseBackendUnavailable Cause = "backend_unavailable"
	CauseFatal              Cause = "fatal"
	// CauseCompleted is a finite playlist reaching its end.
	CauseCompleted Cause = "completed"
	// CauseStopped is an exit the operator asked for.
	CauseStopped Cause = "stopped"
)

type Classification struct {
	Cause  Cause  `json:"cause"`
	Reason string `json:"reason"`
}

// Err maps the classification onto the package's sentinel errors.
func (c Classification) Err() error {
	var base error
	switch c.Cause {
	case CauseBackendUnavailable:
		base = ErrBackendUnavailable
	case CauseFatal:
		base = ErrFatal
	case CauseRecoverable:
		base = ErrRecoverable
	default:
		return nil
	}
	if c.Reason == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, c.Reason)
}

// Output patterns, matched case-insensitively. Backend patterns win over
// fatal ones: a missing device often also prints "No such file".
var (
	backendPatterns = []string{
		"cannot load libcuda",
		"cannot load libnvidia-encode",
		"no nvenc capable devices found",
		"openencodesessionex failed",
		"cuda_error",
		"failed to initialise vaapi connection",
		"vainitialize failed",
		"no va display found",
		"failed to create a vaapi device",
		"error creating a mfx session",
		"error initializing an internal mfx session",
		"device creation failed",
		"unknown encoder 'h264_",
		"/dev/dri/",
	}
	fatalPatterns = []string{
		"no such file or directory",
		"unrecognized option",
		"option not found",
		"protocol not found",
		"permission denied",
		"error splitting the argument list",
		"unknown input format",
		"impossible to open",
		"does not contain any stream",
	}
)

// TailLines is how many trailing output lines Classify looks at.
const TailLines = 40

// Classify decides what an engine exit means. tail holds the attempt's last
// output lines; finite is true when the source is expected to end.
func Classify(exit ProcessExit, tail []string, finite bool) Classification {
	if err := exit.StartErr; err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return Classification{CauseFatal, "engine not runnable: " + err.Error()}
		}
		return Classification{CauseRecoverable, "spawn failed: " + err.Error()}
	}

	if exit.Clean() {
		if finite {
			return Classification{CauseCompleted, "playlist finished"}
		}
		return Classification{CauseRecoverable, "engine exited on an endless source"}
	}

	if line, ok := match(tail, backendPatterns); ok {
		return Classification{CauseBackendUnavailable, line}
	}
	if exit.Signal == "" {
		if line, ok := match(tail, fatalPatterns); ok {
			return Classification{CauseFatal, line}
		}
	}
	return Classification{CauseRecoverable, exit.String()}
}

// match returns the newest line containing any pattern.
func match(tail []string, patterns []string) (string, bool) {
	for i := len(tail) - 1; i >= 0; i-- {
		l := strings.ToLower(tail[i])
		for _, p := range patterns {
			if strings.Contains(l, p) {
				return strings.TrimSpace(tail[i]), true
			}
		}
	}
	return "", false
}
