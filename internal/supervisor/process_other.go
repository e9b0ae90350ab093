//go:build !linux

package supervisor

import (
	"context"
	"errors"
	"runtime"

	"go.uber.org/zap"
)

var errUnsupportedPlatform = errors.New("engine supervision requires linux process groups; running on " + runtime.GOOS)

// NewExecLauncher returns a launcher that refuses to spawn. Every attempt
// classifies as a recoverable spawn failure and ends in FAILED once the
// restart budget runs out.
func NewExecLauncher(log *zap.Logger) Launcher {
	log.Named("exec").Warn("engine launching is not supported on this platform", zap.String("goos", runtime.GOOS))
	return unsupportedLauncher{}
}

type unsupportedLauncher struct{}

func (unsupportedLauncher) Launch(context.Context, LaunchSpec) (Attempt, error) {
	return nil, errUnsupportedPlatform
}
