package encoder

import (
	"context"
	"fmt"
	"strings"

	"github.com/edirooss/restreamd/internal/domain/stream"
)

type detector func(ctx context.Context, p *Prober, encoders map[string]bool, encErr error) error

var detectors = map[stream.Backend]detector{
	stream.BackendNVENC: detectNVENC,
	stream.BackendQSV:   detectRenderNode("h264_qsv"),
	stream.BackendVAAPI: detectRenderNode("h264_vaapi"),
	stream.BackendCPU:   detectCPU,
}

func requireEncoder(name string, encoders map[string]bool, encErr error) error {
	if encErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, encErr)
	}
	if !encoders[name] {
		return fmt.Errorf("%w: ffmpeg has no %s encoder", ErrUnavailable, name)
	}
	return nil
}

func detectNVENC(ctx context.Context, p *Prober, encoders map[string]bool, encErr error) error {
	if err := requireEncoder("h264_nvenc", encoders, encErr); err != nil {
		return err
	}
	out, err := p.run(ctx, p.opts.NvidiaSMIPath, "-L")
	if err != nil {
		return fmt.Errorf("%w: %s -L: %v", ErrUnavailable, p.opts.NvidiaSMIPath, err)
	}
	if !strings.Contains(string(out), "GPU") {
		return fmt.Errorf("%w: no NVIDIA GPU listed", ErrUnavailable)
	}
	return nil
}

func detectRenderNode(encoder string) detector {
	return func(_ context.Context, p *Prober, encoders map[string]bool, encErr error) error {
		if err := requireEncoder(encoder, encoders, encErr); err != nil {
			return err
		}
		if err := p.opts.Stat(p.opts.RenderNode); err != nil {
			return fmt.Errorf("%w: render node: %v", ErrUnavailable, err)
		}
		return nil
	}
}

// detectCPU only fails when the encoder list was readable and lacks libx264.
// An unreadable list still leaves CPU selectable so a stream can be tried.
func detectCPU(_ context.Context, _ *Prober, encoders map[string]bool, encErr error) error {
	if encErr == nil && !encoders["libx264"] {
		return fmt.Errorf("%w: ffmpeg has no libx264 encoder", ErrUnavailable)
	}
	return nil
}
