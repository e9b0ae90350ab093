package pipeline

import "github.com/edirooss/restreamd/internal/domain/stream"

// variant is the per-backend part of an invocation. Both functions are pure.
type variant struct {
	// input runs before -i (device setup).
	input func(o Options) []string
	// video selects and tunes the encoder.
	video func(o Options) []string
}

var variants = map[stream.Backend]variant{
	stream.BackendCPU: {
		video: func(o Options) []string {
			return []string{
				"-c:v", "libx264",
				"-preset", "veryfast",
				"-tune", "zerolatency",
				"-pix_fmt", "yuv420p",
			}
		},
	},
	stream.BackendNVENC: {
		video: func(o Options) []string {
			return []string{
				"-c:v", "h264_nvenc",
				"-preset", "p4",
				"-tune", "ll",
				"-rc", "cbr",
				"-pix_fmt", "yuv420p",
			}
		},
	},
	stream.BackendQSV: {
		input: func(o Options) []string {
			return []string{"-init_hw_device", "qsv=hw", "-filter_hw_device", "hw"}
		},
		video: func(o Options) []string {
			return []string{
				"-vf", "format=nv12,hwupload=extra_hw_frames=64",
				"-c:v", "h264_qsv",
				"-preset", "veryfast",
			}
		},
	},
	stream.BackendVAAPI: {
		input: func(o Options) []string {
			return []string{"-vaapi_device", o.RenderNode}
		},
		video: func(o Options) []string {
			return []string{
				"-vf", "format=nv12,hwupload",
				"-c:v", "h264_vaapi",
			}
		},
	},
}
