package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		exit   ProcessExit
		tail   []string
		finite bool
		want   Cause
	}{
		{"finite clean exit", ProcessExit{}, nil, true, CauseCompleted},
		{"endless clean exit", ProcessExit{}, nil, false, CauseRecoverable},
		{"network drop", ProcessExit{Code: 1}, []string{"[flv @ 0x1] Failed to update header with correct duration.", "av_interleaved_write_frame(): Broken pipe"}, false, CauseRecoverable},
		{"nvenc missing", ProcessExit{Code: 1}, []string{"[h264_nvenc @ 0x5] Cannot load libcuda.so.1", "Error while opening encoder for output stream #0:0"}, false, CauseBackendUnavailable},
		{"vaapi init", ProcessExit{Code: 1}, []string{"[AVHWDeviceContext @ 0x5] Failed to initialise VAAPI connection: -1 (unknown libva error)."}, false, CauseBackendUnavailable},
		{"qsv session", ProcessExit{Code: 1}, []string{"[h264_qsv @ 0x5] Error creating a MFX session: -9."}, false, CauseBackendUnavailable},
		{"missing input", ProcessExit{Code: 1}, []string{"videos/a.mp4: No such file or directory"}, true, CauseFatal},
		{"bad option", ProcessExit{Code: 8}, []string{"Unrecognized option 'foo'.", "Error splitting the argument list: Option not found"}, false, CauseFatal},
		{"backend wins over fatal", ProcessExit{Code: 1}, []string{"Device creation failed: -2.", "/dev/dri/renderD128: No such file or directory"}, false, CauseBackendUnavailable},
		{"signal", ProcessExit{Code: -1, Signal: "SIGKILL"}, []string{"No such file or directory"}, false, CauseRecoverable},
		{"spawn enoent", ProcessExit{StartErr: fmt.Errorf("start: %w", exec.ErrNotFound)}, nil, false, CauseFatal},
		{"spawn other", ProcessExit{StartErr: errors.New("resource temporarily unavailable")}, nil, false, CauseRecoverable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.exit, tt.tail, tt.finite)
			assert.Equal(t, tt.want, got.Cause, got.Reason)
		})
	}
}

func TestClassification_Err(t *testing.T) {
	assert.ErrorIs(t, Classification{Cause: CauseFatal, Reason: "x"}.Err(), ErrFatal)
	assert.ErrorIs(t, Classification{Cause: CauseBackendUnavailable}.Err(), ErrBackendUnavailable)
	assert.ErrorIs(t, Classification{Cause: CauseRecoverable}.Err(), ErrRecoverable)
	assert.NoError(t, Classification{Cause: CauseCompleted}.Err())
}

func TestClassify_ReasonIsNewestMatchingLine(t *testing.T) {
	got := Classify(ProcessExit{Code: 1}, []string{"Cannot load libcuda.so.1", "noise", "No NVENC capable devices found"}, false)
	assert.Equal(t, "No NVENC capable devices found", got.Reason)
}
