package encoder

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edirooss/restreamd/internal/domain/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const encodersOut = `Encoders:
 V..... = Video
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 V....D h264_qsv             H.264 / AVC (Intel Quick Sync Video acceleration) (codec h264)
 V....D h264_vaapi           H.264/AVC (VAAPI) (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
`

type fakeHost struct {
	encoders   string
	encErr     error
	smiOut     string
	smiErr     error
	renderNode bool
	calls      atomic.Int32
	block      chan struct{}
}

func (f *fakeHost) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if name == "nvidia-smi" {
		return []byte(f.smiOut), f.smiErr
	}
	return []byte(f.encoders), f.encErr
}

func (f *fakeHost) stat(string) error {
	if f.renderNode {
		return nil
	}
	return fs.ErrNotExist
}

func newTestProber(t *testing.T, h *fakeHost, pref ...stream.Backend) *Prober {
	return NewProber(zaptest.NewLogger(t), Options{
		Preference: pref,
		Run:        h.run,
		Stat:       h.stat,
		Timeout:    time.Second,
	})
}

func TestProbe_CPUOnlyHost(t *testing.T) {
	h := &fakeHost{encoders: encodersOut, smiErr: errors.New("exec: not found")}
	res := newTestProber(t, h).Current(context.Background())

	assert.Equal(t, []stream.Backend{stream.BackendCPU}, res.Available)
	assert.Contains(t, res.Errors, stream.BackendNVENC)
	assert.Contains(t, res.Errors, stream.BackendVAAPI)
	assert.Contains(t, res.Errors, stream.BackendQSV)

	b, ok := res.Pick("", nil)
	require.True(t, ok)
	assert.Equal(t, stream.BackendCPU, b)
}

func TestProbe_AllBackendsInPreferenceOrder(t *testing.T) {
	h := &fakeHost{encoders: encodersOut, smiOut: "GPU 0: Tesla T4 (UUID: GPU-x)", renderNode: true}
	res := newTestProber(t, h, stream.BackendVAAPI, stream.BackendCPU, stream.BackendNVENC).Current(context.Background())

	assert.Equal(t, []stream.Backend{stream.BackendVAAPI, stream.BackendCPU, stream.BackendNVENC}, res.Available)
	assert.Empty(t, res.Errors)
}

func TestProbe_UnreadableEncoderListKeepsCPU(t *testing.T) {
	h := &fakeHost{encErr: errors.New("ffmpeg: not found"), renderNode: true}
	res := newTestProber(t, h).Current(context.Background())
	assert.Equal(t, []stream.Backend{stream.BackendCPU}, res.Available)
}

func TestProbe_DetectorPanicExcludesOnlyThatBackend(t *testing.T) {
	orig := detectors[stream.BackendQSV]
	detectors[stream.BackendQSV] = func(context.Context, *Prober, map[string]bool, error) error { panic("boom") }
	t.Cleanup(func() { detectors[stream.BackendQSV] = orig })

	h := &fakeHost{encoders: encodersOut, smiOut: "GPU 0", renderNode: true}
	res := newTestProber(t, h).Current(context.Background())

	assert.False(t, res.Has(stream.BackendQSV))
	assert.Contains(t, res.Errors[stream.BackendQSV], "panic")
	assert.True(t, res.Has(stream.BackendNVENC))
	assert.True(t, res.Has(stream.BackendCPU))
}

func TestProbe_CachedUntilReprobe(t *testing.T) {
	h := &fakeHost{encoders: encodersOut, smiErr: errors.New("no")}
	p := newTestProber(t, h)

	p.Current(context.Background())
	n := h.calls.Load()
	p.Current(context.Background())
	assert.Equal(t, n, h.calls.Load(), "second Current must hit cache")

	h.smiErr = nil
	h.smiOut = "GPU 0: x"
	res := p.Reprobe(context.Background())
	assert.True(t, res.Has(stream.BackendNVENC))
	assert.True(t, p.Current(context.Background()).Has(stream.BackendNVENC))
}

func TestProbe_ConcurrentProbesCoalesce(t *testing.T) {
	h := &fakeHost{encoders: encodersOut, smiErr: errors.New("no"), block: make(chan struct{})}
	p := newTestProber(t, h, stream.BackendCPU)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Reprobe(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(h.block)
	wg.Wait()

	assert.LessOrEqual(t, h.calls.Load(), int32(2))
}

func TestResultPick(t *testing.T) {
	r := Result{Available: []stream.Backend{stream.BackendNVENC, stream.BackendCPU}}

	b, _ := r.Pick(stream.BackendCPU, nil)
	assert.Equal(t, stream.BackendCPU, b)

	b, _ = r.Pick(stream.BackendVAAPI, nil)
	assert.Equal(t, stream.BackendNVENC, b, "unavailable preference falls back")

	b, _ = r.Pick("", map[stream.Backend]bool{stream.BackendNVENC: true})
	assert.Equal(t, stream.BackendCPU, b)

	_, ok := r.Pick("", map[stream.Backend]bool{stream.BackendNVENC: true, stream.BackendCPU: true})
	assert.False(t, ok)
}
