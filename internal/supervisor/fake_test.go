package supervisor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edirooss/restreamd/internal/domain/stream"
	"github.com/edirooss/restreamd/internal/encoder"
	"github.com/edirooss/restreamd/internal/logring"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeAttempt is an engine process driven by the test.
type fakeAttempt struct {
	spec       LaunchSpec
	ignoreTerm bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	mu   sync.Mutex
	exit ProcessExit

	terms atomic.Int32
	kills atomic.Int32
}

func newFakeAttempt(spec LaunchSpec) *fakeAttempt {
	return &fakeAttempt{spec: spec, ready: make(chan struct{}), done: make(chan struct{})}
}

func (a *fakeAttempt) PID() int               { return 1000 + a.spec.Attempt }
func (a *fakeAttempt) Ready() <-chan struct{} { return a.ready }
func (a *fakeAttempt) Done() <-chan struct{}  { return a.done }
func (a *fakeAttempt) Progress() Progress     { return Progress{} }

func (a *fakeAttempt) Exit() ProcessExit {
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exit
}

func (a *fakeAttempt) Terminate() error {
	a.terms.Add(1)
	if !a.ignoreTerm {
		a.finish(ProcessExit{Code: -1, Signal: "SIGTERM"})
	}
	return nil
}

func (a *fakeAttempt) Kill() error {
	a.kills.Add(1)
	a.finish(ProcessExit{Code: -1, Signal: "SIGKILL"})
	return nil
}

func (a *fakeAttempt) markReady() { a.readyOnce.Do(func() { close(a.ready) }) }

func (a *fakeAttempt) finish(e ProcessExit) {
	a.doneOnce.Do(func() {
		a.mu.Lock()
		a.exit = e
		a.mu.Unlock()
		close(a.done)
	})
}

// fail writes lines to the attempt's log and exits with code.
func (a *fakeAttempt) fail(code int, lines ...string) {
	for _, l := range lines {
		a.spec.Output.Append(logring.Stderr, l)
	}
	a.finish(ProcessExit{Code: code})
}

func (a *fakeAttempt) usesEncoder(name string) bool {
	return strings.Contains(strings.Join(a.spec.Argv, " "), name)
}

// fakeLauncher records launches. behave runs synchronously on the session
// goroutine for every new attempt.
type fakeLauncher struct {
	behave func(a *fakeAttempt)

	mu       sync.Mutex
	attempts []*fakeAttempt
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Attempt, error) {
	a := newFakeAttempt(spec)
	l.mu.Lock()
	l.attempts = append(l.attempts, a)
	l.mu.Unlock()
	if l.behave != nil {
		l.behave(a)
	}
	return a, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

func (l *fakeLauncher) last() *fakeAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.attempts) == 0 {
		return nil
	}
	return l.attempts[len(l.attempts)-1]
}

func (l *fakeLauncher) at(i int) *fakeAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[i]
}

type fakeBackends struct {
	res      encoder.Result
	reprobes atomic.Int32
}

func cpuOnly() *fakeBackends {
	return &fakeBackends{res: encoder.Result{Available: []stream.Backend{stream.BackendCPU}}}
}

func (f *fakeBackends) Current(context.Context) encoder.Result { return f.res }

func (f *fakeBackends) Reprobe(context.Context) encoder.Result {
	f.reprobes.Add(1)
	return f.res
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// fakeClock is a manually advanced clock for uptime-sensitive tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Policy = Policy{
		MaxRestarts:         3,
		BaseDelay:           time.Millisecond,
		MaxDelay:            time.Second,
		Multiplier:          2,
		StabilizationPeriod: time.Hour,
	}
	opts.StartGrace = time.Hour
	opts.StopTimeout = time.Second
	opts.HeartbeatInterval = 10 * time.Millisecond
	return opts
}

type harness struct {
	sup      *Supervisor
	launcher *fakeLauncher
	backends *fakeBackends
	events   *eventRecorder
	logs     *logring.Registry
}

func newHarness(t *testing.T, opts Options, backends *fakeBackends, behave func(*fakeAttempt)) *harness {
	t.Helper()
	h := &harness{
		launcher: &fakeLauncher{behave: behave},
		backends: backends,
		events:   &eventRecorder{},
		logs:     logring.NewRegistry(100),
	}
	opts.Pipeline.WorkDir = t.TempDir()
	h.sup = New(zaptest.NewLogger(t), opts, h.launcher, backends, h.logs, h.events)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.sup.Shutdown(ctx))
	})
	return h
}

func (h *harness) waitState(t *testing.T, id string, want State) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = h.sup.Status(id, 0)
		return err == nil && st.State == want
	}, 2*time.Second, time.Millisecond, "stream %s never reached %s", id, want)
	return st
}

func relaySpec() stream.Spec {
	return stream.Spec{
		Source: stream.Source{Kind: stream.SourceRelay, URL: "srt://10.0.0.5:9000?mode=caller"},
		Destinations: []stream.Destination{
			{URL: "rtmp://a.rtmp.youtube.com/live2", StreamKey: "secret-key"},
		},
	}
}

func readyImmediately(a *fakeAttempt) { a.markReady() }

// firstIgnoresTerm keeps the first attempt alive through SIGTERM so the
// STOPPING window stays open until the test finishes it.
func firstIgnoresTerm(a *fakeAttempt) {
	if a.spec.Attempt == 1 {
		a.ignoreTerm = true
	}
	a.markReady()
}

// async runs fn on its own goroutine and delivers its error.
func async(fn func() error) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	return errc
}

func recv(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("command never returned")
		return nil
	}
}
