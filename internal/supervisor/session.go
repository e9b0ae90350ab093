package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/edirooss/restreamd/internal/domain/stream"
	"github.com/edirooss/restreamd/internal/encoder"
	"github.com/edirooss/restreamd/internal/logring"
	"github.com/edirooss/restreamd/internal/pipeline"
	"github.com/edirooss/restreamd/pkg/avurl"
	"go.uber.org/zap"
)

var (
	errSuperseded      = errors.New("reconfigure superseded by a newer request")
	errCancelledByStop = errors.New("reconfigure cancelled by stop")
)

// BackendSource provides encoder probe results.
type BackendSource interface {
	Current(ctx context.Context) encoder.Result
	Reprobe(ctx context.Context) encoder.Result
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdReconfigure
)

type command struct {
	kind  cmdKind
	spec  stream.Spec
	reply chan error // buffered(1)
}

// sessionDeps is shared by every session of a Supervisor.
type sessionDeps struct {
	launcher    Launcher
	backends    BackendSource
	policy      Policy
	pipeline    pipeline.Options
	startGrace  time.Duration
	stopTimeout time.Duration
	emit        func(Event)
	reprobe     func()
	now         func() time.Time
}

// session supervises one stream. All mutable fields below the marker are
// owned by the run goroutine; other goroutines talk to it through cmds and
// read the published snapshot.
type session struct {
	id   string
	log  *zap.Logger
	deps *sessionDeps
	ring *logring.Ring

	cmds chan command
	quit chan struct{}
	done chan struct{}

	snap atomic.Pointer[snapshot]
	// removing is set by Supervisor.Remove; only stops are served after it.
	removing atomic.Bool

	// --- owned by run ---
	state         State
	spec          stream.Spec
	destinations  []string
	backend       stream.Backend
	excluded      map[stream.Backend]bool
	failures      []FailureRecord
	restartCount  int
	totalRestarts int
	startedAt     time.Time
	runningSince  time.Time
	nextRetry     time.Time
	lastExit      *ExitInfo
	lastErr       error

	attemptNo    int
	attempt      Attempt
	attemptStart time.Time
	attemptSeq   uint64
	finite       bool
	readyC       <-chan struct{}
	killed       bool

	stopWaiters []chan error
	pending     *command // start queued behind a stop

	graceT, backoffT, stableT, killT *time.Timer
}

func newSession(id string, log *zap.Logger, deps *sessionDeps, ring *logring.Ring) *session {
	s := &session{
		id:       id,
		log:      log.With(zap.String("stream_id", id)),
		deps:     deps,
		ring:     ring,
		cmds:     make(chan command),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateIdle,
		excluded: make(map[stream.Backend]bool),
	}
	s.publish()
	return s
}

// send delivers cmd and waits for the reply.
func (s *session) send(ctx context.Context, cmd command) error {
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) run() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.cmds:
			s.handle(cmd)
		case <-s.attemptDone():
			s.terminated(s.attempt.Exit())
		case <-s.readyC:
			s.onReady("engine reported progress")
		case <-timerC(s.graceT):
			s.graceT = nil
			s.onReady("start grace elapsed with engine alive")
		case <-timerC(s.backoffT):
			s.backoffT = nil
			s.onBackoffElapsed()
		case <-timerC(s.stableT):
			s.stableT = nil
			s.onStable()
		case <-timerC(s.killT):
			s.killT = nil
			s.onStopTimeout()
		case <-s.quit:
			s.shutdown()
			return
		}
		s.publish()
	}
}

func (s *session) handle(cmd command) {
	if cmd.kind != cmdStop && s.removing.Load() {
		cmd.reply <- fmt.Errorf("%w: %s is being removed", ErrStreamNotFound, s.id)
		return
	}
	switch cmd.kind {
	case cmdStart:
		if s.state.Active() {
			cmd.reply <- ErrAlreadyActive
			return
		}
		cmd.reply <- s.begin(cmd.spec)
	case cmdStop:
		s.handleStop(cmd)
	case cmdReconfigure:
		s.handleReconfigure(cmd)
	}
}

// begin starts a fresh run of spec: history is reset and the first attempt
// launched. It returns an error only if the session ends up FAILED.
func (s *session) begin(spec stream.Spec) error {
	s.spec = spec
	s.destinations = maskDestinations(spec.Destinations)
	s.failures = nil
	s.restartCount = 0
	s.excluded = make(map[stream.Backend]bool)
	s.lastErr = nil
	s.lastExit = nil
	s.nextRetry = time.Time{}
	s.runningSince = time.Time{}
	s.startedAt = s.deps.now()

	backend, err := s.pickBackend(spec.Backend)
	if err != nil {
		s.fail(err)
		return err
	}
	s.backend = backend

	// Validate before leaving IDLE so a bad spec never spawns anything.
	if _, err := pipeline.Build(s.id, spec, backend, s.deps.pipeline); err != nil {
		s.fail(err)
		return err
	}

	s.transition(StateStarting, "start requested")
	s.launch()
	if s.state == StateFailed {
		return s.lastErr
	}
	return nil
}

func (s *session) pickBackend(want stream.Backend) (stream.Backend, error) {
	res := s.deps.backends.Current(context.Background())
	b, ok := res.Pick(want, s.excluded)
	if !ok {
		return "", fmt.Errorf("%w: probe found %v", ErrBackendsExhausted, res.Available)
	}
	if want != "" && b != want {
		msg := fmt.Sprintf("requested backend %s unavailable, using %s", want, b)
		s.warn(msg)
	}
	return b, nil
}

func (s *session) launch() {
	d, err := pipeline.Build(s.id, s.spec, s.backend, s.deps.pipeline)
	if err != nil {
		s.fail(err)
		return
	}
	if err := d.Materialize(); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrFatal, err))
		return
	}

	s.attemptNo++
	s.attemptSeq = s.ring.Seq()
	s.attemptStart = s.deps.now()
	s.finite = d.Finite()
	s.ring.Append(logring.Supervisor, fmt.Sprintf("attempt %d on %s: %s", s.attemptNo, s.backend, d.String()))
	if ce := s.log.Check(zap.DebugLevel, "pipeline descriptor"); ce != nil {
		ce.Write(zap.String("dump", spew.Sdump(d.String(), d.Backend(), d.Finite())))
	}

	att, err := s.deps.launcher.Launch(context.Background(), LaunchSpec{
		StreamID: s.id,
		Attempt:  s.attemptNo,
		Argv:     d.Argv(),
		Output:   s.ring,
	})
	if err != nil {
		s.log.Warn("engine spawn failed", zap.Error(err))
		s.terminated(ProcessExit{StartErr: err})
		return
	}

	s.attempt = att
	s.readyC = att.Ready()
	s.graceT = time.NewTimer(s.deps.startGrace)
	s.emit(Event{Kind: EventAttemptStarted, Message: fmt.Sprintf("pid %d", att.PID())})
}

func (s *session) onReady(reason string) {
	s.readyC = nil
	stopTimer(&s.graceT)
	if s.state != StateStarting {
		return
	}
	s.runningSince = s.deps.now()
	s.transition(StateRunning, reason)
	if p := s.deps.policy.StabilizationPeriod; p > 0 {
		s.stableT = time.NewTimer(p)
	}
}

// onStable closes the failure window once an attempt has run long enough.
func (s *session) onStable() {
	if s.state != StateRunning {
		return
	}
	if len(s.failures) > 0 || s.restartCount > 0 {
		s.ring.Append(logring.Supervisor, fmt.Sprintf("stable for %s; restart budget reset", s.deps.policy.StabilizationPeriod))
	}
	s.failures = nil
	s.restartCount = 0
	s.excluded = make(map[stream.Backend]bool)
}

func (s *session) onBackoffElapsed() {
	if s.state != StateRestarting {
		return
	}
	s.nextRetry = time.Time{}
	s.transition(StateStarting, fmt.Sprintf("restart %d", s.restartCount))
	s.launch()
}

// terminated handles the end of the current attempt, requested or not.
func (s *session) terminated(exit ProcessExit) {
	now := s.deps.now()
	uptime := now.Sub(s.attemptStart)
	tail := s.tail()
	s.clearAttempt()

	if s.state == StateStopping {
		s.lastExit = &ExitInfo{Attempt: s.attemptNo, Code: exit.Code, Signal: exit.Signal, Cause: CauseStopped, Uptime: uptime, At: now}
		s.emitExit(CauseStopped, exit, uptime)
		if s.killed {
			s.lastErr = ErrShutdownTimeout
			s.killed = false
		}
		s.transition(StateStopped, "stopped by operator")
		s.finishStop()
		return
	}

	cls := Classify(exit, tail, s.finite)
	s.lastExit = &ExitInfo{Attempt: s.attemptNo, Code: exit.Code, Signal: exit.Signal, Cause: cls.Cause, Reason: cls.Reason, Uptime: uptime, At: now}
	s.emitExit(cls.Cause, exit, uptime)
	s.log.Info("attempt ended",
		zap.Int("attempt", s.attemptNo),
		zap.Stringer("exit", exit),
		zap.String("cause", string(cls.Cause)),
		zap.String("reason", cls.Reason),
		zap.Duration("uptime", uptime))

	if cls.Cause == CauseCompleted {
		s.transition(StateStopped, cls.Reason)
		return
	}

	s.failures = append(s.failures, FailureRecord{
		Attempt:  s.attemptNo,
		Backend:  s.backend,
		ExitCode: exit.Code,
		Signal:   exit.Signal,
		Cause:    cls.Cause,
		Reason:   cls.Reason,
		Uptime:   uptime,
		At:       now,
	})
	// Only the policy's current window counts against the budget. A failure
	// after a long enough run opens a fresh incident.
	window := s.deps.policy.CurrentWindow(s.failures, now)
	if len(window) == 1 {
		s.excluded = make(map[stream.Backend]bool)
	}
	s.failures = slices.Clone(window)
	s.restartCount = len(window) - 1

	if cls.Cause == CauseFatal {
		s.fail(cls.Err())
		return
	}
	if cls.Cause == CauseBackendUnavailable {
		s.excluded[s.backend] = true
	}
	s.lastErr = cls.Err()

	dec := s.deps.policy.Decide(s.failures, now)
	s.transition(StateRestarting, cls.Reason)
	if !dec.Retry {
		s.fail(dec.Err)
		return
	}

	if dec.SwitchBackend {
		res := s.deps.backends.Current(context.Background())
		next, ok := res.Pick("", s.excluded)
		if !ok {
			s.deps.reprobe()
			s.fail(fmt.Errorf("%w: failed on %v", ErrBackendsExhausted, s.excludedList()))
			return
		}
		s.emit(Event{Kind: EventBackendSwitched, Message: fmt.Sprintf("%s -> %s", s.backend, next)})
		s.ring.Append(logring.Supervisor, fmt.Sprintf("switching encoder backend %s -> %s", s.backend, next))
		s.backend = next
	}

	s.restartCount++
	s.totalRestarts++
	s.nextRetry = now.Add(dec.After)
	s.backoffT = time.NewTimer(dec.After)
	s.emit(Event{Kind: EventRestartScheduled, Backoff: dec.After, Message: cls.Reason})
	s.ring.Append(logring.Supervisor, fmt.Sprintf("restart %d/%d in %s", s.restartCount, s.deps.policy.MaxRestarts, dec.After))
}

func (s *session) handleStop(cmd command) {
	if s.pending != nil {
		s.pending.reply <- errCancelledByStop
		s.pending = nil
	}

	switch s.state {
	case StateIdle, StateStopped, StateFailed:
		cmd.reply <- nil
	case StateRestarting:
		stopTimer(&s.backoffT)
		s.nextRetry = time.Time{}
		s.transition(StateStopped, "stopped during restart backoff")
		cmd.reply <- nil
	case StateStopping:
		s.stopWaiters = append(s.stopWaiters, cmd.reply)
	default:
		s.stopWaiters = append(s.stopWaiters, cmd.reply)
		s.beginStop()
	}
}

func (s *session) handleReconfigure(cmd command) {
	backend := cmd.spec.Backend
	if backend == "" {
		backend = stream.BackendCPU
	}
	// A bad spec leaves the current run untouched.
	if _, err := pipeline.Build(s.id, cmd.spec, backend, s.deps.pipeline); err != nil {
		cmd.reply <- err
		return
	}

	switch s.state {
	case StateStarting, StateRunning, StateStopping:
		if s.pending != nil {
			s.pending.reply <- errSuperseded
		}
		c := cmd
		s.pending = &c
		if s.state != StateStopping {
			s.beginStop()
		}
	case StateRestarting:
		stopTimer(&s.backoffT)
		s.transition(StateStopped, "reconfigured during restart backoff")
		cmd.reply <- s.begin(cmd.spec)
	default:
		cmd.reply <- s.begin(cmd.spec)
	}
}

func (s *session) beginStop() {
	stopTimer(&s.graceT)
	stopTimer(&s.stableT)
	s.transition(StateStopping, "stop requested")
	if s.attempt == nil {
		s.transition(StateStopped, "no engine running")
		s.finishStop()
		return
	}
	if err := s.attempt.Terminate(); err != nil {
		s.log.Warn("terminate failed", zap.Error(err))
	}
	s.killT = time.NewTimer(s.deps.stopTimeout)
}

func (s *session) onStopTimeout() {
	if s.state != StateStopping || s.attempt == nil {
		return
	}
	s.killed = true
	s.warn(ErrShutdownTimeout.Error())
	if err := s.attempt.Kill(); err != nil {
		s.log.Error("kill failed", zap.Error(err))
	}
}

// finishStop answers stop waiters and runs a queued reconfigure.
func (s *session) finishStop() {
	for _, w := range s.stopWaiters {
		w <- nil
	}
	s.stopWaiters = nil

	if p := s.pending; p != nil {
		s.pending = nil
		p.reply <- s.begin(p.spec)
	}
}

func (s *session) fail(err error) {
	stopTimer(&s.backoffT)
	s.nextRetry = time.Time{}
	s.lastErr = err
	s.log.Warn("stream failed", zap.Error(err))
	s.transition(StateFailed, err.Error())
}

// shutdown runs when the session is torn down. The supervisor stops the
// session first; anything still alive here is killed.
func (s *session) shutdown() {
	stopTimer(&s.graceT)
	stopTimer(&s.backoffT)
	stopTimer(&s.stableT)
	stopTimer(&s.killT)
	if s.attempt != nil {
		_ = s.attempt.Kill()
		<-s.attempt.Done()
		s.clearAttempt()
	}
	if s.pending != nil {
		s.pending.reply <- ErrShuttingDown
		s.pending = nil
	}
	for _, w := range s.stopWaiters {
		w <- ErrShuttingDown
	}
	s.stopWaiters = nil
}

func (s *session) transition(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.ring.Append(logring.Supervisor, fmt.Sprintf("state %s -> %s: %s", from, to, reason))
	s.log.Info("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	s.publish()
	s.emit(Event{Kind: EventTransition, From: from, To: to, Message: reason})
}

func (s *session) warn(msg string) {
	s.ring.Append(logring.Supervisor, "warning: "+msg)
	s.log.Warn(msg)
	s.emit(Event{Kind: EventWarning, Message: msg})
}

func (s *session) emit(ev Event) {
	ev.StreamID = s.id
	ev.Time = s.deps.now()
	ev.Attempt = s.attemptNo
	ev.Backend = s.backend
	ev.RestartCount = s.restartCount
	s.deps.emit(ev)
}

func (s *session) emitExit(cause Cause, exit ProcessExit, uptime time.Duration) {
	msg := exit.String()
	s.emit(Event{Kind: EventAttemptExited, Cause: cause, ExitCode: exit.Code, Signal: exit.Signal, Uptime: uptime, Message: msg})
}

func (s *session) publish() {
	st := Status{
		ID:            s.id,
		State:         s.state,
		Source:        s.spec.Source,
		Destinations:  s.destinations,
		Backend:       s.backend,
		Attempt:       s.attemptNo,
		RestartCount:  s.restartCount,
		TotalRestarts: s.totalRestarts,
		StartedAt:     s.startedAt,
		RunningSince:  s.runningSince,
		NextRetryAt:   s.nextRetry,
		LastExit:      s.lastExit,
		Failures:      s.failures,
		UpdatedAt:     s.deps.now(),
	}
	if s.state != StateRunning {
		st.RunningSince = time.Time{}
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.attempt != nil {
		st.PID = s.attempt.PID()
	}
	s.snap.Store(&snapshot{status: st, attempt: s.attempt})
}

// tail returns the current attempt's engine output, newest last.
func (s *session) tail() []string {
	entries := s.ring.Since(s.attemptSeq)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Source != logring.Supervisor {
			out = append(out, e.Text)
		}
	}
	if len(out) > TailLines {
		out = out[len(out)-TailLines:]
	}
	return out
}

func (s *session) clearAttempt() {
	stopTimer(&s.graceT)
	stopTimer(&s.stableT)
	stopTimer(&s.killT)
	s.attempt = nil
	s.readyC = nil
}

func (s *session) attemptDone() <-chan struct{} {
	if s.attempt == nil {
		return nil
	}
	return s.attempt.Done()
}

func (s *session) excludedList() []stream.Backend {
	var out []stream.Backend
	for _, b := range stream.Backends {
		if s.excluded[b] {
			out = append(out, b)
		}
	}
	return out
}

func maskDestinations(dests []stream.Destination) []string {
	out := make([]string, len(dests))
	for i, d := range dests {
		out[i] = avurl.Redact(avurl.WithStreamKey(d.URL, d.StreamKey), d.StreamKey)
	}
	return out
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
