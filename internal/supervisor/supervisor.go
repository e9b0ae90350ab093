// Package supervisor keeps engine processes alive. Each stream gets a
// session goroutine that owns its state machine; the Supervisor is the
// registry of sessions and the entry point for control commands.
package supervisor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edirooss/restreamd/internal/domain/stream"
	"github.com/edirooss/restreamd/internal/logring"
	"github.com/edirooss/restreamd/internal/pipeline"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Policy   Policy
	Pipeline pipeline.Options

	// StartGrace is how long an attempt may run without reporting progress
	// before it is considered live anyway.
	StartGrace time.Duration
	// StopTimeout bounds the wait between SIGTERM and SIGKILL.
	StopTimeout time.Duration
	// HeartbeatInterval drives Health.LastBeat.
	HeartbeatInterval time.Duration

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Policy:            DefaultPolicy(),
		Pipeline:          pipeline.DefaultOptions(),
		StartGrace:        15 * time.Second,
		StopTimeout:       5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
	}
}

// Health reports control loop liveness.
type Health struct {
	Alive    bool          `json:"alive"`
	LastBeat time.Time     `json:"last_beat,omitzero"`
	Sessions int           `json:"sessions"`
	Active   int           `json:"active"`
	States   map[State]int `json:"states"`
}

type Supervisor struct {
	log      *zap.Logger
	opts     Options
	deps     *sessionDeps
	backends BackendSource
	logs     *logring.Registry
	sinks    []EventSink

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	wg   sync.WaitGroup // session loops and background reprobes
	beat atomic.Int64   // unix nanos of the last heartbeat
}

func New(log *zap.Logger, opts Options, launcher Launcher, backends BackendSource, logs *logring.Registry, sinks ...EventSink) *Supervisor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Supervisor{
		log:      log.Named("supervisor"),
		opts:     opts,
		backends: backends,
		logs:     logs,
		sinks:    sinks,
		sessions: make(map[string]*session),
	}
	s.deps = &sessionDeps{
		launcher:    launcher,
		backends:    backends,
		policy:      opts.Policy,
		pipeline:    opts.Pipeline,
		startGrace:  opts.StartGrace,
		stopTimeout: opts.StopTimeout,
		emit:        s.emit,
		reprobe:     s.reprobeAsync,
		now:         opts.Now,
	}
	s.beat.Store(opts.Now().UnixNano())
	return s
}

// Start launches id with spec, creating the session on first use.
func (s *Supervisor) Start(ctx context.Context, id string, spec stream.Spec) error {
	sess, err := s.session(id, true)
	if err != nil {
		return err
	}
	return sess.send(ctx, command{kind: cmdStart, spec: spec, reply: make(chan error, 1)})
}

// Stop is idempotent: stopping an idle, stopped or failed stream succeeds.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	sess, err := s.session(id, false)
	if err != nil {
		return err
	}
	return sess.send(ctx, command{kind: cmdStop, reply: make(chan error, 1)})
}

// Reconfigure replaces the configuration of id and restarts it with a fresh history.
// An invalid spec is rejected and the current run is left alone.
func (s *Supervisor) Reconfigure(ctx context.Context, id string, spec stream.Spec) error {
	sess, err := s.session(id, true)
	if err != nil {
		return err
	}
	return sess.send(ctx, command{kind: cmdReconfigure, spec: spec, reply: make(chan error, 1)})
}

// Remove stops id and forgets its session. The log ring is kept.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	sess, err := s.session(id, false)
	if err != nil {
		return err
	}
	sess.removing.Store(true)
	if err := sess.send(ctx, command{kind: cmdStop, reply: make(chan error, 1)}); err != nil {
		sess.removing.Store(false)
		return err
	}

	s.mu.Lock()
	owned := s.sessions[id] == sess
	if owned {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !owned {
		// Shutdown or a concurrent Remove took it.
		return nil
	}

	close(sess.quit)
	select {
	case <-sess.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.emit(Event{StreamID: id, Kind: EventRemoved, Time: s.opts.Now()})
	s.log.Info("stream removed", zap.String("stream_id", id))
	return nil
}

// Status returns the latest published view of id with the last maxLines
// log lines.
func (s *Supervisor) Status(id string, maxLines int) (Status, error) {
	sess, err := s.session(id, false)
	if err != nil {
		return Status{}, err
	}
	st := sess.snap.Load().view(s.opts.Now())
	if maxLines > 0 {
		st.LogTail = sess.ring.Snapshot(maxLines)
	}
	return st, nil
}

// Logs returns up to maxLines of id's log, newest last. Logs of removed
// streams stay readable.
func (s *Supervisor) Logs(id string, maxLines int) ([]logring.Entry, error) {
	if ring, ok := s.logs.Lookup(id); ok {
		return ring.Snapshot(maxLines), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
}

// List returns every session's status sorted by ID.
func (s *Supervisor) List() []Status {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	now := s.opts.Now()
	out := make([]Status, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.snap.Load().view(now))
	}
	slices.SortFunc(out, func(a, b Status) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Counts returns the number of sessions per state.
func (s *Supervisor) Counts() map[State]int {
	counts := make(map[State]int, len(States))
	for _, st := range States {
		counts[st] = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		counts[sess.snap.Load().status.State]++
	}
	return counts
}

func (s *Supervisor) Health() Health {
	last := time.Unix(0, s.beat.Load())
	counts := s.Counts()
	h := Health{LastBeat: last, States: counts}
	for st, n := range counts {
		h.Sessions += n
		if st.Active() {
			h.Active += n
		}
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	interval := s.opts.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	h.Alive = !closed && s.opts.Now().Sub(last) < 3*interval
	return h
}

// Run ticks the heartbeat until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.opts.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.beat.Store(s.opts.Now().UnixNano())
		}
	}
}

// Shutdown stops every session in parallel and ends their loops. New
// commands are refused once it starts.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	s.log.Info("stopping all streams", zap.Int("count", len(sessions)))
	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		g.Go(func() error {
			if err := sess.send(gctx, command{kind: cmdStop, reply: make(chan error, 1)}); err != nil {
				return fmt.Errorf("stop %s: %w", sess.id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	for _, sess := range sessions {
		close(sess.quit)
	}
	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Supervisor) session(id string, create bool) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrShuttingDown
	}
	if ok {
		return sess, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	if !stream.ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShuttingDown
	}
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	sess = newSession(id, s.log, s.deps, s.logs.Get(id))
	s.sessions[id] = sess
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
	return sess, nil
}

func (s *Supervisor) emit(ev Event) {
	for _, sink := range s.sinks {
		sink.OnEvent(ev)
	}
}

// reprobeAsync refreshes the encoder probe without blocking the caller.
func (s *Supervisor) reprobeAsync() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		res := s.backends.Reprobe(ctx)
		s.log.Info("encoder backends re-probed", zap.Any("available", res.Available))
	}()
}
