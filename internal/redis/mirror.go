package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/edirooss/restreamd/internal/supervisor"
	"go.uber.org/zap"
)

// StatusFunc returns the current status of a stream.
type StatusFunc func(id string) (supervisor.Status, error)

// Mirror is a supervisor.EventSink that writes events and status snapshots
// to Redis from its own goroutine. Sessions never wait on Redis: when the
// queue is full events are dropped and counted.
type Mirror struct {
	log    *zap.Logger
	repo   *StatusRepository
	status StatusFunc
	queue  chan supervisor.Event

	// OpTimeout bounds each Redis write.
	OpTimeout time.Duration

	dropped atomic.Int64
}

func NewMirror(log *zap.Logger, repo *StatusRepository, status StatusFunc, queueSize int) *Mirror {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Mirror{
		log:       log.Named("mirror"),
		repo:      repo,
		status:    status,
		queue:     make(chan supervisor.Event, queueSize),
		OpTimeout: time.Second,
	}
}

// OnEvent implements supervisor.EventSink.
func (m *Mirror) OnEvent(ev supervisor.Event) {
	select {
	case m.queue <- ev:
	default:
		if m.dropped.Add(1)%100 == 1 {
			m.log.Warn("mirror queue full; dropping events", zap.Int64("dropped", m.dropped.Load()))
		}
	}
}

// Dropped returns how many events never reached Redis.
func (m *Mirror) Dropped() int64 { return m.dropped.Load() }

// Run drains the queue until ctx is done, then flushes what is left.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case ev := <-m.queue:
			m.write(context.WithoutCancel(ctx), ev)
		case <-ctx.Done():
			m.flush(context.WithoutCancel(ctx))
			return
		}
	}
}

func (m *Mirror) flush(ctx context.Context) {
	for {
		select {
		case ev := <-m.queue:
			m.write(ctx, ev)
		default:
			return
		}
	}
}

func (m *Mirror) write(ctx context.Context, ev supervisor.Event) {
	ctx, cancel := context.WithTimeout(ctx, m.OpTimeout)
	defer cancel()
	log := m.log.With(zap.String("stream_id", ev.StreamID), zap.String("kind", string(ev.Kind)))

	if ev.Kind == supervisor.EventRemoved {
		if err := m.repo.Delete(ctx, ev.StreamID); err != nil {
			log.Warn("delete failed", zap.Error(err))
		}
		return
	}

	if err := m.repo.AppendEvent(ctx, ev); err != nil {
		log.Warn("append event failed", zap.Error(err))
	}

	st, err := m.status(ev.StreamID)
	if err != nil {
		if !errors.Is(err, supervisor.ErrStreamNotFound) {
			log.Warn("status lookup failed", zap.Error(err))
		}
		return
	}
	if err := m.repo.SaveStatus(ctx, ev.StreamID, NewStreamStatus(st)); err != nil {
		log.Warn("save status failed", zap.Error(err))
	}
}
