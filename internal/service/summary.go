package service

import (
	"context"
	"sync"
	"time"

	"github.com/edirooss/restreamd/internal/supervisor"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Lister returns the status of every stream.
type Lister interface {
	List() []supervisor.Status
}

type SummaryOptions struct {
	// TTL controls how long we serve the in-memory snapshot.
	// 150–400ms works well for 1.5s polling; default 250ms.
	TTL time.Duration
}

func (o *SummaryOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 250 * time.Millisecond
	}
}

// SummaryResult lets the handler set headers/telemetry.
type SummaryResult struct {
	Data        []supervisor.Status
	CacheHit    bool
	GeneratedAt time.Time // snapshot timestamp
}

// SummaryService caches the all-streams list for dashboards that poll it.
type SummaryService struct {
	log    *zap.Logger
	lister Lister

	mu      sync.RWMutex
	cache   []supervisor.Status
	expires time.Time
	genAt   time.Time

	opts SummaryOptions
	now  func() time.Time

	sg singleflight.Group
}

// NewSummaryService wires the status source and cache policy.
// Reuse a single instance per process (handlers call Get()).
func NewSummaryService(log *zap.Logger, lister Lister, opts SummaryOptions) *SummaryService {
	opts.setDefaults()
	return &SummaryService{
		log:    log.Named("summary_service"),
		lister: lister,
		opts:   opts,
		now:    time.Now,
	}
}

// Get returns the cached snapshot or refreshes it when expired.
// Multiple concurrent refreshes are coalesced.
func (s *SummaryService) Get(ctx context.Context) (SummaryResult, error) {
	if res, ok := s.fresh(); ok {
		return res, nil
	}

	ch := s.sg.DoChan("summary-refresh", func() (any, error) {
		// Double-check freshness after we won the flight
		if res, ok := s.fresh(); ok {
			return res, nil
		}

		start := s.now()
		data := s.lister.List()

		s.mu.Lock()
		s.cache = data
		s.expires = s.now().Add(s.opts.TTL)
		s.genAt = start
		s.mu.Unlock()

		s.log.Debug("summary refreshed", zap.Int("streams", len(data)))
		return SummaryResult{Data: cloneSummaries(data), CacheHit: false, GeneratedAt: start}, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return SummaryResult{}, r.Err
		}
		return r.Val.(SummaryResult), nil
	case <-ctx.Done():
		return SummaryResult{}, ctx.Err()
	}
}

func (s *SummaryService) fresh() (SummaryResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache != nil && s.now().Before(s.expires) {
		return SummaryResult{Data: cloneSummaries(s.cache), CacheHit: true, GeneratedAt: s.genAt}, true
	}
	return SummaryResult{}, false
}

// Invalidate drops the snapshot; control handlers call it after a command
// so the next poll sees the change.
func (s *SummaryService) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.expires = time.Time{}
	s.genAt = time.Time{}
	s.mu.Unlock()
}

func cloneSummaries(in []supervisor.Status) []supervisor.Status {
	out := make([]supervisor.Status, len(in))
	copy(out, in)
	return out
}
