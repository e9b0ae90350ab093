package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edirooss/restreamd/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingLister struct {
	calls atomic.Int32
	delay time.Duration
}

func (l *countingLister) List() []supervisor.Status {
	l.calls.Add(1)
	time.Sleep(l.delay)
	return []supervisor.Status{{ID: "a", State: supervisor.StateRunning}}
}

func TestSummaryService_CachesWithinTTL(t *testing.T) {
	lister := &countingLister{}
	svc := NewSummaryService(zaptest.NewLogger(t), lister, SummaryOptions{TTL: time.Hour})
	now := time.Unix(1000, 0)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Len(t, first.Data, 1)

	second, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, int32(1), lister.calls.Load())

	now = now.Add(2 * time.Hour)
	third, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Equal(t, int32(2), lister.calls.Load())

	svc.Invalidate()
	_, err = svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), lister.calls.Load())
}

func TestSummaryService_CoalescesRefreshes(t *testing.T) {
	lister := &countingLister{delay: 50 * time.Millisecond}
	svc := NewSummaryService(zaptest.NewLogger(t), lister, SummaryOptions{TTL: time.Hour})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Get(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), lister.calls.Load())
}

func TestSummaryService_ResultIsACopy(t *testing.T) {
	svc := NewSummaryService(zaptest.NewLogger(t), &countingLister{}, SummaryOptions{TTL: time.Hour})
	res, err := svc.Get(context.Background())
	require.NoError(t, err)
	res.Data[0].ID = "mutated"

	again, err := svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", again.Data[0].ID)
}
