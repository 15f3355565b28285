package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/knowstack/internal/apperr"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter() (*SlidingWindow, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewSlidingWindow(60, time.Minute)
	l.SetClock(c.now)
	return l, c
}

func TestSlidingWindowLimit(t *testing.T) {
	l, c := newTestLimiter()
	ctx := context.Background()

	for i := range 60 {
		require.NoError(t, l.Allow(ctx, "alice"), "request %d", i+1)
		c.advance(100 * time.Millisecond)
	}
	err := l.Allow(ctx, "alice")
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	c.advance(61 * time.Second)
	assert.NoError(t, l.Allow(ctx, "alice"))
}

func TestSlidingWindowSlides(t *testing.T) {
	l, c := newTestLimiter()
	ctx := context.Background()

	for range 30 {
		require.NoError(t, l.Allow(ctx, "alice"))
	}
	c.advance(30 * time.Second)
	for range 30 {
		require.NoError(t, l.Allow(ctx, "alice"))
	}
	assert.ErrorIs(t, l.Allow(ctx, "alice"), apperr.ErrRateLimited)

	// The first 30 age out after a full window; the second 30 remain.
	c.advance(30*time.Second + time.Millisecond)
	for range 30 {
		require.NoError(t, l.Allow(ctx, "alice"))
	}
	assert.ErrorIs(t, l.Allow(ctx, "alice"), apperr.ErrRateLimited)
}

func TestSlidingWindowIdentitiesIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for range 60 {
		require.NoError(t, l.Allow(ctx, "alice"))
	}
	assert.ErrorIs(t, l.Allow(ctx, "alice"), apperr.ErrRateLimited)
	assert.NoError(t, l.Allow(ctx, "bob"))
}

func TestSlidingWindowConcurrent(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(ctx, "alice") == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(60), admitted.Load())
}

func TestNewSlidingWindowDefaults(t *testing.T) {
	l := NewSlidingWindow(0, 0)
	assert.Equal(t, DefaultLimit, l.limit)
	assert.Equal(t, DefaultWindow, l.window)
}

func trackedIdentities(l *SlidingWindow) []string {
	var ids []string
	l.windows.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

func TestSlidingWindowSweepsIdleIdentities(t *testing.T) {
	l, c := newTestLimiter()
	ctx := context.Background()

	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, l.Allow(ctx, id))
	}
	assert.Len(t, trackedIdentities(l), 3)

	c.advance(30 * time.Second)
	require.NoError(t, l.Allow(ctx, "bob"))

	c.advance(45 * time.Second)
	require.NoError(t, l.Allow(ctx, "dave"))
	assert.ElementsMatch(t, []string{"bob", "dave"}, trackedIdentities(l))
}

func TestSlidingWindowSweepKeepsCounts(t *testing.T) {
	l := NewSlidingWindow(2, time.Minute)
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.SetClock(c.now)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "alice"))
	c.advance(59 * time.Second)
	require.NoError(t, l.Allow(ctx, "alice"))
	c.advance(2 * time.Second)
	// A sweep runs here; alice is still active.
	require.NoError(t, l.Allow(ctx, "alice"))
	assert.ErrorIs(t, l.Allow(ctx, "alice"), apperr.ErrRateLimited)
}
