// Package ratelimit implements per-identity sliding-window admission.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/knowstack/internal/apperr"
)

const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute
)

// Limiter admits or rejects one request for an identity. A rejection is
// an error matching apperr.ErrRateLimited.
type Limiter interface {
	Allow(ctx context.Context, identity string) error
}

// SlidingWindow keeps the admission timestamps of each identity in memory.
// Each identity has its own lock, so callers with different identities do
// not contend. Identities idle for a full window are swept at most once
// per window.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	windows   sync.Map // identity -> *identityWindow
	lastSweep atomic.Int64
}

type identityWindow struct {
	mu      sync.Mutex
	times   []time.Time
	removed bool
}

var _ Limiter = (*SlidingWindow)(nil)

// NewSlidingWindow admits up to limit requests per identity in any window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SlidingWindow{limit: limit, window: window, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (s *SlidingWindow) SetClock(now func() time.Time) { s.now = now }

func (s *SlidingWindow) Allow(_ context.Context, identity string) error {
	now := s.now()
	s.sweep(now)
	for {
		v, _ := s.windows.LoadOrStore(identity, &identityWindow{})
		w := v.(*identityWindow)
		w.mu.Lock()
		if w.removed {
			// Swept after we loaded it.
			w.mu.Unlock()
			continue
		}
		err := s.admit(w, now)
		w.mu.Unlock()
		return err
	}
}

func (s *SlidingWindow) admit(w *identityWindow, now time.Time) error {
	cutoff := now.Add(-s.window)
	drop := 0
	for drop < len(w.times) && w.times[drop].Before(cutoff) {
		drop++
	}
	w.times = w.times[drop:]

	if len(w.times) >= s.limit {
		return apperr.New(apperr.KindRateLimited, "rate limit exceeded: %d requests per %s", s.limit, s.window)
	}
	w.times = append(w.times, now)
	return nil
}

// sweep drops identities with no admission inside the window.
func (s *SlidingWindow) sweep(now time.Time) {
	last := s.lastSweep.Load()
	if now.UnixNano()-last < int64(s.window) || !s.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	cutoff := now.Add(-s.window)
	s.windows.Range(func(k, v any) bool {
		w := v.(*identityWindow)
		w.mu.Lock()
		if n := len(w.times); n == 0 || w.times[n-1].Before(cutoff) {
			w.removed = true
			s.windows.Delete(k)
		}
		w.mu.Unlock()
		return true
	})
}
