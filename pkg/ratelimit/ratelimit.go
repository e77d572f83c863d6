// Package ratelimit provides the sliding-window request governor shared by
// all request paths of one exchange adapter.
package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow counts requests whose timestamps fall within the trailing
// window and refuses acquisition once maxRequests is reached.
type SlidingWindow struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	times       []time.Time
	now         func() time.Time
}

func NewSlidingWindow(maxRequests int, window time.Duration) *SlidingWindow {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// TryAcquire reports whether a request may be made now, without recording it.
func (w *SlidingWindow) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.times) < w.maxRequests
}

// Record registers a request against the window.
func (w *SlidingWindow) Record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)
	w.times = append(w.times, now)
}

// Allow combines TryAcquire and Record atomically.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)
	if len(w.times) >= w.maxRequests {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// TimeUntilNext returns how long the caller must wait before a request could
// be admitted. Zero means a request is admissible now.
func (w *SlidingWindow) TimeUntilNext() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)
	if len(w.times) < w.maxRequests {
		return 0
	}
	oldest := w.times[0]
	wait := w.window - now.Sub(oldest)
	if wait < 0 {
		return 0
	}
	return wait
}

// InWindow returns the number of requests currently inside the window.
func (w *SlidingWindow) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.times)
}

// prune drops timestamps older than the window. Caller holds the lock.
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}
