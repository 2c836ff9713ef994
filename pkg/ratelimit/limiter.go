package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits or rejects a unit of work for a caller identity.
type Limiter interface {
	// Allow checks if a request for the given identity is allowed under the
	// current rate limit. A rejected call leaves no trace: it does not count
	// against future attempts.
	Allow(identity string) bool
	// Reset clears the recorded state for all identities.
	Reset()
}

// SlidingWindow implements a per-identity sliding window rate limiter.
// Each identity gets its own window; concurrent calls for different
// identities never contend on the same lock.
type SlidingWindow struct {
	windowSize  time.Duration
	maxRequests int
	windows     map[string]*identityWindow
	mu          sync.RWMutex

	// now is swappable for tests
	now func() time.Time
}

type identityWindow struct {
	requests []time.Time
	mu       sync.Mutex
}

// NewSlidingWindow creates a new sliding window rate limiter
func NewSlidingWindow(maxRequests int, windowSize time.Duration) *SlidingWindow {
	return &SlidingWindow{
		windowSize:  windowSize,
		maxRequests: maxRequests,
		windows:     make(map[string]*identityWindow),
		now:         time.Now,
	}
}

// Allow checks if a request for the identity can proceed
func (sw *SlidingWindow) Allow(identity string) bool {
	w := sw.window(identity)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := sw.now()
	w.clean(now, sw.windowSize)

	if len(w.requests) < sw.maxRequests {
		w.requests = append(w.requests, now)
		return true
	}

	return false
}

// Remaining reports how many requests the identity may still make in the
// current window.
func (sw *SlidingWindow) Remaining(identity string) int {
	w := sw.window(identity)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.clean(sw.now(), sw.windowSize)

	remaining := sw.maxRequests - len(w.requests)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset clears all recorded requests for all identities
func (sw *SlidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.windows = make(map[string]*identityWindow)
}

// window returns the per-identity window, creating it on first use.
func (sw *SlidingWindow) window(identity string) *identityWindow {
	sw.mu.RLock()
	w, ok := sw.windows[identity]
	sw.mu.RUnlock()
	if ok {
		return w
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if w, ok = sw.windows[identity]; ok {
		return w
	}
	w = &identityWindow{requests: make([]time.Time, 0, sw.maxRequests)}
	sw.windows[identity] = w
	return w
}

// clean removes requests outside the sliding window
func (w *identityWindow) clean(now time.Time, windowSize time.Duration) {
	cutoff := now.Add(-windowSize)

	i := 0
	for i < len(w.requests) && !w.requests[i].After(cutoff) {
		i++
	}

	if i > 0 {
		copy(w.requests, w.requests[i:])
		w.requests = w.requests[:len(w.requests)-i]
	}
}
