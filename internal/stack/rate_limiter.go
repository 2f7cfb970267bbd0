package stack

import (
	"sync"
	"time"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
)

// SourceLimiter caps fragments accepted per source address per window.
// Counters reset wholesale when the window rolls over.
type SourceLimiter struct {
	mu          sync.Mutex
	counts      map[core.NetAddr]int
	windowStart time.Time
	window      time.Duration
	max         int
	rejected    uint64
}

// NewSourceLimiter returns nil when limit <= 0, which disables limiting.
func NewSourceLimiter(limit int, window time.Duration) *SourceLimiter {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &SourceLimiter{
		counts: make(map[core.NetAddr]int),
		window: window,
		max:    limit,
	}
}

// Allow counts one fragment from src and reports whether it is within the cap.
func (l *SourceLimiter) Allow(src core.NetAddr, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		clear(l.counts)
		l.windowStart = now
	}
	l.counts[src]++
	if l.counts[src] > l.max {
		l.rejected++
		return false
	}
	return true
}

// Rejected returns the total number of refused fragments.
func (l *SourceLimiter) Rejected() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejected
}

// ActiveSources returns the number of sources seen in the current window.
func (l *SourceLimiter) ActiveSources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counts)
}
