package metrics

import (
	"sync"
	"time"
)

// SlidingWindow represents a simple sliding window for rate calculations
type SlidingWindow struct {
	mu      sync.RWMutex
	events  []int64 // unix seconds
	window  time.Duration
	maxSize int
	now     func() time.Time
}

// NewSlidingWindow creates a new sliding window
func NewSlidingWindow(window time.Duration, maxSize int) *SlidingWindow {
	return &SlidingWindow{
		events:  make([]int64, 0, maxSize),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Add adds an event timestamp to the window
func (sw *SlidingWindow) Add(timestamp int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.events = append(sw.events, timestamp)

	cutoff := sw.now().Unix() - int64(sw.window.Seconds())
	i := 0
	for i < len(sw.events) && sw.events[i] < cutoff {
		i++
	}
	if i > 0 {
		sw.events = sw.events[i:]
	}

	if len(sw.events) > sw.maxSize {
		sw.events = sw.events[len(sw.events)-sw.maxSize:]
	}
}

// Rate returns the current rate (events per second)
func (sw *SlidingWindow) Rate() float64 {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	if len(sw.events) == 0 {
		return 0
	}

	cutoff := sw.now().Unix() - int64(sw.window.Seconds())
	count := 0
	for _, timestamp := range sw.events {
		if timestamp >= cutoff {
			count++
		}
	}
	return float64(count) / sw.window.Seconds()
}
