package service

import (
	"sync"

	"github.com/kjstillabower/music-popularity-service/internal/observability"
)

// stampedeTracker observes overlapping recomputations of the same leaderboard
// key. Overlaps are recorded in metrics and otherwise tolerated: each miss
// recomputes independently, the miss path never blocks on another miss.
type stampedeTracker struct {
	mu     sync.Mutex
	misses map[string]int // key -> recomputations in progress
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{misses: make(map[string]int)}
}

// begin marks a recomputation in progress for key, emitting stampede metrics
// when it overlaps others. The returned func must be called when the
// recomputation finishes.
func (st *stampedeTracker) begin(key string) func() {
	st.mu.Lock()
	st.misses[key]++
	n := st.misses[key]
	st.mu.Unlock()

	if n > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(key).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(key).Observe(float64(n))
	}

	return func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.misses[key] > 0 {
			st.misses[key]--
			if st.misses[key] == 0 {
				delete(st.misses, key)
			}
		}
	}
}

// active reports the recomputations currently in progress for key.
func (st *stampedeTracker) active(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.misses[key]
}
