package registry

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet holds one token-bucket limiter per (tool, user) pair. The bucket
// refills at the declared per-minute rate with burst equal to one minute's
// budget, which approximates the per-minute sliding window without
// cross-request coordination beyond the limiter's own atomics.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet() *limiterSet {
	return &limiterSet{limiters: make(map[string]*rate.Limiter)}
}

// allow consumes one slot for the pair. When the budget is exhausted it
// reports false with the wait until the next slot frees.
func (s *limiterSet) allow(tool, user string, perMinute int) (time.Duration, bool) {
	key := tool + "|" + user
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		s.limiters[key] = lim
	}
	s.mu.Unlock()

	res := lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return delay, false
	}
	return 0, true
}
