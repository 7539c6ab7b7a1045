package gateway

import (
	"sync"
	"time"

	httpapi "github.com/apix-platform/realtime-fabric/internal/http"
)

// sessionLimiter keys one httpapi.SlidingWindowLimiter per sessionID,
// adapting the teacher's single global limiter to per-session inbound
// frame rate limiting.
type sessionLimiter struct {
	mu       sync.Mutex
	limiters map[string]*httpapi.SlidingWindowLimiter
	window   time.Duration
	max      int
	now      func() time.Time
}

func newSessionLimiter(window time.Duration, max int, now func() time.Time) *sessionLimiter {
	if now == nil {
		now = time.Now
	}
	return &sessionLimiter{limiters: make(map[string]*httpapi.SlidingWindowLimiter), window: window, max: max, now: now}
}

// Allow reports whether sessionID may process another inbound frame this window.
func (s *sessionLimiter) Allow(sessionID string) bool {
	s.mu.Lock()
	limiter, ok := s.limiters[sessionID]
	if !ok {
		limiter = httpapi.NewSlidingWindowLimiter(s.window, s.max, s.now)
		s.limiters[sessionID] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

// Forget drops sessionID's limiter on disconnect.
func (s *sessionLimiter) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.limiters, sessionID)
	s.mu.Unlock()
}
