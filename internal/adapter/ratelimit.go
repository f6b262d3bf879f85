package adapter

import (
	"sync"

	"golang.org/x/time/rate"
)

// SendLimiter bounds outbound send throughput per botId. Once the
// tracked-key cap is reached, adding a new botId evicts one tracked
// limiter picked by map iteration order (recency is not tracked), so a
// platform with a rotating cast of bots cannot exhaust memory.
//
// Adapted from the teacher's channels.WebhookRateLimiter (a bounded,
// self-pruning per-key tracker); here the per-key state is a
// golang.org/x/time/rate.Limiter instead of a sliding window counter,
// since sends want a token-bucket burst allowance rather than a hard
// per-minute cutoff.
type SendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
	maxKeys  int
}

const defaultMaxTrackedBots = 4096

// NewSendLimiter creates a limiter allowing rps sends/sec per botId,
// with the given burst allowance.
func NewSendLimiter(rps float64, burst int) *SendLimiter {
	return &SendLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		maxKeys:  defaultMaxTrackedBots,
	}
}

// Allow reports whether a send for botID may proceed now.
func (s *SendLimiter) Allow(botID string) bool {
	return s.limiterFor(botID).Allow()
}

func (s *SendLimiter) limiterFor(botID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limiters[botID]; ok {
		return l
	}

	if len(s.limiters) >= s.maxKeys {
		for k := range s.limiters {
			delete(s.limiters, k)
			break
		}
	}

	l := rate.NewLimiter(s.rps, s.burst)
	s.limiters[botID] = l
	return l
}
