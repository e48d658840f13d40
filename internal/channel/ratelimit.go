package channel

import (
	"context"
	"sync"
	"time"
)

// SendLimiter is a token bucket that paces outbound gateway calls.
// WeChat accounts get flagged for bursty sending, so every send path
// through the gateway goes through one of these.
type SendLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewSendLimiter allows bursts of maxBurst sends refilling at
// perSecond. Non-positive arguments fall back to a burst of 5 at one
// send per second.
func NewSendLimiter(maxBurst int, perSecond float64) *SendLimiter {
	if maxBurst <= 0 {
		maxBurst = 5
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	return &SendLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     perSecond,
		lastTime: time.Now(),
	}
}

func (rl *SendLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.max {
			rl.tokens = rl.max
		}
		rl.lastTime = now

		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - rl.tokens) / rl.rate
		rl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
