package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter blocks until the caller may issue one more request.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Local is an in-process limiter for a single invocation.
type Local struct {
	limiter *rate.Limiter
}

// NewLocal allows requestsPerSec with the given burst. A non-positive rate
// disables limiting.
func NewLocal(requestsPerSec float64, burst int) *Local {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(requestsPerSec)
	if requestsPerSec <= 0 {
		limit = rate.Inf
	}
	return &Local{limiter: rate.NewLimiter(limit, burst)}
}

func (l *Local) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Unlimited never blocks.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}
