package generation

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited guards a provider with a token bucket. Waiting honours the
// caller's context, so an attempt timeout also bounds time spent queued.
type RateLimited struct {
	TextProvider
	limiter *rate.Limiter
}

func WithRateLimit(p TextProvider, rps float64, burst int) TextProvider {
	if p == nil || rps <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{TextProvider: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Generate(ctx context.Context, req Request) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("%s: rate limit: %w", r.Name(), err)
	}
	return r.TextProvider.Generate(ctx, req)
}
