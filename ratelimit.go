package quay

import (
	"context"

	"golang.org/x/time/rate"
)

// rateLimitedProvider throttles provider calls with a token bucket. It wraps
// any Provider, so the limit composes with retry and with provider-specific
// wrappers.
type rateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// RateLimited wraps p so at most rps calls per second start, with the given
// burst. A non-positive rps returns p unchanged.
func RateLimited(p Provider, rps float64, burst int) Provider {
	if rps <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedProvider{inner: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *rateLimitedProvider) Name() string { return p.inner.Name() }

// Stream waits for a token, then delegates. The wait respects ctx, so a
// cancelled turn never sits in the queue.
func (p *rateLimitedProvider) Stream(ctx context.Context, req ChatRequest, ch chan<- StreamChunk) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return &ProviderError{Kind: ProviderCancelled, Message: err.Error()}
	}
	return p.inner.Stream(ctx, req, ch)
}
