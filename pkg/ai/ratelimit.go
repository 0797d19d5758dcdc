package ai

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// providerLimits is a per-(tenant, provider) token bucket shared
// across all executions of a tenant. Buckets are created lazily on
// first use.
type providerLimits struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newProviderLimits(perSecond float64, burst int) *providerLimits {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &providerLimits{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

func (p *providerLimits) limiter(tenantID, provider string) *rate.Limiter {
	key := tenantID + "/" + provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if lim, ok := p.limiters[key]; ok {
		return lim
	}
	lim := rate.NewLimiter(p.rate, p.burst)
	p.limiters[key] = lim
	return lim
}

// wait blocks until the tenant's bucket for the provider admits one
// call, or ctx fires.
func (p *providerLimits) wait(ctx context.Context, tenantID, provider string) error {
	return p.limiter(tenantID, provider).Wait(ctx)
}
