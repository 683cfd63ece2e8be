package search

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

// rateLimited throttles outbound queries to one backend
type rateLimited struct {
	backend domain.SearchBackend
	limiter *rate.Limiter
}

// RateLimited wraps backend so that it issues at most rps queries per second.
// A non-positive rps returns backend unchanged.
func RateLimited(backend domain.SearchBackend, rps float64) domain.SearchBackend {
	if rps <= 0 {
		return backend
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{
		backend: backend,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *rateLimited) Name() string {
	return r.backend.Name()
}

func (r *rateLimited) Search(ctx context.Context, key domain.QueryKey, window domain.RecencyWindow) ([]domain.SearchResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.backend.Search(ctx, key, window)
}
