package amocrm

import (
	"net/http"

	"github.com/gregjones/httpcache"
	"golang.org/x/time/rate"
)

// rateLimitTransport blocks each request until the limiter admits it.
// amoCRM rejects integrations that exceed 7 requests per second.
type rateLimitTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// newTransport builds the outbound transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. rate limiter (requests per second, burst equal to the rate)
//  3. http.DefaultTransport
func newTransport(requestsPerSecond int) http.RoundTripper {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 7
	}

	cache := httpcache.NewMemoryCacheTransport()
	cache.Transport = &rateLimitTransport{
		base:    http.DefaultTransport,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
	return cache
}
