// Package ratelimiter bounds the request intake of the HTTP surface with a
// token bucket, protecting the metadata database and storage backends from
// client overload.
package ratelimiter

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimiter wraps a token bucket. A zero sustained rate disables limiting.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing requestsPerSecond sustained with the given
// burst capacity. requestsPerSecond of zero means unlimited.
func New(requestsPerSecond, burst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < requestsPerSecond {
		burst = requestsPerSecond
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

// Allow consumes one token, reporting whether the request may proceed.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Middleware rejects over-limit requests with 429 before they reach the
// request pipeline.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "request rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}
