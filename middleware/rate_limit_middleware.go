package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// ErrRateLimited rejects a call that exceeds the configured rate.
var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimit applies a token-bucket limit to outgoing calls.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, chain []string, args []any) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, chain, args)
		}
	}
}
