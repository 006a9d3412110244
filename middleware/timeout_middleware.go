package middleware

import (
	"context"
	"time"
)

// Timeout bounds each call with a deadline. The call itself has no
// intrinsic timeout (only the ping handshake does), so this is the way to
// put an upper bound on a round trip.
func Timeout(timeout time.Duration) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, chain []string, args []any) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, chain, args)
		}
	}
}
