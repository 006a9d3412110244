package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Logging logs every call's chain, duration, and outcome.
func Logging(log *zap.Logger) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, chain []string, args []any) (any, error) {
			start := time.Now()
			ret, err := next(ctx, chain, args)
			fields := []zap.Field{
				zap.String("chain", strings.Join(chain, ".")),
				zap.Int("args", len(args)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("call failed", append(fields, zap.Error(err))...)
			} else {
				log.Debug("call completed", fields...)
			}
			return ret, err
		}
	}
}
