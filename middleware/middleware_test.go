package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func echo(ctx context.Context, chain []string, args []any) (any, error) {
	return args, nil
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next CallFunc) CallFunc {
			return func(ctx context.Context, chain []string, args []any) (any, error) {
				order = append(order, name+"-in")
				ret, err := next(ctx, chain, args)
				order = append(order, name+"-out")
				return ret, err
			}
		}
	}

	wrapped := Chain(tag("outer"), tag("inner"))(echo)
	_, err := wrapped(context.Background(), []string{"x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer-in", "inner-in", "inner-out", "outer-out"}, order)
}

func TestChainEmpty(t *testing.T) {
	wrapped := Chain()(echo)
	ret, err := wrapped(context.Background(), nil, []any{1})
	require.NoError(t, err)
	assert.Equal(t, []any{1}, ret)
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	ok := Logging(log)(echo)
	_, err := ok(context.Background(), []string{"math", "add"}, []any{1, 2})
	require.NoError(t, err)

	boom := Logging(log)(func(ctx context.Context, chain []string, args []any) (any, error) {
		return nil, errors.New("remote failure")
	})
	_, err = boom(context.Background(), []string{"math", "div"}, []any{1, 0})
	require.Error(t, err)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
}

func TestTimeout(t *testing.T) {
	slow := Timeout(20 * time.Millisecond)(func(ctx context.Context, chain []string, args []any) (any, error) {
		select {
		case <-time.After(2 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	_, err := slow(context.Background(), nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimit(t *testing.T) {
	limited := RateLimit(1, 1)(echo)

	_, err := limited(context.Background(), nil, nil)
	require.NoError(t, err)

	_, err = limited(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrRateLimited)
}
