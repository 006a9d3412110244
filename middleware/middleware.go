// Package middleware provides onion-model interceptors for outgoing calls:
// each middleware wraps the next CallFunc and may act before and after it.
package middleware

import "context"

// CallFunc performs one captured invocation: the accumulated property
// chain plus positional arguments, resolving with the remote return value.
type CallFunc func(ctx context.Context, chain []string, args []any) (any, error)

// Middleware wraps a CallFunc.
type Middleware func(next CallFunc) CallFunc

// Chain combines middlewares into one. Chain(A, B, C)(call) runs
// A.before → B.before → C.before → call → C.after → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next CallFunc) CallFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
