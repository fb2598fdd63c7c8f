package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"socket-rpc/message"
)

// RateLimitMiddleware rejects calls beyond r per second using a token bucket of size burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return &message.Response{Error: "rate limit exceeded: " + req.Path}
			}
			return next(ctx, req)
		}
	}
}
