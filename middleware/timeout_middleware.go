package middleware

import (
	"context"
	"fmt"
	"time"

	"socket-rpc/message"
)

// TimeOutMiddleware answers with an error once timeout elapses. The handler keeps
// running with a cancelled context; for streams, items it emits afterwards are dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Response{
					Error: fmt.Sprintf("%s timed out after %s", req.Path, timeout),
				}
			}
		}
	}
}
