package middleware

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"socket-rpc/message"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	log = log.Named("access")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("path", req.Path),
				zap.Stringer("style", req.Style),
				zap.String("mime", req.MimeType),
				zap.String("in", humanize.Bytes(uint64(len(req.Data)))),
				zap.String("out", humanize.Bytes(uint64(len(resp.Data)))),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != "" {
				log.Warn("call failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				log.Info("call", fields...)
			}
			return resp
		}
	}
}
