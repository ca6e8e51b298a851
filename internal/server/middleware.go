package server

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// connState carries per-connection state through the dispatch chain.
type connState struct {
	sessionID string
}

// handlerFunc processes one admin frame.
type handlerFunc func(ctx context.Context, req *Request, st *connState) Response

// withLogging logs every admin operation with its duration. Successful
// operations log at Info, failures at Warn.
func withLogging(logger *slog.Logger, next handlerFunc) handlerFunc {
	return func(ctx context.Context, req *Request, st *connState) Response {
		start := time.Now()
		resp := next(ctx, req, st)
		duration := time.Since(start)

		attrs := []slog.Attr{
			slog.String("op", req.Op),
			slog.Duration("duration", duration),
		}
		if resp.Error != "" {
			attrs = append(attrs, slog.String("error", resp.Error))
			logger.LogAttrs(ctx, slog.LevelWarn, "admin op completed with error", attrs...)
		} else {
			logger.LogAttrs(ctx, slog.LevelInfo, "admin op completed", attrs...)
		}
		return resp
	}
}

// withRecovery converts a panicking handler into an error response so a
// bad frame cannot take the daemon down.
func withRecovery(logger *slog.Logger, next handlerFunc) handlerFunc {
	return func(ctx context.Context, req *Request, st *connState) (resp Response) {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)
				logger.ErrorContext(ctx, "admin handler panic",
					slog.String("op", req.Op),
					slog.Any("panic", r),
					slog.String("stack", string(buf[:n])),
				)
				resp = Response{Error: fmt.Sprintf("internal error: %v", r)}
			}
		}()
		return next(ctx, req, st)
	}
}
