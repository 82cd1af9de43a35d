// Package middleware wraps the server's call handler.
//
// Chain(A, B, C)(h) runs as A(B(C(h))): A sees the call first and the reply last.
package middleware

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"mini-varlink/logging"
	"mini-varlink/message"
)

// HandlerFunc answers one call with exactly one reply.
type HandlerFunc func(ctx context.Context, call *message.Call) *message.Reply

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Logging logs each call with its duration, and the error of failed calls.
func Logging(logger logging.Printer) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			start := time.Now()
			reply := next(ctx, call)
			logger.Printf("method=%s duration=%s", call.Method, time.Since(start))
			if reply.Kind == message.ReplyError {
				logger.Printf("method=%s error=%v", call.Method, reply.Error)
			}
			return reply
		}
	}
}

// Timeout answers org.varlink.service.Timeout when next takes longer than
// timeout. next keeps running with a cancelled context; its late reply is
// dropped.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Reply, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return message.NewErrorReply(message.ErrTimeout)
			}
		}
	}
}

// RateLimit answers org.varlink.service.RateLimited once the token bucket
// (r tokens per second, burst) is empty.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			if !limiter.Allow() {
				return message.NewErrorReply(message.ErrRateLimited)
			}
			return next(ctx, call)
		}
	}
}
