package domain

import (
	"context"
	"sync/atomic"
	"time"
)

// AnonymousCaller identifies requests made without credentials.
const AnonymousCaller = "anonymous"

type callerKey struct{}

// WithCaller attaches the identity of the invoking caller to ctx.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller set by WithCaller, or AnonymousCaller.
func CallerFromContext(ctx context.Context) string {
	if ctx != nil {
		if c, ok := ctx.Value(callerKey{}).(string); ok && c != "" {
			return c
		}
	}
	return AnonymousCaller
}

var lastTimestamp int64

// nextTimestamp returns a unix nano timestamp strictly greater than any
// previously returned one.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}
