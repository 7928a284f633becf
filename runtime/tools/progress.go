package tools

import "context"

// ProgressFunc receives intermediate progress payloads from streaming
// executors while a capability runs.
type ProgressFunc func(payload map[string]any)

type progressKey struct{}

// WithProgress returns a context carrying a progress reporter. Streaming
// adapters surface intermediate frames through it; non-streaming executors
// ignore it.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, fn)
}

// ProgressFromContext returns the progress reporter carried by ctx, or a
// no-op when none is set.
func ProgressFromContext(ctx context.Context) ProgressFunc {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		return fn
	}
	return func(map[string]any) {}
}
