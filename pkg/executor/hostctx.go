package executor

import "context"

type hostKey struct{}

// WithHost marks ctx as belonging to the host loop. Only the host adapter and
// the executor itself should call this.
//
// The mark is all RunOnHostThread checks before running work inline. A host
// context must stay on the host loop: passing it to a spawned goroutine makes
// that goroutine's calls run inline off the loop.
func WithHost(ctx context.Context) context.Context {
	return context.WithValue(ctx, hostKey{}, true)
}

// OnHost reports whether ctx was derived from a host loop context. It says
// nothing about which goroutine is running.
func OnHost(ctx context.Context) bool {
	v, _ := ctx.Value(hostKey{}).(bool)
	return v
}
