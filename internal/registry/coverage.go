package registry

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type skipCounterKey struct{}

// SkipResource records that a check could not evaluate one resource, for
// example because a per-resource lookup was denied. The resource is counted
// in the check's CheckResult so the gap shows up in the run summary.
func SkipResource(ctx context.Context, resourceType, resourceID string, err error) {
	if n, ok := ctx.Value(skipCounterKey{}).(*atomic.Int64); ok {
		n.Add(1)
	}
	zerolog.Ctx(ctx).Warn().Err(err).
		Str("resource_type", resourceType).
		Str("resource", resourceID).
		Msg("resource not evaluated")
}

func withSkipCounter(ctx context.Context, n *atomic.Int64) context.Context {
	return context.WithValue(ctx, skipCounterKey{}, n)
}
