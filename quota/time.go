package quota

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Exponential backoff, capped and jittered, for optimistic-concurrency
// conflict retries. Unlike the teacher's namespace-provisioning retry this
// loop has no WithMaxRetries: spec.md bounds it only by the caller's
// context deadline, since a conflict here means another writer is making
// progress, not that the operation is failing.
const (
	conflictRetryBaseDelay = 5 * time.Millisecond
	conflictRetryMaxDelay  = 250 * time.Millisecond
	conflictRetryJitter    = 10 * time.Millisecond
)

func newConflictBackoff() retry.Backoff {
	b := retry.NewExponential(conflictRetryBaseDelay)
	b = retry.WithCappedDuration(conflictRetryMaxDelay, b)
	b = retry.WithJitter(conflictRetryJitter, b)
	return b
}

type clockKey struct{}

// ContextWithClock overrides nowMillis within ctx, for deterministic tests.
func ContextWithClock(ctx context.Context, now func() int64) context.Context {
	return context.WithValue(ctx, clockKey{}, now)
}

func nowMillis(ctx context.Context) int64 {
	if fn, ok := ctx.Value(clockKey{}).(func() int64); ok {
		return fn()
	}
	return time.Now().UnixMilli()
}
