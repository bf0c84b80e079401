package locks

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ksred/attribution-api/internal/types"
)

// AcquireWithRetry wraps the non-blocking Acquire in a bounded backoff loop.
// The coordinator itself never waits; this helper keeps the fail-fast
// contract intact while giving callers a convenient retry policy. Backoff
// doubles per attempt with jitter, starting at baseDelay.
func (c *Coordinator) AcquireWithRetry(ctx context.Context, req Request, attempts int, baseDelay time.Duration) (*HandoffLock, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		lock, err := c.Acquire(req)
		if err == nil {
			return lock, nil
		}
		if !types.Retryable(err) {
			return nil, err
		}
		lastErr = err

		if i == attempts-1 {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}

	return nil, fmt.Errorf("lock not acquired after %d attempts: %w", attempts, lastErr)
}
