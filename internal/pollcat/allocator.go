package pollcat

import (
	"context"
	"errors"
	"fmt"

	"pollcat/internal/metrics"
)

// DefaultIDAttempts bounds how many times an allocation is retried after losing a race.
const DefaultIDAttempts = 5

// IDAllocator hands out unique numeric ids from a directory counter using
// optimistic concurrency. The claimed id is the value read before a successful
// swap, so two allocators can never return the same id.
type IDAllocator struct {
	counter  Counter
	attempts int
	logger   Logger
}

// NewIDAllocator creates an allocator. attempts <= 0 uses DefaultIDAttempts.
func NewIDAllocator(counter Counter, attempts int, logger Logger) *IDAllocator {
	if attempts <= 0 {
		attempts = DefaultIDAttempts
	}
	return &IDAllocator{counter: counter, attempts: attempts, logger: logger}
}

// Next claims the next id from the counter attribute attr.
func (a *IDAllocator) Next(ctx context.Context, attr string) (int64, error) {
	for attempt := 1; attempt <= a.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		current, err := a.counter.ReadCounter(ctx, attr)
		if err != nil {
			return 0, fmt.Errorf("reading %s counter: %w", attr, err)
		}

		err = a.counter.SwapCounter(ctx, attr, current, current+1)
		if err == nil {
			a.logger.Debug("id allocated", "attr", attr, "id", current, "attempt", attempt)
			return current, nil
		}
		if !errors.Is(err, ErrCounterChanged) {
			return 0, fmt.Errorf("advancing %s counter: %w", attr, err)
		}

		metrics.IDAllocationRetries.WithLabelValues(attr).Inc()
		a.logger.Debug("id counter changed, retrying", "attr", attr, "seen", current, "attempt", attempt)
	}
	return 0, fmt.Errorf("%s after %d attempts: %w", attr, a.attempts, ErrIDAllocationExhausted)
}
