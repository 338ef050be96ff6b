package resilience

import (
	"context"
	"errors"
	"time"
)

// Default retry parameters.
const (
	DefaultAttempts   = 3
	DefaultInitial    = 500 * time.Millisecond
	DefaultMaxBackoff = 10 * time.Second
)

// Backoff retries an operation with exponentially growing pauses. The zero
// value uses the defaults.
type Backoff struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Initial is the pause after the first failure. It doubles per attempt.
	Initial time.Duration

	// Max caps the pause.
	Max time.Duration
}

func (bo Backoff) withDefaults() Backoff {
	if bo.Attempts <= 0 {
		bo.Attempts = DefaultAttempts
	}
	if bo.Initial <= 0 {
		bo.Initial = DefaultInitial
	}
	if bo.Max <= 0 {
		bo.Max = DefaultMaxBackoff
	}
	return bo
}

// Retry calls fn until it succeeds, the attempts are used up or ctx is done.
// [ErrCircuitOpen] is not retried. onRetry, if non-nil, is called before each
// pause with the attempt that failed. The last error is returned.
func (bo Backoff) Retry(ctx context.Context, fn func(context.Context) error, onRetry func(attempt int, err error)) error {
	bo = bo.withDefaults()
	pause := bo.Initial

	var err error
	for attempt := 1; attempt <= bo.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil || attempt == bo.Attempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		pause = min(pause*2, bo.Max)
	}
	return err
}
