package retry

import (
	"context"
	"time"

	"github.com/newsloom-ai/pipeline/pkg/common/logger"
)

// Do runs fn up to attempts times, sleeping base, 2*base, 4*base... between
// tries. Each failure is logged with its attempt count; after the final
// attempt the original error is returned unchanged.
func Do(ctx context.Context, op string, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"op":       op,
			"attempt":  attempt,
			"attempts": attempts,
		}).Warn("operation failed")

		if attempt == attempts {
			break
		}

		delay := base << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
