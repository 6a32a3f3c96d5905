package relay

import (
	"fmt"
	"time"

	. "github.com/roelfdiedericks/chatrelay/internal/logging"
	. "github.com/roelfdiedericks/chatrelay/internal/metrics"
)

// RetryPolicy retries an operation a fixed number of times with a fixed
// delay. Classify, when set, decides whether an error is worth retrying;
// nil retries everything.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Classify    func(error) bool
}

// Do runs fn until it succeeds or the attempt budget is spent. The last
// error is returned, wrapped with the operation name and attempt count.
func (p RetryPolicy) Do(op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			if p.Classify != nil && !p.Classify(err) {
				return err
			}
			if attempt < attempts {
				L_debug("relay: retrying", "op", op, "attempt", attempt, "error", err)
				MetricInc("relay/retries")
				time.Sleep(p.Delay)
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
