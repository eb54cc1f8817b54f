package solver

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retrySchedule is the delay policy for writes that must eventually
// succeed. sendAndReconnect makes its first retry immediately; after
// that the next retry waits first (one second) and every later retry
// rest (eight).
// It never returns backoff.Stop, so a retry loop driven by it only
// ends when the operation succeeds or reports a permanent error.
type retrySchedule struct {
	first   time.Duration
	rest    time.Duration
	attempt int
}

var _ backoff.BackOff = (*retrySchedule)(nil)

func (s *retrySchedule) NextBackOff() time.Duration {
	s.attempt++
	if s.attempt == 1 {
		return s.first
	}
	return s.rest
}

func (s *retrySchedule) Reset() {
	s.attempt = 0
}
