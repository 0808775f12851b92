package httpclient

import (
	"fmt"
	"time"
)

// RetriesExceededError reports that a gateway request ran out of retry
// attempts. RetryAfter carries the backoff the next attempt would have
// waited, so callers can decide whether re-queueing is worthwhile.
type RetriesExceededError struct {
	Attempts   int
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *RetriesExceededError) Error() string {
	msg := fmt.Sprintf("gateway request failed after %d attempts", e.Attempts)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (last status %d)", msg, e.StatusCode)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s, retry after %s", msg, e.RetryAfter)
	}
	return msg
}

func (e *RetriesExceededError) Unwrap() error {
	return e.Err
}
