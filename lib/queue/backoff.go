package queue

import (
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	baseBackoff = 60 * time.Second
	maxBackoff  = 10 * time.Minute
)

// nackBackoff implements §4.2's `min(60s·2^(attempts-1), 10min)` schedule
// on top of go-retry's exponential backoff, the same package the pack's
// GitHub-calling code (abcxyz-github-metrics-aggregator) reaches for.
// attempts is 1-indexed: the delay before the first retry after the
// original attempt.
func nackBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	b := retry.WithCappedDuration(maxBackoff, retry.NewExponential(baseBackoff))

	var delay time.Duration
	for i := 0; i < attempts; i++ {
		d, _ := b.Next()
		delay = d
	}
	return delay
}
