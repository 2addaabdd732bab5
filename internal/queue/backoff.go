package queue

import (
	"math/rand"
	"time"
)

const (
	// MaxAttempts is the number of deliveries a message gets before it is
	// dead-lettered.
	MaxAttempts = 16

	backoffUnit     = 340 * time.Millisecond
	backoffExponent = 10
)

// Backoff returns the delay before the next delivery of a message that has
// failed retries times: a random multiple in [0, 2^min(retries,10) - 1] of
// 0.34s. n returns a uniform value in [0, bound); nil uses math/rand.
func Backoff(retries int, n func(bound int64) int64) time.Duration {
	if n == nil {
		n = rand.Int63n
	}
	exp := min(max(retries, 0), backoffExponent)
	return time.Duration(n(int64(1)<<exp)) * backoffUnit
}
