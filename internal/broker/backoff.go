package broker

import (
	"math"
	"math/rand"
	"time"
)

// Backoff parameters for retryable task failures. A nacked task becomes
// claimable again only after the computed delay.
const (
	backoffBase       = 1 * time.Second
	backoffMultiplier = 2.0
	backoffCap        = 60 * time.Second
	backoffJitter     = 0.25
)

// Backoff computes the requeue delay for the given attempt count (1-based).
// Exponential with a cap, plus ±25% jitter to avoid thundering-herd retries
// when many tasks fail against the same broken dependency.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(backoffBase) * math.Pow(backoffMultiplier, float64(attempt-1))
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}
	d += d * backoffJitter * (rand.Float64()*2 - 1)
	return time.Duration(d)
}
