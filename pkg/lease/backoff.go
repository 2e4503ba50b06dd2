package lease

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy computes retry delays: capped exponential with jitter.
// The delay for the n-th retry is min(base * 2^(n-1), cap) * (1 ± jitter).
type BackoffPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// Delay returns the backoff delay before the given retry attempt
// (retries >= 1; the first retry waits roughly Base).
func (p BackoffPolicy) Delay(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Base
	bo.MaxInterval = p.Cap
	bo.Multiplier = 2
	bo.RandomizationFactor = p.Jitter
	bo.MaxElapsedTime = 0 // the retry budget is max_retries, not wall time
	bo.Reset()

	var d time.Duration
	for i := 0; i < retries; i++ {
		d = bo.NextBackOff()
	}
	return d
}
