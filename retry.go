package main

import (
	"context"
	"log"
	"math/rand"
	"time"
)

const (
	retryMaxAttempts = 3
	retryBaseDelay   = 1 * time.Second
	retryMaxDelay    = 30 * time.Second
)

// retryTransient runs fn up to retryMaxAttempts times, retrying only
// failures the provider taxonomy marks transient. Delays grow
// exponentially from retryBaseDelay, cap at retryMaxDelay, and are
// multiplied by a jitter factor in [0.5, 1.5) so many concurrently
// scheduled batches do not retry in lockstep.
func retryTransient(ctx context.Context, label string, fn func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransientProviderError(err) {
			return err
		}
		if attempt == retryMaxAttempts {
			break
		}

		wait := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		log.Printf("retry %s attempt=%d err=%v wait=%s", label, attempt, err, wait.Round(time.Millisecond))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return err
}
