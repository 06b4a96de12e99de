package scraper

import (
	"context"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

// Retrier repeats an attempt with exponential backoff. Between failed
// attempts it sleeps BackoffFactor^(attempt-1) seconds, attempt counting from 1.
type Retrier struct {
	MaxRetries    int
	BackoffFactor float64
	// Sleep is replaced in tests. It must return early with ctx.Err().
	Sleep func(ctx context.Context, d time.Duration) error
}

// Backoff returns the pause after the given failed attempt.
func (r Retrier) Backoff(attempt int) time.Duration {
	secs := math.Pow(r.BackoffFactor, float64(attempt-1))
	return time.Duration(secs * float64(time.Second))
}

// Do runs attempt until it returns a final outcome or the attempts run out.
// The last failure is returned with its error.
func (r Retrier) Do(ctx context.Context, attempt func(ctx context.Context) Result) Result {
	maxAttempts := r.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var res Result
	for i := 1; i <= maxAttempts; i++ {
		res = attempt(ctx)
		res.Attempts = i
		if res.Outcome.Final() {
			return res
		}
		if i == maxAttempts || ctx.Err() != nil {
			break
		}
		wait := r.Backoff(i)
		log.WithError(res.Err).Debugf("Attempt %d/%d for %s failed, retrying in %s", i, maxAttempts, res.ImageID, wait)
		if err := sleep(ctx, wait); err != nil {
			break
		}
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
