package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/infrastructure/breakers"
)

// Backoff configures retries of transient collaborator failures.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

// DefaultBackoff returns the boundary retry policy.
func DefaultBackoff() Backoff {
	return Backoff{Base: 200 * time.Millisecond, Max: 10 * time.Second, Attempts: 3}
}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Base * time.Duration(1<<uint(attempt))
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	// up to 10% jitter
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}

// retryable reports whether err is worth another attempt. Caller errors and
// an open breaker fail fast; the task is redelivered later instead.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, domain.ErrMalformedInput),
		errors.Is(err, breakers.ErrOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// retry runs fn until it succeeds, fails permanently or exhausts b.Attempts.
func retry(ctx context.Context, b Backoff, op string, fn func() error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := b.delay(attempt - 1)
			log.Debug().
				Str("op", op).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Err(err).
				Msg("Retrying")

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); !retryable(err) {
			return err
		}
	}
	return err
}
