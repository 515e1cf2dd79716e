package breakers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"

	"github.com/sawpanic/sentinel/internal/domain"
)

// ErrOpen is returned while a breaker rejects calls. Callers treat it as
// transient.
var ErrOpen = fmt.Errorf("circuit breaker open")

// Settings tune when a breaker trips and how long it stays open.
type Settings struct {
	ConsecutiveFailures uint32
	Interval            time.Duration
	Timeout             time.Duration
}

// Breaker guards one collaborator (queue, hot store, audit store).
type Breaker struct{ cb *cb.CircuitBreaker }

func New(name string, s Settings) *Breaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 3
	}
	st := cb.Settings{Name: name}
	st.Interval = s.Interval
	st.Timeout = s.Timeout
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= s.ConsecutiveFailures {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	// caller errors say nothing about the collaborator's health
	st.IsSuccessful = func(err error) bool {
		return err == nil ||
			errors.Is(err, domain.ErrMalformedInput) ||
			errors.Is(err, context.Canceled)
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Do runs fn through the breaker.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) { return nil, fn() })
	return b.wrap(err)
}

func (b *Breaker) wrap(err error) error {
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrOpen, b.cb.Name(), err)
	}
	return err
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cb.Name() }

// State reports closed, half-open or open.
func (b *Breaker) State() string { return b.cb.State().String() }
