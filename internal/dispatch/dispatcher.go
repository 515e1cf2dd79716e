package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/infrastructure/breakers"
	"github.com/sawpanic/sentinel/internal/metrics"
	"github.com/sawpanic/sentinel/internal/queue"
)

// Registry is the reference data the dispatcher needs.
type Registry interface {
	Material(name string) (domain.Material, error)
	ActiveCountries(material string) ([]string, error)
}

// Dispatcher turns market events into per-country prediction tasks. It holds
// no per-event state.
type Dispatcher struct {
	registry  Registry
	publisher queue.Publisher
	breaker   *breakers.Breaker
	throttle  *Throttle
	metrics   *metrics.Registry
	now       func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithBreaker(b *breakers.Breaker) Option { return func(d *Dispatcher) { d.breaker = b } }
func WithThrottle(t *Throttle) Option        { return func(d *Dispatcher) { d.throttle = t } }
func WithMetrics(m *metrics.Registry) Option { return func(d *Dispatcher) { d.metrics = m } }
func WithClock(now func() time.Time) Option  { return func(d *Dispatcher) { d.now = now } }

func New(registry Registry, publisher queue.Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: registry, publisher: publisher, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch validates ev, builds one task per active country and enqueues the
// batch on the material's category queue. It returns once the batch is
// enqueued; a queue failure wraps queue.ErrTransport and nothing is
// considered consumed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.MarketUpdateEvent) ([]domain.PredictionTask, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	material, err := d.registry.Material(ev.Material)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedInput, err)
	}
	countries, err := d.registry.ActiveCountries(material.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedInput, err)
	}
	if len(countries) == 0 {
		log.Warn().Str("material", material.Name).Msg("Material has no active countries")
		return nil, nil
	}

	now := d.now()
	tasks := make([]domain.PredictionTask, 0, len(countries))
	payloads := make([][]byte, 0, len(countries))
	for _, c := range countries {
		t := domain.NewPredictionTask(ev, c, now)
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("marshal task %s/%s: %w", t.Material, t.Country, err)
		}
		tasks = append(tasks, t)
		payloads = append(payloads, b)
	}

	name := queue.TaskQueue(material.Category)
	if err := d.throttle.Wait(ctx, name); err != nil {
		return nil, err
	}

	timer := d.metrics.StartStepTimer("dispatch")
	if err := d.publish(ctx, name, payloads); err != nil {
		timer.Stop("error")
		return nil, err
	}
	timer.Stop("success")

	d.metrics.RecordDispatched(string(material.Category), len(tasks))
	log.Info().
		Str("material", material.Name).
		Str("category", string(material.Category)).
		Float64("price", ev.Price).
		Int("tasks", len(tasks)).
		Msg("Dispatched prediction tasks")
	return tasks, nil
}

func (d *Dispatcher) publish(ctx context.Context, name string, payloads [][]byte) error {
	call := func() error { return d.publisher.PublishBatch(ctx, name, payloads) }
	var err error
	if d.breaker != nil {
		err = d.breaker.Do(call)
	} else {
		err = call()
	}
	if err == nil || errors.Is(err, queue.ErrTransport) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &queue.TransportError{Op: "publish", Queue: name, Err: err}
}

// Consume runs the dispatcher against the inbound event queue until ctx is
// done. An event is acknowledged only after all of its tasks are enqueued.
func (d *Dispatcher) Consume(ctx context.Context, c queue.Consumer, source string, backoff time.Duration) error {
	if backoff <= 0 {
		backoff = time.Second
	}
	log.Info().Str("queue", source).Msg("Dispatcher consuming market updates")
	for {
		if ctx.Err() != nil {
			return nil
		}
		delivery, err := c.Receive(ctx, source)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("queue", source).Msg("Receive failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			continue
		}
		if delivery == nil {
			continue
		}
		d.handle(ctx, c, delivery)
	}
}

func (d *Dispatcher) handle(ctx context.Context, c queue.Consumer, delivery *queue.Delivery) {
	var ev domain.MarketUpdateEvent
	err := delivery.Decode(&ev)
	if err == nil {
		_, err = d.Dispatch(ctx, ev)
	}
	if err == nil {
		if aerr := c.Ack(ctx, delivery); aerr != nil {
			log.Error().Err(aerr).Str("material", ev.Material).Msg("Ack failed; event may be redelivered")
		}
		return
	}

	dead, nerr := c.Nack(ctx, delivery, err)
	if nerr != nil {
		log.Error().Err(nerr).Msg("Nack failed")
		return
	}
	evt := log.Warn()
	if dead {
		evt = log.Error()
		d.metrics.RecordDeadLetter(delivery.Queue)
	}
	evt.Err(err).
		Str("material", ev.Material).
		Int("attempt", delivery.Envelope.Attempt).
		Bool("dead_lettered", dead).
		Msg("Market update not dispatched")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
