package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/metrics"
	"github.com/sawpanic/sentinel/internal/queue"
)

// Processor is the per-task path a pool drives.
type Processor interface {
	Process(ctx context.Context, task domain.PredictionTask) (domain.ProcurementDecision, error)
}

// PoolConfig sizes the consumer pools.
type PoolConfig struct {
	Sizes        map[domain.Category]int
	ErrorBackoff time.Duration
	DepthEvery   time.Duration
}

// Pools runs one independently sized pool of consumers per category queue.
// One task's failure never blocks the others: each is acked or nacked on
// its own.
type Pools struct {
	queue     queue.Queue
	processor Processor
	cfg       PoolConfig
	metrics   *metrics.Registry
	wg        sync.WaitGroup
}

// NewPools creates the category pools.
func NewPools(q queue.Queue, p Processor, cfg PoolConfig, m *metrics.Registry) *Pools {
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Pools{queue: q, processor: p, cfg: cfg, metrics: m}
}

// Run recovers orphaned deliveries, starts every pool and blocks until ctx
// is done and all consumers have returned.
func (p *Pools) Run(ctx context.Context) error {
	started := 0
	for _, c := range domain.Categories {
		n := p.cfg.Sizes[c]
		if n <= 0 {
			continue
		}
		name := queue.TaskQueue(c)
		recovered, err := p.queue.Recover(ctx, name)
		if err != nil {
			return fmt.Errorf("recover %s: %w", name, err)
		}
		if recovered > 0 {
			log.Info().Str("queue", name).Int("recovered", recovered).Msg("Requeued orphaned tasks")
		}
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.consume(ctx, c, name, i)
		}
		started += n
		log.Info().Str("category", string(c)).Int("workers", n).Msg("Worker pool started")
	}
	if started == 0 {
		return fmt.Errorf("no worker pools configured")
	}

	if p.cfg.DepthEvery > 0 {
		p.wg.Add(1)
		go p.reportDepth(ctx)
	}

	p.wg.Wait()
	log.Info().Msg("Worker pools stopped")
	return nil
}

func (p *Pools) consume(ctx context.Context, c domain.Category, name string, id int) {
	defer p.wg.Done()
	for ctx.Err() == nil {
		delivery, err := p.queue.Receive(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("queue", name).Int("worker", id).Msg("Receive failed")
			p.metrics.RecordTaskError(string(c), "transport")
			select {
			case <-time.After(p.cfg.ErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if delivery == nil {
			continue
		}
		p.handle(ctx, c, delivery)
	}
}

// handle processes one delivery. The task is acknowledged only after both
// sinks accepted the decision.
func (p *Pools) handle(ctx context.Context, c domain.Category, delivery *queue.Delivery) {
	var task domain.PredictionTask
	err := delivery.Decode(&task)
	if err == nil {
		task.Attempt = delivery.Envelope.Attempt
		_, err = p.processor.Process(ctx, task)
	}
	if err == nil {
		if aerr := p.queue.Ack(ctx, delivery); aerr != nil {
			log.Error().Err(aerr).Str("task", task.ID).Msg("Ack failed; task may be redelivered")
		}
		return
	}

	if ctx.Err() != nil {
		// left in the processing list; Recover requeues it on restart
		return
	}
	dead, nerr := p.queue.Nack(ctx, delivery, err)
	if nerr != nil {
		log.Error().Err(nerr).Str("task", task.ID).Msg("Nack failed")
		return
	}
	evt := log.Warn()
	if dead {
		evt = log.Error()
		p.metrics.RecordDeadLetter(delivery.Queue)
	}
	evt.Err(err).
		Str("task", task.ID).
		Str("material", task.Material).
		Str("country", task.Country).
		Int("attempt", delivery.Envelope.Attempt).
		Bool("dead_lettered", dead).
		Msg("Task failed")
}

func (p *Pools) reportDepth(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.DepthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range domain.Categories {
				name := queue.TaskQueue(c)
				depth, err := p.queue.Depth(ctx, name)
				if err != nil {
					log.Debug().Err(err).Str("queue", name).Msg("Queue depth unavailable")
					continue
				}
				p.metrics.SetQueueDepth(name, depth)
			}
		}
	}
}
