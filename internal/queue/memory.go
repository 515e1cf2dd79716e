package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with the same retry and dead-letter
// semantics as RedisQueue. Used by tests and single-process runs.
type MemoryQueue struct {
	mu         sync.Mutex
	lists      map[string][]Envelope
	processing map[string]map[string]Envelope
	dead       []Envelope
	notify     chan struct{}

	block time.Duration
	opts  Options
	now   func() time.Time
}

// NewMemoryQueue creates an empty queue. block bounds how long Receive waits.
func NewMemoryQueue(block time.Duration, opts Options) *MemoryQueue {
	if block <= 0 {
		block = 100 * time.Millisecond
	}
	return &MemoryQueue{
		lists:      make(map[string][]Envelope),
		processing: make(map[string]map[string]Envelope),
		notify:     make(chan struct{}, 1),
		block:      block,
		opts:       opts.withDefaults(),
		now:        time.Now,
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) PublishBatch(ctx context.Context, name string, payloads [][]byte) error {
	if err := ctx.Err(); err != nil {
		return transportErr("publish", name, err)
	}
	now := q.now()
	q.mu.Lock()
	for _, p := range payloads {
		q.lists[name] = append(q.lists[name], NewEnvelope("", name, append([]byte(nil), p...), now))
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) pop(name string) (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.lists[name]
	if len(list) == 0 {
		return Envelope{}, false
	}
	env := list[0]
	q.lists[name] = list[1:]
	if q.processing[name] == nil {
		q.processing[name] = make(map[string]Envelope)
	}
	q.processing[name][env.ID] = env
	return env, true
}

// Receive waits up to the block timeout for a message.
func (q *MemoryQueue) Receive(ctx context.Context, name string) (*Delivery, error) {
	timer := time.NewTimer(q.block)
	defer timer.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if env, ok := q.pop(name); ok {
			return &Delivery{Queue: name, Envelope: env, raw: env.ID}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing[d.Queue], d.raw)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery, cause error) (bool, error) {
	dead := q.opts.shouldDeadLetter(d.Envelope.Attempt, cause)
	next := d.Envelope.retried(cause)

	q.mu.Lock()
	delete(q.processing[d.Queue], d.raw)
	if dead {
		q.dead = append([]Envelope{next}, q.dead...)
	} else {
		q.lists[d.Queue] = append(q.lists[d.Queue], next)
	}
	q.mu.Unlock()
	if !dead {
		q.signal()
	}
	return dead, nil
}

// Recover moves every in-flight message back to the head of its queue.
func (q *MemoryQueue) Recover(ctx context.Context, name string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	inflight := q.processing[name]
	if len(inflight) == 0 {
		return 0, nil
	}
	back := make([]Envelope, 0, len(inflight))
	for _, env := range inflight {
		back = append(back, env)
	}
	q.lists[name] = append(back, q.lists[name]...)
	q.processing[name] = make(map[string]Envelope)
	return len(back), nil
}

func (q *MemoryQueue) Depth(ctx context.Context, name string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.lists[name])), nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int64) ([]Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int64(len(q.dead))
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]Envelope(nil), q.dead[:n]...), nil
}

// InFlight returns the number of received but unacknowledged messages.
func (q *MemoryQueue) InFlight(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing[name])
}
