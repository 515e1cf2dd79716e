package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// moveScript removes a message from a processing list and pushes its
// replacement onto the destination list in one step.
const moveScript = `
redis.call('LREM', KEYS[1], 1, ARGV[1])
return redis.call('LPUSH', KEYS[2], ARGV[2])
`

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	Prefix       string
	ConsumerID   string
	BlockTimeout time.Duration
	Options
}

// RedisQueue is a reliable list queue: producers LPUSH, consumers
// BRPOPLPUSH into a per-consumer processing list and LREM on ack.
type RedisQueue struct {
	client   *redis.Client
	prefix   string
	consumer string
	block    time.Duration
	opts     Options

	now   func() time.Time
	newID func() string
}

// NewRedisQueue creates a queue over an existing client.
func NewRedisQueue(client *redis.Client, o RedisOptions) *RedisQueue {
	if o.Prefix == "" {
		o.Prefix = "sentinel"
	}
	if o.ConsumerID == "" {
		o.ConsumerID = "default"
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	return &RedisQueue{
		client:   client,
		prefix:   o.Prefix,
		consumer: o.ConsumerID,
		block:    o.BlockTimeout,
		opts:     o.Options.withDefaults(),
		now:      time.Now,
		newID:    func() string { return "" },
	}
}

func (q *RedisQueue) key(name string) string {
	return q.prefix + ":" + name
}

func (q *RedisQueue) processingKey(name string) string {
	return q.key(name) + ":processing:" + q.consumer
}

// PublishBatch pushes every payload in a single LPUSH.
func (q *RedisQueue) PublishBatch(ctx context.Context, name string, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(payloads))
	now := q.now()
	for _, p := range payloads {
		raw, err := encodeEnvelope(NewEnvelope(q.newID(), name, p, now))
		if err != nil {
			return err
		}
		values = append(values, raw)
	}
	if err := q.client.LPush(ctx, q.key(name), values...).Err(); err != nil {
		return transportErr("publish", name, err)
	}
	return nil
}

// Receive blocks up to the block timeout for the next message.
func (q *RedisQueue) Receive(ctx context.Context, name string) (*Delivery, error) {
	raw, err := q.client.BRPopLPush(ctx, q.key(name), q.processingKey(name), q.block).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportErr("receive", name, err)
	}

	env, err := decodeEnvelope(raw)
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		log.Warn().Err(err).Str("queue", name).Msg("Dead-lettering undecodable message")
		if derr := q.move(ctx, name, raw, q.key(q.opts.DeadLetter), raw); derr != nil {
			return nil, derr
		}
		return nil, nil
	}
	return &Delivery{Queue: name, Envelope: env, raw: raw}, nil
}

// Ack removes a processed message from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey(d.Queue), 1, d.raw).Err(); err != nil {
		return transportErr("ack", d.Queue, err)
	}
	return nil
}

// Nack re-enqueues the message with its attempt counter incremented, or
// moves it to the dead-letter list once attempts are exhausted or the cause
// is permanent.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, cause error) (bool, error) {
	dead := q.opts.shouldDeadLetter(d.Envelope.Attempt, cause)
	next, err := encodeEnvelope(d.Envelope.retried(cause))
	if err != nil {
		return false, err
	}
	dest := q.key(d.Queue)
	if dead {
		dest = q.key(q.opts.DeadLetter)
	}
	if err := q.move(ctx, d.Queue, d.raw, dest, next); err != nil {
		return false, err
	}
	return dead, nil
}

func (q *RedisQueue) move(ctx context.Context, name, raw, dest, next string) error {
	err := q.client.Eval(ctx, moveScript, []string{q.processingKey(name), dest}, raw, next).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return transportErr("move", name, err)
	}
	return nil
}

// Recover returns messages left in this consumer's processing list by a
// previous run to the head of the queue.
func (q *RedisQueue) Recover(ctx context.Context, name string) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processingKey(name), q.key(name)).Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, transportErr("recover", name, err)
		}
		n++
	}
	if n > 0 {
		log.Info().Str("queue", name).Int("recovered", n).Msg("Recovered in-flight messages")
	}
	return n, nil
}

// Depth returns the number of waiting messages.
func (q *RedisQueue) Depth(ctx context.Context, name string) (int64, error) {
	n, err := q.client.LLen(ctx, q.key(name)).Result()
	if err != nil {
		return 0, transportErr("depth", name, err)
	}
	return n, nil
}

// DeadLetters lists the newest dead-lettered envelopes.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.client.LRange(ctx, q.key(q.opts.DeadLetter), 0, limit-1).Result()
	if err != nil {
		return nil, transportErr("dead-letters", q.opts.DeadLetter, err)
	}
	out := make([]Envelope, 0, len(raws))
	for _, raw := range raws {
		env, err := decodeEnvelope(raw)
		if err != nil {
			env = Envelope{Queue: q.opts.DeadLetter, LastError: fmt.Sprintf("undecodable: %v", err)}
		}
		out = append(out, env)
	}
	return out, nil
}
