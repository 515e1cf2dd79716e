package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/sawpanic/sentinel/internal/domain"
)

// ErrTransport marks failures of the queue transport itself. Callers treat it
// as transient: the message was not durably handed off.
var ErrTransport = errors.New("queue transport failure")

// ErrInvalidMessage is returned for payloads that cannot be decoded or whose
// checksum does not match.
var ErrInvalidMessage = fmt.Errorf("invalid message")

// TransportError carries the failing operation and queue.
type TransportError struct {
	Op    string
	Queue string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("queue %s %s: %v", e.Op, e.Queue, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

func transportErr(op, queue string, err error) error {
	return &TransportError{Op: op, Queue: queue, Err: err}
}

// Publisher hands messages to a named queue.
type Publisher interface {
	PublishBatch(ctx context.Context, queue string, payloads [][]byte) error
}

// Consumer receives messages with at-least-once semantics. Receive returns
// (nil, nil) when nothing arrived within the block timeout.
type Consumer interface {
	Receive(ctx context.Context, queue string) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, cause error) (deadLettered bool, err error)
}

// Queue is the full work-queue contract.
type Queue interface {
	Publisher
	Consumer
	Recover(ctx context.Context, queue string) (int, error)
	Depth(ctx context.Context, queue string) (int64, error)
	DeadLetters(ctx context.Context, limit int64) ([]Envelope, error)
}

// Delivery is one received message. raw is the exact stored form, used to
// remove it from the processing list.
type Delivery struct {
	Queue    string
	Envelope Envelope
	raw      string
}

// Decode unmarshals the payload into v.
func (d *Delivery) Decode(v interface{}) error {
	return d.Envelope.Decode(v)
}

// TaskQueue names the queue of a category.
func TaskQueue(c domain.Category) string {
	return "tasks:" + string(c)
}

// Options tune retry and dead-letter behaviour shared by implementations.
type Options struct {
	MaxAttempts int
	DeadLetter  string
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.DeadLetter == "" {
		o.DeadLetter = "tasks:dead"
	}
	return o
}

// shouldDeadLetter reports whether a failed delivery leaves the retry loop.
// Malformed input never succeeds on retry.
func (o Options) shouldDeadLetter(attempt int, cause error) bool {
	if errors.Is(cause, domain.ErrMalformedInput) || errors.Is(cause, ErrInvalidMessage) {
		return true
	}
	return attempt+1 >= o.MaxAttempts
}
