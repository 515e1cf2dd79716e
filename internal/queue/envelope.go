package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every queued payload with delivery metadata.
type Envelope struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
	Checksum   string          `json:"checksum"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewEnvelope wraps payload for queue. An empty id is replaced by a fresh UUID.
func NewEnvelope(id, queue string, payload []byte, now time.Time) Envelope {
	if id == "" {
		id = uuid.NewString()
	}
	e := Envelope{
		ID:         id,
		Queue:      queue,
		EnqueuedAt: now.UTC(),
		Payload:    json.RawMessage(payload),
	}
	e.SetChecksum()
	return e
}

// ComputeChecksum hashes payload||enqueued_at||queue.
func (e *Envelope) ComputeChecksum() string {
	hashInput := fmt.Sprintf("%s||%d||%s", string(e.Payload), e.EnqueuedAt.UnixNano(), e.Queue)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// SetChecksum computes and stores the checksum.
func (e *Envelope) SetChecksum() {
	e.Checksum = e.ComputeChecksum()
}

// Validate checks required fields and, when present, the checksum.
func (e *Envelope) Validate() error {
	if e.Queue == "" {
		return fmt.Errorf("%w: envelope queue is empty", ErrInvalidMessage)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: envelope payload is empty", ErrInvalidMessage)
	}
	if e.EnqueuedAt.IsZero() {
		return fmt.Errorf("%w: envelope timestamp is zero", ErrInvalidMessage)
	}
	if e.Checksum != "" && e.Checksum != e.ComputeChecksum() {
		return fmt.Errorf("%w: envelope checksum mismatch", ErrInvalidMessage)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// GetAge returns the time since the message was first enqueued.
func (e *Envelope) GetAge(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}

func encodeEnvelope(e Envelope) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func decodeEnvelope(raw string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return e, nil
}

// retried returns the envelope for the next attempt. The checksum covers
// only the original payload so it stays valid.
func (e Envelope) retried(cause error) Envelope {
	e.Attempt++
	if cause != nil {
		e.LastError = cause.Error()
	}
	return e
}
