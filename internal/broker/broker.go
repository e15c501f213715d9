// Package broker defines the message transport boundary between the
// orchestrator and its workers. The transport is at-least-once and ack
// based: a delivery that is nacked, or never acked before its redelivery
// timeout, comes back. Nothing here is trusted for exactly-once semantics —
// idempotency lives at the consumer (result listener) and producer (outbox)
// boundaries.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Message is one unit of transport. Attempt counts deliveries of this
// message, starting at 1.
type Message struct {
	ID      string
	Queue   string
	Body    []byte
	Attempt int
}

// Delivery is a received message plus its acknowledgement handles. Exactly
// one of Ack or Nack should be called; calling neither leaves the message
// pending until the redelivery timeout reclaims it.
type Delivery struct {
	Message

	// Ack confirms processing; the message will not be redelivered.
	Ack func()
	// Nack returns the message to the queue for redelivery.
	Nack func()
}

// Publisher sends messages to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Consumer receives deliveries from a named queue. The returned channel is
// closed when the context is canceled or the broker shuts down.
type Consumer interface {
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
}
