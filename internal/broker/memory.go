package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults for the in-process broker.
const (
	// defaultAckTimeout is how long a delivery may sit unacked before it is
	// returned to the queue. Models a crashed or hung worker.
	defaultAckTimeout = 30 * time.Second
	// queueDepth bounds each queue's ready buffer.
	queueDepth = 4096
)

// MemoryBroker is an in-process, at-least-once queue used by tests and
// single-node deployments. Deliveries that are nacked or time out unacked
// are redelivered with an incremented attempt counter. Competing consumers
// on the same queue each receive a disjoint subset of messages.
type MemoryBroker struct {
	mu         sync.Mutex
	queues     map[string]chan *inflight
	closed     bool
	done       chan struct{}
	ackTimeout time.Duration
	logger     *slog.Logger
}

// inflight is a message plus its settlement state. settleOnce guarantees
// that a late Ack after a redelivery timeout is a no-op rather than a
// double settlement.
type inflight struct {
	msg        Message
	settleOnce sync.Once
	timer      *time.Timer
}

// NewMemoryBroker creates an in-process broker. ackTimeout <= 0 uses the
// default.
func NewMemoryBroker(ackTimeout time.Duration, logger *slog.Logger) *MemoryBroker {
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}

	return &MemoryBroker{
		queues:     make(map[string]chan *inflight),
		done:       make(chan struct{}),
		ackTimeout: ackTimeout,
		logger:     logger,
	}
}

// queue returns the ready channel for a queue name, creating it on first
// use.
func (b *MemoryBroker) queue(name string) (chan *inflight, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	q, ok := b.queues[name]
	if !ok {
		q = make(chan *inflight, queueDepth)
		b.queues[name] = q
	}

	return q, nil
}

// Publish enqueues a message. Blocks when the queue is full until space
// frees, the context is canceled, or the broker closes.
func (b *MemoryBroker) Publish(ctx context.Context, queue string, body []byte) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}

	in := &inflight{msg: Message{
		ID:      uuid.NewString(),
		Queue:   queue,
		Body:    body,
		Attempt: 1,
	}}

	select {
	case q <- in:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broker: publish to %s: %w", queue, ctx.Err())
	case <-b.done:
		return ErrClosed
	}
}

// Consume returns a channel of deliveries for a queue. The channel closes
// when the context is canceled or the broker shuts down.
func (b *MemoryBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)

	go func() {
		defer close(out)

		for {
			select {
			case in := <-q:
				select {
				case out <- b.delivery(q, in):
				case <-ctx.Done():
					// Consumer went away mid-handoff; return the message.
					b.requeue(q, in)
					return
				case <-b.done:
					return
				}
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()

	return out, nil
}

// delivery wraps an inflight message with ack/nack handles and arms the
// redelivery timer.
func (b *MemoryBroker) delivery(q chan *inflight, in *inflight) Delivery {
	in.timer = time.AfterFunc(b.ackTimeout, func() {
		in.settleOnce.Do(func() {
			b.logger.Warn("delivery unacked past timeout, redelivering",
				"queue", in.msg.Queue, "message_id", in.msg.ID,
				"attempt", in.msg.Attempt)
			b.requeueLocked(q, in)
		})
	})

	return Delivery{
		Message: in.msg,
		Ack: func() {
			in.settleOnce.Do(func() {
				in.timer.Stop()
			})
		},
		Nack: func() {
			in.settleOnce.Do(func() {
				in.timer.Stop()
				b.requeueLocked(q, in)
			})
		},
	}
}

// requeue settles and returns a message to its queue (consumer handoff
// failed before the timer was armed).
func (b *MemoryBroker) requeue(q chan *inflight, in *inflight) {
	in.settleOnce.Do(func() {
		b.requeueLocked(q, in)
	})
}

// requeueLocked puts a fresh inflight copy back on the queue with the
// attempt counter bumped. Must only be called from inside a settleOnce.
func (b *MemoryBroker) requeueLocked(q chan *inflight, in *inflight) {
	next := &inflight{msg: in.msg}
	next.msg.Attempt++

	select {
	case q <- next:
	case <-b.done:
	default:
		// Queue full: drop on the floor rather than deadlock the timer
		// goroutine. The outbox and reconciliation loop recover the work.
		b.logger.Error("queue full during redelivery, dropping",
			"queue", in.msg.Queue, "message_id", in.msg.ID)
	}
}

// Close shuts the broker down. In-flight deliveries are abandoned; pending
// messages are discarded.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	close(b.done)

	return nil
}

// Compile-time interface checks.
var (
	_ Publisher = (*MemoryBroker)(nil)
	_ Consumer  = (*MemoryBroker)(nil)
)
