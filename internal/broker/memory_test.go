package broker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, ackTimeout time.Duration) *MemoryBroker {
	t.Helper()

	b := NewMemoryBroker(ackTimeout, testLogger(t))

	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})

	return b
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// receive pulls one delivery or fails the test after a timeout.
func receive(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()

	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func TestPublishConsumeAck(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "q", []byte("one")))

	deliveries, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	d := receive(t, deliveries)
	assert.Equal(t, []byte("one"), d.Body)
	assert.Equal(t, 1, d.Attempt)
	assert.NotEmpty(t, d.ID)

	d.Ack()

	// Nothing else arrives.
	select {
	case extra := <-deliveries:
		t.Fatalf("unexpected redelivery: %q", extra.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNackRedelivers(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "q", []byte("again")))

	deliveries, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	first := receive(t, deliveries)
	first.Nack()

	second := receive(t, deliveries)
	assert.Equal(t, []byte("again"), second.Body)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)

	second.Ack()
}

func TestUnackedDeliveryTimesOut(t *testing.T) {
	b := newTestBroker(t, 30*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "q", []byte("lost")))

	deliveries, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	first := receive(t, deliveries)
	// Simulate a crashed worker: never settle.

	second := receive(t, deliveries)
	assert.Equal(t, 2, second.Attempt)

	// The late ack from the first delivery is a no-op.
	first.Ack()
	second.Ack()
}

func TestAckIsIdempotent(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "q", []byte("once")))

	deliveries, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	d := receive(t, deliveries)
	d.Ack()
	d.Ack()
	d.Nack() // settled already; must not requeue

	select {
	case extra := <-deliveries:
		t.Fatalf("settled message redelivered: %q", extra.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCompetingConsumersSplitTheQueue(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 20

	for i := 0; i < total; i++ {
		require.NoError(t, b.Publish(ctx, "q", []byte{byte(i)}))
	}

	c1, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	c2, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	seen := make(map[byte]int)

	for i := 0; i < total; i++ {
		var d Delivery

		select {
		case d = <-c1:
		case d = <-c2:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out draining queue")
		}

		seen[d.Body[0]]++
		d.Ack()
	}

	// Every message delivered exactly once across both consumers.
	require.Len(t, seen, total)

	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
}

func TestQueuesAreIsolated(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "jobs", []byte("j")))
	require.NoError(t, b.Publish(ctx, "results", []byte("r")))

	jobs, err := b.Consume(ctx, "jobs")
	require.NoError(t, err)

	d := receive(t, jobs)
	assert.Equal(t, []byte("j"), d.Body)
	d.Ack()

	select {
	case extra := <-jobs:
		t.Fatalf("message leaked across queues: %q", extra.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClosedBrokerRejectsPublish(t *testing.T) {
	b := NewMemoryBroker(time.Minute, testLogger(t))
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "q", []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Consume(context.Background(), "q")
	assert.ErrorIs(t, err, ErrClosed)
}
