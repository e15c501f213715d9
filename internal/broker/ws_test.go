package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, b *MemoryBroker) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle(queuePathPrefix, NewWSGateway(b, b, testLogger(t)))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func wsURL(srv *httptest.Server, queue string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + queuePathPrefix + queue
}

func TestGatewayDeliversAndSettles(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	srv := newTestGateway(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, b.Publish(ctx, "jobs", []byte(`{"job":"one"}`)))

	client, err := DialQueue(ctx, wsURL(srv, "jobs"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	d, err := client.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"job":"one"}`, string(d.Body))
	assert.Equal(t, 1, d.Attempt)
	d.Ack()

	// A nacked delivery comes back with the attempt counter bumped.
	require.NoError(t, b.Publish(ctx, "jobs", []byte(`{"job":"two"}`)))

	d, err = client.Next(ctx)
	require.NoError(t, err)
	d.Nack()

	redelivered, err := client.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"job":"two"}`, string(redelivered.Body))
	assert.Equal(t, 2, redelivered.Attempt)
	redelivered.Ack()
}

func TestGatewayPublishOnlyConnection(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	srv := newTestGateway(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialQueue(ctx, wsURL(srv, "results")+"?mode=pub")
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	deliveries, err := b.Consume(ctx, "results")
	require.NoError(t, err)

	// The worker hands a result back over the socket and the orchestrator
	// consumer receives it. The publish-only session does not consume, so
	// the delivery cannot be diverted back to the worker.
	require.NoError(t, client.Publish(ctx, []byte(`{"status":"success"}`)))

	d := receive(t, deliveries)
	assert.JSONEq(t, `{"status":"success"}`, string(d.Body))
	d.Ack()
}

func TestGatewayRejectsMissingQueueName(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	srv := newTestGateway(t, b)

	resp, err := http.Get(srv.URL + queuePathPrefix)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
