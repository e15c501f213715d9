package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// Frame types on the websocket wire.
const (
	frameMsg  = "msg"  // server → worker: one delivery
	frameAck  = "ack"  // worker → server: settle a delivery
	frameNack = "nack" // worker → server: return a delivery
	framePub  = "pub"  // worker → server: publish to the queue
)

// wsFrame is the JSON envelope exchanged over a queue websocket.
type wsFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Body    []byte `json:"body,omitempty"`
}

// queuePathPrefix is the gateway's URL prefix; the queue name follows it.
const queuePathPrefix = "/v1/queue/"

// WSGateway exposes broker queues to external worker processes over
// websockets. Workers dial /v1/queue/{name}: every delivery becomes a msg
// frame, and the worker answers with ack/nack frames. pub frames published
// by the worker go to the same queue, which is how workers hand results
// back on the results queue. Acknowledgement semantics are exactly the
// broker's — an unanswered msg frame times out and is redelivered.
type WSGateway struct {
	pub    Publisher
	cons   Consumer
	logger *slog.Logger
}

// NewWSGateway creates a gateway bridging HTTP clients to the given broker.
func NewWSGateway(pub Publisher, cons Consumer, logger *slog.Logger) *WSGateway {
	return &WSGateway{pub: pub, cons: cons, logger: logger}
}

// ServeHTTP upgrades the connection and runs the queue session until either
// side disconnects. A connection with ?mode=pub is publish-only: the
// session never consumes the queue, so result-reporting connections do not
// compete with the orchestrator's own consumers.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	queue := strings.TrimPrefix(r.URL.Path, queuePathPrefix)
	if queue == "" || queue == r.URL.Path {
		http.Error(w, "missing queue name", http.StatusNotFound)
		return
	}

	publishOnly := r.URL.Query().Get("mode") == "pub"

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}

	g.logger.Info("worker connected",
		"queue", queue, "remote", r.RemoteAddr, "publish_only", publishOnly)

	err = g.session(r.Context(), conn, queue, publishOnly)
	if err != nil && websocket.CloseStatus(err) == -1 {
		g.logger.Warn("worker session ended", "queue", queue, "error", err)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// session pumps deliveries out and ack/nack/pub frames in until the
// connection drops. Unsettled deliveries fall back to the broker's
// redelivery timeout.
func (g *WSGateway) session(ctx context.Context, conn *websocket.Conn, queue string, publishOnly bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		pending = make(map[string]Delivery)
	)

	// Writer: forward deliveries to the worker.
	writeErr := make(chan error, 1)

	if publishOnly {
		writeErr = nil
	} else {
		deliveries, err := g.cons.Consume(ctx, queue)
		if err != nil {
			return fmt.Errorf("broker: consume %s: %w", queue, err)
		}

		go func() {
			for d := range deliveries {
				frame := wsFrame{
					Type:    frameMsg,
					ID:      d.ID,
					Attempt: d.Attempt,
					Body:    d.Body,
				}

				data, marshalErr := json.Marshal(frame)
				if marshalErr != nil {
					d.Nack()
					writeErr <- marshalErr

					return
				}

				mu.Lock()
				pending[d.ID] = d
				mu.Unlock()

				if werr := conn.Write(ctx, websocket.MessageText, data); werr != nil {
					writeErr <- werr
					return
				}
			}

			writeErr <- nil
		}()
	}

	// Reader: apply worker frames.
	for {
		select {
		case werr := <-writeErr:
			return werr
		default:
		}

		_, data, readErr := conn.Read(ctx)
		if readErr != nil {
			return readErr
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.logger.Warn("malformed frame from worker", "queue", queue, "error", err)
			continue
		}

		switch frame.Type {
		case frameAck, frameNack:
			mu.Lock()
			d, ok := pending[frame.ID]
			delete(pending, frame.ID)
			mu.Unlock()

			if !ok {
				// Already timed out and redelivered; the late settle is moot.
				continue
			}

			if frame.Type == frameAck {
				d.Ack()
			} else {
				d.Nack()
			}

		case framePub:
			if err := g.pub.Publish(ctx, queue, frame.Body); err != nil {
				g.logger.Error("worker publish failed", "queue", queue, "error", err)
			}

		default:
			g.logger.Warn("unknown frame type from worker",
				"queue", queue, "type", frame.Type)
		}
	}
}

// WSClient is the worker-side counterpart of the gateway. External worker
// processes use it to receive job frames and publish result frames.
type WSClient struct {
	conn *websocket.Conn
}

// DialQueue connects to a gateway queue endpoint, e.g.
// ws://host:port/v1/queue/vellum.jobs.
func DialQueue(ctx context.Context, url string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: dial %s: %w", url, err)
	}

	return &WSClient{conn: conn}, nil
}

// Next blocks for the next delivery. The returned Delivery's Ack/Nack send
// the corresponding frame back to the gateway.
func (c *WSClient) Next(ctx context.Context) (Delivery, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return Delivery{}, fmt.Errorf("broker: read delivery: %w", err)
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return Delivery{}, fmt.Errorf("broker: decode delivery: %w", err)
		}

		if frame.Type != frameMsg {
			continue
		}

		id := frame.ID

		return Delivery{
			Message: Message{ID: id, Body: frame.Body, Attempt: frame.Attempt},
			Ack:     func() { c.settle(ctx, frameAck, id) },
			Nack:    func() { c.settle(ctx, frameNack, id) },
		}, nil
	}
}

// Publish sends a pub frame to the connected queue.
func (c *WSClient) Publish(ctx context.Context, body []byte) error {
	data, err := json.Marshal(wsFrame{Type: framePub, Body: body})
	if err != nil {
		return fmt.Errorf("broker: encode publish: %w", err)
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}

	return nil
}

// settle sends an ack or nack frame; send failures are swallowed because
// the gateway's redelivery timeout covers a lost settle.
func (c *WSClient) settle(ctx context.Context, frameType, id string) {
	data, err := json.Marshal(wsFrame{Type: frameType, ID: id})
	if err != nil {
		return
	}

	_ = c.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the connection.
func (c *WSClient) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
