package rabbitmq

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentTypeJSON is set on every published message
const ContentTypeJSON = "application/json"

// QueueStats is a passive snapshot of a declared queue
type QueueStats struct {
	Name      string
	Messages  int
	Consumers int
}

// Publish sends body to queue through the default exchange as a persistent
// JSON message. It fails fast with ErrChannelUnavailable while disconnected.
// Publishes are serialized because AMQP channels are not safe for concurrent use.
func (c *Client) Publish(ctx context.Context, queue string, body []byte, headers map[string]interface{}) error {
	c.mu.RLock()
	ch, closed := c.ch, c.closed
	c.mu.RUnlock()

	if closed {
		return &PublishError{Queue: queue, Err: ErrClientClosed, Timestamp: time.Now()}
	}
	if ch == nil {
		return &PublishError{Queue: queue, Err: ErrChannelUnavailable, Timestamp: time.Now()}
	}

	msg := amqp.Publishing{
		ContentType:  ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if len(headers) > 0 {
		msg.Headers = amqp.Table(headers)
	}

	c.publishMu.Lock()
	err := ch.PublishWithContext(ctx, "", queue, false, false, msg)
	c.publishMu.Unlock()

	if err != nil {
		return &PublishError{Queue: queue, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// InspectQueue passively declares name on a short-lived channel. A missing
// queue closes that channel only; the publishing channel is untouched.
func (c *Client) InspectQueue(ctx context.Context, name string) (QueueStats, error) {
	if err := ctx.Err(); err != nil {
		return QueueStats{}, err
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return QueueStats{}, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return QueueStats{}, &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return QueueStats{}, &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}

	return QueueStats{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}
