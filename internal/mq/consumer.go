package mq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// HandlerFunc processes one delivery. A nil return acknowledges the message;
// an error negatively-acknowledges it so the broker can requeue or
// dead-letter it per its policy.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) error

// Consumer binds a queue to an exchange and consumes it with a prefetch of
// one, so at most a single message is unacknowledged at any time. A slow or
// failing handler therefore backpressures the broker instead of accumulating
// in-flight work; scale out by running more consumer processes.
type Consumer struct {
	conn     *Connection
	queue    string
	exchange string
	handler  HandlerFunc
	tag      string
	log      *logrus.Entry

	mu        sync.Mutex
	consuming bool
	ch        *amqp.Channel
	stopped   bool
}

const prefetchCount = 1

// NewConsumer creates a Consumer for queue bound to exchange.
func NewConsumer(url, queue, exchange string, handler HandlerFunc, log *logrus.Entry) *Consumer {
	return &Consumer{
		conn:     NewConnection(url, log),
		queue:    queue,
		exchange: exchange,
		handler:  handler,
		tag:      fmt.Sprintf("%s-consumer", queue),
		log:      log,
	}
}

// Run connects, sets up the topology and consumes until Stop is called, the
// context is cancelled, or the broker cancels us. Messages are handled
// strictly one at a time; Run returns after the connection is closed.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.conn.Connect(); err != nil {
		return err
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	if err := c.setup(ch); err != nil {
		_ = c.conn.Close()
		return err
	}

	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.mu.Lock()
	c.ch = ch
	c.consuming = true
	c.mu.Unlock()
	c.log.WithField("queue", c.queue).Info("consuming")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-done:
		}
	}()

	// The range ends when the deliveries channel closes: after a local
	// cancel from Stop, a broker-side cancel, or a dropped connection. All
	// three finish the in-flight handler first, then fall through to close.
	for d := range deliveries {
		c.handleDelivery(ctx, d)
	}

	c.mu.Lock()
	c.consuming = false
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Consumer) setup(ch *amqp.Channel) error {
	if err := declareExchange(ch, c.exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	if err := ch.QueueBind(c.queue, c.queue, c.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", c.queue, err)
	}
	// In production, experiment with higher prefetch values for higher
	// consumer throughput.
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	if err := c.handler(ctx, d); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"queue":        c.queue,
			"delivery_tag": d.DeliveryTag,
		}).Warn("handler failed, message returned to broker")
		if err := d.Nack(false, true); err != nil {
			c.log.WithError(err).Error("nack failed")
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.log.WithError(err).Error("ack failed")
	}
}

// Stop shuts the consumer down. While consuming it cancels the subscription
// and lets Run drain the in-flight delivery before closing the connection;
// otherwise it closes immediately. Repeated calls are no-ops.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	consuming := c.consuming
	ch := c.ch
	c.mu.Unlock()

	if consuming && ch != nil {
		if err := ch.Cancel(c.tag, false); err != nil {
			c.log.WithError(err).Warn("cancel subscription failed, closing connection")
			_ = c.conn.Close()
		}
		return
	}
	_ = c.conn.Close()
}
