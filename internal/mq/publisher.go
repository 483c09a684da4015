package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher publishes JSON messages with fixed properties (content type and
// the publishing application's id). It does not retry: a publish against a
// closed channel fails fast with ErrChannelNotOpen and the caller decides
// whether to retry or escalate.
type Publisher struct {
	conn  *Connection
	appID string
}

// NewPublisher creates a Publisher identified as appID.
func NewPublisher(url, appID string, log *logrus.Entry) *Publisher {
	return &Publisher{
		conn:  NewConnection(url, log),
		appID: appID,
	}
}

// Connect opens the underlying connection and declares the exchange so
// publishes cannot race the broker topology.
func (p *Publisher) Connect(exchange string) error {
	if err := p.conn.Connect(); err != nil {
		return err
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := declareExchange(ch, exchange); err != nil {
		_ = p.conn.Close()
		return err
	}
	return nil
}

// Publish delivers one message to exchange with the given routing key.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		AppId:       p.appID,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// Close tears down the underlying connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}
