package mq

import (
	"context"
	"errors"
	"io"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	acked   []uint64
	nacked  []uint64
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return errors.New("unexpected reject")
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "test")
}

func TestHandleDeliveryAcksOnSuccess(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := NewConsumer("amqp://localhost", "q", "x", func(ctx context.Context, d amqp.Delivery) error {
		return nil
	}, testLogger())

	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 7})
	require.Equal(t, []uint64{7}, ack.acked)
	require.Empty(t, ack.nacked)
}

func TestHandleDeliveryNacksOnHandlerError(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := NewConsumer("amqp://localhost", "q", "x", func(ctx context.Context, d amqp.Delivery) error {
		return errors.New("boom")
	}, testLogger())

	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 3})
	require.Empty(t, ack.acked)
	require.Equal(t, []uint64{3}, ack.nacked)
	require.True(t, ack.requeue)
}

func TestHandleDeliveryKeepsConsumingAfterFailure(t *testing.T) {
	// One failing message must not stop the consumer from handling the next.
	ack := &fakeAcknowledger{}
	calls := 0
	c := NewConsumer("amqp://localhost", "q", "x", func(ctx context.Context, d amqp.Delivery) error {
		calls++
		if calls == 1 {
			return errors.New("first fails")
		}
		return nil
	}, testLogger())

	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1})
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 2})
	require.Equal(t, []uint64{1}, ack.nacked)
	require.Equal(t, []uint64{2}, ack.acked)
}

func TestStopBeforeRunIsNoop(t *testing.T) {
	c := NewConsumer("amqp://localhost", "q", "x", nil, testLogger())
	c.Stop()
	c.Stop()
	require.Equal(t, Disconnected, c.conn.State())
}

func TestPublisherFailsFastWhenNotOpen(t *testing.T) {
	p := NewPublisher("amqp://localhost", "test-app", testLogger())
	err := p.Publish(context.Background(), Exchange, QueueDataProcessing, []byte(`{}`))
	require.ErrorIs(t, err, ErrChannelNotOpen)
}

func TestConnectionCloseIdempotent(t *testing.T) {
	c := NewConnection("amqp://localhost", testLogger())
	require.Equal(t, Disconnected, c.State())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, Disconnected, c.State())
}

func TestConnectionChannelNotReady(t *testing.T) {
	c := NewConnection("amqp://localhost", testLogger())
	_, err := c.Channel()
	require.ErrorIs(t, err, ErrChannelNotOpen)
}

func TestUnexpectedCloseResetsConnection(t *testing.T) {
	c := NewConnection("amqp://localhost", testLogger())
	c.mu.Lock()
	c.state = Ready
	c.mu.Unlock()

	c.onClosed("channel", &amqp.Error{Code: 320, Reason: "forced"})
	require.Equal(t, Disconnected, c.State())
	_, err := c.Channel()
	require.ErrorIs(t, err, ErrChannelNotOpen)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disconnected", Disconnected.String())
	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "connected", Connected.String())
	require.Equal(t, "ready", Ready.String())
	require.Equal(t, "closing", Closing.String())
}
