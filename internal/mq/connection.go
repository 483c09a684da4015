// Package mq is the RabbitMQ client layer shared by the api, splitter and
// processor services. A Connection owns exactly one AMQP connection and one
// channel; Publisher and Consumer are built on top of it.
package mq

import (
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrChannelNotOpen is returned when a publish or consume is attempted while
// the connection is not Ready.
var ErrChannelNotOpen = errors.New("mq: channel not open")

// State is the lifecycle of a Connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Ready
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Connection manages a single logical connection to the broker plus the one
// channel everything on this connection uses. Unexpected connection or
// channel closure resets the state to Disconnected so subsequent operations
// fail fast instead of blocking; no automatic reconnect is attempted here,
// that is left to the orchestration layer.
type Connection struct {
	url string
	log *logrus.Entry

	mu    sync.Mutex
	state State
	conn  *amqp.Connection
	ch    *amqp.Channel
}

// NewConnection creates an unconnected Connection.
func NewConnection(url string, log *logrus.Entry) *Connection {
	return &Connection{url: url, log: log}
}

// Connect dials the broker and opens the channel, moving the connection
// through Connecting and Connected into Ready. It returns once the channel is
// usable or with the first error encountered.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Disconnected {
		return fmt.Errorf("mq: connect in state %s", c.state)
	}
	c.state = Connecting
	c.log.WithField("url", c.url).Info("connecting to broker")

	conn, err := amqp.Dial(c.url)
	if err != nil {
		c.state = Disconnected
		return fmt.Errorf("dial broker: %w", err)
	}
	c.conn = conn
	c.state = Connected

	ch, err := conn.Channel()
	if err != nil {
		c.conn = nil
		c.state = Disconnected
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	c.ch = ch
	c.state = Ready

	go c.watchClose(conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))
	return nil
}

// watchClose resets the connection to Disconnected when the broker closes the
// connection or the channel underneath us.
func (c *Connection) watchClose(connClosed, chClosed chan *amqp.Error) {
	select {
	case err := <-connClosed:
		c.onClosed("connection", err)
	case err := <-chClosed:
		c.onClosed("channel", err)
	}
}

func (c *Connection) onClosed(what string, err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closing || c.state == Disconnected {
		// Deliberate close; nothing to report.
		return
	}
	if err != nil {
		c.log.WithError(err).Warnf("%s closed by broker", what)
	} else {
		c.log.Warnf("%s closed", what)
	}
	c.ch = nil
	c.conn = nil
	c.state = Disconnected
}

// Channel returns the open channel, or ErrChannelNotOpen when the connection
// is not Ready.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Ready || c.ch == nil {
		return nil, ErrChannelNotOpen
	}
	return c.ch, nil
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the connection down. Closing an already-closed or never-opened
// connection is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == Disconnected || c.state == Closing {
		c.mu.Unlock()
		return nil
	}
	c.state = Closing
	conn := c.conn
	c.conn = nil
	c.ch = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		// Closing the connection closes its channels as well.
		err = conn.Close()
	}

	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}
