package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection for the vault services. Several
// consumers may subscribe to the same subject; the client keeps one
// NATS subscription per subject and fans each message out to every
// registered handler.
type Client struct {
	conn       *nats.Conn
	subs       map[string]*nats.Subscription
	handlers   map[string][]nats.MsgHandler
	mu         sync.RWMutex
	source     string
	reconnects int
	connected  bool
}

// Config holds NATS connection settings.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient connects to NATS.
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client := &Client{
		conn:      conn,
		subs:      make(map[string]*nats.Subscription),
		handlers:  make(map[string][]nats.MsgHandler),
		source:    cfg.Name,
		connected: true,
	}

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		client.mu.Lock()
		client.reconnects++
		client.connected = true
		client.mu.Unlock()
	})
	conn.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		client.mu.Lock()
		client.connected = false
		client.mu.Unlock()
	})

	return client, nil
}

// Publish wraps data in an Event envelope and publishes it.
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("not connected")
	}

	event, err := NewEvent(subject, c.source, data)
	if err != nil {
		return fmt.Errorf("failed to build event: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// Subscribe registers a handler for a subject. Additional handlers on
// an already-subscribed subject join the existing subscription.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		c.handlers[subject] = append(c.handlers[subject], handler)
		return nil
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		c.dispatch(subject, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.subs[subject] = sub
	c.handlers[subject] = append(c.handlers[subject], handler)
	return nil
}

func (c *Client) dispatch(subject string, msg *nats.Msg) {
	c.mu.RLock()
	handlers := make([]nats.MsgHandler, len(c.handlers[subject]))
	copy(handlers, c.handlers[subject])
	c.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// QueueSubscribe registers a handler within a queue group so only one
// member of the group receives each message.
func (c *Client) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subject + ":" + queue
	if _, exists := c.subs[key]; exists {
		return fmt.Errorf("already subscribed to %s with queue %s", subject, queue)
	}

	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("failed to queue subscribe: %w", err)
	}
	c.subs[key] = sub
	return nil
}

// Unsubscribe removes a subject's subscription and every handler
// registered on it.
func (c *Client) Unsubscribe(subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, exists := c.subs[subject]
	if !exists {
		return fmt.Errorf("not subscribed to %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	delete(c.subs, subject)
	delete(c.handlers, subject)
	return nil
}

// IsConnected returns connection status.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.conn != nil && c.conn.IsConnected()
}

// Reconnects returns how many times the connection was re-established.
func (c *Client) Reconnects() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnects
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, subject)
		delete(c.handlers, subject)
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
	return nil
}

// Drain flushes pending messages before closing.
func (c *Client) Drain() error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.Drain()
}
