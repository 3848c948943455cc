// Package bus carries command and event envelopes over AMQP topic exchanges.
//
// Commands are consumed with manual acknowledgement: a delivery is acked only
// after its handler returned nil and is dead-lettered (nack without requeue)
// otherwise, unless the handler asked for a requeue. Handlers run detached from
// the consumer's cancellation, so a command in flight at shutdown completes and
// is acked. Events are published best-effort: while the broker is unreachable
// they are logged and dropped.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	v1 "watink/shared/contracts/bus/v1"
)

var (
	ErrNotConnected = errors.New("bus: not connected")
	ErrClosed       = errors.New("bus: closed")

	// ErrRequeue marks handler errors whose delivery should go back on the queue.
	ErrRequeue = errors.New("bus: requeue")
)

// Requeue wraps err so the failed command is redelivered instead of
// dead-lettered. Use it for failures that say nothing about the command itself,
// such as the handler shutting down.
func Requeue(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRequeue, err)
}

const (
	defaultReconnectDelay = 5 * time.Second
	defaultPrefetch       = 16
	consumerTag           = "watink-gateway"
)

// Config configures the adapter. Empty names derive from Namespace.
type Config struct {
	URL       string
	Namespace string

	CommandExchange string
	EventExchange   string
	CommandQueue    string

	Prefetch       int
	ReconnectDelay time.Duration

	Log *slog.Logger
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Namespace) == "" {
		c.Namespace = v1.DefaultNamespace
	}
	if c.CommandExchange == "" {
		c.CommandExchange = c.Namespace + ".commands"
	}
	if c.EventExchange == "" {
		c.EventExchange = c.Namespace + ".events"
	}
	if c.CommandQueue == "" {
		c.CommandQueue = c.Namespace + ".gateway.commands"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = defaultPrefetch
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Handler processes one command envelope. Returning an error dead-letters it,
// or requeues it when the error wraps ErrRequeue.
type Handler func(ctx context.Context, env v1.Envelope) error

// Client is the broker adapter. It is safe for concurrent use.
type Client struct {
	cfg  Config
	log  *slog.Logger
	dial dialFunc

	mu    sync.Mutex
	conn  connection
	pub   channel
	ready chan struct{} // closed while connected; replaced on loss
	done  bool

	pubMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns an unconnected client. Call Connect before use.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:   cfg,
		log:   cfg.Log.With("component", "bus"),
		dial:  dialAMQP,
		ready: make(chan struct{}),
		stop:  make(chan struct{}),
	}
}

// Namespace is the routing key namespace.
func (c *Client) Namespace() string { return c.cfg.Namespace }

// Connect dials until it succeeds or ctx ends. After the first success a watcher
// re-runs the dial loop whenever the connection is lost.
func (c *Client) Connect(ctx context.Context) error {
	return c.connectLoop(ctx)
}

func (c *Client) connectLoop(ctx context.Context) error {
	attempt := 0
	for {
		attempt++
		err := c.connectOnce(ctx)
		if err == nil {
			if attempt > 1 {
				c.log.Info("bus.connect.ok", "attempts", attempt)
			} else {
				c.log.Info("bus.connect.ok")
			}
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		c.log.Warn("bus.connect.fail", "attempt", attempt, "retry_in", c.cfg.ReconnectDelay.String(), "err", err)

		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-c.stop:
			t.Stop()
			return ErrClosed
		case <-t.C:
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("channel: %w", err)
	}
	for _, ex := range []string{c.cfg.CommandExchange, c.cfg.EventExchange} {
		if err := ch.ExchangeDeclare(ex, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.pub = ch
	close(c.ready)
	c.mu.Unlock()

	go c.watch(ctx, closed)
	return nil
}

// watch waits for the connection to drop, then reconnects.
func (c *Client) watch(ctx context.Context, closed <-chan *amqp.Error) {
	var reason *amqp.Error
	select {
	case reason = <-closed:
	case <-c.stop:
		return
	case <-ctx.Done():
		return
	}

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.pub = nil
	c.ready = make(chan struct{})
	c.mu.Unlock()

	c.log.Warn("bus.connection.lost", "err", reason)
	if err := c.connectLoop(ctx); err != nil {
		c.log.Info("bus.reconnect.stop", "err", err)
		return
	}
	reconnects.Inc()
}

// Ready is closed while a connection is up.
func (c *Client) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// PublishEvent publishes env on the event exchange. It never blocks on a missing
// broker: without a live channel the event is dropped with ErrNotConnected.
func (c *Client) PublishEvent(ctx context.Context, routingKey string, env v1.Envelope) error {
	c.mu.Lock()
	ch := c.pub
	c.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		eventsDropped.WithLabelValues(env.Type).Inc()
		c.log.Warn("bus.publish.drop", "type", env.Type, "routing_key", routingKey, "err", ErrNotConnected)
		return ErrNotConnected
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", env.Type, err)
	}

	c.pubMu.Lock()
	err = ch.PublishWithContext(ctx, c.cfg.EventExchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    time.UnixMilli(env.Timestamp),
		Type:         env.Type,
		Body:         body,
	})
	c.pubMu.Unlock()
	if err != nil {
		eventsDropped.WithLabelValues(env.Type).Inc()
		c.log.Warn("bus.publish.fail", "type", env.Type, "routing_key", routingKey, "err", err)
		return fmt.Errorf("bus: publish %s: %w", env.Type, err)
	}

	eventsPublished.WithLabelValues(env.Type).Inc()
	return nil
}

// ConsumeCommands delivers commands to h one at a time until ctx ends. The
// consumer is re-established after every reconnect. Cancelling ctx stops new
// deliveries; the handler already running keeps a context without that
// cancellation and its outcome is still acked.
func (c *Client) ConsumeCommands(ctx context.Context, h Handler) error {
	for {
		deliveries, ch, err := c.openConsumer()
		if err == nil {
			c.log.Info("bus.consume.start", "queue", c.cfg.CommandQueue)
			c.drain(ctx, deliveries, h)
			_ = ch.Close()
		} else if !errors.Is(err, ErrNotConnected) {
			c.log.Warn("bus.consume.fail", "err", err)
		}

		if ctx.Err() != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		case <-c.nextReady():
		}
	}
}

func (c *Client) nextReady() <-chan struct{} {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		// Still connected: the consumer died on its own. Retry after a delay.
		out := make(chan struct{})
		time.AfterFunc(c.cfg.ReconnectDelay, func() { close(out) })
		return out
	default:
		return ready
	}
}

func (c *Client) openConsumer() (<-chan amqp.Delivery, channel, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("channel: %w", err)
	}
	fail := func(err error) (<-chan amqp.Delivery, channel, error) {
		_ = ch.Close()
		return nil, nil, err
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("qos: %w", err))
	}
	q, err := ch.QueueDeclare(c.cfg.CommandQueue, true, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("declare queue: %w", err))
	}
	for _, key := range []string{v1.GeneralCommandKey(c.cfg.Namespace), v1.CommandWildcard(c.cfg.Namespace)} {
		if err := ch.QueueBind(q.Name, key, c.cfg.CommandExchange, false, nil); err != nil {
			return fail(fmt.Errorf("bind %s: %w", key, err))
		}
	}
	deliveries, err := ch.Consume(q.Name, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume: %w", err))
	}
	return deliveries, ch, nil
}

func (c *Client) drain(ctx context.Context, deliveries <-chan amqp.Delivery, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.log.Info("bus.consume.closed")
				return
			}
			c.handle(context.WithoutCancel(ctx), d, h)
		}
	}
}

func (c *Client) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	var env v1.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		commandsConsumed.WithLabelValues("", "bad_json").Inc()
		c.log.Warn("bus.command.bad_json", "routing_key", d.RoutingKey, "err", err)
		if err := d.Nack(false, false); err != nil {
			c.log.Warn("bus.command.nack_fail", "err", err)
		}
		return
	}

	if err := h(ctx, env); err != nil {
		requeue := errors.Is(err, ErrRequeue)
		if requeue {
			commandsConsumed.WithLabelValues(env.Type, "requeue").Inc()
			c.log.Info("bus.command.requeue", "type", env.Type, "id", env.ID, "err", err)
		} else {
			commandsConsumed.WithLabelValues(env.Type, "nack").Inc()
			c.log.Warn("bus.command.fail", "type", env.Type, "id", env.ID, "err", err)
		}
		if err := d.Nack(false, requeue); err != nil {
			c.log.Warn("bus.command.nack_fail", "err", err)
		}
		return
	}

	commandsConsumed.WithLabelValues(env.Type, "ack").Inc()
	if err := d.Ack(false); err != nil {
		c.log.Warn("bus.command.ack_fail", "type", env.Type, "err", err)
	}
}

// Close stops reconnecting and closes the connection.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	c.done = true
	conn, pub := c.conn, c.pub
	c.conn, c.pub = nil, nil
	c.mu.Unlock()

	if pub != nil {
		_ = pub.Close()
	}
	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}
