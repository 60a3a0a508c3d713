package broker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/dockschedule/dockschedule/pkg/config"
	"github.com/dockschedule/dockschedule/pkg/log"
)

const (
	// ExchangeName is the single direct exchange all jobs flow through
	ExchangeName = "dock-schedule"
	// QueueName doubles as the routing key on the direct exchange
	QueueName = "job-queue"

	heartbeat          = 15 * time.Second
	prefetchCount      = 3
	maxConnectAttempts = 36
	reconnectDelay     = 5 * time.Second
	blockedWait        = 180 * time.Second
	reconnectWait      = 1800 * time.Second
	confirmTimeout     = 30 * time.Second
	stopJoinTimeout    = 3 * time.Second
	returnResendDelay  = time.Second
)

// DeliveryHandler is invoked for every consumed message. The handler owns
// acknowledgement: call d.Ack or d.Nack when done.
type DeliveryHandler func(d amqp.Delivery)

// session is one live connection plus the notification channels the I/O
// loop selects on. A new session is built for every (re)connect.
type session struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	closeCh   chan *amqp.Error
	blockedCh chan amqp.Blocking
	returnCh  chan amqp.Return
}

// Client is a single-queue broker session owned by one publisher pool
// member or worker thread.
type Client struct {
	clientID string
	cfg      *config.Config
	logger   zerolog.Logger

	mu            sync.Mutex
	conn          *amqp.Connection
	ch            *amqp.Channel
	ready         chan struct{} // closed while a session is usable
	unblocked     chan struct{} // closed while the broker is not blocking us
	blocked       bool
	queueDeclared bool
	handler       DeliveryHandler

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewClient creates a broker client. Nothing connects until Start.
func NewClient(clientID string, cfg *config.Config) *Client {
	unblocked := make(chan struct{})
	close(unblocked)
	return &Client{
		clientID:  clientID,
		cfg:       cfg,
		logger:    log.WithClientID(clientID).With().Str("component", "broker").Logger(),
		ready:     make(chan struct{}),
		unblocked: unblocked,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the I/O loop and blocks until the exchange is declared on
// an open channel, or the reconnect budget is exhausted.
func (c *Client) Start() error {
	if c.stopped.Load() {
		return fmt.Errorf("broker client is stopped")
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("broker client already started")
	}
	c.logger.Info().Msg("Starting broker session")
	go c.loop()
	if c.waitChannel(reconnectWait) == nil {
		return fmt.Errorf("failed to establish broker session")
	}
	return nil
}

// Stop closes the channel and connection and joins the I/O loop
func (c *Client) Stop() bool {
	if !c.stopped.CompareAndSwap(false, true) {
		return true
	}
	c.logger.Info().Msg("Stopping broker session")
	close(c.stopCh)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if !c.started.Load() {
		return true
	}
	select {
	case <-c.done:
		return true
	case <-time.After(stopJoinTimeout):
		c.logger.Error().Msg("Timeout joining broker I/O loop")
		return false
	}
}

// Send publishes body with the given message ID and waits for the publisher
// confirm. Returns true only if the broker acknowledged the frame. A nack
// forces a reconnect so the next Send re-establishes channel state.
func (c *Client) Send(body []byte, messageID string) bool {
	if c.stopped.Load() {
		c.logger.Error().Msg("Send on stopped broker client")
		return false
	}
	if !c.waitUnblocked() {
		return false
	}
	ch := c.waitChannel(reconnectWait)
	if ch == nil {
		c.logger.Error().Msg("Failed to send message: no broker session")
		return false
	}
	if !c.ensureQueue(ch) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), confirmTimeout)
	defer cancel()
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, ExchangeName, QueueName, true, false,
		amqp.Publishing{
			ContentType:  "application/octet-stream",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Body:         body,
		})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to publish message")
		return false
	}
	select {
	case <-dc.Done():
		if !dc.Acked() {
			c.logger.Error().Str("message_id", messageID).Msg("Publish nacked by broker, forcing reconnect")
			c.forceReconnect()
			return false
		}
	case <-ctx.Done():
		c.logger.Error().Str("message_id", messageID).Msg("Timeout waiting for publisher confirm")
		return false
	}
	c.logger.Info().Str("message_id", shortID(messageID)).Msg("Sent job to queue")
	return true
}

// Consume registers the delivery handler and starts consuming with
// prefetch 3 and manual acknowledgement. The consumer is re-established
// automatically after every reconnect.
func (c *Client) Consume(handler DeliveryHandler) error {
	if handler == nil {
		return fmt.Errorf("nil delivery handler")
	}
	c.mu.Lock()
	c.handler = handler
	ch := c.ch
	c.mu.Unlock()
	if ch != nil {
		return c.startConsumer(ch, handler)
	}
	return nil
}

// loop drives connect, serve and reconnect until Stop. The attempt counter
// resets on every successful connect; the first retry after a drop is
// immediate, later ones wait out the reconnect delay.
func (c *Client) loop() {
	defer close(c.done)
	attempt := 0
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		sess, err := c.dial()
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to connect to broker")
			attempt++
			if attempt >= maxConnectAttempts {
				c.logger.Error().Msg("Broker reconnect budget exhausted")
				return
			}
			c.logger.Info().
				Int("attempt", attempt).
				Int("max", maxConnectAttempts-1).
				Msg("Reconnecting to broker")
			select {
			case <-time.After(reconnectDelay):
			case <-c.stopCh:
				return
			}
			continue
		}
		c.logger.Info().Msg("Successfully connected to broker")
		attempt = 0
		c.serve(sess)
		// reconnect after a drop is immediate; dial failures from here on
		// wait out the reconnect delay
	}
}

// dial opens a connection and channel, declares the exchange and wires the
// notification channels. The channel is put in confirm mode up front.
func (c *Client) dial() (*session, error) {
	creds, err := c.cfg.LoadBrokerCredentials()
	if err != nil {
		return nil, err
	}
	serverName := c.cfg.BrokerAddr
	if host, _, ok := strings.Cut(serverName, ":"); ok {
		serverName = host
	}
	tlsCfg, err := c.cfg.ClientTLS(serverName)
	if err != nil {
		return nil, err
	}
	uri := fmt.Sprintf("amqps://%s:%s@%s/%s",
		url.QueryEscape(creds.User), url.QueryEscape(creds.Password),
		c.cfg.BrokerAddr, url.QueryEscape(creds.VHost))
	conn, err := amqp.DialConfig(uri, amqp.Config{
		Heartbeat:       heartbeat,
		TLSClientConfig: tlsCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("broker dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	if err := ch.ExchangeDeclare(ExchangeName, "direct", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("exchange declare: %w", err)
	}
	sess := &session{
		conn:      conn,
		ch:        ch,
		closeCh:   conn.NotifyClose(make(chan *amqp.Error, 1)),
		blockedCh: conn.NotifyBlocked(make(chan amqp.Blocking, 1)),
		returnCh:  ch.NotifyReturn(make(chan amqp.Return, 1)),
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	handler := c.handler
	close(c.ready)
	c.mu.Unlock()

	if handler != nil {
		if err := c.startConsumer(ch, handler); err != nil {
			c.logger.Error().Err(err).Msg("Failed to restart consumer")
		}
	}
	return sess, nil
}

// serve blocks on the session's notification channels until the connection
// drops or the client stops
func (c *Client) serve(sess *session) {
	defer c.markNotReady()
	for {
		select {
		case <-c.stopCh:
			_ = sess.conn.Close()
			return
		case err, ok := <-sess.closeCh:
			if ok && err != nil {
				c.logger.Error().Str("reason", err.Error()).Msg("Broker connection closed")
			}
			return
		case b, ok := <-sess.blockedCh:
			if !ok {
				sess.blockedCh = nil
				continue
			}
			c.setBlocked(b.Active, b.Reason)
		case r, ok := <-sess.returnCh:
			if !ok {
				sess.returnCh = nil
				continue
			}
			go c.resendReturned(r)
		}
	}
}

// resendReturned re-publishes an unroutable message with the same routing
// key, keeping at-least-once delivery intact while topology settles
func (c *Client) resendReturned(r amqp.Return) {
	c.logger.Error().Str("message_id", shortID(r.MessageId)).Msg("Message returned, resending to queue")
	time.Sleep(returnResendDelay)
	if !c.Send(r.Body, r.MessageId) {
		c.logger.Error().Str("message_id", shortID(r.MessageId)).Msg("Failed to resend returned message")
	}
}

func (c *Client) startConsumer(ch *amqp.Channel, handler DeliveryHandler) error {
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(QueueName, QueueName, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}
	deliveries, err := ch.Consume(QueueName, c.clientID, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.logger.Info().Msg("Consuming messages from queue")
	go func() {
		for d := range deliveries {
			handler(d)
		}
	}()
	return nil
}

// ensureQueue declares the durable queue once per session on the publish
// path, matching the consumer side declaration
func (c *Client) ensureQueue(ch *amqp.Channel) bool {
	c.mu.Lock()
	declared := c.queueDeclared
	c.mu.Unlock()
	if declared {
		return true
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		c.logger.Error().Err(err).Msg("Failed to declare queue")
		return false
	}
	c.mu.Lock()
	c.queueDeclared = true
	c.mu.Unlock()
	return true
}

// forceReconnect drops the connection; the I/O loop rebuilds the session
func (c *Client) forceReconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) markNotReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.ch = nil
	c.queueDeclared = false
	c.ready = make(chan struct{})
	if c.blocked {
		c.blocked = false
		close(c.unblocked)
	}
}

func (c *Client) setBlocked(active bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if active && !c.blocked {
		c.logger.Warn().Str("reason", reason).Msg("Connection blocked by broker, waiting for unblock")
		c.blocked = true
		c.unblocked = make(chan struct{})
	} else if !active && c.blocked {
		c.logger.Info().Msg("Connection unblocked, resuming operations")
		c.blocked = false
		close(c.unblocked)
	}
}

// waitChannel parks until a session is usable, the timeout elapses, or the
// client stops. Returns nil when no session could be obtained.
func (c *Client) waitChannel(timeout time.Duration) *amqp.Channel {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		ch, ready := c.ch, c.ready
		c.mu.Unlock()
		if ch != nil {
			return ch
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.logger.Error().Msg("Timeout waiting for broker session")
			return nil
		}
		select {
		case <-ready:
		case <-c.stopCh:
			return nil
		case <-c.done:
			return nil
		case <-time.After(remaining):
			c.logger.Error().Msg("Timeout waiting for broker session")
			return nil
		}
	}
}

// waitUnblocked parks while the broker has the connection blocked on a
// resource alarm, up to the blocked-wait budget
func (c *Client) waitUnblocked() bool {
	c.mu.Lock()
	unblocked := c.unblocked
	c.mu.Unlock()
	select {
	case <-unblocked:
		return true
	case <-c.stopCh:
		return false
	case <-time.After(blockedWait):
		c.logger.Error().Msg("Timeout waiting for connection unblock")
		return false
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
