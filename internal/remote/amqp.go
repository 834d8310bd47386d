package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// StateReporter receives reachability observations from the transport.
// Satisfied by connectivity.Monitor.
type StateReporter interface {
	Report(online bool)
}

// AMQPChannel implements Channel over a RabbitMQ topic exchange.
//
// Topology: clients publish submissions with routing key "submit.<conv>";
// the server-side sequencer consumes those, assigns per-conversation
// sequence numbers, and republishes confirmed Records with routing key
// "feed.<conv>". Each subscriber binds a durable per-profile queue to its
// conversation's feed key. Broker connection state feeds the connectivity
// monitor.
type AMQPChannel struct {
	url      string
	exchange string
	profile  string
	reporter StateReporter
	logger   *zap.Logger

	mu     sync.Mutex
	conn   *amqp091.Connection
	ch     *amqp091.Channel
	closed bool
}

// DialAMQP connects to the broker and declares the exchange. The reporter
// observes every connection transition, starting with the initial dial.
func DialAMQP(url, exchange, profile string, reporter StateReporter, logger *zap.Logger) (*AMQPChannel, error) {
	c := &AMQPChannel{
		url:      url,
		exchange: exchange,
		profile:  profile,
		reporter: reporter,
		logger:   logger,
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *AMQPChannel) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		c.exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()

	c.reporter.Report(true)

	closeCh := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go c.watchClose(closeCh)
	return nil
}

func (c *AMQPChannel) watchClose(closeCh <-chan *amqp091.Error) {
	err := <-closeCh
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.logger.Warn("broker connection lost", zap.Error(err))
	c.reporter.Report(false)

	backoff := time.Second
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.connect(); err == nil {
			c.logger.Info("broker connection restored")
			return
		}
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Write implements Channel. Broker unavailability and publish failures are
// transient; the outbox owns the retry.
func (c *AMQPChannel) Write(ctx context.Context, conversationID string, msg *Message) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		return Transient(fmt.Errorf("broker not connected"))
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return &PermanentError{Reason: "unencodable message", Err: err}
	}

	err = ch.PublishWithContext(ctx,
		c.exchange,
		"submit."+conversationID,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    msg.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return Transient(fmt.Errorf("publish: %w", err))
	}
	return nil
}

// Subscribe implements Channel. Records at or below sinceSeq that the broker
// redelivers are skipped client-side; the durable queue plus explicit acks
// cover at-least-once delivery across reconnects.
func (c *AMQPChannel) Subscribe(ctx context.Context, conversationID string, sinceSeq int64) (<-chan Record, CancelFunc, error) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		return nil, nil, Transient(fmt.Errorf("broker not connected"))
	}

	queueName := fmt.Sprintf("%s.%s.%s", c.exchange, c.profile, conversationID)
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return nil, nil, Transient(fmt.Errorf("declare queue: %w", err))
	}
	if err := ch.QueueBind(queueName, "feed."+conversationID, c.exchange, false, nil); err != nil {
		return nil, nil, Transient(fmt.Errorf("bind queue: %w", err))
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, nil, Transient(fmt.Errorf("consume: %w", err))
	}

	out := make(chan Record, 256)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					// Broker-side drop: closing out signals loss to the
					// registry, which resubscribes from its checkpoint.
					return
				}
				var rec Record
				if err := json.Unmarshal(d.Body, &rec); err != nil {
					c.logger.Warn("discarding undecodable record",
						zap.String("conversation", conversationID), zap.Error(err))
					_ = d.Ack(false)
					continue
				}
				if rec.Seq <= sinceSeq {
					_ = d.Ack(false)
					continue
				}
				select {
				case out <- rec:
					_ = d.Ack(false)
				case <-subCtx.Done():
					_ = d.Nack(false, true)
					return
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return out, CancelFunc(cancel), nil
}

// Close tears down the broker connection. Write and Subscribe fail after.
func (c *AMQPChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
