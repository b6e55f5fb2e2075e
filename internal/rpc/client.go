package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Client publishes get_profile requests on a direct exchange routed by the
// destination application code, and collects replies on an exclusive
// auto-delete queue. One Client serves one calling goroutine at a time;
// concurrent callers should hold their own Client, matching the channel
// ownership rules of the underlying AMQP library.
type Client struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	replyQueue string
	deliveries <-chan amqp.Delivery
	ttl        time.Duration
	logger     *slog.Logger
}

// Dial connects to the broker and sets up the exchange and reply queue.
// ttl bounds how long an unconsumed request may sit in the broker.
func Dial(brokerURL, exchange string, ttl time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "rpc_client"))

	conn, err := amqp.Dial(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	return &Client{
		conn:       conn,
		ch:         ch,
		exchange:   exchange,
		replyQueue: q.Name,
		deliveries: deliveries,
		ttl:        ttl,
		logger:     logger,
	}, nil
}

// GetProfile publishes a profile lookup routed to appCode and returns the
// reply future. Publish-side failures land in the future's status rather
// than an error return, so callers have one place to inspect the outcome.
func (c *Client) GetProfile(ctx context.Context, appCode string, ids []int64, fields []string) *Reply {
	reply := newReply(uuid.NewString(), c.deliveries, c.logger)

	body, err := EncodeRequest(&ProfileRequest{IDs: ids, Fields: fields})
	if err != nil {
		reply.fail(StatusFailPublish, err.Error())
		return reply
	}

	if c.conn.IsClosed() {
		reply.fail(StatusFailConn, "broker connection closed")
		return reply
	}

	err = c.ch.PublishWithContext(ctx, c.exchange, appCode, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: reply.correlationID,
		ReplyTo:       c.replyQueue,
		Expiration:    strconv.FormatInt(c.ttl.Milliseconds(), 10),
		Body:          body,
	})
	if err != nil {
		c.logger.Warn("rpc publish failed",
			slog.String("app_code", appCode),
			slog.String("error", err.Error()),
		)
		reply.fail(StatusFailPublish, err.Error())
		return reply
	}

	reply.markStarted()
	return reply
}

// Close tears down the channel and connection.
func (c *Client) Close() error {
	if err := c.ch.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}
