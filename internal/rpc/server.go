package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shopfed/authcore/internal/identity"
	"github.com/shopfed/authcore/internal/model"
)

// profileFields are the attributes a get_profile request may project. The
// password hash is deliberately not among them.
var profileFields = map[string]struct{}{
	"profile_id":    {},
	"username":      {},
	"is_active":     {},
	"last_login_at": {},
	"created_at":    {},
}

// Server answers get_profile requests for one application code. It binds a
// durable queue to the direct exchange under its own routing key and
// replies on the queue named by each request.
type Server struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	exchange string
	store    *identity.Store
	logger   *slog.Logger
}

// NewServer connects to the broker and binds the request queue for appCode.
func NewServer(brokerURL, exchange, appCode string, store *identity.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "rpc_server"), slog.String("app_code", appCode))

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
	queueName := "get_profile." + appCode
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare request queue: %w", err)
	}
	if err := ch.QueueBind(queueName, appCode, exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind request queue: %w", err)
	}

	return &Server{
		conn:     conn,
		ch:       ch,
		queue:    queueName,
		exchange: exchange,
		store:    store,
		logger:   logger,
	}, nil
}

// Serve consumes requests until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	deliveries, err := s.ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume request queue: %w", err)
	}
	s.logger.Info("rpc server listening", slog.String("queue", s.queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("request channel closed")
			}
			s.handle(ctx, d)
		}
	}
}

func (s *Server) handle(ctx context.Context, d amqp.Delivery) {
	env := s.answer(ctx, d.Body)

	body, err := EncodeEnvelope(env)
	if err != nil {
		s.logger.Error("rpc reply encode failed", "error", err)
		d.Nack(false, false)
		return
	}
	err = s.ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Body:          body,
	})
	if err != nil {
		s.logger.Error("rpc reply publish failed", "error", err)
		d.Nack(false, false)
		return
	}
	d.Ack(false)
}

// answer resolves one request. Failures are reported inside the envelope so
// the caller's future sees REMOTE_ERROR rather than silence.
func (s *Server) answer(ctx context.Context, body []byte) *Envelope {
	req, err := DecodeRequest(body)
	if err != nil {
		return &Envelope{Status: StatusRemoteError, Error: err.Error()}
	}

	for _, f := range req.Fields {
		if _, ok := profileFields[f]; !ok {
			return &Envelope{Status: StatusRemoteError, Error: "unknown field " + f}
		}
	}

	profiles := make([]map[string]interface{}, 0, len(req.IDs))
	for _, id := range req.IDs {
		login, err := s.store.GetLogin(ctx, id)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				continue
			}
			return &Envelope{Status: StatusRemoteError, Error: err.Error()}
		}
		profiles = append(profiles, projectLogin(login, req.Fields))
	}

	result, err := encodeResult(profiles)
	if err != nil {
		return &Envelope{Status: StatusRemoteError, Error: err.Error()}
	}
	return &Envelope{Status: StatusSuccess, Result: result}
}

// projectLogin renders the requested fields of one account. An empty field
// list means every projectable field.
func projectLogin(login *model.Login, fields []string) map[string]interface{} {
	if len(fields) == 0 {
		fields = []string{"profile_id", "username", "is_active", "last_login_at", "created_at"}
	}
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		switch f {
		case "profile_id":
			out[f] = login.ProfileID
		case "username":
			out[f] = login.Username
		case "is_active":
			out[f] = login.IsActive
		case "last_login_at":
			out[f] = formatTimePtr(login.LastLoginAt)
		case "created_at":
			out[f] = login.CreatedAt.UTC().Format(time.RFC3339)
		}
	}
	return out
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// Close tears down the channel and connection.
func (s *Server) Close() error {
	if err := s.ch.Close(); err != nil {
		s.conn.Close()
		return err
	}
	return s.conn.Close()
}
