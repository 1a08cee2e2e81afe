// ABOUTME: AMQP mirror that republishes conversation events to a RabbitMQ topic exchange
// ABOUTME: Events are wrapped in a meta/data envelope keyed by topic

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Envelope is the wire format of a mirrored event
type Envelope struct {
	Meta EnvelopeMeta `json:"meta"`
	Data any          `json:"data"`
}

// EnvelopeMeta identifies a mirrored event
type EnvelopeMeta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
}

// NewEnvelope wraps an event for the wire. The conversation id is used as
// the correlation id so consumers can group a conversation's events.
func NewEnvelope(e Event) Envelope {
	return Envelope{
		Meta: EnvelopeMeta{
			ID:            e.ID,
			Type:          string(e.Topic) + ".v1",
			Time:          e.OccurredAt,
			CorrelationID: e.ConversationID(),
			Producer:      "switchboard",
		},
		Data: e,
	}
}

// AMQPMirror publishes events to a durable topic exchange
type AMQPMirror struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPMirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	return &AMQPMirror{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "amqp-mirror"),
	}, nil
}

// Mirror publishes one event using its topic as the routing key
func (m *AMQPMirror) Mirror(ctx context.Context, e Event) error {
	env := NewEnvelope(e)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("amqp connection closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, m.exchange, string(e.Topic), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         env.Meta.Producer,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", e.Topic, err)
	}
	m.logger.Debug("mirrored event", "topic", e.Topic, "event_id", e.ID)
	return nil
}

// Close closes the broker connection
func (m *AMQPMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}
