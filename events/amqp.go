/*
Package events provides the RabbitMQ publisher for committed journal events.

PURPOSE:
  Implements ledger.Publisher over an AMQP topic exchange. Every processed
  command's journal event is published once, after the store commit, with a
  routing key derived from the action so consumers can bind selectively
  (e.g. "ledger.create_transaction").

DELIVERY SEMANTICS:
  At-least-once from the consumer's point of view: the journal row commits
  first and the publish happens after, so a crash in between drops the
  publish but never the record. Consumers dedupe on the event id, which is
  stable across redeliveries.

WIRE FORMAT:
  JSON envelope with snake_case fields, persistent delivery mode, message id
  set to the event id.

SEE ALSO:
  - ledger/events.go: Publisher interface and the NopPublisher fallback
  - ledger/dispatcher.go: The post-commit publish call
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/warp/ledger-engine/ledger"
)

// AMQPPublisher delivers journal events to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	mu       sync.Mutex
}

// NewAMQPPublisher dials the broker and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
	}, nil
}

// eventEnvelope is the published JSON shape. Kept separate from the entity
// so the wire contract survives internal renames.
type eventEnvelope struct {
	ID             string            `json:"id"`
	InstanceID     string            `json:"instance_id"`
	CommandID      string            `json:"command_id"`
	Action         string            `json:"action"`
	Source         string            `json:"source"`
	SourceIdempk   string            `json:"source_idempk"`
	Map            ledger.CommandMap `json:"map"`
	AccountIDs     []string          `json:"account_ids"`
	TransactionIDs []string          `json:"transaction_ids"`
	InsertedAt     time.Time         `json:"inserted_at"`
}

func envelope(ev ledger.JournalEvent) eventEnvelope {
	accounts := make([]string, len(ev.AccountIDs))
	for i, id := range ev.AccountIDs {
		accounts[i] = string(id)
	}
	txns := make([]string, len(ev.TransactionIDs))
	for i, id := range ev.TransactionIDs {
		txns[i] = string(id)
	}
	return eventEnvelope{
		ID:             string(ev.ID),
		InstanceID:     string(ev.InstanceID),
		CommandID:      string(ev.CommandID),
		Action:         string(ev.Action),
		Source:         ev.Source,
		SourceIdempk:   ev.SourceIdempk,
		Map:            ev.Map,
		AccountIDs:     accounts,
		TransactionIDs: txns,
		InsertedAt:     ev.InsertedAt,
	}
}

// Publish sends one event with routing key "ledger.<action>".
func (p *AMQPPublisher) Publish(ctx context.Context, ev ledger.JournalEvent) error {
	body, err := json.Marshal(envelope(ev))
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		"ledger."+string(ev.Action), // routing key
		false,                       // mandatory
		false,                       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    string(ev.ID),
			Timestamp:    ev.InsertedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close shuts down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// Interface guard.
var _ ledger.Publisher = (*AMQPPublisher)(nil)
