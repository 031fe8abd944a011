/*
events.go - Journal events and outbound publishing

PURPOSE:
  Every successful side effect appends one JournalEvent row inside the
  handler's transaction; that row is the durable source of truth. After the
  commit, the worker hands the event to a Publisher for external consumers.
  Publishing is best-effort: a failed publish is logged and never affects
  the command's status, because the journal row already records the fact.

SEE ALSO:
  - events/amqp: RabbitMQ publisher
  - dispatcher.go: The post-commit publish call
*/
package ledger

import (
	"context"
	"time"
)

// NewJournalEvent builds the append-only record of one side effect,
// echoing the originating command map for consumers.
func NewJournalEvent(cmd Command, accounts []AccountID, txns []TransactionID, now time.Time) JournalEvent {
	return JournalEvent{
		ID:             EventID(NewID()),
		InstanceID:     cmd.InstanceID,
		CommandID:      cmd.ID,
		Action:         cmd.Action,
		Source:         cmd.Source,
		SourceIdempk:   cmd.SourceIdempk,
		Map:            cmd.Map,
		AccountIDs:     accounts,
		TransactionIDs: txns,
		InsertedAt:     now,
	}
}

// Publisher delivers committed journal events to the outside world.
// Implementations must tolerate redelivery: the worker publishes after the
// commit, so a crash in between replays nothing, and consumers key on the
// event id.
type Publisher interface {
	// Publish delivers one event. Called outside any store transaction.
	Publish(ctx context.Context, ev JournalEvent) error

	// Close releases the underlying connection.
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, JournalEvent) error { return nil }
func (NopPublisher) Close() error                                { return nil }
