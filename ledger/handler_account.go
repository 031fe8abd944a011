/*
handler_account.go - Create and update account units of work

PURPOSE:
  Builds the atomic writes behind create_account and update_account.
  Neither build performs a contended read-modify-write: account creation
  rides the unique index on (instance_id, address), and field updates never
  touch balance buckets or row_version. The OCC processor still wraps them
  for uniformity; they simply never collide.

IMMUTABILITY:
  type, currency, address, and normal_balance are fixed at creation.
  update_account applies name and description; empty payload fields leave
  the stored value unchanged.
*/
package ledger

import (
	"context"
	"errors"
	"time"
)

// AccountHandler builds units of work for account commands.
type AccountHandler struct {
	queue *Queue
	clock Clock
}

// NewAccountHandler wires the handler to the queue transitions it finishes
// with.
func NewAccountHandler(queue *Queue, clock Clock) *AccountHandler {
	return &AccountHandler{queue: queue, clock: clock}
}

// NewAccount materializes an account row from a create payload. Balances
// start at zero and the normal side derives from the type.
func NewAccount(instanceID InstanceID, data AccountData, now time.Time) Account {
	return Account{
		ID:            AccountID(NewID()),
		InstanceID:    instanceID,
		Address:       data.Address,
		Name:          data.Name,
		Description:   data.Description,
		Type:          data.Type,
		Currency:      data.Currency,
		NormalBalance: NormalBalanceFor(data.Type),
		InsertedAt:    now,
		UpdatedAt:     now,
	}
}

// BuildCreate returns the unit of work for one create_account attempt.
func (h *AccountHandler) BuildCreate(cmd Command, item CommandQueueItem) *Multi {
	var created Account

	m := NewMulti()
	m.Add(StepAccount, func(ctx context.Context, s Store) error {
		data, ok := cmd.Map.AccountPayload()
		if !ok {
			return &PermanentError{Err: errors.New("command payload is not account data")}
		}
		created = NewAccount(cmd.InstanceID, data, h.clock.Now())
		return s.CreateAccount(ctx, created)
	})
	m.Add(StepJournalEvent, func(ctx context.Context, s Store) error {
		ev := NewJournalEvent(cmd, []AccountID{created.ID}, nil, h.clock.Now())
		return s.AppendJournalEvent(ctx, ev)
	})
	m.Add(StepQueueItem, func(ctx context.Context, s Store) error {
		_, err := h.queue.MarkProcessed(ctx, s, item)
		return err
	})
	return m
}

// BuildUpdate returns the unit of work for one update_account attempt. A
// missing account is permanent: the address is the caller's lookup key and
// retrying cannot conjure the row.
func (h *AccountHandler) BuildUpdate(cmd Command, item CommandQueueItem) *Multi {
	var target Account

	m := NewMulti()
	m.Add(StepAccount, func(ctx context.Context, s Store) error {
		data, ok := cmd.Map.AccountPayload()
		if !ok {
			return &PermanentError{Err: errors.New("command payload is not account data")}
		}
		a, err := s.AccountByAddress(ctx, cmd.InstanceID, data.Address)
		if IsNotFound(err) {
			return &PermanentError{Err: errors.New("Account does not exist")}
		}
		if err != nil {
			return err
		}

		name := a.Name
		if data.Name != "" {
			name = data.Name
		}
		description := a.Description
		if data.Description != "" {
			description = data.Description
		}
		now := h.clock.Now()
		if err := s.UpdateAccountFields(ctx, a.ID, name, description, now); err != nil {
			return err
		}
		a.Name = name
		a.Description = description
		a.UpdatedAt = now
		target = a
		return nil
	})
	m.Add(StepJournalEvent, func(ctx context.Context, s Store) error {
		ev := NewJournalEvent(cmd, []AccountID{target.ID}, nil, h.clock.Now())
		return s.AppendJournalEvent(ctx, ev)
	})
	m.Add(StepQueueItem, func(ctx context.Context, s Store) error {
		_, err := h.queue.MarkProcessed(ctx, s, item)
		return err
	})
	return m
}
