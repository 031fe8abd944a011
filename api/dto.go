/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal entities from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific derived fields (display amounts)
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

COMMAND INTAKE:
  There is no SubmitCommandRequest: the intake body IS a ledger.CommandMap,
  which carries its own JSON decoding (payload shape selected by action)
  and its own validation. The handler decodes straight into it.

AMOUNTS:
  Every balance and entry value is surfaced twice: the minor-unit integer
  the engine stores, and a decimal display string derived from the
  currency exponent. Clients doing arithmetic use the integer.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/commandmap.go: The intake body type
  - ledger/currency.go: Display conversion
*/
package api

import (
	"time"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// CreateInstanceRequest is the request to create a ledger instance.
type CreateInstanceRequest struct {
	Address string `json:"address"`
}

// InstanceDTO represents a ledger instance in API responses.
type InstanceDTO struct {
	ID         string `json:"id"`
	Address    string `json:"address"`
	InsertedAt string `json:"inserted_at"`
	UpdatedAt  string `json:"updated_at"`
}

// BalanceSideDTO is one debit/credit balance bucket in minor units.
type BalanceSideDTO struct {
	Debit  int64 `json:"debit"`
	Credit int64 `json:"credit"`
}

// AccountDTO represents an account with derived balance fields.
type AccountDTO struct {
	ID               string         `json:"id"`
	InstanceID       string         `json:"instance_id"`
	Address          string         `json:"address"`
	Name             string         `json:"name,omitempty"`
	Description      string         `json:"description,omitempty"`
	Type             string         `json:"type"`
	Currency         string         `json:"currency"`
	NormalBalance    string         `json:"normal_balance"`
	Posted           BalanceSideDTO `json:"posted"`
	Pending          BalanceSideDTO `json:"pending"`
	Available        int64          `json:"available"`
	AvailableDisplay string         `json:"available_display"`
	RowVersion       int64          `json:"row_version"`
	InsertedAt       string         `json:"inserted_at"`
	UpdatedAt        string         `json:"updated_at"`
}

// EntryDTO represents one leg of a transaction.
type EntryDTO struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	Value        int64  `json:"value"`
	ValueDisplay string `json:"value_display"`
	Currency     string `json:"currency"`
	Side         string `json:"side"`
	InsertedAt   string `json:"inserted_at"`
}

// TransactionDTO represents a transaction with its entries.
type TransactionDTO struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	Status     string     `json:"status"`
	Entries    []EntryDTO `json:"entries"`
	InsertedAt string     `json:"inserted_at"`
	UpdatedAt  string     `json:"updated_at"`
}

// BalanceHistoryDTO is one post-entry balance snapshot.
type BalanceHistoryDTO struct {
	ID               string         `json:"id"`
	EntryID          string         `json:"entry_id"`
	AccountID        string         `json:"account_id"`
	Posted           BalanceSideDTO `json:"posted"`
	Pending          BalanceSideDTO `json:"pending"`
	Available        int64          `json:"available"`
	AvailableDisplay string         `json:"available_display"`
	InsertedAt       string         `json:"inserted_at"`
}

// QueueErrorDTO is one record from a queue item's error log.
type QueueErrorDTO struct {
	Message    string `json:"message"`
	InsertedAt string `json:"inserted_at"`
}

// QueueItemDTO represents the processing state of a command.
type QueueItemDTO struct {
	CommandID             string          `json:"command_id"`
	Status                string          `json:"status"`
	RetryCount            int             `json:"retry_count"`
	OCCRetryCount         int             `json:"occ_retry_count"`
	NextRetryAfter        *string         `json:"next_retry_after,omitempty"`
	ProcessorID           string          `json:"processor_id,omitempty"`
	ProcessingStartedAt   *string         `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *string         `json:"processing_completed_at,omitempty"`
	Errors                []QueueErrorDTO `json:"errors"`
	LockVersion           int64           `json:"lock_version"`
	InsertedAt            string          `json:"inserted_at"`
	UpdatedAt             string          `json:"updated_at"`
}

// CommandDTO represents a durable command with its verbatim input map.
type CommandDTO struct {
	ID           string            `json:"id"`
	InstanceID   string            `json:"instance_id"`
	Action       string            `json:"action"`
	Source       string            `json:"source"`
	SourceIdempk string            `json:"source_idempk"`
	UpdateIdempk string            `json:"update_idempk,omitempty"`
	UpdateSource string            `json:"update_source,omitempty"`
	Map          ledger.CommandMap `json:"map"`
	InsertedAt   string            `json:"inserted_at"`
}

// CommandRecordDTO pairs a command with its queue state.
type CommandRecordDTO struct {
	Command CommandDTO   `json:"command"`
	Queue   QueueItemDTO `json:"queue"`
}

// SubmitResponse is the intake result. Queue is present for the sync and
// async modes; the no-save mode has no durable queue item to report.
type SubmitResponse struct {
	Command CommandDTO    `json:"command"`
	Queue   *QueueItemDTO `json:"queue,omitempty"`
}

// JournalEventDTO represents one journal event with its links.
type JournalEventDTO struct {
	ID             string            `json:"id"`
	InstanceID     string            `json:"instance_id"`
	CommandID      string            `json:"command_id"`
	Action         string            `json:"action"`
	Source         string            `json:"source"`
	SourceIdempk   string            `json:"source_idempk"`
	Map            ledger.CommandMap `json:"map"`
	AccountIDs     []string          `json:"account_ids"`
	TransactionIDs []string          `json:"transaction_ids"`
	InsertedAt     string            `json:"inserted_at"`
}

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ErrorResponse is the standard error response. Validation failures carry
// the input-shaped field-error document in Details.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toInstanceDTO(in ledger.Instance) InstanceDTO {
	return InstanceDTO{
		ID:         string(in.ID),
		Address:    in.Address,
		InsertedAt: fmtTime(in.InsertedAt),
		UpdatedAt:  fmtTime(in.UpdatedAt),
	}
}

func toBalanceSideDTO(b ledger.BalanceSide) BalanceSideDTO {
	return BalanceSideDTO{Debit: b.Debit, Credit: b.Credit}
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:               string(a.ID),
		InstanceID:       string(a.InstanceID),
		Address:          a.Address,
		Name:             a.Name,
		Description:      a.Description,
		Type:             string(a.Type),
		Currency:         a.Currency,
		NormalBalance:    string(a.NormalBalance),
		Posted:           toBalanceSideDTO(a.Posted),
		Pending:          toBalanceSideDTO(a.Pending),
		Available:        a.Available(),
		AvailableDisplay: ledger.DisplayAmount(a.Available(), a.Currency),
		RowVersion:       a.RowVersion,
		InsertedAt:       fmtTime(a.InsertedAt),
		UpdatedAt:        fmtTime(a.UpdatedAt),
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:           string(e.ID),
		AccountID:    string(e.AccountID),
		Value:        e.Value,
		ValueDisplay: ledger.DisplayAmount(e.Value, e.Currency),
		Currency:     e.Currency,
		Side:         string(e.Side),
		InsertedAt:   fmtTime(e.InsertedAt),
	}
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	entries := make([]EntryDTO, 0, len(t.Entries))
	for _, e := range t.Entries {
		entries = append(entries, toEntryDTO(e))
	}
	return TransactionDTO{
		ID:         string(t.ID),
		InstanceID: string(t.InstanceID),
		Status:     string(t.Status),
		Entries:    entries,
		InsertedAt: fmtTime(t.InsertedAt),
		UpdatedAt:  fmtTime(t.UpdatedAt),
	}
}

func toBalanceHistoryDTO(h ledger.BalanceHistoryEntry, currency string) BalanceHistoryDTO {
	return BalanceHistoryDTO{
		ID:               h.ID,
		EntryID:          string(h.EntryID),
		AccountID:        string(h.AccountID),
		Posted:           toBalanceSideDTO(h.Posted),
		Pending:          toBalanceSideDTO(h.Pending),
		Available:        h.Available,
		AvailableDisplay: ledger.DisplayAmount(h.Available, currency),
		InsertedAt:       fmtTime(h.InsertedAt),
	}
}

func toQueueItemDTO(q ledger.CommandQueueItem) QueueItemDTO {
	errs := make([]QueueErrorDTO, 0, len(q.Errors))
	for _, qe := range q.Errors {
		errs = append(errs, QueueErrorDTO{
			Message:    qe.Message,
			InsertedAt: fmtTime(qe.InsertedAt),
		})
	}
	return QueueItemDTO{
		CommandID:             string(q.CommandID),
		Status:                string(q.Status),
		RetryCount:            q.RetryCount,
		OCCRetryCount:         q.OCCRetryCount,
		NextRetryAfter:        fmtTimePtr(q.NextRetryAfter),
		ProcessorID:           q.ProcessorID,
		ProcessingStartedAt:   fmtTimePtr(q.ProcessingStartedAt),
		ProcessingCompletedAt: fmtTimePtr(q.ProcessingCompletedAt),
		Errors:                errs,
		LockVersion:           q.LockVersion,
		InsertedAt:            fmtTime(q.InsertedAt),
		UpdatedAt:             fmtTime(q.UpdatedAt),
	}
}

func toCommandDTO(c ledger.Command) CommandDTO {
	return CommandDTO{
		ID:           string(c.ID),
		InstanceID:   string(c.InstanceID),
		Action:       string(c.Action),
		Source:       c.Source,
		SourceIdempk: c.SourceIdempk,
		UpdateIdempk: c.UpdateIdempk,
		UpdateSource: c.UpdateSource,
		Map:          c.Map,
		InsertedAt:   fmtTime(c.InsertedAt),
	}
}

func toCommandRecordDTO(rec ledger.CommandRecord) CommandRecordDTO {
	return CommandRecordDTO{
		Command: toCommandDTO(rec.Command),
		Queue:   toQueueItemDTO(rec.Queue),
	}
}

func toJournalEventDTO(ev ledger.JournalEvent) JournalEventDTO {
	accountIDs := make([]string, 0, len(ev.AccountIDs))
	for _, id := range ev.AccountIDs {
		accountIDs = append(accountIDs, string(id))
	}
	transactionIDs := make([]string, 0, len(ev.TransactionIDs))
	for _, id := range ev.TransactionIDs {
		transactionIDs = append(transactionIDs, string(id))
	}
	return JournalEventDTO{
		ID:             string(ev.ID),
		InstanceID:     string(ev.InstanceID),
		CommandID:      string(ev.CommandID),
		Action:         string(ev.Action),
		Source:         ev.Source,
		SourceIdempk:   ev.SourceIdempk,
		Map:            ev.Map,
		AccountIDs:     accountIDs,
		TransactionIDs: transactionIDs,
		InsertedAt:     fmtTime(ev.InsertedAt),
	}
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}
