/*
response.go - Mapping step errors back onto the input shape

PURPOSE:
  When a multi-step commit fails, the caller of the no-save path gets a
  ValidationError keyed by the CommandMap's own field paths, not a store
  error. One ResponseHandler per payload category knows how to fold its
  step errors onto the payload; the command-level steps (idempotency,
  command insert, queue insert) map identically for both.

FIELD PATHS:
  action, source, source_idempk, update_idempk    command level
  payload.address, payload.entries[2].amount, ... payload level
  base                                            record level fallback

LITERAL MESSAGES:
  source_idempk: "already exists for this instance"      duplicate create
  update_idempk: "already exists for this source_idempk" duplicate update

SEE ALSO:
  - errors.go: The step error types being mapped
  - dispatcher.go: The no-save path returning these results
*/
package ledger

import (
	"errors"
	"strings"
)

// ResponseHandler folds one category's step errors onto the input shape.
type ResponseHandler interface {
	// MapError converts a failed commit into an input-shaped validation
	// error for the given action.
	MapError(action Action, err error) *ValidationError
}

// ResponseHandlerFor returns the mapper for a payload category.
func ResponseHandlerFor(c Category) ResponseHandler {
	if c == CategoryAccount {
		return AccountResponseHandler{}
	}
	return TransactionResponseHandler{}
}

// =============================================================================
// COMMAND-LEVEL MAPPING - shared by both categories
// =============================================================================

// mapCommandLevel handles the step errors that are not payload-specific.
// Returns nil when the error belongs to the payload and the category
// handler should map it.
func mapCommandLevel(action Action, err error) *ValidationError {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr
	}

	var stepErr *StepError
	step := ""
	if errors.As(err, &stepErr) {
		step = stepErr.Step
	}

	if IsDuplicate(err) && (step == StepIdempotency || step == StepPendingLookup) {
		if action.IsUpdate() {
			return NewValidationError("update_idempk", "already exists for this source_idempk")
		}
		return NewValidationError("source_idempk", "already exists for this instance")
	}

	var depErr *DependencyError
	if errors.As(err, &depErr) {
		return NewValidationError("source_idempk", depErr.Error())
	}

	var occErr *OCCExhaustedError
	if errors.As(err, &occErr) {
		return NewValidationError("base", occErr.Error())
	}

	if errors.Is(err, ErrActionNotSupported) {
		return NewValidationError("action", "is not a supported action")
	}

	switch step {
	case StepNewCommand, StepQueueItem, StepJournalEvent:
		return NewValidationError("base", err.Error())
	}
	return nil
}

// =============================================================================
// TRANSACTION RESPONSES
// =============================================================================

// TransactionResponseHandler maps transaction step errors onto the
// TransactionData payload shape.
type TransactionResponseHandler struct{}

func (TransactionResponseHandler) MapError(action Action, err error) *ValidationError {
	if verr := mapCommandLevel(action, err); verr != nil {
		return verr
	}

	var terr *TransformError
	if errors.As(err, &terr) {
		fe := FieldErrors{}
		if !terr.Fields.Empty() {
			fe.Merge("payload", terr.Fields)
		} else {
			msg := terr.Message
			if len(terr.Missing) > 0 {
				msg += ": " + strings.Join(terr.Missing, ", ")
			}
			fe.Add("payload.entries", msg)
		}
		return &ValidationError{Errors: fe}
	}

	var uerr *UnbalancedError
	if errors.As(err, &uerr) {
		return NewValidationError("payload.entries",
			"debits do not equal credits for "+strings.Join(uerr.Currencies, ", "))
	}

	if errors.Is(err, ErrTerminalTransaction) {
		return NewValidationError("payload.status", "transaction is in a terminal status")
	}

	return NewValidationError("base", err.Error())
}

// =============================================================================
// ACCOUNT RESPONSES
// =============================================================================

// AccountResponseHandler maps account step errors onto the AccountData
// payload shape.
type AccountResponseHandler struct{}

func (AccountResponseHandler) MapError(action Action, err error) *ValidationError {
	if verr := mapCommandLevel(action, err); verr != nil {
		return verr
	}

	if IsDuplicate(err) {
		return NewValidationError("payload.address", "has already been taken")
	}
	if IsNotFound(err) || strings.Contains(err.Error(), "Account does not exist") {
		return NewValidationError("payload.address", "Account does not exist")
	}

	return NewValidationError("base", err.Error())
}
