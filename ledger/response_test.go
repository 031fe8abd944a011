/*
response_test.go - Step errors folded onto the input shape

PURPOSE:
  Pins the literal field paths and messages callers see when a no-save
  commit fails: the duplicate-submission wording, the OCC exhaustion
  message, dependency and unknown-action mapping, and the payload-level
  folds for each category.

SEE ALSO:
  - response.go: The mappers under test
  - errors.go: The error types being mapped
*/
package ledger_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
)

func singleFieldError(t *testing.T, verr *ledger.ValidationError, field string) string {
	t.Helper()
	require.NotNil(t, verr)
	require.Contains(t, verr.Errors, field)
	require.Len(t, verr.Errors[field], 1)
	return verr.Errors[field][0]
}

// =============================================================================
// HANDLER SELECTION
// =============================================================================

func TestResponseHandlerFor(t *testing.T) {
	assert.IsType(t, ledger.AccountResponseHandler{}, ledger.ResponseHandlerFor(ledger.CategoryAccount))
	assert.IsType(t, ledger.TransactionResponseHandler{}, ledger.ResponseHandlerFor(ledger.CategoryTransaction))
}

// =============================================================================
// COMMAND-LEVEL MAPPING
// =============================================================================

func TestMapError_DuplicateCreateSubmission(t *testing.T) {
	// GIVEN the idempotency insert hit the unique index for a create
	err := &ledger.StepError{Step: ledger.StepIdempotency, Err: ledger.ErrDuplicateIdempotencyKey}

	verr := ledger.TransactionResponseHandler{}.MapError(ledger.ActionCreateTransaction, err)

	// THEN the caller sees the duplicate against source_idempk
	assert.Equal(t, "already exists for this instance",
		singleFieldError(t, verr, "source_idempk"))
}

func TestMapError_DuplicateUpdateSubmission(t *testing.T) {
	// GIVEN the same collision under an update action
	err := &ledger.StepError{Step: ledger.StepIdempotency, Err: ledger.ErrDuplicateIdempotencyKey}

	verr := ledger.TransactionResponseHandler{}.MapError(ledger.ActionUpdateTransaction, err)

	// THEN the duplicate is attributed to update_idempk instead
	assert.Equal(t, "already exists for this source_idempk",
		singleFieldError(t, verr, "update_idempk"))
}

func TestMapError_DuplicatePendingLookup(t *testing.T) {
	// A second pending create for the same (source, source_idempk) trips the
	// lookup index and reads as a duplicate create.
	err := &ledger.StepError{Step: ledger.StepPendingLookup, Err: ledger.ErrDuplicatePendingLookup}

	verr := ledger.TransactionResponseHandler{}.MapError(ledger.ActionCreateTransaction, err)

	assert.Equal(t, "already exists for this instance",
		singleFieldError(t, verr, "source_idempk"))
}

func TestMapError_OCCExhaustion(t *testing.T) {
	err := &ledger.OCCExhaustedError{Retries: 3}

	verr := ledger.TransactionResponseHandler{}.MapError(ledger.ActionCreateTransaction, err)

	assert.Equal(t, "OCC conflict: Max number of 3 retries reached",
		singleFieldError(t, verr, "base"))
}

func TestMapError_DependencyBlocked(t *testing.T) {
	// GIVEN an update whose create predecessor was never submitted
	dep := &ledger.DependencyError{
		Code:    ledger.CodeCreateCommandNotFound,
		Message: "no create command found for source_idempk",
	}
	err := &ledger.StepError{Step: ledger.StepPendingLookup, Code: dep.Code, Err: dep}

	verr := ledger.TransactionResponseHandler{}.MapError(ledger.ActionUpdateTransaction, err)

	// THEN the block is reported against source_idempk with its code
	msg := singleFieldError(t, verr, "source_idempk")
	assert.Contains(t, msg, string(ledger.CodeCreateCommandNotFound))
}

func TestMapError_ActionNotSupported(t *testing.T) {
	err := fmt.Errorf("route: %w", ledger.ErrActionNotSupported)

	verr := ledger.AccountResponseHandler{}.MapError(ledger.Action("explode_account"), err)

	assert.Equal(t, "is not a supported action", singleFieldError(t, verr, "action"))
}

func TestMapError_ValidationErrorPassesThrough(t *testing.T) {
	// An already-shaped validation error survives the mapping untouched.
	original := ledger.NewValidationError("source", "is required")

	verr := ledger.TransactionResponseHandler{}.MapError(ledger.ActionCreateTransaction, original)

	assert.Same(t, original, verr)
}

// =============================================================================
// TRANSACTION PAYLOAD MAPPING
// =============================================================================

func TestTransactionMapError_FieldErrorsNestUnderPayload(t *testing.T) {
	fields := ledger.FieldErrors{}
	fields.Add("entries[0].amount", "must be a non-zero integer")
	err := &ledger.TransformError{
		Code:    ledger.CodeInvalidEntryData,
		Message: "one or more entries are invalid",
		Fields:  fields,
	}

	verr := ledger.TransactionResponseHandler{}.MapError(ledger.ActionCreateTransaction, err)

	assert.Equal(t, "must be a non-zero integer",
		singleFieldError(t, verr, "payload.entries[0].amount"))
}

func TestTransactionMapError_MissingAccountsListed(t *testing.T) {
	err := &ledger.TransformError{
		Code:    ledger.CodeSomeAccountsNotFound,
		Message: "some referenced accounts do not exist",
		Missing: []string{"ghost:one", "ghost:two"},
	}

	verr := ledger.TransactionResponseHandler{}.MapError(ledger.ActionCreateTransaction, err)

	assert.Equal(t, "some referenced accounts do not exist: ghost:one, ghost:two",
		singleFieldError(t, verr, "payload.entries"))
}

func TestTransactionMapError_Unbalanced(t *testing.T) {
	err := &ledger.StepError{
		Step: ledger.StepTransaction,
		Code: ledger.CodeUnbalanced,
		Err:  &ledger.UnbalancedError{Currencies: []string{"USD", "EUR"}},
	}

	verr := ledger.TransactionResponseHandler{}.MapError(ledger.ActionCreateTransaction, err)

	assert.Equal(t, "debits do not equal credits for USD, EUR",
		singleFieldError(t, verr, "payload.entries"))
}

func TestTransactionMapError_TerminalStatus(t *testing.T) {
	// GIVEN an update that hit an already posted transaction
	err := &ledger.PermanentError{
		Err: fmt.Errorf("%w: cannot update posted", ledger.ErrTerminalTransaction),
	}

	verr := ledger.TransactionResponseHandler{}.MapError(ledger.ActionUpdateTransaction, err)

	assert.Equal(t, "transaction is in a terminal status",
		singleFieldError(t, verr, "payload.status"))
}

func TestTransactionMapError_UnknownFallsBackToBase(t *testing.T) {
	err := errors.New("disk on fire")

	verr := ledger.TransactionResponseHandler{}.MapError(ledger.ActionCreateTransaction, err)

	assert.Equal(t, "disk on fire", singleFieldError(t, verr, "base"))
}

// =============================================================================
// ACCOUNT PAYLOAD MAPPING
// =============================================================================

func TestAccountMapError_DuplicateAddress(t *testing.T) {
	// A duplicate on the account insert itself, not on idempotency.
	err := &ledger.StepError{Step: ledger.StepAccount, Err: ledger.ErrDuplicateKey}

	verr := ledger.AccountResponseHandler{}.MapError(ledger.ActionCreateAccount, err)

	assert.Equal(t, "has already been taken", singleFieldError(t, verr, "payload.address"))
}

func TestAccountMapError_AccountMissing(t *testing.T) {
	err := &ledger.PermanentError{Err: errors.New("Account does not exist")}

	verr := ledger.AccountResponseHandler{}.MapError(ledger.ActionUpdateAccount, err)

	assert.Equal(t, "Account does not exist", singleFieldError(t, verr, "payload.address"))
}

func TestAccountMapError_NotFoundSentinel(t *testing.T) {
	err := &ledger.StepError{Step: ledger.StepAccount, Err: ledger.ErrAccountNotFound}

	verr := ledger.AccountResponseHandler{}.MapError(ledger.ActionUpdateAccount, err)

	assert.Equal(t, "Account does not exist", singleFieldError(t, verr, "payload.address"))
}
