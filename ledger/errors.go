/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error values and error types in one place. Store backends translate
  driver-specific failures (unique index hits, serialization failures) into
  the sentinels here so the engine never inspects driver errors.

ERROR CATEGORIES:
  1. Store sentinels - not found, duplicates, stale versions, claim races
  2. Step errors - a named step inside an atomic multi-step write failed
  3. Validation errors - input-shaped field error documents
  4. Transform errors - entry/account resolution failures with error codes

USAGE:
  if errors.Is(err, ledger.ErrStaleVersion) {
      // rebuild the unit of work and try again
  }

SEE ALSO:
  - multi.go: Produces StepError
  - transformer.go: Produces TransformError
  - response.go: Maps step errors back onto the input shape
*/
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is the base sentinel for missing rows.
	ErrNotFound = errors.New("not found")

	// ErrInstanceNotFound is returned when an instance address resolves to nothing.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrAccountNotFound is returned when an account lookup misses.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransactionNotFound is returned when a transaction lookup misses.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrCommandNotFound is returned when a command lookup misses.
	ErrCommandNotFound = errors.New("command not found")

	// ErrStaleVersion is returned when a versioned account write lost the race.
	// The OCC processor retries the whole unit of work on this error.
	ErrStaleVersion = errors.New("stale row version")

	// ErrDuplicateKey is returned on any unique index violation that is not
	// one of the more specific duplicates below.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrDuplicateIdempotencyKey is returned when the same external request
	// is submitted twice. Expected under client retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicatePendingLookup is returned when a second pending create
	// claims the same (instance, source, source_idempk).
	ErrDuplicatePendingLookup = errors.New("duplicate pending transaction lookup")

	// ErrAlreadyClaimed is returned when the claim compare-and-set lost to
	// another processor.
	ErrAlreadyClaimed = errors.New("queue item already claimed")

	// ErrNotClaimable is returned when the queue item is terminal or its
	// retry delay has not elapsed.
	ErrNotClaimable = errors.New("queue item not claimable")

	// ErrActionNotSupported is returned by the dispatcher for unknown actions.
	ErrActionNotSupported = errors.New("action not supported")

	// ErrTerminalTransaction is returned when an update targets a posted or
	// archived transaction.
	ErrTerminalTransaction = errors.New("transaction is in a terminal status")
)

// =============================================================================
// ERROR CODES - stable identifiers carried by transform and step errors
// =============================================================================

type ErrorCode string

const (
	CodeInvalidEntryData       ErrorCode = "invalid_entry_data"
	CodeNoAccountsFound        ErrorCode = "no_accounts_found"
	CodeSomeAccountsNotFound   ErrorCode = "some_accounts_not_found"
	CodeNoAccountsOrEntries    ErrorCode = "no_accounts_and_or_entries_provided"
	CodeAccountEntriesMismatch ErrorCode = "account_entries_mismatch"
	CodeMissingEntryForAccount ErrorCode = "missing_entry_for_account"
	CodeUnbalanced             ErrorCode = "unbalanced"
	CodeActionNotSupported     ErrorCode = "action_not_supported"
	CodeIdempotencyViolation   ErrorCode = "idempotency_violation"
	CodeCreateCommandNotFound  ErrorCode = "create_command_not_found"
)

// =============================================================================
// STEP ERROR - a named step in an atomic multi-step write failed
// =============================================================================

// Step names used for error attribution across multi-step commits.
const (
	StepInputCommandMap      = "input_command_map_error"
	StepIdempotency          = "idempotency"
	StepNewCommand           = "new_command"
	StepPendingLookup        = "pending_transaction_lookup"
	StepTransaction          = "transaction"
	StepAccount              = "account"
	StepGetCreateTransaction = "get_create_transaction_command_transaction"
	StepJournalEvent         = "journal_event"
	StepQueueItem            = "queue_item"
)

// StepError wraps the first failing step of a multi-step write with the
// step's name. Code is set when the underlying failure carries one.
type StepError struct {
	Step string
	Code ErrorCode
	Err  error
}

func (e *StepError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("step %s: %s: %v", e.Step, e.Code, e.Err)
	}
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// =============================================================================
// VALIDATION ERROR - input-shaped field errors
// =============================================================================

// FieldErrors maps a field path ("source", "payload.entries[1].amount") to
// its messages. The paths mirror the CommandMap shape so callers can surface
// them against the original input.
type FieldErrors map[string][]string

// Add appends a message for a field.
func (fe FieldErrors) Add(field, message string) {
	fe[field] = append(fe[field], message)
}

// Merge folds other into fe under an optional path prefix.
func (fe FieldErrors) Merge(prefix string, other FieldErrors) {
	for field, msgs := range other {
		key := field
		if prefix != "" {
			key = prefix + "." + field
		}
		fe[key] = append(fe[key], msgs...)
	}
}

func (fe FieldErrors) Empty() bool { return len(fe) == 0 }

// ValidationError carries input-shaped field errors back to the caller.
type ValidationError struct {
	Errors FieldErrors
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Errors))
	for f := range e.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(e.Errors[f], "; "))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, message string) *ValidationError {
	fe := FieldErrors{}
	fe.Add(field, message)
	return &ValidationError{Errors: fe}
}

// =============================================================================
// TRANSFORM ERROR - entry validation / account resolution failures
// =============================================================================

// TransformError is produced by the transaction transformer. Fields carries
// per-entry messages keyed the same way FieldErrors does; Missing lists
// unresolved account addresses when the code is some_accounts_not_found.
type TransformError struct {
	Code    ErrorCode
	Message string
	Fields  FieldErrors
	Missing []string
}

func (e *TransformError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// =============================================================================
// BUSINESS RULE ERRORS
// =============================================================================

// UnbalancedError reports currencies whose debit and credit sums differ
// across a transaction's entries.
type UnbalancedError struct {
	Currencies []string
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("%s: debits do not equal credits for %s",
		CodeUnbalanced, strings.Join(e.Currencies, ", "))
}

// PermanentError marks a failure no retry can fix. The dispatcher parks the
// command in dead_letter immediately instead of cycling through retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// DependencyError signals that an update command's create predecessor
// blocked it. A nil PredecessorStatus means no predecessor was found; a
// non-nil one carries the predecessor's queue status, which the dispatcher
// branches on (revert to pending, or follow it into dead_letter).
type DependencyError struct {
	Code              ErrorCode
	PredecessorStatus *QueueStatus
	Message           string
}

func (e *DependencyError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// =============================================================================
// OCC EXHAUSTION
// =============================================================================

// OCCExhaustedError is returned after MaxOCCRetries consecutive stale-version
// collisions. Its message is recorded verbatim on the queue item.
type OCCExhaustedError struct {
	Retries int
}

func (e *OCCExhaustedError) Error() string {
	return fmt.Sprintf("OCC conflict: Max number of %d retries reached", e.Retries)
}

func (e *OCCExhaustedError) Unwrap() error { return ErrStaleVersion }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleVersion) || errors.Is(err, ErrAlreadyClaimed)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrCommandNotFound)
}

// IsDuplicate returns true for any unique index violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrDuplicatePendingLookup)
}
