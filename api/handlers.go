/*
handlers.go - HTTP API handlers for the ledger command engine

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine and store.

ENDPOINTS:
  Commands:
    POST   /v1/commands                     Submit a command map
    GET    /v1/commands/{id}                Command + queue state

  Instances:
    GET    /v1/instances                    List instances
    POST   /v1/instances                    Create instance
    GET    /v1/instances/{address}          Instance details
    GET    /v1/instances/{address}/accounts      Accounts with balances
    GET    /v1/instances/{address}/transactions  Transactions, newest first
    GET    /v1/instances/{address}/commands      Commands + queue state
    GET    /v1/instances/{address}/events        Journal events

  Accounts:
    GET    /v1/accounts/{id}                Account details
    GET    /v1/accounts/{id}/history        Balance history, oldest first

  Admin:
    POST   /v1/admin/reclaim                Reclaim stale processing claims
    GET    /v1/admin/queue                  Queue depth per status

SUBMISSION MODES (?mode= on POST /v1/commands):
  (default)  enqueue only, 202; a worker processes the command later
  sync       enqueue + process inline, 200 with the final queue state
  validate   no-save-on-error, 200 on success, nothing persisted on failure

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed request body or parameters
  - 404: Resource not found
  - 409: Conflict (duplicate instance address)
  - 422: Command rejected; Details carries the input-shaped field errors
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine

	// Track currently loaded scenario
	currentScenario string
}

// Resetter is implemented by store backends that can wipe all data.
// Memory, sqlite, and postgres all do; the reset and scenario endpoints
// refuse to run against a backend that does not.
type Resetter interface {
	Reset(ctx context.Context) error
}

// NewHandler creates a new handler over the given engine.
func NewHandler(engine *ledger.Engine) *Handler {
	return &Handler{Engine: engine}
}

func (h *Handler) store() ledger.TxStore { return h.Engine.Store() }

// =============================================================================
// COMMAND ENDPOINTS
// =============================================================================

// SubmitCommand accepts a command map and routes it by ?mode=.
// POST /v1/commands
func (h *Handler) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	var m ledger.CommandMap
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "async":
		cmd, err := h.Engine.Submit(ctx, m)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		item, err := h.store().QueueItem(ctx, cmd.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read queue item", err)
			return
		}
		dto := toQueueItemDTO(item)
		writeJSON(w, http.StatusAccepted, SubmitResponse{Command: toCommandDTO(cmd), Queue: &dto})

	case "sync":
		cmd, item, err := h.Engine.SubmitSync(ctx, m)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		dto := toQueueItemDTO(item)
		writeJSON(w, http.StatusOK, SubmitResponse{Command: toCommandDTO(cmd), Queue: &dto})

	case "validate", "no_save":
		cmd, err := h.Engine.SubmitNoSave(ctx, m)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, SubmitResponse{Command: toCommandDTO(cmd)})

	default:
		writeError(w, http.StatusBadRequest, "Unknown mode: "+mode, nil)
	}
}

// GetCommand returns a command with its queue state.
// GET /v1/commands/{id}
func (h *Handler) GetCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.CommandID(chi.URLParam(r, "id"))

	cmd, err := h.store().CommandByID(ctx, id)
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Command not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get command", err)
		return
	}
	item, err := h.store().QueueItem(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get queue item", err)
		return
	}

	writeJSON(w, http.StatusOK, CommandRecordDTO{
		Command: toCommandDTO(cmd),
		Queue:   toQueueItemDTO(item),
	})
}

// ListCommands returns an instance's commands with queue state, newest
// first. ?status= filters by queue status; ?status=dead_letter is the
// dead-letter browser.
// GET /v1/instances/{address}/commands
func (h *Handler) ListCommands(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst, ok := h.instanceByAddress(w, r)
	if !ok {
		return
	}

	status := ledger.QueueStatus(r.URL.Query().Get("status"))
	records, err := h.store().CommandsByStatus(ctx, inst.ID, status, parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list commands", err)
		return
	}

	dtos := make([]CommandRecordDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, toCommandRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": dtos})
}

// =============================================================================
// INSTANCE ENDPOINTS
// =============================================================================

// ListInstances returns all instances.
// GET /v1/instances
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.store().Instances(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list instances", err)
		return
	}
	dtos := make([]InstanceDTO, 0, len(instances))
	for _, in := range instances {
		dtos = append(dtos, toInstanceDTO(in))
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": dtos})
}

// CreateInstance creates a ledger instance.
// POST /v1/instances
func (h *Handler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !ledger.ValidAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "Invalid address: use colon-separated segments of letters, digits, and underscores", nil)
		return
	}

	now := time.Now().UTC()
	in := ledger.Instance{
		ID:         ledger.InstanceID(ledger.NewID()),
		Address:    req.Address,
		InsertedAt: now,
		UpdatedAt:  now,
	}
	if err := h.store().CreateInstance(r.Context(), in); err != nil {
		if ledger.IsDuplicate(err) {
			writeError(w, http.StatusConflict, "Instance address already exists", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create instance", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInstanceDTO(in))
}

// GetInstance returns one instance by address.
// GET /v1/instances/{address}
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instanceByAddress(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toInstanceDTO(inst))
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// ListAccounts returns an instance's accounts with balances.
// GET /v1/instances/{address}/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst, ok := h.instanceByAddress(w, r)
	if !ok {
		return
	}

	accounts, err := h.store().Accounts(ctx, inst.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list accounts", err)
		return
	}
	dtos := make([]AccountDTO, 0, len(accounts))
	for _, a := range accounts {
		dtos = append(dtos, toAccountDTO(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": dtos})
}

// GetAccount returns one account by id.
// GET /v1/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.store().AccountByID(r.Context(), ledger.AccountID(chi.URLParam(r, "id")))
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(a))
}

// GetBalanceHistory returns an account's balance snapshots, oldest first.
// GET /v1/accounts/{id}/history
func (h *Handler) GetBalanceHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.AccountID(chi.URLParam(r, "id"))

	a, err := h.store().AccountByID(ctx, id)
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get account", err)
		return
	}

	history, err := h.store().BalanceHistory(ctx, id, parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get balance history", err)
		return
	}
	dtos := make([]BalanceHistoryDTO, 0, len(history))
	for _, entry := range history {
		dtos = append(dtos, toBalanceHistoryDTO(entry, a.Currency))
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": dtos})
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

// ListTransactions returns an instance's transactions, newest first.
// GET /v1/instances/{address}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst, ok := h.instanceByAddress(w, r)
	if !ok {
		return
	}

	txns, err := h.store().Transactions(ctx, inst.ID, parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}
	dtos := make([]TransactionDTO, 0, len(txns))
	for _, t := range txns {
		dtos = append(dtos, toTransactionDTO(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": dtos})
}

// GetTransaction returns one transaction with its entries.
// GET /v1/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := h.store().TransactionByID(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")))
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(t))
}

// =============================================================================
// JOURNAL EVENT ENDPOINTS
// =============================================================================

// ListJournalEvents returns an instance's journal events, newest first.
// GET /v1/instances/{address}/events
func (h *Handler) ListJournalEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst, ok := h.instanceByAddress(w, r)
	if !ok {
		return
	}

	events, err := h.store().JournalEvents(ctx, inst.ID, parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list journal events", err)
		return
	}
	dtos := make([]JournalEventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, toJournalEventDTO(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": dtos})
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// ReclaimStale moves abandoned processing claims back to pending.
// ?older_than_ms= overrides the configured staleness threshold.
// POST /v1/admin/reclaim
func (h *Handler) ReclaimStale(w http.ResponseWriter, r *http.Request) {
	olderThan := h.Engine.Config().StaleAfter()
	if raw := r.URL.Query().Get("older_than_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			writeError(w, http.StatusBadRequest, "older_than_ms must be a positive integer", err)
			return
		}
		olderThan = time.Duration(ms) * time.Millisecond
	}
	if olderThan <= 0 {
		// stale_after_ms 0 disables the reaper; an explicit threshold is
		// required so a bare POST cannot reclaim healthy claims
		writeError(w, http.StatusBadRequest, "older_than_ms is required when stale_after_ms is disabled", nil)
		return
	}

	ids, err := h.Engine.ReclaimStale(r.Context(), olderThan)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reclaim stale items", err)
		return
	}
	reclaimed := make([]string, 0, len(ids))
	for _, id := range ids {
		reclaimed = append(reclaimed, string(id))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reclaimed": reclaimed})
}

// QueueDepth returns queue item counts per status.
// GET /v1/admin/queue
func (h *Handler) QueueDepth(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Engine.QueueDepth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count queue items", err)
		return
	}
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": out})
}

// Health reports liveness and store reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store().CountQueueByStatus(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"store":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ResetDatabase clears all data. Intended for tests and demos.
// POST /v1/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	resetter, ok := h.store().(Resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return
	}
	if err := resetter.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

// instanceByAddress resolves the {address} URL param, writing the error
// response itself when the lookup fails.
func (h *Handler) instanceByAddress(w http.ResponseWriter, r *http.Request) (ledger.Instance, bool) {
	inst, err := h.store().InstanceByAddress(r.Context(), chi.URLParam(r, "address"))
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Instance not found", nil)
		return ledger.Instance{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get instance", err)
		return ledger.Instance{}, false
	}
	return inst, true
}

// parseLimit reads ?limit=; 0 means no limit.
func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeCommandError maps a submission failure onto the wire. Validation
// errors come back 422 with the field-error document; anything else is an
// infrastructure failure.
func writeCommandError(w http.ResponseWriter, err error) {
	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Command rejected",
			Code:    "validation_failed",
			Details: verr.Errors,
		})
		return
	}
	writeError(w, http.StatusInternalServerError, "Failed to process command", err)
}
