/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates an instance, a chart
	of accounts, and transactions that demonstrate specific engine features.

AVAILABLE SCENARIOS:

	starter-books:   Small chart of accounts with one posted sale
	card-payments:   Pending authorization captured via update command
	multi-currency:  USD and EUR books with one posted movement each

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create the instance directly on the store
 3. Submit create_account commands through the sync path
 4. Submit create_transaction / update_transaction commands the same way
 5. Fail loudly if any command ends in a non-processed status

USAGE VIA API:

	POST /v1/scenarios/load
	{"scenario_id": "card-payments"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: SubmitCommand, ResetDatabase
  - ledger/engine.go: The sync submission path the loaders use
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "starter-books",
		Name:        "Starter Books",
		Description: "Small chart of accounts with one posted sale",
		Category:    "basic",
	},
	{
		ID:          "card-payments",
		Name:        "Card Payments",
		Description: "Pending authorization captured via an update command, plus one still in flight",
		Category:    "payments",
	},
	{
		ID:          "multi-currency",
		Name:        "Multi-Currency Books",
		Description: "USD and EUR account pairs with one posted movement each",
		Category:    "advanced",
	},
}

// demoInstance is the tenant every scenario seeds.
const demoInstance = "acme"

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns all available scenarios.
// GET /v1/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /v1/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	// Scenario ID exists but not in list (shouldn't happen)
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
// POST /v1/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	// Resolve the loader before touching the database so a typo'd
	// scenario ID cannot wipe existing data.
	var loader func(context.Context) error
	switch req.ScenarioID {
	case "starter-books":
		loader = h.loadStarterBooksScenario
	case "card-payments":
		loader = h.loadCardPaymentsScenario
	case "multi-currency":
		loader = h.loadMultiCurrencyScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()

	resetter, ok := h.store().(Resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return
	}
	if err := resetter.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = "" // Clear current scenario on reset

	if err := loader(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	// Track the loaded scenario
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// SeedDemo loads the starter scenario without an HTTP round trip.
// cmd/server uses it behind the -demo flag. Unlike LoadScenario it does not
// reset first, so it fails on a database that already holds the demo data.
func (h *Handler) SeedDemo(ctx context.Context) error {
	if err := h.loadStarterBooksScenario(ctx); err != nil {
		return err
	}
	h.currentScenario = "starter-books"
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadStarterBooksScenario seeds a minimal double-entry setup: cash and
// receivable assets, a revenue account, a fee expense, and one posted sale
// moving 150.00 USD from revenue into cash.
func (h *Handler) loadStarterBooksScenario(ctx context.Context) error {
	if err := h.seedInstance(ctx, demoInstance); err != nil {
		return err
	}

	accounts := []ledger.AccountData{
		{Address: "assets:cash", Name: "Cash", Type: ledger.AccountAsset, Currency: "USD"},
		{Address: "assets:receivable", Name: "Accounts Receivable", Type: ledger.AccountAsset, Currency: "USD"},
		{Address: "revenue:sales", Name: "Sales", Type: ledger.AccountRevenue, Currency: "USD"},
		{Address: "expenses:fees", Name: "Processing Fees", Type: ledger.AccountExpense, Currency: "USD"},
	}
	if err := h.seedAccounts(ctx, "seed", accounts); err != nil {
		return err
	}

	return h.runCommand(ctx, ledger.CommandMap{
		Action:          ledger.ActionCreateTransaction,
		InstanceAddress: demoInstance,
		Source:          "pos",
		SourceIdempk:    "sale-0001",
		Payload: ledger.TransactionData{
			Status: ledger.TransactionPosted,
			Entries: []ledger.EntryData{
				{AccountAddress: "assets:cash", Amount: 15000, Currency: "USD"},
				{AccountAddress: "revenue:sales", Amount: 15000, Currency: "USD"},
			},
		},
	})
}

// loadCardPaymentsScenario seeds the authorize-then-capture flow: one
// authorization created pending and captured by an update command, and a
// second authorization left pending so the UI has in-flight state to show.
func (h *Handler) loadCardPaymentsScenario(ctx context.Context) error {
	if err := h.seedInstance(ctx, demoInstance); err != nil {
		return err
	}

	accounts := []ledger.AccountData{
		{Address: "assets:cash", Name: "Cash", Type: ledger.AccountAsset, Currency: "USD"},
		{Address: "liabilities:card_holds", Name: "Card Holds", Type: ledger.AccountLiability, Currency: "USD"},
		{Address: "revenue:sales", Name: "Sales", Type: ledger.AccountRevenue, Currency: "USD"},
	}
	if err := h.seedAccounts(ctx, "gateway", accounts); err != nil {
		return err
	}

	// Authorization: hold 42.50 USD pending
	if err := h.runCommand(ctx, ledger.CommandMap{
		Action:          ledger.ActionCreateTransaction,
		InstanceAddress: demoInstance,
		Source:          "gateway",
		SourceIdempk:    "auth-1001",
		Payload: ledger.TransactionData{
			Status: ledger.TransactionPending,
			Entries: []ledger.EntryData{
				{AccountAddress: "assets:cash", Amount: 4250, Currency: "USD"},
				{AccountAddress: "liabilities:card_holds", Amount: 4250, Currency: "USD"},
			},
		},
	}); err != nil {
		return err
	}

	// Capture: post the authorization
	if err := h.runCommand(ctx, ledger.CommandMap{
		Action:          ledger.ActionUpdateTransaction,
		InstanceAddress: demoInstance,
		Source:          "gateway",
		SourceIdempk:    "auth-1001",
		UpdateIdempk:    "capture-1001",
		Payload: ledger.TransactionData{
			Status: ledger.TransactionPosted,
		},
	}); err != nil {
		return err
	}

	// Second authorization stays in flight
	return h.runCommand(ctx, ledger.CommandMap{
		Action:          ledger.ActionCreateTransaction,
		InstanceAddress: demoInstance,
		Source:          "gateway",
		SourceIdempk:    "auth-1002",
		Payload: ledger.TransactionData{
			Status: ledger.TransactionPending,
			Entries: []ledger.EntryData{
				{AccountAddress: "assets:cash", Amount: 1999, Currency: "USD"},
				{AccountAddress: "liabilities:card_holds", Amount: 1999, Currency: "USD"},
			},
		},
	})
}

// loadMultiCurrencyScenario seeds parallel USD and EUR books with one
// posted movement in each currency.
func (h *Handler) loadMultiCurrencyScenario(ctx context.Context) error {
	if err := h.seedInstance(ctx, demoInstance); err != nil {
		return err
	}

	accounts := []ledger.AccountData{
		{Address: "assets:cash:usd", Name: "Cash (USD)", Type: ledger.AccountAsset, Currency: "USD"},
		{Address: "revenue:sales:usd", Name: "Sales (USD)", Type: ledger.AccountRevenue, Currency: "USD"},
		{Address: "assets:cash:eur", Name: "Cash (EUR)", Type: ledger.AccountAsset, Currency: "EUR"},
		{Address: "revenue:sales:eur", Name: "Sales (EUR)", Type: ledger.AccountRevenue, Currency: "EUR"},
	}
	if err := h.seedAccounts(ctx, "seed", accounts); err != nil {
		return err
	}

	if err := h.runCommand(ctx, ledger.CommandMap{
		Action:          ledger.ActionCreateTransaction,
		InstanceAddress: demoInstance,
		Source:          "pos",
		SourceIdempk:    "sale-usd-0001",
		Payload: ledger.TransactionData{
			Status: ledger.TransactionPosted,
			Entries: []ledger.EntryData{
				{AccountAddress: "assets:cash:usd", Amount: 8800, Currency: "USD"},
				{AccountAddress: "revenue:sales:usd", Amount: 8800, Currency: "USD"},
			},
		},
	}); err != nil {
		return err
	}

	return h.runCommand(ctx, ledger.CommandMap{
		Action:          ledger.ActionCreateTransaction,
		InstanceAddress: demoInstance,
		Source:          "pos",
		SourceIdempk:    "sale-eur-0001",
		Payload: ledger.TransactionData{
			Status: ledger.TransactionPosted,
			Entries: []ledger.EntryData{
				{AccountAddress: "assets:cash:eur", Amount: 6400, Currency: "EUR"},
				{AccountAddress: "revenue:sales:eur", Amount: 6400, Currency: "EUR"},
			},
		},
	})
}

// =============================================================================
// SEEDING HELPERS
// =============================================================================

// seedInstance creates the demo tenant directly on the store; there is no
// command action for instance creation.
func (h *Handler) seedInstance(ctx context.Context, address string) error {
	now := time.Now().UTC()
	return h.store().CreateInstance(ctx, ledger.Instance{
		ID:         ledger.InstanceID(ledger.NewID()),
		Address:    address,
		InsertedAt: now,
		UpdatedAt:  now,
	})
}

// seedAccounts submits one create_account command per entry through the
// sync path, so the demo data takes the exact route production writes do.
func (h *Handler) seedAccounts(ctx context.Context, source string, accounts []ledger.AccountData) error {
	for _, data := range accounts {
		err := h.runCommand(ctx, ledger.CommandMap{
			Action:          ledger.ActionCreateAccount,
			InstanceAddress: demoInstance,
			Source:          source,
			SourceIdempk:    "acct-" + data.Address,
			Payload:         data,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// runCommand pushes one command through the sync path and fails unless it
// ends processed.
func (h *Handler) runCommand(ctx context.Context, m ledger.CommandMap) error {
	_, item, err := h.Engine.SubmitSync(ctx, m)
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", m.Action, m.Source, m.SourceIdempk, err)
	}
	if item.Status != ledger.QueueProcessed {
		msg := "no recorded error"
		if n := len(item.Errors); n > 0 {
			msg = item.Errors[n-1].Message
		}
		return fmt.Errorf("%s %s/%s ended %s: %s", m.Action, m.Source, m.SourceIdempk, item.Status, msg)
	}
	return nil
}
