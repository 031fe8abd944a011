/*
scenarios_test.go - Demo scenario loader tests

PURPOSE:
  Loads each scenario through the HTTP surface and verifies the state it
  leaves behind: chart of accounts, derived balances, transactions, and
  command records. Every loader runs its writes through the sync path, so
  these double as end-to-end checks of the engine under realistic input.

SEE ALSO:
  - scenarios.go: The loaders under test
  - handlers_test.go: Fixture and request helpers shared by this file
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// HELPERS
// =============================================================================

// loadScenario posts the load request and fails the test unless it lands.
func loadScenario(t *testing.T, f *apiFixture, id string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/scenarios/load", map[string]string{"scenario_id": id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// demoAccounts reads the acme chart of accounts back, keyed by address.
// Scenario loaders recreate the instance on every load, so lookups go by
// address rather than by ID.
func demoAccounts(t *testing.T, f *apiFixture) map[string]AccountDTO {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/v1/instances/acme/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Accounts []AccountDTO `json:"accounts"`
	}
	decodeBody(t, rec, &resp)

	byAddr := make(map[string]AccountDTO, len(resp.Accounts))
	for _, a := range resp.Accounts {
		byAddr[a.Address] = a
	}
	return byAddr
}

// demoTransactions reads the acme transaction feed, newest first.
func demoTransactions(t *testing.T, f *apiFixture) []TransactionDTO {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/v1/instances/acme/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Transactions []TransactionDTO `json:"transactions"`
	}
	decodeBody(t, rec, &resp)
	return resp.Transactions
}

// demoCommands reads the acme command records, newest first.
func demoCommands(t *testing.T, f *apiFixture) []CommandRecordDTO {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/v1/instances/acme/commands", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Commands []CommandRecordDTO `json:"commands"`
	}
	decodeBody(t, rec, &resp)
	return resp.Commands
}

func currentScenario(t *testing.T, f *apiFixture) *ScenarioDTO {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/v1/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cur *ScenarioDTO
	decodeBody(t, rec, &cur)
	return cur
}

// =============================================================================
// CATALOG
// =============================================================================

func TestListScenarios(t *testing.T) {
	f := newAPIFixture(t, ledger.DefaultConfig())

	rec := f.do(t, http.MethodGet, "/v1/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []ScenarioDTO
	decodeBody(t, rec, &list)
	require.Len(t, list, 3)
	assert.Equal(t, "starter-books", list[0].ID)
	assert.Equal(t, "card-payments", list[1].ID)
	assert.Equal(t, "multi-currency", list[2].ID)
	for _, s := range list {
		assert.NotEmpty(t, s.Name, s.ID)
		assert.NotEmpty(t, s.Description, s.ID)
		assert.NotEmpty(t, s.Category, s.ID)
	}
}

func TestCurrentScenario_TracksLoads(t *testing.T) {
	f := newAPIFixture(t, ledger.DefaultConfig())

	// GIVEN no scenario has been loaded yet
	require.Nil(t, currentScenario(t, f))

	// WHEN loading twice THEN current follows the last load
	loadScenario(t, f, "starter-books")
	cur := currentScenario(t, f)
	require.NotNil(t, cur)
	assert.Equal(t, "starter-books", cur.ID)

	loadScenario(t, f, "multi-currency")
	cur = currentScenario(t, f)
	require.NotNil(t, cur)
	assert.Equal(t, "multi-currency", cur.ID)
}

// =============================================================================
// STARTER BOOKS
// =============================================================================

func TestLoadScenario_StarterBooks(t *testing.T) {
	f := newAPIFixture(t, ledger.DefaultConfig())

	rec := f.do(t, http.MethodPost, "/v1/scenarios/load", map[string]string{"scenario_id": "starter-books"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var loaded map[string]string
	decodeBody(t, rec, &loaded)
	assert.Equal(t, "loaded", loaded["status"])
	assert.Equal(t, "starter-books", loaded["scenario"])

	// THEN the chart of accounts holds the four seeded accounts
	accounts := demoAccounts(t, f)
	require.Len(t, accounts, 4)

	cash := accounts["assets:cash"]
	assert.Equal(t, "asset", cash.Type)
	assert.Equal(t, "debit", cash.NormalBalance)
	assert.Equal(t, BalanceSideDTO{Debit: 15000}, cash.Posted)
	assert.Equal(t, BalanceSideDTO{}, cash.Pending)
	assert.Equal(t, int64(15000), cash.Available)
	assert.Equal(t, "150.00", cash.AvailableDisplay)

	sales := accounts["revenue:sales"]
	assert.Equal(t, BalanceSideDTO{Credit: 15000}, sales.Posted)
	assert.Equal(t, int64(15000), sales.Available)
	assert.Equal(t, "150.00", sales.AvailableDisplay)

	// Untouched accounts stay at zero
	assert.Zero(t, accounts["assets:receivable"].Available)
	assert.Zero(t, accounts["expenses:fees"].Available)

	// AND the single sale is posted with both legs
	txns := demoTransactions(t, f)
	require.Len(t, txns, 1)
	assert.Equal(t, "posted", txns[0].Status)
	require.Len(t, txns[0].Entries, 2)
	assert.Equal(t, "debit", txns[0].Entries[0].Side)
	assert.Equal(t, "150.00", txns[0].Entries[0].ValueDisplay)
	assert.Equal(t, "credit", txns[0].Entries[1].Side)

	// AND every seeding command ended processed
	cmds := demoCommands(t, f)
	require.Len(t, cmds, 5) // 4 accounts + 1 sale
	for _, c := range cmds {
		assert.Equal(t, "processed", c.Queue.Status, c.Command.SourceIdempk)
	}

	// AND the journal carries one event per command
	rec = f.do(t, http.MethodGet, "/v1/instances/acme/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Events []JournalEventDTO `json:"events"`
	}
	decodeBody(t, rec, &events)
	assert.Len(t, events.Events, 5)
}

// =============================================================================
// CARD PAYMENTS
// =============================================================================

func TestLoadScenario_CardPayments(t *testing.T) {
	f := newAPIFixture(t, ledger.DefaultConfig())
	loadScenario(t, f, "card-payments")

	// THEN the captured auth is posted and the in-flight auth is pending
	accounts := demoAccounts(t, f)
	require.Len(t, accounts, 3)

	cash := accounts["assets:cash"]
	assert.Equal(t, BalanceSideDTO{Debit: 4250}, cash.Posted)
	assert.Equal(t, BalanceSideDTO{Debit: 1999}, cash.Pending)
	assert.Equal(t, int64(4250), cash.Available)
	assert.Equal(t, "42.50", cash.AvailableDisplay)

	holds := accounts["liabilities:card_holds"]
	assert.Equal(t, "credit", holds.NormalBalance)
	assert.Equal(t, BalanceSideDTO{Credit: 4250}, holds.Posted)
	assert.Equal(t, BalanceSideDTO{Credit: 1999}, holds.Pending)
	assert.Equal(t, int64(4250), holds.Available)

	// Sales never takes an entry in this scenario
	assert.Equal(t, BalanceSideDTO{}, accounts["revenue:sales"].Posted)
	assert.Zero(t, accounts["revenue:sales"].Available)

	// AND the feed shows the in-flight auth ahead of the captured one
	txns := demoTransactions(t, f)
	require.Len(t, txns, 2)
	assert.Equal(t, "pending", txns[0].Status)
	assert.Equal(t, "posted", txns[1].Status)

	// AND all six commands (three accounts, auth, capture, second auth)
	// ended processed
	cmds := demoCommands(t, f)
	require.Len(t, cmds, 6)
	for _, c := range cmds {
		assert.Equal(t, "processed", c.Queue.Status, c.Command.SourceIdempk)
	}
}

// =============================================================================
// MULTI-CURRENCY
// =============================================================================

func TestLoadScenario_MultiCurrency(t *testing.T) {
	f := newAPIFixture(t, ledger.DefaultConfig())
	loadScenario(t, f, "multi-currency")

	accounts := demoAccounts(t, f)
	require.Len(t, accounts, 4)

	usd := accounts["assets:cash:usd"]
	assert.Equal(t, "USD", usd.Currency)
	assert.Equal(t, BalanceSideDTO{Debit: 8800}, usd.Posted)
	assert.Equal(t, "88.00", usd.AvailableDisplay)

	eur := accounts["assets:cash:eur"]
	assert.Equal(t, "EUR", eur.Currency)
	assert.Equal(t, BalanceSideDTO{Debit: 6400}, eur.Posted)
	assert.Equal(t, "64.00", eur.AvailableDisplay)

	assert.Equal(t, BalanceSideDTO{Credit: 8800}, accounts["revenue:sales:usd"].Posted)
	assert.Equal(t, BalanceSideDTO{Credit: 6400}, accounts["revenue:sales:eur"].Posted)

	// Both movements are posted; each stays in its own currency
	txns := demoTransactions(t, f)
	require.Len(t, txns, 2)
	for _, txn := range txns {
		assert.Equal(t, "posted", txn.Status)
		require.Len(t, txn.Entries, 2)
		assert.Equal(t, txn.Entries[0].Currency, txn.Entries[1].Currency)
	}
}

// =============================================================================
// GUARDS AND RELOADS
// =============================================================================

func TestLoadScenario_UnknownLeavesDataIntact(t *testing.T) {
	f := newAPIFixture(t, ledger.DefaultConfig())
	loadScenario(t, f, "starter-books")

	// WHEN asking for a scenario that does not exist
	rec := f.do(t, http.MethodPost, "/v1/scenarios/load", map[string]string{"scenario_id": "cooking-the-books"})

	// THEN the request is rejected before anything is reset
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	assert.Contains(t, resp.Error, "Unknown scenario")

	assert.Len(t, demoAccounts(t, f), 4)
	cur := currentScenario(t, f)
	require.NotNil(t, cur)
	assert.Equal(t, "starter-books", cur.ID)
}

func TestLoadScenario_MalformedBody(t *testing.T) {
	f := newAPIFixture(t, ledger.DefaultConfig())

	rec := f.do(t, http.MethodPost, "/v1/scenarios/load", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoadScenario_ReplacesPreviousState(t *testing.T) {
	f := newAPIFixture(t, ledger.DefaultConfig())
	loadScenario(t, f, "starter-books")
	loadScenario(t, f, "card-payments")

	// THEN only the second scenario's books remain
	accounts := demoAccounts(t, f)
	require.Len(t, accounts, 3)
	assert.Contains(t, accounts, "liabilities:card_holds")
	assert.NotContains(t, accounts, "assets:receivable")

	assert.Len(t, demoTransactions(t, f), 2)
}
