/*
commandmap.go - External request shape and validation

PURPOSE:
  A CommandMap is the one boundary contract of the engine: every external
  request arrives as one, is validated here, and is stored verbatim on the
  Command row. The payload is a tagged union: AccountData for account
  actions, TransactionData for transaction actions.

VALIDATION LAYERS:
  - CommandMap.Validate: structural checks (action, source, idempotency
    keys, payload shape). Runs before anything is persisted.
  - Transformer: per-entry business checks (address resolution, non-zero
    amounts, supported currencies). Runs inside the handler.

KEY RULES:
  - source is a short lowercase system name; source_idempk is the caller's
    dedupe token; update_idempk is required exactly for update actions.
  - create_transaction needs at least two entries with distinct addresses.
  - Account type and currency are immutable after creation; update payloads
    carry only the mutable fields and the address used for lookup.

SEE ALSO:
  - idempotency.go: How the key fields become a unique fingerprint
  - transformer.go: Entry-level validation and account resolution
  - response.go: Mapping step errors back onto this shape
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// =============================================================================
// FIELD PATTERNS
// =============================================================================

var (
	// sourcePattern: short lowercase system identifier, 2-30 chars.
	sourcePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,29}$`)

	// idempkPattern: caller-supplied dedupe token, 1-128 chars.
	idempkPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

	// addressPattern: colon-separated account address segments.
	addressPattern = regexp.MustCompile(`^[A-Za-z0-9_]+(:[A-Za-z0-9_]+)*$`)
)

// ValidAddress reports whether s is a well-formed account address.
func ValidAddress(s string) bool { return addressPattern.MatchString(s) }

// =============================================================================
// COMMAND MAP
// =============================================================================

// CommandMap is the validated external request. It is stored verbatim on the
// Command row and echoed on every JournalEvent.
type CommandMap struct {
	Action          Action  `json:"action"`
	InstanceAddress string  `json:"instance_address"`
	Source          string  `json:"source"`
	SourceIdempk    string  `json:"source_idempk"`
	UpdateIdempk    string  `json:"update_idempk,omitempty"`
	UpdateSource    string  `json:"update_source,omitempty"`
	Payload         Payload `json:"payload"`
}

// Payload is the action-specific half of a CommandMap. Exactly two shapes
// exist: AccountData and TransactionData.
type Payload interface {
	// PayloadCategory names the entity family this payload mutates.
	PayloadCategory() Category

	// ValidatePayload runs structural checks for the given action and
	// returns field errors keyed relative to the payload.
	ValidatePayload(action Action) FieldErrors
}

// AccountData is the payload for create_account and update_account.
type AccountData struct {
	Address     string      `json:"address"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Type        AccountType `json:"type,omitempty"`
	Currency    string      `json:"currency,omitempty"`
}

func (AccountData) PayloadCategory() Category { return CategoryAccount }

// TransactionData is the payload for create_transaction and
// update_transaction.
type TransactionData struct {
	Status  TransactionStatus `json:"status"`
	Entries []EntryData       `json:"entries,omitempty"`
}

func (TransactionData) PayloadCategory() Category { return CategoryTransaction }

// EntryData is one requested leg: a signed amount in minor units against an
// account address. The sign picks the side relative to the account's normal
// balance; the transformer derives the stored {value, side} pair.
type EntryData struct {
	AccountAddress string `json:"account_address"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// =============================================================================
// STRUCTURAL VALIDATION
// =============================================================================

// Validate runs all structural checks and returns input-shaped field errors.
// A nil return means the map is structurally sound; business checks (account
// existence, balance) still run later.
func (m CommandMap) Validate() *ValidationError {
	fe := FieldErrors{}

	if m.Action == "" {
		fe.Add("action", "is required")
	} else if !m.Action.Valid() {
		fe.Add("action", "is not a supported action")
	}

	if m.InstanceAddress == "" {
		fe.Add("instance_address", "is required")
	}

	switch {
	case m.Source == "":
		fe.Add("source", "is required")
	case !sourcePattern.MatchString(m.Source):
		fe.Add("source", "has invalid format")
	}

	switch {
	case m.SourceIdempk == "":
		fe.Add("source_idempk", "is required")
	case !idempkPattern.MatchString(m.SourceIdempk):
		fe.Add("source_idempk", "has invalid format")
	}

	if m.Action.Valid() && m.Action.IsUpdate() {
		switch {
		case m.UpdateIdempk == "":
			fe.Add("update_idempk", "is required")
		case !idempkPattern.MatchString(m.UpdateIdempk):
			fe.Add("update_idempk", "has invalid format")
		}
	} else if m.UpdateIdempk != "" {
		fe.Add("update_idempk", "is only allowed for update actions")
	}

	if m.Payload == nil {
		fe.Add("payload", "is required")
	} else if m.Action.Valid() {
		if m.Payload.PayloadCategory() != CategoryFor(m.Action) {
			fe.Add("payload", "does not match the action")
		} else {
			fe.Merge("payload", m.Payload.ValidatePayload(m.Action))
		}
	}

	if fe.Empty() {
		return nil
	}
	return &ValidationError{Errors: fe}
}

// ValidatePayload checks an account payload for the given action.
// Type, currency, and address are immutable after creation, so updates only
// validate the lookup address; extra fields are ignored, matching the
// cast-allowed-fields behavior of the account store.
func (d AccountData) ValidatePayload(action Action) FieldErrors {
	fe := FieldErrors{}

	switch {
	case d.Address == "":
		fe.Add("address", "is required")
	case !addressPattern.MatchString(d.Address):
		fe.Add("address", "has invalid format")
	}

	if action == ActionCreateAccount {
		if d.Type == "" {
			fe.Add("type", "is required")
		} else if !d.Type.Valid() {
			fe.Add("type", "is not a supported account type")
		}
		switch {
		case d.Currency == "":
			fe.Add("currency", "is required")
		case !SupportedCurrency(d.Currency):
			fe.Add("currency", "is not a supported currency")
		}
	}

	return fe
}

// ValidatePayload checks a transaction payload for the given action.
// Per-entry amount/currency/address checks belong to the transformer; here
// we only enforce shape: a valid status, and for creates at least two
// entries with pairwise distinct addresses.
func (d TransactionData) ValidatePayload(action Action) FieldErrors {
	fe := FieldErrors{}

	if d.Status == "" {
		fe.Add("status", "is required")
	} else if !d.Status.Valid() {
		fe.Add("status", "is not a valid status")
	}

	if action == ActionCreateTransaction {
		if len(d.Entries) < 2 {
			fe.Add("entries", "must contain at least 2 entries")
		} else {
			seen := make(map[string]int, len(d.Entries))
			for i, e := range d.Entries {
				if prev, dup := seen[e.AccountAddress]; dup && e.AccountAddress != "" {
					fe.Add(fmt.Sprintf("entries[%d].account_address", i),
						fmt.Sprintf("duplicates entries[%d]", prev))
					continue
				}
				seen[e.AccountAddress] = i
			}
		}
	}

	return fe
}

// =============================================================================
// JSON ROUND-TRIP
// =============================================================================

// commandMapWire mirrors CommandMap with the payload left raw so the action
// can steer which concrete payload type gets decoded.
type commandMapWire struct {
	Action          Action          `json:"action"`
	InstanceAddress string          `json:"instance_address"`
	Source          string          `json:"source"`
	SourceIdempk    string          `json:"source_idempk"`
	UpdateIdempk    string          `json:"update_idempk,omitempty"`
	UpdateSource    string          `json:"update_source,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// UnmarshalJSON decodes the payload union by action category. An unknown
// action leaves Payload nil; Validate reports it as unsupported.
func (m *CommandMap) UnmarshalJSON(data []byte) error {
	var w commandMapWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	m.Action = w.Action
	m.InstanceAddress = w.InstanceAddress
	m.Source = w.Source
	m.SourceIdempk = w.SourceIdempk
	m.UpdateIdempk = w.UpdateIdempk
	m.UpdateSource = w.UpdateSource
	m.Payload = nil

	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil
	}

	switch CategoryFor(w.Action) {
	case CategoryAccount:
		var d AccountData
		if err := json.Unmarshal(w.Payload, &d); err != nil {
			return fmt.Errorf("decode account payload: %w", err)
		}
		m.Payload = d
	case CategoryTransaction:
		var d TransactionData
		if err := json.Unmarshal(w.Payload, &d); err != nil {
			return fmt.Errorf("decode transaction payload: %w", err)
		}
		m.Payload = d
	}
	return nil
}

// AccountPayload returns the payload as AccountData when the map carries one.
func (m CommandMap) AccountPayload() (AccountData, bool) {
	d, ok := m.Payload.(AccountData)
	return d, ok
}

// TransactionPayload returns the payload as TransactionData when the map
// carries one.
func (m CommandMap) TransactionPayload() (TransactionData, bool) {
	d, ok := m.Payload.(TransactionData)
	return d, ok
}
