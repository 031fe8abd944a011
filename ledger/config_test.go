/*
config_test.go - Policy validation and duration helpers
*/
package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, ledger.DefaultConfig().Validate())
}

func TestConfig_Validate_RejectsBadFields(t *testing.T) {
	cases := map[string]func(c *ledger.Config){
		"negative max_retries":                 func(c *ledger.Config) { c.MaxRetries = -1 },
		"zero retry_interval_ms":               func(c *ledger.Config) { c.RetryIntervalMS = 0 },
		"max_backoff_ms below retry interval":  func(c *ledger.Config) { c.MaxBackoffMS = c.RetryIntervalMS - 1 },
		"zero max_occ_retries":                 func(c *ledger.Config) { c.MaxOCCRetries = 0 },
		"negative occ_backoff_base_ms":         func(c *ledger.Config) { c.OCCBackoffBaseMS = -1 },
		"empty idempotency_secret":             func(c *ledger.Config) { c.IdempotencySecret = "" },
		"zero claim_batch_size":                func(c *ledger.Config) { c.ClaimBatchSize = 0 },
		"zero worker_count":                    func(c *ledger.Config) { c.WorkerCount = 0 },
		"zero poll_interval_ms":                func(c *ledger.Config) { c.PollIntervalMS = 0 },
		"negative stale_after_ms":              func(c *ledger.Config) { c.StaleAfterMS = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := ledger.DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_Validate_AllowsEdgeValues(t *testing.T) {
	cfg := ledger.DefaultConfig()
	// no business retries at all: first failure dead-letters
	cfg.MaxRetries = 0
	// reaper disabled
	cfg.StaleAfterMS = 0
	// no sleep between OCC attempts
	cfg.OCCBackoffBaseMS = 0

	assert.NoError(t, cfg.Validate())
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := ledger.Config{
		RetryIntervalMS:  2000,
		MaxBackoffMS:     60000,
		OCCBackoffBaseMS: 20,
		PollIntervalMS:   250,
		StaleAfterMS:     300000,
	}

	assert.Equal(t, 2*time.Second, cfg.RetryInterval())
	assert.Equal(t, time.Minute, cfg.MaxBackoff())
	assert.Equal(t, 20*time.Millisecond, cfg.OCCBackoffBase())
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 5*time.Minute, cfg.StaleAfter())
}
