/*
config.go - Engine tuning knobs

PURPOSE:
  One struct carrying every numeric policy the engine consults: business
  retry limits, OCC retry limits, backoff shape, and worker cadence.
  Everything has a sane default so tests can start from DefaultConfig()
  and override one field.
*/
package ledger

import (
	"fmt"
	"time"
)

// Config carries the engine's retry, backoff, and worker policies.
type Config struct {
	// MaxRetries bounds business retries. A queue item whose retry_count
	// exceeds this parks in dead_letter.
	MaxRetries int

	// RetryIntervalMS is the base delay before a failed item becomes due
	// again. The effective delay doubles per retry and carries jitter.
	RetryIntervalMS int

	// MaxBackoffMS caps the exponential retry delay.
	MaxBackoffMS int

	// MaxOCCRetries bounds consecutive optimistic-concurrency collisions
	// within a single processing attempt.
	MaxOCCRetries int

	// OCCBackoffBaseMS is the base sleep between OCC attempts.
	OCCBackoffBaseMS int

	// IdempotencySecret keys the HMAC used to derive idempotency key hashes.
	// Changing it invalidates all previously recorded keys.
	IdempotencySecret string

	// ClaimBatchSize bounds how many due items a single poll claims.
	ClaimBatchSize int

	// WorkerCount is the number of concurrent queue processors.
	WorkerCount int

	// PollIntervalMS is the queue poll cadence when no work is due.
	PollIntervalMS int

	// StaleAfterMS is the age past which a processing claim is considered
	// abandoned and eligible for reclaim. Zero disables the reaper.
	StaleAfterMS int
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        5,
		RetryIntervalMS:   2000,
		MaxBackoffMS:      60000,
		MaxOCCRetries:     3,
		OCCBackoffBaseMS:  20,
		IdempotencySecret: "dev-only-idempotency-secret",
		ClaimBatchSize:    10,
		WorkerCount:       4,
		PollIntervalMS:    250,
		StaleAfterMS:      300000,
	}
}

// Validate rejects configurations the engine cannot run under.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.RetryIntervalMS <= 0 {
		return fmt.Errorf("retry_interval_ms must be > 0, got %d", c.RetryIntervalMS)
	}
	if c.MaxBackoffMS < c.RetryIntervalMS {
		return fmt.Errorf("max_backoff_ms must be >= retry_interval_ms, got %d < %d", c.MaxBackoffMS, c.RetryIntervalMS)
	}
	if c.MaxOCCRetries < 1 {
		return fmt.Errorf("max_occ_retries must be >= 1, got %d", c.MaxOCCRetries)
	}
	if c.OCCBackoffBaseMS < 0 {
		return fmt.Errorf("occ_backoff_base_ms must be >= 0, got %d", c.OCCBackoffBaseMS)
	}
	if c.IdempotencySecret == "" {
		return fmt.Errorf("idempotency_secret must not be empty")
	}
	if c.ClaimBatchSize < 1 {
		return fmt.Errorf("claim_batch_size must be >= 1, got %d", c.ClaimBatchSize)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be >= 1, got %d", c.WorkerCount)
	}
	if c.PollIntervalMS <= 0 {
		return fmt.Errorf("poll_interval_ms must be > 0, got %d", c.PollIntervalMS)
	}
	if c.StaleAfterMS < 0 {
		return fmt.Errorf("stale_after_ms must be >= 0, got %d", c.StaleAfterMS)
	}
	return nil
}

// RetryInterval returns the base retry delay as a duration.
func (c Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMS) * time.Millisecond
}

// MaxBackoff returns the retry delay cap as a duration.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

// OCCBackoffBase returns the base OCC sleep as a duration.
func (c Config) OCCBackoffBase() time.Duration {
	return time.Duration(c.OCCBackoffBaseMS) * time.Millisecond
}

// PollInterval returns the worker poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// StaleAfter returns the abandoned-claim threshold as a duration.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMS) * time.Millisecond
}
