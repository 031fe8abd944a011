/*
Package factory assembles a running engine from a JSON deployment profile.

PURPOSE:
  Converts a JSON deployment profile into a wired ledger.Engine: store
  backend, optional event publisher, and engine policy. This enables
  deployment configuration without code changes - operators describe an
  environment in JSON, and the factory builds the matching object graph.

WHY JSON?
  - Ops can switch backends without rebuilding
  - Easy to check profiles into version control per environment
  - Flags and environment variables layer on top for overrides

JSON SCHEMA:
  {
    "backend": "sqlite",
    "db_path": "ledger.db",
    "pg_dsn": "postgres://...",
    "amqp_url": "amqp://...",
    "amqp_exchange": "ledger.events",
    "engine": {
      "max_retries": 5,
      "retry_interval_ms": 2000,
      "max_occ_retries": 3,
      "worker_count": 4,
      "idempotency_secret": "..."
    }
  }

KEY FEATURES:
  - Validates backend selection and its required fields
  - Absent engine keys fall back to ledger.DefaultConfig()
  - Builds the store, the publisher, and the engine in one call
  - Returns a single cleanup releasing everything in reverse order

USAGE:
  profile, err := factory.ParseProfile(jsonStr)
  engine, cleanup, err := factory.Build(ctx, profile, logger)
  defer cleanup()

SEE ALSO:
  - cmd/server/main.go: Flag and environment layering
  - store/sqlite, store/postgres, ledger/store: The backends
  - events/amqp.go: The publisher
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/ledger-engine/events"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
	"github.com/warp/ledger-engine/store/postgres"
	"github.com/warp/ledger-engine/store/sqlite"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// Backend names for Profile.Backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Profile is the JSON deployment configuration.
type Profile struct {
	Backend      string     `json:"backend"`
	DBPath       string     `json:"db_path,omitempty"`
	PgDSN        string     `json:"pg_dsn,omitempty"`
	AMQPURL      string     `json:"amqp_url,omitempty"`
	AMQPExchange string     `json:"amqp_exchange,omitempty"`
	Engine       EngineJSON `json:"engine"`
}

// EngineJSON mirrors ledger.Config with pointer fields so absent keys keep
// their defaults.
type EngineJSON struct {
	MaxRetries        *int    `json:"max_retries,omitempty"`
	RetryIntervalMS   *int    `json:"retry_interval_ms,omitempty"`
	MaxBackoffMS      *int    `json:"max_backoff_ms,omitempty"`
	MaxOCCRetries     *int    `json:"max_occ_retries,omitempty"`
	OCCBackoffBaseMS  *int    `json:"occ_backoff_base_ms,omitempty"`
	IdempotencySecret *string `json:"idempotency_secret,omitempty"`
	ClaimBatchSize    *int    `json:"claim_batch_size,omitempty"`
	WorkerCount       *int    `json:"worker_count,omitempty"`
	PollIntervalMS    *int    `json:"poll_interval_ms,omitempty"`
	StaleAfterMS      *int    `json:"stale_after_ms,omitempty"`
}

// DefaultProfile is a local sqlite deployment with no publisher.
func DefaultProfile() Profile {
	return Profile{
		Backend:      BackendSQLite,
		DBPath:       "ledger.db",
		AMQPExchange: "ledger.events",
	}
}

// ParseProfile decodes and validates a JSON profile. Unset fields keep the
// DefaultProfile values.
func ParseProfile(jsonStr string) (Profile, error) {
	p := DefaultProfile()
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return Profile{}, fmt.Errorf("invalid profile JSON: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate rejects profiles the factory cannot build.
func (p Profile) Validate() error {
	switch p.Backend {
	case BackendSQLite:
		if p.DBPath == "" {
			return fmt.Errorf("backend %q requires db_path", p.Backend)
		}
	case BackendPostgres:
		if p.PgDSN == "" {
			return fmt.Errorf("backend %q requires pg_dsn", p.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q (want sqlite, postgres, or memory)", p.Backend)
	}
	if p.AMQPURL != "" && p.AMQPExchange == "" {
		return fmt.Errorf("amqp_url requires amqp_exchange")
	}
	return nil
}

// EngineConfig folds the profile's engine overrides over the defaults.
func (p Profile) EngineConfig() ledger.Config {
	cfg := ledger.DefaultConfig()
	e := p.Engine
	if e.MaxRetries != nil {
		cfg.MaxRetries = *e.MaxRetries
	}
	if e.RetryIntervalMS != nil {
		cfg.RetryIntervalMS = *e.RetryIntervalMS
	}
	if e.MaxBackoffMS != nil {
		cfg.MaxBackoffMS = *e.MaxBackoffMS
	}
	if e.MaxOCCRetries != nil {
		cfg.MaxOCCRetries = *e.MaxOCCRetries
	}
	if e.OCCBackoffBaseMS != nil {
		cfg.OCCBackoffBaseMS = *e.OCCBackoffBaseMS
	}
	if e.IdempotencySecret != nil {
		cfg.IdempotencySecret = *e.IdempotencySecret
	}
	if e.ClaimBatchSize != nil {
		cfg.ClaimBatchSize = *e.ClaimBatchSize
	}
	if e.WorkerCount != nil {
		cfg.WorkerCount = *e.WorkerCount
	}
	if e.PollIntervalMS != nil {
		cfg.PollIntervalMS = *e.PollIntervalMS
	}
	if e.StaleAfterMS != nil {
		cfg.StaleAfterMS = *e.StaleAfterMS
	}
	return cfg
}

// =============================================================================
// ASSEMBLY
// =============================================================================

// Build wires the store, publisher, and engine for a profile. The returned
// cleanup closes everything in reverse order; it is non-nil even on error.
func Build(ctx context.Context, p Profile, logger *zap.Logger) (*ledger.Engine, func(), error) {
	if err := p.Validate(); err != nil {
		return nil, func() {}, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("cleanup failed", zap.Error(err))
			}
		}
	}

	var txStore ledger.TxStore
	switch p.Backend {
	case BackendSQLite:
		s, err := sqlite.New(p.DBPath)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open sqlite store: %w", err)
		}
		closers = append(closers, s.Close)
		txStore = s
	case BackendPostgres:
		s, err := postgres.New(ctx, p.PgDSN)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open postgres store: %w", err)
		}
		closers = append(closers, s.Close)
		txStore = s
	case BackendMemory:
		txStore = store.NewTxMemory()
	}

	var publisher ledger.Publisher
	if p.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(p.AMQPURL, p.AMQPExchange)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect amqp publisher: %w", err)
		}
		closers = append(closers, pub.Close)
		publisher = pub
	}

	engine, err := ledger.NewEngine(txStore, p.EngineConfig(), nil, publisher, logger)
	if err != nil {
		return nil, cleanup, err
	}

	logger.Info("engine assembled",
		zap.String("backend", p.Backend),
		zap.Bool("amqp", p.AMQPURL != ""),
	)
	return engine, cleanup, nil
}
