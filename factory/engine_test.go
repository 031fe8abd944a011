/*
engine_test.go - Profile parsing and assembly

PURPOSE:
  Covers the JSON profile contract: override folding, validation rules,
  and a full in-process build against the memory backend. The sqlite and
  postgres paths are exercised by their store packages.
*/
package factory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/factory"
)

func TestParseProfile_OverridesFoldOverDefaults(t *testing.T) {
	p, err := factory.ParseProfile(`{
		"backend": "memory",
		"engine": {"max_retries": 9, "worker_count": 2}
	}`)
	require.NoError(t, err)

	cfg := p.EngineConfig()
	assert.Equal(t, 9, cfg.MaxRetries)
	assert.Equal(t, 2, cfg.WorkerCount)

	// untouched knobs keep their defaults
	assert.Equal(t, 3, cfg.MaxOCCRetries)
	assert.Equal(t, 2000, cfg.RetryIntervalMS)
}

func TestParseProfile_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown backend":     `{"backend": "oracle"}`,
		"sqlite needs path":   `{"backend": "sqlite", "db_path": ""}`,
		"postgres needs dsn":  `{"backend": "postgres"}`,
		"amqp needs exchange": `{"backend": "memory", "amqp_url": "amqp://x", "amqp_exchange": ""}`,
		"malformed json":      `{backend}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := factory.ParseProfile(raw)
			assert.Error(t, err)
		})
	}
}

func TestBuild_MemoryBackend(t *testing.T) {
	engine, cleanup, err := factory.Build(context.Background(), factory.Profile{
		Backend: factory.BackendMemory,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	require.NotNil(t, engine)
	assert.Equal(t, 5, engine.Config().MaxRetries)
}

func TestBuild_RejectsInvalidProfile(t *testing.T) {
	_, cleanup, err := factory.Build(context.Background(), factory.Profile{
		Backend: "oracle",
	}, nil)
	require.Error(t, err)
	cleanup()
}
