package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/bftledger/consensus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, StoreBadger, cfg.Ledger.Store)
	assert.Equal(t, "9984", cfg.Ledger.HTTPPort)
	assert.Equal(t, consensus.DefaultConfig(), cfg.ConsensusConfig())
	assert.Equal(t, "http://localhost:46657/", cfg.ConsensusConfig().Endpoint())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("TENDERMINT_HOST", "tendermint")
	t.Setenv("TENDERMINT_PORT", "26657")
	t.Setenv("TENDERMINT_TIMEOUT", "5s")
	t.Setenv("LEDGER_STORE", "sqlite")
	t.Setenv("LEDGER_HTTP_PORT", "8080")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, consensus.Config{Host: "tendermint", Port: 26657, Timeout: 5 * time.Second}, cfg.ConsensusConfig())
	assert.Equal(t, "http://tendermint:26657/", cfg.ConsensusConfig().Endpoint())
	assert.Equal(t, StoreSqlite, cfg.Ledger.Store)
	assert.Equal(t, "8080", cfg.Ledger.HTTPPort)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[tendermint]
host = "10.0.0.5"

[ledger]
store = "postgres"
postgres_dsn = "postgresql://postgres@db/postgres"
`), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Tendermint.Host)
	assert.Equal(t, 46657, cfg.Tendermint.Port)
	assert.Equal(t, StorePostgres, cfg.Ledger.Store)

	_, err = Load(New(), filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown store":        {"LEDGER_STORE": "mongo"},
		"postgres without dsn": {"LEDGER_STORE": "postgres"},
		"port out of range":    {"TENDERMINT_PORT": "70000"},
		"negative timeout":     {"TENDERMINT_TIMEOUT": "-1s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load(New(), "")
			assert.Error(t, err)
		})
	}
}
