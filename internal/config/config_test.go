package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copyvault/internal/address"
	"copyvault/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, StorePostgres, cfg.StoreBackend)
	assert.Equal(t, TransferNATS, cfg.TransferMode)
	assert.Equal(t, 5*time.Second, cfg.TransferTimeout)
	assert.Equal(t, domain.DefaultMinDeposit, cfg.MinDeposit)
	assert.Equal(t, domain.BasisPointsDivisor, cfg.MaxFeeBps)
	assert.Equal(t, address.DefaultProgramID, cfg.ProgramID)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURLs)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("TRANSFER_MODE", "memory")
	t.Setenv("TRANSFER_TIMEOUT", "750ms")
	t.Setenv("MIN_DEPOSIT_LAMPORTS", "500000000")
	t.Setenv("MAX_FEE_BPS", "5000")
	t.Setenv("NATS_URLS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, TransferMemory, cfg.TransferMode)
	assert.Equal(t, 750*time.Millisecond, cfg.TransferTimeout)
	assert.Equal(t, int64(500_000_000), cfg.MinDeposit)
	assert.Equal(t, 5000, cfg.MaxFeeBps)
	assert.Empty(t, cfg.NATSURLs)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"MIN_DEPOSIT_LAMPORTS", "one"},
		{"MIN_DEPOSIT_LAMPORTS", "0"},
		{"MAX_FEE_BPS", "10001"},
		{"MAX_FEE_BPS", "0"},
		{"TRANSFER_TIMEOUT", "soon"},
		{"TRANSFER_TIMEOUT", "-1s"},
		{"STORE_BACKEND", "sqlite"},
		{"TRANSFER_MODE", "carrier-pigeon"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestNATSTransfersNeedNATS(t *testing.T) {
	t.Setenv("NATS_URLS", "")
	t.Setenv("TRANSFER_MODE", "nats")

	_, err := Load()
	assert.ErrorContains(t, err, "requires NATS_URLS")
}

func TestCloudSQLURL(t *testing.T) {
	t.Setenv("CLOUDSQL_INSTANCE", "proj:region:vault")
	t.Setenv("DB_USER", "svc")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_NAME", "vaultdb")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://svc:secret@/vaultdb?host=/cloudsql/proj:region:vault", cfg.DatabaseURL)
}
