package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, cnf Configuration) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "paystream.json")
	data, err := json.Marshal(cnf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestInitConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/paystream"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	})

	require.NoError(t, InitConfig(path))
	cnf, err := Fetch()
	require.NoError(t, err)

	assert.Equal(t, "Paystream Server", cnf.ProjectName)
	assert.Equal(t, 15*time.Second, cnf.LedgerCallTimeout())
	assert.Equal(t, uint64(3), cnf.Ledger.MaxRetries)
	assert.Equal(t, 5*time.Minute, cnf.SweepInterval())
	assert.Equal(t, 5, cnf.Sweep.MaxValidationAttempts)
	assert.Equal(t, "expiry_sweep", cnf.Sweep.Queue)
}

func TestInitConfigRequiresDataSource(t *testing.T) {
	path := writeConfigFile(t, Configuration{
		Redis: RedisConfig{Dns: "localhost:6379"},
	})
	assert.Error(t, InitConfig(path))
}

func TestInitConfigRequiresRedis(t *testing.T) {
	path := writeConfigFile(t, Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/paystream"},
	})
	assert.Error(t, InitConfig(path))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PAYSTREAM_SWEEP_INTERVAL_SEC", "60")
	t.Setenv("PAYSTREAM_SWEEP_MAX_VALIDATION_ATTEMPTS", "7")

	path := writeConfigFile(t, Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/paystream"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	})
	require.NoError(t, InitConfig(path))
	cnf, err := Fetch()
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cnf.SweepInterval())
	assert.Equal(t, 7, cnf.Sweep.MaxValidationAttempts)
}

func TestMockConfig(t *testing.T) {
	MockConfig(&Configuration{})
	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, 5, cnf.Sweep.MaxValidationAttempts)
}
