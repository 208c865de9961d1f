package poold

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/canopy-network/poold/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	assert.Equal(t, LedgerModeHTTP, cfg.LedgerMode)
	assert.Equal(t, []string{"http://localhost:57291"}, cfg.LedgerEndpoints)
	assert.Equal(t, "*/15 * * * * *", cfg.PollCron)
	assert.Equal(t, ledger.ConfirmOpts{Interval: 500 * time.Millisecond, Attempts: 60}, cfg.Confirm)
	assert.Equal(t, 45*time.Second, cfg.SyncTimeout)
	assert.Equal(t, 120*time.Second, cfg.RequestTimeout)
	assert.False(t, cfg.RedisEnabled)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("LEDGER_MODE", LedgerModeMemory)
	t.Setenv("LEDGER_ENDPOINTS", "http://a:1, http://b:2")
	t.Setenv("CONFIRM_ATTEMPTS", "5")
	t.Setenv("REQUEST_TIMEOUT", "3s")
	t.Setenv("REDIS_ENABLED", "true")

	cfg := LoadConfig()
	assert.Equal(t, LedgerModeMemory, cfg.LedgerMode)
	assert.Equal(t, []string{"http://a:1", "http://b:2"}, cfg.LedgerEndpoints)
	assert.Equal(t, 5, cfg.Confirm.Attempts)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.RedisEnabled)
}

func TestLoadPools(t *testing.T) {
	dir := t.TempDir()

	pools, err := LoadPools(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, pools)

	jsonPath := filepath.Join(dir, "pools.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"pools":[{"id":"0xpool","reserves":{"0xbbb":5,"0xaaa":7}}]}`), 0o600))
	pools, err = LoadPools(jsonPath)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, []ledger.Asset{{AssetID: "0xaaa", Amount: 7}, {AssetID: "0xbbb", Amount: 5}}, pools[0].seedAssets())

	yamlPath := filepath.Join(dir, "pools.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("pools:\n  - id: 0xone\n  - id: 0xtwo\n"), 0o600))
	pools, err = LoadPools(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xone", "0xtwo"}, poolIDs(pools))

	dupPath := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dupPath, []byte("pools:\n  - id: 0xone\n  - id: 0xone\n"), 0o600))
	_, err = LoadPools(dupPath)
	assert.Error(t, err)
}

func TestNewLedgerClientSeedsMemoryPools(t *testing.T) {
	cfg := Config{LedgerMode: LedgerModeMemory}
	client, err := newLedgerClient(cfg, []PoolSpec{{ID: "0xpool", Reserves: map[string]uint64{"0xaaa": 10}}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	mem, ok := client.(*ledger.Memory)
	require.True(t, ok)
	assert.Equal(t, uint64(10), mem.Balance("0xpool", "0xaaa"))

	_, err = newLedgerClient(Config{LedgerMode: "carrier-pigeon"}, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}
