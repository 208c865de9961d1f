package poold

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/canopy-network/poold/pkg/ledger"
	"github.com/canopy-network/poold/pkg/utils"
	"gopkg.in/yaml.v3"
)

const (
	LedgerModeHTTP   = "http"
	LedgerModeMemory = "memory"
)

// Config is the daemon configuration, read from the environment.
type Config struct {
	LedgerMode      string
	LedgerEndpoints []string
	Keystore        string
	LedgerRPS       int
	LedgerBurst     int
	PoolsFile       string
	DepositsFile    string
	PollCron        string
	QueueSize       int
	Confirm         ledger.ConfirmOpts
	SyncTimeout     time.Duration
	RequestTimeout  time.Duration
	TWAPWindow      time.Duration
	OrderTTL        time.Duration
	EventWorkers    int
	EventQueueSize  int
	RedisEnabled    bool
	ClickHouse      bool
	ClickHouseDB    string
}

func LoadConfig() Config {
	return Config{
		LedgerMode:      utils.Env("LEDGER_MODE", LedgerModeHTTP),
		LedgerEndpoints: utils.EnvList("LEDGER_ENDPOINTS", []string{"http://localhost:57291"}),
		Keystore:        utils.Env("LEDGER_KEYSTORE", "./keystore"),
		LedgerRPS:       utils.EnvInt("LEDGER_RPS", 20),
		LedgerBurst:     utils.EnvInt("LEDGER_BURST", 40),
		PoolsFile:       utils.Env("POOLS_FILE", "pools.json"),
		DepositsFile:    utils.Env("DEPOSITS_FILE", "user_deposits.json"),
		PollCron:        utils.Env("POLL_CRON", "*/15 * * * * *"),
		QueueSize:       utils.EnvInt("ENGINE_QUEUE_SIZE", 64),
		Confirm: ledger.ConfirmOpts{
			Interval: utils.EnvDuration("CONFIRM_INTERVAL", 500*time.Millisecond),
			Attempts: utils.EnvInt("CONFIRM_ATTEMPTS", 60),
		},
		SyncTimeout:    utils.EnvDuration("SYNC_TIMEOUT", 45*time.Second),
		RequestTimeout: utils.EnvDuration("REQUEST_TIMEOUT", 120*time.Second),
		TWAPWindow:     utils.EnvDuration("TWAP_DEFAULT_WINDOW", time.Hour),
		OrderTTL:       utils.EnvDuration("ORDER_DEFAULT_TTL", 24*time.Hour),
		EventWorkers:   utils.EnvInt("EVENT_WORKERS", 4),
		EventQueueSize: utils.EnvInt("EVENT_QUEUE_SIZE", 1024),
		RedisEnabled:   utils.EnvBool("REDIS_ENABLED", false),
		ClickHouse:     utils.EnvBool("CLICKHOUSE_ENABLED", false),
		ClickHouseDB:   utils.Env("CLICKHOUSE_DB", "poold"),
	}
}

// PoolSpec is one entry of the pools file. Reserves seed the in-memory ledger and
// are ignored in http mode.
type PoolSpec struct {
	ID       string            `yaml:"id"`
	Reserves map[string]uint64 `yaml:"reserves,omitempty"`
}

type poolsFile struct {
	Pools []PoolSpec `yaml:"pools"`
}

// LoadPools reads the pools file. A missing file yields no pools. JSON is read
// as YAML.
func LoadPools(path string) ([]PoolSpec, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pools file %s: %w", path, err)
	}
	var f poolsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse pools file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Pools))
	for _, p := range f.Pools {
		if p.ID == "" {
			return nil, fmt.Errorf("pools file %s: pool without id", path)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("pools file %s: duplicate pool %s", path, p.ID)
		}
		seen[p.ID] = true
	}
	return f.Pools, nil
}

func poolIDs(specs []PoolSpec) []string {
	ids := make([]string, 0, len(specs))
	for _, p := range specs {
		ids = append(ids, p.ID)
	}
	return ids
}

// seedAssets returns the pool's seed reserves ordered by asset id.
func (p PoolSpec) seedAssets() []ledger.Asset {
	out := make([]ledger.Asset, 0, len(p.Reserves))
	for id, amount := range p.Reserves {
		out = append(out, ledger.Asset{AssetID: id, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}
