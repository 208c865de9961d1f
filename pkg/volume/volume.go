// Package volume tracks rolling 24h trade volume and fees per pool and derives a fee APY.
package volume

import (
	"math"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
)

// ResetAfter is the idle period after which a pool's counters start over.
const ResetAfter = 24 * time.Hour

// Stats is the running volume for one pool.
type Stats struct {
	PoolID      string    `json:"pool_id"`
	Volume24h   uint64    `json:"volume_24h"`
	Fees24h     uint64    `json:"fees_24h"`
	Trades24h   uint32    `json:"trades_24h"`
	LastUpdated time.Time `json:"last_updated"`
}

// Trade is a single executed swap.
type Trade struct {
	PoolID    string
	AmountIn  uint64
	AmountOut uint64
	FeeAmount uint64
}

// Tracker holds Stats per pool.
type Tracker struct {
	pools *xsync.Map[string, Stats]
}

func NewTracker() *Tracker {
	return &Tracker{pools: xsync.NewMap[string, Stats]()}
}

// Record adds a trade, resetting the pool's counters when the previous update is
// more than ResetAfter old.
func (t *Tracker) Record(tr Trade, now time.Time) Stats {
	out, _ := t.pools.Compute(tr.PoolID, func(old Stats, loaded bool) (Stats, xsync.ComputeOp) {
		if !loaded || now.Sub(old.LastUpdated) > ResetAfter {
			old = Stats{PoolID: tr.PoolID}
		}
		old.Volume24h = saturatingAdd(old.Volume24h, tr.AmountIn)
		old.Fees24h = saturatingAdd(old.Fees24h, tr.FeeAmount)
		old.Trades24h++
		old.LastUpdated = now
		return old, xsync.UpdateOp
	})
	return out
}

func (t *Tracker) Get(poolID string) (Stats, bool) {
	return t.pools.Load(poolID)
}

// All returns every pool's stats ordered by pool id.
func (t *Tracker) All() []Stats {
	out := make([]Stats, 0, t.pools.Size())
	t.pools.Range(func(_ string, s Stats) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

// APY compounds the daily fee rate fees/tvl over a year and returns a percentage
// rounded to two decimals. A zero tvl yields zero.
func APY(fees24h, tvl uint64) decimal.Decimal {
	if tvl == 0 {
		return decimal.Zero
	}
	daily := float64(fees24h) / float64(tvl)
	apy := (math.Pow(1+daily, 365) - 1) * 100
	if math.IsInf(apy, 0) || math.IsNaN(apy) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(apy).Round(2)
}

func saturatingAdd(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return math.MaxUint64
}
