package oracle

import (
	"sync"
	"time"
)

// DefaultRetention bounds how long samples are kept.
const DefaultRetention = 24 * time.Hour

// Sample is one post-trade observation for a pool.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	PoolID     string    `json:"pool_id"`
	Price      float64   `json:"price"`
	ReserveIn  uint64    `json:"reserve_in"`
	ReserveOut uint64    `json:"reserve_out"`
}

// Oracle is a time-bounded price series per pool. Writes come from the settlement
// engine only; query handlers read concurrently.
type Oracle struct {
	mu        sync.RWMutex
	retention time.Duration
	series    map[string][]Sample
}

// New returns an Oracle keeping samples for retention (DefaultRetention when <= 0).
func New(retention time.Duration) *Oracle {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Oracle{
		retention: retention,
		series:    make(map[string][]Sample),
	}
}

// Record appends a sample and purges samples older than the retention window from
// every pool. A timestamp earlier than the pool's last sample is clamped to it so the
// series never goes backwards.
func (o *Oracle) Record(poolID string, price float64, reserveIn, reserveOut uint64, now time.Time) Sample {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.series[poolID]
	if n := len(s); n > 0 && now.Before(s[n-1].Timestamp) {
		now = s[n-1].Timestamp
	}
	sample := Sample{Timestamp: now, PoolID: poolID, Price: price, ReserveIn: reserveIn, ReserveOut: reserveOut}
	o.series[poolID] = append(s, sample)

	cutoff := now.Add(-o.retention)
	for id, samples := range o.series {
		i := 0
		for i < len(samples) && samples[i].Timestamp.Before(cutoff) {
			i++
		}
		switch {
		case i == len(samples):
			delete(o.series, id)
		case i > 0:
			o.series[id] = append([]Sample(nil), samples[i:]...)
		}
	}
	return sample
}

// TWAP returns the time-weighted average price over [now-window, now]. Each sample is
// weighted by the time until the next sample; the last one by the time until now, at
// least one second. ok is false when no sample falls inside the window.
func (o *Oracle) TWAP(poolID string, window time.Duration, now time.Time) (float64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	start := now.Add(-window)
	var in []Sample
	for _, s := range o.series[poolID] {
		if s.Timestamp.Before(start) || s.Timestamp.After(now) {
			continue
		}
		in = append(in, s)
	}
	if len(in) == 0 {
		return 0, false
	}

	var weighted, total float64
	for i, s := range in {
		var d float64
		if i+1 < len(in) {
			d = in[i+1].Timestamp.Sub(s.Timestamp).Seconds()
		} else {
			d = now.Sub(s.Timestamp).Seconds()
			if d < 1 {
				d = 1
			}
		}
		weighted += s.Price * d
		total += d
	}
	return weighted / total, true
}

// Recent returns up to limit of the newest samples in chronological order.
// A non-positive limit returns the whole retained series.
func (o *Oracle) Recent(poolID string, limit int) []Sample {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := o.series[poolID]
	if limit > 0 && len(s) > limit {
		s = s[len(s)-limit:]
	}
	return append([]Sample(nil), s...)
}

// Prices returns up to limit of the newest prices in chronological order.
func (o *Oracle) Prices(poolID string, limit int) []float64 {
	recent := o.Recent(poolID, limit)
	out := make([]float64, len(recent))
	for i, s := range recent {
		out[i] = s.Price
	}
	return out
}

// Latest returns the newest sample for the pool.
func (o *Oracle) Latest(poolID string) (Sample, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.series[poolID]
	if len(s) == 0 {
		return Sample{}, false
	}
	return s[len(s)-1], true
}

// Len counts retained samples across all pools.
func (o *Oracle) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, s := range o.series {
		n += len(s)
	}
	return n
}
