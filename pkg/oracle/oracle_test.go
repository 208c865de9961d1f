package oracle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTWAPTwoSamples(t *testing.T) {
	o := New(0)
	o.Record("pool", 1.0, 1000, 1000, t0)
	o.Record("pool", 2.0, 1000, 2000, t0.Add(100*time.Second))

	twap, ok := o.TWAP("pool", 200*time.Second, t0.Add(100*time.Second))
	require.True(t, ok)
	// (1.0*100 + 2.0*1) / 101
	assert.InDelta(t, 102.0/101.0, twap, 1e-9)
	assert.InDelta(t, 1.0, twap, 0.02)
}

func TestTWAPNoData(t *testing.T) {
	o := New(0)
	_, ok := o.TWAP("pool", time.Hour, t0)
	assert.False(t, ok)

	o.Record("pool", 1.0, 1, 1, t0)
	_, ok = o.TWAP("pool", time.Minute, t0.Add(2*time.Hour))
	assert.False(t, ok)
	_, ok = o.TWAP("other", time.Hour, t0)
	assert.False(t, ok)
}

func TestTWAPLastSampleWeightedUntilNow(t *testing.T) {
	o := New(0)
	o.Record("pool", 1.0, 1, 1, t0)
	o.Record("pool", 3.0, 1, 3, t0.Add(10*time.Second))

	twap, ok := o.TWAP("pool", time.Hour, t0.Add(20*time.Second))
	require.True(t, ok)
	assert.InDelta(t, 2.0, twap, 1e-9)
}

func TestRecordPurgesAcrossPools(t *testing.T) {
	o := New(time.Hour)
	o.Record("a", 1.0, 1, 1, t0)
	o.Record("b", 1.0, 1, 1, t0.Add(30*time.Minute))
	o.Record("a", 1.1, 1, 1, t0.Add(2*time.Hour))

	assert.Len(t, o.Recent("a", 0), 1)
	assert.Empty(t, o.Recent("b", 0))
	assert.Equal(t, 1, o.Len())
}

func TestRecordClampsTimestamps(t *testing.T) {
	o := New(0)
	o.Record("pool", 1.0, 1, 1, t0.Add(time.Minute))
	s := o.Record("pool", 2.0, 1, 2, t0)
	assert.Equal(t, t0.Add(time.Minute), s.Timestamp)

	recent := o.Recent("pool", 10)
	require.Len(t, recent, 2)
	assert.False(t, recent[1].Timestamp.Before(recent[0].Timestamp))
}

func TestRecentChronologicalAndLimited(t *testing.T) {
	o := New(0)
	for i := 0; i < 5; i++ {
		o.Record("pool", float64(i), 1, 1, t0.Add(time.Duration(i)*time.Second))
	}
	recent := o.Recent("pool", 3)
	require.Len(t, recent, 3)
	assert.Equal(t, []float64{2, 3, 4}, []float64{recent[0].Price, recent[1].Price, recent[2].Price})
	assert.Equal(t, []float64{3, 4}, o.Prices("pool", 2))

	latest, ok := o.Latest("pool")
	require.True(t, ok)
	assert.Equal(t, 4.0, latest.Price)
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	o := New(0)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			o.Record("pool", 1.0, 1, 1, t0.Add(time.Duration(i)*time.Second))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = o.TWAP("pool", time.Hour, t0.Add(time.Hour))
			_ = o.Recent("pool", 10)
		}
	}()
	wg.Wait()
	assert.Equal(t, 200, o.Len())
}
