package amm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateFeeDefaultsWithShortHistory(t *testing.T) {
	assert.Equal(t, DefaultFeeBps, EstimateFee(nil).Bps)
	assert.Equal(t, DefaultFeeBps, EstimateFee([]float64{1.0}).Bps)
	assert.Equal(t, DefaultFeeBps, EstimateFee([]float64{0, 0, 0}).Bps)
}

func TestEstimateFeeTiers(t *testing.T) {
	flat := []float64{1, 1, 1, 1, 1}
	assert.Equal(t, LowFeeBps, EstimateFee(flat).Bps)

	// Alternating +/-0.5% moves.
	normal := []float64{1.0, 1.005, 1.0, 1.005, 1.0, 1.005}
	assert.Equal(t, DefaultFeeBps, EstimateFee(normal).Bps)

	choppy := []float64{1.0, 1.1, 1.0, 1.1, 1.0}
	fee := EstimateFee(choppy)
	assert.Equal(t, HighFeeBps, fee.Bps)
	assert.InDelta(t, 0.003, fee.Fraction, 1e-12)
}

func TestEstimateFeeUsesOnlyLastWindow(t *testing.T) {
	prices := []float64{1.0, 2.0, 1.0, 2.0}
	for i := 0; i < FeeWindow; i++ {
		prices = append(prices, 3.0)
	}
	assert.Equal(t, LowFeeBps, EstimateFee(prices).Bps)
}

func TestTierBoundariesAreExclusive(t *testing.T) {
	assert.Equal(t, LowFeeBps, tierForVolatility(0.000999).Bps)
	assert.Equal(t, DefaultFeeBps, tierForVolatility(LowVolatilityBound).Bps)
	assert.Equal(t, DefaultFeeBps, tierForVolatility(0.00999).Bps)
	assert.Equal(t, HighFeeBps, tierForVolatility(NormalVolatilityBound).Bps)
}

func TestVolatilityIsPopulationStddev(t *testing.T) {
	// Changes +1 and -0.5: mean 0.25, population stddev 0.75.
	vol, ok := Volatility([]float64{1, 2, 1})
	assert.True(t, ok)
	assert.InDelta(t, 0.75, vol, 1e-12)
}

func TestFeePercent(t *testing.T) {
	assert.Equal(t, "0.05", FeeTier{Bps: 5}.Percent())
	assert.Equal(t, "0.30", FeeTier{Bps: 30}.Percent())
}
