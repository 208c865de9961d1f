package amm

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	LowFeeBps     uint16 = 5
	DefaultFeeBps uint16 = 10
	HighFeeBps    uint16 = 30

	// FeeWindow is how many of the most recent price samples feed the estimate.
	FeeWindow = 10

	// Tier upper bounds are exclusive: a volatility equal to a bound falls into the higher tier.
	LowVolatilityBound    = 0.001
	NormalVolatilityBound = 0.01
)

// FeeTier is a discrete swap fee.
type FeeTier struct {
	Bps      uint16  `json:"fee_bps"`
	Fraction float64 `json:"fee_fraction"`
}

// Percent renders the fee as a percentage with two decimals, e.g. "0.30".
func (f FeeTier) Percent() string {
	return decimal.NewFromInt(int64(f.Bps)).Div(decimal.NewFromInt(100)).StringFixed(2)
}

func tier(bps uint16) FeeTier {
	return FeeTier{Bps: bps, Fraction: float64(bps) / BpsDenominator}
}

// EstimateFee maps the volatility of the last FeeWindow prices to a fee tier.
// Prices must be in chronological order.
func EstimateFee(prices []float64) FeeTier {
	vol, ok := Volatility(prices)
	if !ok {
		return tier(DefaultFeeBps)
	}
	return tierForVolatility(vol)
}

func tierForVolatility(vol float64) FeeTier {
	switch {
	case vol < LowVolatilityBound:
		return tier(LowFeeBps)
	case vol < NormalVolatilityBound:
		return tier(DefaultFeeBps)
	default:
		return tier(HighFeeBps)
	}
}

// Volatility is the population standard deviation of the relative changes between
// consecutive prices in the last FeeWindow entries. ok is false with fewer than two usable prices.
func Volatility(prices []float64) (float64, bool) {
	if len(prices) > FeeWindow {
		prices = prices[len(prices)-FeeWindow:]
	}
	if len(prices) < 2 {
		return 0, false
	}

	changes := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1]
		if prev == 0 {
			continue
		}
		changes = append(changes, (prices[i]-prev)/prev)
	}
	if len(changes) == 0 {
		return 0, false
	}

	var mean float64
	for _, c := range changes {
		mean += c
	}
	mean /= float64(len(changes))

	var variance float64
	for _, c := range changes {
		d := c - mean
		variance += d * d
	}
	variance /= float64(len(changes))
	return math.Sqrt(variance), true
}
