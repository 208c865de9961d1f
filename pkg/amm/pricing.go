// Package amm holds the constant-product pricing math and the volatility fee tiers.
// Settlement amounts never touch floating point; floats only appear in reported prices.
package amm

import (
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

// BpsDenominator is the number of basis points in one whole.
const BpsDenominator = 10_000

var (
	ErrEmptyPool        = errors.New("empty pool")
	ErrSlippageExceeded = errors.New("slippage exceeded")
	ErrInvalidFee       = errors.New("fee exceeds 10000 bps")
)

// AmountOut prices a swap on the constant-product curve net of fee:
//
//	effective = amountIn * (10000 - feeBps)
//	out = floor(effective * reserveOut / (reserveIn * 10000 + effective))
func AmountOut(amountIn, reserveIn, reserveOut uint64, feeBps uint16) (uint64, error) {
	if reserveIn == 0 || reserveOut == 0 {
		return 0, ErrEmptyPool
	}
	if feeBps > BpsDenominator {
		return 0, ErrInvalidFee
	}
	if amountIn == 0 {
		return 0, nil
	}

	effective := new(uint256.Int).Mul(uint256.NewInt(amountIn), uint256.NewInt(uint64(BpsDenominator-feeBps)))
	numerator := new(uint256.Int).Mul(effective, uint256.NewInt(reserveOut))
	denominator := new(uint256.Int).Mul(uint256.NewInt(reserveIn), uint256.NewInt(BpsDenominator))
	denominator.Add(denominator, effective)

	// numerator/denominator < reserveOut, so the quotient always fits in 64 bits.
	return new(uint256.Int).Div(numerator, denominator).Uint64(), nil
}

// Quote is AmountOut plus the minimum-out check.
func Quote(amountIn, reserveIn, reserveOut uint64, feeBps uint16, minOut uint64) (uint64, error) {
	out, err := AmountOut(amountIn, reserveIn, reserveOut, feeBps)
	if err != nil {
		return 0, err
	}
	if out < minOut {
		return out, fmt.Errorf("%w: output %d below minimum %d", ErrSlippageExceeded, out, minOut)
	}
	return out, nil
}

// FeeAmount is the part of amountIn retained by the pool at feeBps.
func FeeAmount(amountIn uint64, feeBps uint16) uint64 {
	fee := new(uint256.Int).Mul(uint256.NewInt(amountIn), uint256.NewInt(uint64(feeBps)))
	return fee.Div(fee, uint256.NewInt(BpsDenominator)).Uint64()
}

// ProportionalShare returns amount * part / total, rounded down. A zero total yields zero.
func ProportionalShare(amount, part, total uint64) uint64 {
	if total == 0 {
		return 0
	}
	share := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(part))
	share.Div(share, uint256.NewInt(total))
	if !share.IsUint64() {
		return math.MaxUint64
	}
	return share.Uint64()
}

// PostTrade returns both reserves after amountIn enters and amountOut leaves the pool.
func PostTrade(reserveIn, reserveOut, amountIn, amountOut uint64) (uint64, uint64) {
	in := reserveIn + amountIn
	if in < reserveIn {
		in = math.MaxUint64
	}
	out := uint64(0)
	if amountOut < reserveOut {
		out = reserveOut - amountOut
	}
	return in, out
}

// SpotPrice is reserveOut/reserveIn as a float for reporting.
func SpotPrice(reserveIn, reserveOut uint64) float64 {
	if reserveIn == 0 {
		return 0
	}
	return float64(reserveOut) / float64(reserveIn)
}
