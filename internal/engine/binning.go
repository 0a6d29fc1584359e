// Package engine implements the per-symbol trade pipeline: footprint
// binning, the trade-processing state machine, and the rollup of completed
// 1s candles into higher timeframes.
package engine

import "math"

// priceScale is the fixed-point scale for bin arithmetic. Prices are
// carried as integers at 1e7 so bin boundaries never drift with floats.
const priceScale = 1e7

// BinPrice maps a trade price to its footprint bin price for the given
// tick value and multiplier: the largest multiple of tick*multiplier not
// above the price, computed in scaled integer space.
func BinPrice(price, tickValue float64, multiplier int) float64 {
	if multiplier < 1 {
		multiplier = 1
	}
	binScaled := int64(math.Round(tickValue * float64(multiplier) * priceScale))
	if binScaled <= 0 {
		return price
	}
	ps := int64(math.Round(price * priceScale))
	if ps < 0 {
		ps = 0
	}
	return float64(ps-ps%binScaled) / priceScale
}

// niceBases are the accepted bin-size mantissas; a "nice" bin size is one
// of these times a power of ten.
var niceBases = [...]float64{1, 2, 2.5, 4, 5}

// NiceBinSize snaps a raw bin width to the nearest nice size >= raw.
func NiceBinSize(raw float64) float64 {
	if raw <= 0 {
		return 0
	}
	exp := math.Floor(math.Log10(raw))
	pow := math.Pow(10, exp)
	for _, b := range niceBases {
		if b*pow >= raw-1e-12 {
			return b * pow
		}
	}
	return 10 * pow
}

// NiceMultiplier picks a bin multiplier so that a typical 1% intracandle
// price range yields on the order of 40-200 bins. refPrice is a recent
// trade price for the symbol.
func NiceMultiplier(tickValue, refPrice float64) int {
	if tickValue <= 0 || refPrice <= 0 {
		return 1
	}
	const targetBins = 100
	rawBin := refPrice * 0.01 / targetBins
	if rawBin <= tickValue {
		return 1
	}
	nice := NiceBinSize(rawBin)
	m := int(math.Round(nice / tickValue))
	if m < 1 {
		m = 1
	}
	return m
}
