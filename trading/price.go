package trading

import "math"

// RoundToTick aligns a price to the instrument's minimum increment.
func RoundToTick(price, tickSize float64) float64 {
	return math.Round(price/tickSize) * tickSize
}

// FloorToLot truncates a quantity toward zero at the lot step.
func FloorToLot(qty, lotStep float64) float64 {
	return math.Trunc(qty/lotStep) * lotStep
}

// SnapToLot rounds a quantity to the nearest lot step. Cumulative fill
// quantities from the user stream are snapped, not floored, so a fully
// filled order is protected at its full size.
func SnapToLot(qty, lotStep float64) float64 {
	return math.Round(qty/lotStep) * lotStep
}
