package analysis

import "github.com/nasa-jpl/flipcoil/data"

// PositionErrorLimit is the positioning tolerance drawn on error plots,
// readout units
const PositionErrorLimit = 57

// FlipAngle is the nominal rotation of one stroke, readout units
const FlipAngle = 180000

// PositionError is the deviation of one bracket from its nominal position,
// one value per repetition
type PositionError struct {
	Label  string    `json:"label"`
	Values []float64 `json:"values"`
}

func deviation(nominal float64, actual []float64) []float64 {
	out := make([]float64, len(actual))
	for i, a := range actual {
		out[i] = nominal - a
	}
	return out
}

/*PositionErrors compares the brackets of m to the nominal start and end
positions of a forward stroke.  Readout B turns opposite to A, so its end
position is -end.

Labels name the encoder, the stroke (+ forward, - backward) and whether the
value is the initial (i) or final (f) position.
*/
func PositionErrors(m *data.MeasurementData, start, end float64) []PositionError {
	return []PositionError{
		{"ErA+i", deviation(start, m.ForwardA.Before)},
		{"ErA+f", deviation(end, m.ForwardA.After)},
		{"ErA-i", deviation(end, m.BackwardA.Before)},
		{"ErA-f", deviation(start, m.BackwardA.After)},
		{"ErB+i", deviation(start, m.ForwardB.Before)},
		{"ErB+f", deviation(-end, m.ForwardB.After)},
		{"ErB-i", deviation(-end, m.BackwardB.Before)},
		{"ErB-f", deviation(start, m.BackwardB.After)},
	}
}
