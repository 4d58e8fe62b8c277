/*Package analysis reduces raw flip coil buffers to a field integral.

Each buffer is baseline corrected with the mean of its first BaselineSamples
samples and integrated with a running trapezoid, giving a flux trace the
length of the buffer.  Flux is converted to current by I = flux / (2 N w),
N being the turn count and w the coil width.  The per repetition result is
the difference of the current trace between WindowEnd and WindowStart.

The forward and backward strokes see the field with opposite signs; the
reported mean is half their difference and the uncertainty is half the
quadrature sum of their spreads.
*/
package analysis

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/nasa-jpl/flipcoil/data"
)

const (
	// BaselineSamples is the length of the pre-trigger baseline window
	BaselineSamples = 40

	// WindowStart and WindowEnd are the sample indices bounding the
	// extracted result
	WindowStart = 40
	WindowEnd   = 61
)

// ErrShape is generated when the raw buffers cannot be reduced
var ErrShape = errors.New("raw data has the wrong shape")

// Result is a reduced measurement
type Result struct {
	MeanF float64 `json:"meanF"`
	StdF  float64 `json:"stdF"`
	MeanB float64 `json:"meanB"`
	StdB  float64 `json:"stdB"`

	// Mean and Std are the combined forward/backward current, A
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

func checkShape(m *data.MeasurementData) error {
	reps := len(m.Forward)
	if reps == 0 {
		return fmt.Errorf("%w: no repetitions", ErrShape)
	}
	if len(m.Backward) != reps {
		return fmt.Errorf("%w: %d forward and %d backward columns", ErrShape, reps, len(m.Backward))
	}
	n := len(m.Forward[0])
	if n <= WindowEnd {
		return fmt.Errorf("%w: %d samples per column, need more than %d", ErrShape, n, WindowEnd)
	}
	for i := 0; i < reps; i++ {
		if len(m.Forward[i]) != n || len(m.Backward[i]) != n {
			return fmt.Errorf("%w: column %d has %d forward and %d backward samples, expected %d",
				ErrShape, i, len(m.Forward[i]), len(m.Backward[i]), n)
		}
	}
	return nil
}

// Baseline is the mean of the first BaselineSamples samples of v
func Baseline(v []float64) float64 {
	n := BaselineSamples
	if len(v) < n {
		n = len(v)
	}
	return stat.Mean(v[:n], nil)
}

// TraceLag is how many samples the flux trace trails its input: element k
// holds the integral through sample k-TraceLag
const TraceLag = 2

// RunningTrapezoid returns the cumulative trapezoidal integral of v - offset
// at spacing dt.  The output has the length of v; element k is the integral
// over samples 0..k-TraceLag, so the first TraceLag+1 elements are zero.
// Stored measurements were reduced with this indexing and reload must
// reproduce them.
func RunningTrapezoid(v []float64, offset, dt float64) []float64 {
	out := make([]float64, len(v))
	for k := TraceLag + 1; k < len(v); k++ {
		a, b := v[k-TraceLag-1]-offset, v[k-TraceLag]-offset
		out[k] = out[k-1] + dt*(a+b)/2
	}
	return out
}

// PopStd is the population standard deviation of x.  It is exactly zero
// for fewer than two values and for values that are all equal.
func PopStd(x []float64) float64 {
	if len(x) < 2 || floats.Min(x) == floats.Max(x) {
		return 0
	}
	return stat.PopStdDev(x, nil)
}

/*Reduce fills the derived fields of m and returns the reduced result.

The raw buffers are voltage sampled every cfg.NPLC/60 s, unless
m.Integrated is set, in which case they are already flux and are used as the
flux traces unchanged.  m.Mean and m.Std are set to the combined result,
before any ambient correction.
*/
func Reduce(cfg data.MeasurementConfig, m *data.MeasurementData) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if err := checkShape(m); err != nil {
		return Result{}, err
	}
	reps := len(m.Forward)
	dt := cfg.NPLC / 60
	k := 1 / (2 * float64(cfg.Turns) * cfg.Width)

	m.FluxF = make([][]float64, reps)
	m.FluxB = make([][]float64, reps)
	m.CurrentF = make([][]float64, reps)
	m.CurrentB = make([][]float64, reps)
	m.Current = make([][]float64, reps)
	m.ScalarsF = make([]float64, reps)
	m.ScalarsB = make([]float64, reps)
	for i := 0; i < reps; i++ {
		fwd, bck := m.Forward[i], m.Backward[i]
		if m.Integrated {
			m.FluxF[i] = append([]float64(nil), fwd...)
			m.FluxB[i] = append([]float64(nil), bck...)
		} else {
			m.FluxF[i] = RunningTrapezoid(fwd, Baseline(fwd), dt)
			m.FluxB[i] = RunningTrapezoid(bck, Baseline(bck), dt)
		}
		n := len(fwd)
		m.CurrentF[i] = make([]float64, n)
		m.CurrentB[i] = make([]float64, n)
		m.Current[i] = make([]float64, n)
		floats.ScaleTo(m.CurrentF[i], k, m.FluxF[i])
		floats.ScaleTo(m.CurrentB[i], k, m.FluxB[i])
		floats.SubTo(m.Current[i], m.FluxF[i], m.FluxB[i])
		floats.Scale(k/2, m.Current[i])

		m.ScalarsF[i] = m.CurrentF[i][WindowEnd] - m.CurrentF[i][WindowStart]
		m.ScalarsB[i] = m.CurrentB[i][WindowEnd] - m.CurrentB[i][WindowStart]
	}

	r := Result{
		MeanF: stat.Mean(m.ScalarsF, nil),
		StdF:  PopStd(m.ScalarsF),
		MeanB: stat.Mean(m.ScalarsB, nil),
		StdB:  PopStd(m.ScalarsB),
	}
	r.Mean = (r.MeanF - r.MeanB) / 2
	r.Std = math.Hypot(r.StdF, r.StdB) / 2
	m.Mean, m.Std = r.Mean, r.Std
	return r, nil
}

// FormatMicro renders a current and its uncertainty in micro-units
func FormatMicro(mean, std float64) string {
	return fmt.Sprintf("%.2f +/- %.2f", mean*1e6, std*1e6)
}
