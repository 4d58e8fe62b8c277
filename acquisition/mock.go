package acquisition

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// pulse geometry of the simulated stroke, in samples
const (
	mockPulseStart = 45
	mockPulseEnd   = 55
)

/*Mock is a simulated front end.

Each Start selects the next of Waveforms, cyclically.  If Waveforms is empty,
strokes alternate between a positive and a negative pulse of Amplitude
(forward, then backward), riding on Offset with optional gaussian Noise.
When Integrated is set the generated waveform is the running sum of that
pulse, as an integrator in flux mode would report.
*/
type Mock struct {
	sync.Mutex

	Waveforms  [][]float64
	Amplitude  float64
	Offset     float64
	Noise      float64
	Integrated bool

	// Fill is the number of samples that become available per DataCount
	// query; 0 makes the whole buffer available at once
	Fill int

	// Short is how many samples fewer than it holds DataCount reports
	Short int

	rng     *rand.Rand
	n       int
	cur     []float64
	avail   int
	starts  int
	coupled bool
	params  Params
}

// NewMock returns a Mock producing pulses of amplitude volts
func NewMock(amplitude float64) *Mock {
	return &Mock{Amplitude: amplitude, rng: rand.New(rand.NewSource(1))}
}

// Configure computes the sample count the way the real instrument would
func (m *Mock) Configure(ctx context.Context, p Params) (int, error) {
	m.Lock()
	defer m.Unlock()
	m.params = p
	if m.Integrated {
		if p.Interval <= 0 {
			p.Interval = 20 * time.Millisecond
		}
		m.n = IntegratorTriggers(p.Duration, p.Interval)
	} else {
		m.n = MultimeterReadings(p.Duration, p.NPLC)
	}
	return m.n, nil
}

// Start arms the next waveform
func (m *Mock) Start(ctx context.Context) error {
	m.Lock()
	defer m.Unlock()
	if m.n == 0 {
		return ErrNotConfigured
	}
	if len(m.Waveforms) > 0 {
		m.cur = m.Waveforms[m.starts%len(m.Waveforms)]
	} else {
		sign := 1.
		if m.starts%2 == 1 {
			sign = -1
		}
		m.cur = m.generate(sign * m.Amplitude)
	}
	m.starts++
	m.avail = 0
	return nil
}

func (m *Mock) generate(amp float64) []float64 {
	out := make([]float64, m.n)
	acc := 0.
	for i := range out {
		v := 0.
		if i >= mockPulseStart && i < mockPulseEnd {
			v = amp
		}
		if m.Integrated {
			acc += v
			v = acc
		}
		if m.Noise > 0 {
			v += m.rng.NormFloat64() * m.Noise
		}
		out[i] = v + m.Offset
	}
	return out
}

// DataCount reports the samples acquired so far, less Short
func (m *Mock) DataCount(ctx context.Context) (int, error) {
	m.Lock()
	defer m.Unlock()
	if m.cur == nil {
		return 0, nil
	}
	if m.Fill <= 0 {
		m.avail = len(m.cur)
	} else if m.avail < len(m.cur) {
		m.avail += m.Fill
		if m.avail > len(m.cur) {
			m.avail = len(m.cur)
		}
	}
	n := m.avail - m.Short
	if n < 0 {
		n = 0
	}
	return n, nil
}

// Fetch returns a copy of the first n samples of the current waveform
func (m *Mock) Fetch(ctx context.Context, n int) ([]float64, error) {
	m.Lock()
	defer m.Unlock()
	if m.cur == nil {
		return nil, ErrNotConfigured
	}
	if n > len(m.cur) {
		n = len(m.cur)
	}
	out := make([]float64, n)
	copy(out, m.cur)
	return out, nil
}

// Couple records the input coupling
func (m *Mock) Couple(ctx context.Context, on bool) error {
	m.Lock()
	defer m.Unlock()
	m.coupled = on
	return nil
}

// Coupled reports the last coupling requested
func (m *Mock) Coupled() bool {
	m.Lock()
	defer m.Unlock()
	return m.coupled
}

// PreIntegrated is true when the mock simulates an integrator in flux mode
func (m *Mock) PreIntegrated() bool {
	return m.Integrated
}

// Starts returns the number of acquisitions triggered
func (m *Mock) Starts() int {
	m.Lock()
	defer m.Unlock()
	return m.starts
}
