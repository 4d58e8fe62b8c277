package analysis_test

import (
	"errors"
	"math"
	"testing"

	"github.com/nasa-jpl/flipcoil/analysis"
	"github.com/nasa-jpl/flipcoil/data"
)

// lookup is an in-memory Lookup counting its calls
type lookup struct {
	meas  map[uint]*data.MeasurementData
	cfgs  map[uint]data.MeasurementConfig
	calls int
}

func (l *lookup) Measurement(id uint) (*data.MeasurementData, error) {
	l.calls++
	m, ok := l.meas[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return m, nil
}

func (l *lookup) Config(id uint) (data.MeasurementConfig, error) {
	l.calls++
	c, ok := l.cfgs[id]
	if !ok {
		return data.MeasurementConfig{}, errors.New("not found")
	}
	return c, nil
}

func TestCombineIsQuadrature(t *testing.T) {
	pairs := [][2]float64{{3, 4}, {1e-6, 1e-6}, {0.5, 12}}
	for _, p := range pairs {
		_, std := analysis.Combine(0, p[0], 0, p[1])
		if want := math.Sqrt(p[0]*p[0] + p[1]*p[1]); math.Abs(std-want) > 1e-15 {
			t.Errorf("expected %g, got %g", want, std)
		}
		if std >= p[0]+p[1] {
			t.Errorf("uncertainties of %v must not add linearly", p)
		}
	}
}

func TestSubtractAmbientZeroIsNoop(t *testing.T) {
	l := &lookup{}
	m := &data.MeasurementData{Mean: 1.5, Std: 0.25}
	c, err := analysis.SubtractAmbient(m, l)
	if err != nil {
		t.Fatal(err)
	}
	if c.Applied || m.Mean != 1.5 || m.Std != 0.25 {
		t.Errorf("expected no correction, got %+v and %g +/- %g", c, m.Mean, m.Std)
	}
	if l.calls != 0 {
		t.Errorf("expected no lookup, got %d calls", l.calls)
	}
}

func TestSubtractAmbient(t *testing.T) {
	cfg := config(1)
	cfg.ID = 3
	cfg.Repetitions = 2
	amb := &data.MeasurementData{
		ID:       9,
		Name:     "background",
		ConfigID: 3,
		Forward:  [][]float64{step(100, 50, 0.1), step(100, 50, 0.3)},
		Backward: [][]float64{constant(100, 0), constant(100, 0)},
	}
	want, err := analysis.Reduce(cfg, &data.MeasurementData{Forward: amb.Forward, Backward: amb.Backward})
	if err != nil {
		t.Fatal(err)
	}
	l := &lookup{
		meas: map[uint]*data.MeasurementData{9: amb},
		cfgs: map[uint]data.MeasurementConfig{3: cfg},
	}
	m := &data.MeasurementData{AmbientID: 9, Mean: 2e-3, Std: 1e-5}
	c, err := analysis.SubtractAmbient(m, l)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Applied || c.AmbientName != "background" {
		t.Errorf("unexpected correction %+v", c)
	}
	if c.Measured != "2000.00 +/- 10.00" {
		t.Errorf("expected the pre-correction value for display, got %q", c.Measured)
	}
	if math.Abs(m.Mean-(2e-3-want.Mean)) > 1e-12 {
		t.Errorf("expected mean %g, got %g", 2e-3-want.Mean, m.Mean)
	}
	if wantStd := math.Sqrt(1e-10 + want.Std*want.Std); math.Abs(m.Std-wantStd) > 1e-12 {
		t.Errorf("expected std %g, got %g", wantStd, m.Std)
	}
}

func TestSubtractAmbientMissing(t *testing.T) {
	l := &lookup{meas: map[uint]*data.MeasurementData{}}
	m := &data.MeasurementData{AmbientID: 4, Mean: 1}
	if _, err := analysis.SubtractAmbient(m, l); err == nil {
		t.Error("expected an error for a missing ambient measurement")
	}
	if m.Mean != 1 {
		t.Error("a failed correction must leave the result unchanged")
	}
}
