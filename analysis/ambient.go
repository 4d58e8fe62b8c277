package analysis

import (
	"math"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/flipcoil/data"
)

// Lookup retrieves stored measurements and configurations by id
type Lookup interface {
	Measurement(id uint) (*data.MeasurementData, error)
	Config(id uint) (data.MeasurementConfig, error)
}

// Correction describes an ambient subtraction for display.  Measured and
// Ambient are FormatMicro strings of the values before subtraction.
type Correction struct {
	Applied     bool    `json:"applied"`
	AmbientID   uint    `json:"ambientId,omitempty"`
	AmbientName string  `json:"ambientName,omitempty"`
	AmbientMean float64 `json:"ambientMean,omitempty"`
	AmbientStd  float64 `json:"ambientStd,omitempty"`
	Measured    string  `json:"measured,omitempty"`
	Ambient     string  `json:"ambient,omitempty"`
}

// Combine subtracts an ambient result from a measured one, adding the
// uncertainties in quadrature
func Combine(mean, std, ambMean, ambStd float64) (float64, float64) {
	return mean - ambMean, math.Sqrt(std*std + ambStd*ambStd)
}

/*SubtractAmbient corrects m.Mean and m.Std for the ambient field measurement
m.AmbientID refers to.  An AmbientID of zero means no correction; the lookup
is not consulted.

The ambient measurement is reduced afresh from its raw buffers with its own
configuration, so the value subtracted does not depend on what was stored
alongside it.
*/
func SubtractAmbient(m *data.MeasurementData, l Lookup) (Correction, error) {
	if m.AmbientID == 0 {
		return Correction{}, nil
	}
	amb, err := l.Measurement(m.AmbientID)
	if err != nil {
		return Correction{}, errors.Wrapf(err, "loading ambient measurement %d", m.AmbientID)
	}
	cfg, err := l.Config(amb.ConfigID)
	if err != nil {
		return Correction{}, errors.Wrapf(err, "loading configuration %d of ambient measurement %d", amb.ConfigID, amb.ID)
	}
	r, err := Reduce(cfg, amb)
	if err != nil {
		return Correction{}, errors.Wrapf(err, "reducing ambient measurement %d", amb.ID)
	}
	c := Correction{
		Applied:     true,
		AmbientID:   amb.ID,
		AmbientName: amb.Name,
		AmbientMean: r.Mean,
		AmbientStd:  r.Std,
		Measured:    FormatMicro(m.Mean, m.Std),
		Ambient:     FormatMicro(r.Mean, r.Std),
	}
	m.Mean, m.Std = Combine(m.Mean, m.Std, r.Mean, r.Std)
	return c, nil
}
