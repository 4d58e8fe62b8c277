// Package data holds the measurement configuration and measurement records
package data

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is generated when a MeasurementConfig fails validation
var ErrInvalidConfig = errors.New("invalid measurement configuration")

// Direction is the sense of rotation of the coil
type Direction string

const (
	// CW is clockwise
	CW Direction = "cw"

	// CCW is counter-clockwise
	CCW Direction = "ccw"
)

// Sign is +1 for counter-clockwise and -1 for clockwise
func (d Direction) Sign() int {
	if d == CW {
		return -1
	}
	return 1
}

// StepPair is a jog of the two drive motors, in steps
type StepPair struct {
	A int `json:"a" yaml:"A"`
	B int `json:"b" yaml:"B"`
}

// MeasurementConfig describes a measurement.  Name is unique among stored
// configurations.
type MeasurementConfig struct {
	ID      uint      `gorm:"primaryKey" json:"id" yaml:"-"`
	Created time.Time `json:"created" yaml:"-"`
	Name    string    `gorm:"uniqueIndex;not null" json:"name" yaml:"Name"`

	// Width of the coil, m
	Width float64 `json:"width" yaml:"Width"`

	// Turns of wire on the coil
	Turns int `json:"turns" yaml:"Turns"`

	Direction Direction `json:"direction" yaml:"Direction"`

	// StartPosition of the coil, readout units (mdeg)
	StartPosition float64 `json:"startPosition" yaml:"StartPosition"`

	Forward  StepPair `gorm:"embedded;embeddedPrefix:fwd_" json:"forward" yaml:"Forward"`
	Backward StepPair `gorm:"embedded;embeddedPrefix:bck_" json:"backward" yaml:"Backward"`

	// Repetitions of the forward/backward stroke pair
	Repetitions int `json:"repetitions" yaml:"Repetitions"`

	// MaxInitError is the largest start position error, readout units, before
	// backlash is removed again
	MaxInitError float64 `json:"maxInitError" yaml:"MaxInitError"`

	// NPLC is the multimeter integration time, power line cycles
	NPLC float64 `gorm:"column:nplc" json:"nplc" yaml:"NPLC"`

	// Duration of each acquisition, s
	Duration float64 `json:"duration" yaml:"Duration"`

	// Interval between integrator triggers, ms
	Interval float64 `json:"interval" yaml:"Interval"`

	// Speed of the drive motors, rev/s
	Speed float64 `json:"speed" yaml:"Speed"`

	// Accel is the jog acceleration time, ms
	Accel float64 `json:"accel" yaml:"Accel"`

	// Jerk is the jog jerk time, ms
	Jerk float64 `json:"jerk" yaml:"Jerk"`
}

// DefaultConfig is a half turn flip of the bench coil
func DefaultConfig() MeasurementConfig {
	return MeasurementConfig{
		Name:         "default",
		Width:        12.5e-3,
		Turns:        1,
		Direction:    CCW,
		Forward:      StepPair{A: -51209, B: 51170},
		Backward:     StepPair{A: 51218, B: -51166},
		Repetitions:  10,
		MaxInitError: 2,
		NPLC:         2,
		Duration:     3,
		Interval:     20,
		Speed:        2,
		Accel:        -0.4,
		Jerk:         0,
	}
}

// Validate checks the invariants of the configuration
func (c MeasurementConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: name is empty", ErrInvalidConfig)
	case c.Width <= 0:
		return fmt.Errorf("%w: width must be positive, got %g", ErrInvalidConfig, c.Width)
	case c.Turns <= 0:
		return fmt.Errorf("%w: turns must be positive, got %d", ErrInvalidConfig, c.Turns)
	case c.NPLC <= 0:
		return fmt.Errorf("%w: nplc must be positive, got %g", ErrInvalidConfig, c.NPLC)
	case c.Repetitions < 1:
		return fmt.Errorf("%w: at least one repetition is required, got %d", ErrInvalidConfig, c.Repetitions)
	case c.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive, got %g", ErrInvalidConfig, c.Duration)
	case c.Direction != CW && c.Direction != CCW:
		return fmt.Errorf("%w: direction must be %q or %q, got %q", ErrInvalidConfig, CW, CCW, c.Direction)
	}
	return nil
}

// SampleInterval is the time between multimeter readings
func (c MeasurementConfig) SampleInterval() time.Duration {
	return time.Duration(c.NPLC / 60 * float64(time.Second))
}

// Bracket holds the position of one readout encoder immediately before and
// after each jog of one direction, one entry per repetition
type Bracket struct {
	Before []float64 `json:"before"`
	After  []float64 `json:"after"`
}

// Record appends a before/after pair
func (b *Bracket) Record(before, after float64) {
	b.Before = append(b.Before, before)
	b.After = append(b.After, after)
}

/*MeasurementData is one measurement.

Forward and Backward hold the raw buffers, one column per repetition:
Forward[i] is the buffer acquired during the forward stroke of repetition i.
The exported derived fields are filled by analysis.Reduce and are not
persisted; reloading a measurement recomputes them.
*/
type MeasurementData struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Created   time.Time `json:"created"`
	Name      string    `gorm:"index" json:"name"`
	Comments  string    `json:"comments"`
	ConfigID  uint      `gorm:"index" json:"configId"`
	AmbientID uint      `json:"ambientId"`

	// Integrated is set when the buffers are flux from an integrator in flux
	// mode rather than voltage
	Integrated bool `json:"integrated"`

	Forward  [][]float64 `gorm:"serializer:json" json:"forward"`
	Backward [][]float64 `gorm:"serializer:json" json:"backward"`

	// readout encoder A and B brackets for each direction
	ForwardA  Bracket `gorm:"serializer:json" json:"forwardA"`
	ForwardB  Bracket `gorm:"serializer:json" json:"forwardB"`
	BackwardA Bracket `gorm:"serializer:json" json:"backwardA"`
	BackwardB Bracket `gorm:"serializer:json" json:"backwardB"`

	// Mean and Std are the reduced current, after ambient correction, A
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`

	// Checksum covers the raw buffers and brackets
	Checksum uint32 `json:"checksum"`

	FluxF    [][]float64 `gorm:"-" json:"-"`
	FluxB    [][]float64 `gorm:"-" json:"-"`
	CurrentF [][]float64 `gorm:"-" json:"-"`
	CurrentB [][]float64 `gorm:"-" json:"-"`
	Current  [][]float64 `gorm:"-" json:"-"`

	// per repetition window scalars
	ScalarsF []float64 `gorm:"-" json:"scalarsF,omitempty"`
	ScalarsB []float64 `gorm:"-" json:"scalarsB,omitempty"`
}

// NewMeasurement returns an empty measurement of cfg
func NewMeasurement(cfg MeasurementConfig, name, comments string, ambientID uint) *MeasurementData {
	return &MeasurementData{
		Created:   time.Now(),
		Name:      name,
		Comments:  comments,
		ConfigID:  cfg.ID,
		AmbientID: ambientID,
		Forward:   make([][]float64, 0, cfg.Repetitions),
		Backward:  make([][]float64, 0, cfg.Repetitions),
	}
}

// Repetitions is the number of complete forward/backward pairs recorded
func (m *MeasurementData) Repetitions() int {
	if len(m.Backward) < len(m.Forward) {
		return len(m.Backward)
	}
	return len(m.Forward)
}
