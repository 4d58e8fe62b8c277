/*Package session runs one measurement at a time through the whole pipeline.

A run acquires the buffers with a measure.Sequencer, reduces them, subtracts
the ambient measurement it refers to, stores the result, exports the raw data
and publishes a summary.  Only one activity (measurement, test steps or
motor alignment) holds the devices at a time; a second is refused with
ErrBusy.

Each activity gets a run id which prefixes its log lines.  Failures are
logged in full and reported in the status as a terse message.
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nasa-jpl/flipcoil/analysis"
	"github.com/nasa-jpl/flipcoil/data"
	"github.com/nasa-jpl/flipcoil/export"
	"github.com/nasa-jpl/flipcoil/measure"
	"github.com/nasa-jpl/flipcoil/motion"
	"github.com/nasa-jpl/flipcoil/notify"
)

var (
	// ErrBusy is generated when an activity is requested while another holds
	// the devices
	ErrBusy = errors.New("another activity is in progress")

	// ErrReduction is generated when acquired data could not be reduced
	ErrReduction = errors.New("reduction failed")
)

// State of the session
type State string

const (
	Idle    State = "idle"
	Running State = "running"
	Done    State = "done"
	Failed  State = "failed"
	Aborted State = "aborted"
)

// user visible failure messages; detail goes to the log
const (
	msgFailed    = "Measurement Failed"
	msgAborted   = "Measurement Aborted"
	msgReduction = "Calculation Failed"
)

// Status is a snapshot of the session
type Status struct {
	State    State     `json:"state"`
	Activity string    `json:"activity,omitempty"`
	RunID    string    `json:"runId,omitempty"`
	Started  time.Time `json:"started,omitempty"`
	Done     int       `json:"done"`
	Total    int       `json:"total"`
	Message  string    `json:"message,omitempty"`

	// LastID is the id of the most recently stored measurement
	LastID uint `json:"lastId,omitempty"`

	// Result is the display string of the most recent result
	Result string `json:"result,omitempty"`
}

// Store is the persistence a session needs
type Store interface {
	analysis.Lookup
	EnsureConfig(cfg data.MeasurementConfig) (data.MeasurementConfig, error)
	SaveMeasurement(m *data.MeasurementData) error
}

// Publisher announces finished measurements
type Publisher interface {
	Publish(s notify.Summary) error
}

// Request describes a measurement to run
type Request struct {
	Config    data.MeasurementConfig `json:"config"`
	Name      string                 `json:"name"`
	Comments  string                 `json:"comments"`
	AmbientID uint                   `json:"ambientId"`
}

// Outcome is a reduced and corrected measurement
type Outcome struct {
	Measurement *data.MeasurementData  `json:"measurement"`
	Config      data.MeasurementConfig `json:"config"`
	Result      analysis.Result        `json:"result"`
	Correction  analysis.Correction    `json:"correction"`

	// Display is the final result in micro-units
	Display string `json:"display"`

	// Files are the export paths written
	Files []string `json:"files,omitempty"`
}

// Manager serializes activities on the devices
type Manager struct {
	seq   *measure.Sequencer
	store Store

	// Publisher, if not nil, receives a summary of each stored measurement
	Publisher Publisher

	// ExportDir, if not empty, receives the raw data of each run
	ExportDir string

	// FITS adds a FITS cube to the export
	FITS bool

	// Align are the parameters of motor alignment
	Align motion.AlignParams

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
	done   chan struct{}
	status Status

	runs     *prometheus.CounterVec
	lastMean prometheus.Gauge
}

// New returns a Manager.  Its metrics are registered with reg if it is not nil.
func New(seq *measure.Sequencer, store Store, reg prometheus.Registerer) *Manager {
	m := &Manager{
		seq:    seq,
		store:  store,
		Align:  motion.DefaultAlignParams(),
		status: Status{State: Idle},
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flipcoil",
			Name:      "activities_total",
			Help:      "Activities run, by kind and outcome.",
		}, []string{"activity", "outcome"}),
		lastMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flipcoil",
			Name:      "last_result_amperes",
			Help:      "Ambient corrected result of the last stored measurement.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.lastMean)
	}
	return m
}

// Status returns a snapshot of the session
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Abort cancels the running activity.  It reports false if none is running.
func (m *Manager) Abort() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.busy {
		return false
	}
	m.cancel()
	return true
}

// Wait blocks until no activity is running
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Manager) begin(parent context.Context, activity string) (context.Context, *log.Logger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return nil, nil, pkgerrors.Wrapf(ErrBusy, "%s %s", m.status.Activity, m.status.RunID)
	}
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	m.busy = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.status = Status{
		State:    Running,
		Activity: activity,
		RunID:    id,
		Started:  time.Now(),
		LastID:   m.status.LastID,
		Result:   m.status.Result,
	}
	logger := log.New(log.Writer(), fmt.Sprintf("[%s] ", id[:8]), log.Flags())
	return ctx, logger, nil
}

// end releases the devices and records how the activity finished
func (m *Manager) end(ctx context.Context, logger *log.Logger, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome := "ok"
	switch {
	case err == nil:
		m.status.State = Done
		m.status.Message = ""
	case errors.Is(err, measure.ErrAborted) || ctx.Err() != nil:
		outcome = "aborted"
		m.status.State = Aborted
		m.status.Message = msgAborted
		logger.Printf("%s aborted: %v", m.status.Activity, err)
	case errors.Is(err, ErrReduction):
		outcome = "failed"
		m.status.State = Failed
		m.status.Message = msgReduction
		logger.Printf("%s failed: %+v", m.status.Activity, err)
	default:
		outcome = "failed"
		m.status.State = Failed
		m.status.Message = msgFailed
		logger.Printf("%s failed: %+v", m.status.Activity, err)
	}
	m.runs.WithLabelValues(m.status.Activity, outcome).Inc()
	m.busy = false
	m.cancel()
	close(m.done)
}

func (m *Manager) progress(done, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Done, m.status.Total = done, total
}

/*Run performs a measurement and blocks until it is stored.

The configuration of req is stored under its name if it is new; a stored
configuration of the same name must match it.  The measurement is stored
only if acquisition, reduction and ambient correction all succeed.  Export
and publication failures are logged and do not fail the run.
*/
func (m *Manager) Run(ctx context.Context, req Request) (Outcome, error) {
	ctx, logger, err := m.begin(ctx, "measure")
	if err != nil {
		return Outcome{}, err
	}
	out, err := m.run(ctx, logger, req)
	m.end(ctx, logger, err)
	return out, err
}

// Start begins a measurement in the background and returns its run id
func (m *Manager) Start(req Request) (string, error) {
	ctx, logger, err := m.begin(context.Background(), "measure")
	if err != nil {
		return "", err
	}
	id := m.Status().RunID
	go func() {
		_, err := m.run(ctx, logger, req)
		m.end(ctx, logger, err)
	}()
	return id, nil
}

func (m *Manager) run(ctx context.Context, logger *log.Logger, req Request) (Outcome, error) {
	cfg, err := m.store.EnsureConfig(req.Config)
	if err != nil {
		return Outcome{}, err
	}
	m.progress(0, cfg.Repetitions)
	md := data.NewMeasurement(cfg, req.Name, req.Comments, req.AmbientID)

	seq := *m.seq
	seq.Logger = logger
	seq.Progress = m.progress
	if err := seq.Run(ctx, cfg, md); err != nil {
		return Outcome{}, err
	}

	out, err := Finalize(cfg, md, m.store)
	if err != nil {
		return out, err
	}
	if err := m.store.SaveMeasurement(md); err != nil {
		return out, err
	}
	logger.Printf("stored measurement %d %q: %s", md.ID, md.Name, out.Display)

	if m.ExportDir != "" {
		out.Files, err = export.Files(m.ExportDir, cfg, md, m.FITS)
		if err != nil {
			logger.Printf("exporting measurement %d: %v", md.ID, err)
		}
	}
	if m.Publisher != nil {
		s := notify.Summary{
			ID:       md.ID,
			RunID:    m.Status().RunID,
			Name:     md.Name,
			Config:   cfg.Name,
			Created:  md.Created,
			Mean:     md.Mean,
			Std:      md.Std,
			Display:  out.Display,
			Measured: out.Correction.Measured,
			Ambient:  out.Correction.Ambient,
		}
		if err := m.Publisher.Publish(s); err != nil {
			logger.Printf("publishing measurement %d: %v", md.ID, err)
		}
	}

	m.mu.Lock()
	m.status.LastID = md.ID
	m.status.Result = out.Display
	m.mu.Unlock()
	m.lastMean.Set(md.Mean)
	return out, nil
}

// Finalize reduces md and applies its ambient correction.  Failures of
// either are ErrReduction.
func Finalize(cfg data.MeasurementConfig, md *data.MeasurementData, l analysis.Lookup) (Outcome, error) {
	out := Outcome{Measurement: md, Config: cfg}
	r, err := analysis.Reduce(cfg, md)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrReduction, err)
	}
	out.Result = r
	c, err := analysis.SubtractAmbient(md, l)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrReduction, err)
	}
	out.Correction = c
	out.Display = analysis.FormatMicro(md.Mean, md.Std)
	return out, nil
}

// Reload loads a stored measurement and recomputes its derived fields and
// ambient correction on a fresh copy
func Reload(store Store, id uint) (Outcome, error) {
	md, err := store.Measurement(id)
	if err != nil {
		return Outcome{}, err
	}
	cfg, err := store.Config(md.ConfigID)
	if err != nil {
		return Outcome{}, err
	}
	return Finalize(cfg, md, store)
}

// TestSteps runs measure.Sequencer.TestSteps under the session lock
func (m *Manager) TestSteps(ctx context.Context, cfg data.MeasurementConfig) (measure.StepTest, error) {
	ctx, logger, err := m.begin(ctx, "test-steps")
	if err != nil {
		return measure.StepTest{}, err
	}
	seq := *m.seq
	seq.Logger = logger
	st, err := seq.TestSteps(ctx, cfg)
	m.end(ctx, logger, err)
	return st, err
}

// AlignMotors drives the readout encoders to zero under the session lock.
// Failing to converge is an error.
func (m *Manager) AlignMotors(ctx context.Context) error {
	ctx, logger, err := m.begin(ctx, "align")
	if err != nil {
		return err
	}
	err = m.align(ctx)
	m.end(ctx, logger, err)
	return err
}

func (m *Manager) align(ctx context.Context) error {
	if p := m.seq.Poller; p != nil {
		p.Suspend()
		defer p.Resume()
	}
	ok, err := m.seq.Stage.AlignMotors(ctx, m.Align)
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.Errorf("motors not aligned within %g after %d tries", m.Align.Limit, m.Align.MaxTries)
	}
	return nil
}
