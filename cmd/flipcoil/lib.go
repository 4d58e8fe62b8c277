package main

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nasa-jpl/flipcoil/acquisition"
	"github.com/nasa-jpl/flipcoil/agilent"
	"github.com/nasa-jpl/flipcoil/fdi"
	"github.com/nasa-jpl/flipcoil/measure"
	"github.com/nasa-jpl/flipcoil/motion"
	"github.com/nasa-jpl/flipcoil/notify"
	"github.com/nasa-jpl/flipcoil/pmac"
	"github.com/nasa-jpl/flipcoil/poller"
	"github.com/nasa-jpl/flipcoil/server"
	"github.com/nasa-jpl/flipcoil/session"
	"github.com/nasa-jpl/flipcoil/store"
)

// PMACSetup locates the motion controller and describes the coil mechanics
type PMACSetup struct {
	// Addr is host:port of the controller, or a serial device if Serial
	Addr string `yaml:"Addr" koanf:"Addr"`

	Serial bool `yaml:"Serial" koanf:"Serial"`

	Stage motion.Config `yaml:"Stage" koanf:"Stage"`
}

// FrontEndSetup selects and locates the acquisition instrument
type FrontEndSetup struct {
	// Type is "multimeter" or "integrator"
	Type string `yaml:"Type" koanf:"Type"`

	Addr string `yaml:"Addr" koanf:"Addr"`

	// Serial is only used by the multimeter
	Serial bool `yaml:"Serial" koanf:"Serial"`

	// GPIB is the bus address of the multimeter behind a Prologix bridge
	GPIB int `yaml:"GPIB" koanf:"GPIB"`

	// Flux selects the integrator's on-device integration
	Flux bool `yaml:"Flux" koanf:"Flux"`

	// Interval is the integrator trigger interval, ms
	Interval float64 `yaml:"Interval" koanf:"Interval"`

	// BaseFrequency is the integrator timer base, Hz
	BaseFrequency float64 `yaml:"BaseFrequency" koanf:"BaseFrequency"`

	// Range is the multimeter range, V; 0 selects the lowest
	Range float64 `yaml:"Range" koanf:"Range"`
}

// PollerSetup configures the background position read
type PollerSetup struct {
	Period time.Duration `yaml:"Period" koanf:"Period"`
}

// MQTTSetup configures result publication.  An empty Broker disables it.
type MQTTSetup struct {
	Broker   string `yaml:"Broker" koanf:"Broker"`
	Topic    string `yaml:"Topic" koanf:"Topic"`
	ClientID string `yaml:"ClientID" koanf:"ClientID"`
}

// Config is the whole configuration of the program
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Mock replaces the controller and front end with simulations
	Mock bool `yaml:"Mock" koanf:"Mock"`

	// Database is the path to the sqlite file
	Database string `yaml:"Database" koanf:"Database"`

	// ExportDir receives the raw data files of each run; empty disables export
	ExportDir string `yaml:"ExportDir" koanf:"ExportDir"`

	// FITS adds a FITS cube to the export
	FITS bool `yaml:"FITS" koanf:"FITS"`

	PMAC     PMACSetup          `yaml:"PMAC" koanf:"PMAC"`
	FrontEnd FrontEndSetup      `yaml:"FrontEnd" koanf:"FrontEnd"`
	Timing   measure.Timing     `yaml:"Timing" koanf:"Timing"`
	Backlash measure.Backlash   `yaml:"Backlash" koanf:"Backlash"`
	Align    motion.AlignParams `yaml:"Align" koanf:"Align"`
	Poller   PollerSetup        `yaml:"Poller" koanf:"Poller"`
	MQTT     MQTTSetup          `yaml:"MQTT" koanf:"MQTT"`
}

// DefaultConfig is the configuration of the bench
func DefaultConfig() Config {
	return Config{
		Addr:      ":8000",
		Database:  "flipcoil.db",
		ExportDir: "data",
		PMAC: PMACSetup{
			Addr:  "192.168.100.50:1025",
			Stage: motion.DefaultConfig(),
		},
		FrontEnd: FrontEndSetup{
			Type:          "multimeter",
			Addr:          "192.168.100.51:1234",
			GPIB:          22,
			Flux:          true,
			Interval:      float64(fdi.DefaultInterval / time.Millisecond),
			BaseFrequency: fdi.DefaultBaseFrequency,
		},
		Timing:   measure.DefaultTiming(),
		Backlash: measure.DefaultBacklash(),
		Align:    motion.DefaultAlignParams(),
		Poller:   PollerSetup{Period: time.Second},
		MQTT:     MQTTSetup{Topic: "flipcoil", ClientID: "flipcoil"},
	}
}

// App is the assembled program
type App struct {
	Store   *store.Store
	Poller  *poller.Poller
	Session *session.Manager
	Notify  *notify.MQTT

	// devices are the connections to the controller and the front end
	devices []io.Closer
}

// Close releases the resources of the App
func (a *App) Close() {
	if a.Notify != nil {
		a.Notify.Close()
	}
	for _, d := range a.devices {
		if err := d.Close(); err != nil {
			log.Printf("closing device: %v", err)
		}
	}
	a.devices = nil
	if err := a.Store.Close(); err != nil {
		log.Printf("closing store: %v", err)
	}
}

func buildFrontEnd(c Config) (acquisition.FrontEnd, error) {
	if c.Mock {
		return acquisition.NewMock(1e-3), nil
	}
	switch strings.ToLower(c.FrontEnd.Type) {
	case "multimeter", "agilent", "3458a", "dmm":
		return agilent.NewMultimeter(c.FrontEnd.Addr, c.FrontEnd.Serial, c.FrontEnd.GPIB), nil
	case "integrator", "fdi", "fdi2056":
		i := fdi.NewIntegrator(c.FrontEnd.Addr)
		i.Flux = c.FrontEnd.Flux
		return i, nil
	default:
		return nil, fmt.Errorf("unknown front end type %q", c.FrontEnd.Type)
	}
}

// Build assembles the devices, the store and the session of c.  Metrics are
// registered with reg.
func Build(c Config, reg prometheus.Registerer) (*App, error) {
	var (
		ctl     motion.Controller
		devices []io.Closer
	)
	if c.Mock {
		ctl = pmac.NewMock()
	} else {
		pm := pmac.NewController(c.PMAC.Addr, c.PMAC.Serial)
		ctl = pm
		devices = append(devices, pm)
	}
	fe, err := buildFrontEnd(c)
	if err != nil {
		return nil, err
	}
	if d, ok := fe.(io.Closer); ok {
		devices = append(devices, d)
	}
	st, err := store.Open(c.Database)
	if err != nil {
		return nil, err
	}
	stage := motion.NewStage(ctl, c.PMAC.Stage)
	p := poller.New(stage, c.Poller.Period, reg)
	seq := &measure.Sequencer{
		Stage:    stage,
		FrontEnd: fe,
		Poller:   p,
		Timing:   c.Timing,
		Backlash: c.Backlash,
		Acquisition: acquisition.Params{
			Range:         c.FrontEnd.Range,
			Interval:      time.Duration(c.FrontEnd.Interval * float64(time.Millisecond)),
			BaseFrequency: c.FrontEnd.BaseFrequency,
		},
	}
	mgr := session.New(seq, st, reg)
	mgr.ExportDir = c.ExportDir
	mgr.FITS = c.FITS
	mgr.Align = c.Align
	app := &App{Store: st, Poller: p, Session: mgr, devices: devices}
	if c.MQTT.Broker != "" {
		n, err := notify.Dial(c.MQTT.Broker, c.MQTT.ClientID, c.MQTT.Topic)
		if err != nil {
			// results are still stored; publication is best effort
			log.Printf("MQTT disabled: %v", err)
		} else {
			app.Notify = n
			mgr.Publisher = n
		}
	}
	return app, nil
}

// BuildMux returns the HTTP interface of app with metrics gathered from g
func BuildMux(app *App, g prometheus.Gatherer) chi.Router {
	srv := server.New(app.Session, app.Store, app.Poller, g)
	return srv.Mux()
}
