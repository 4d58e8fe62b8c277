package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/flipcoil/data"
	"github.com/nasa-jpl/flipcoil/session"
	"github.com/nasa-jpl/flipcoil/store"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "flipcoil.yml"

	// EnvPrefix prefixes environment variables that override the config file
	EnvPrefix = "FLIPCOIL_"

	k = koanf.New(".")
)

// envKey maps FLIPCOIL_PMAC_ADDR to the existing key PMAC.Addr
func envKey(s string) string {
	key := strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "_", ".")
	for _, existing := range k.Keys() {
		if strings.EqualFold(existing, key) {
			return existing
		}
	}
	return key
}

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func loadconfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `flipcoil drives the flip coil bench: it flips the coil between two positions
while an instrument records the induced voltage, reduces the record to the
integrated field and stores the result.

Usage:
	flipcoil <command>

Commands:
	run
	measure <name> [config] [ambient id]
	test-steps [config]
	align
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `flipcoil is amenable to configuration via its .yml file, and every key may be
overridden by an environment variable, e.g. FLIPCOIL_PMAC_ADDR or
FLIPCOIL_FRONTEND_TYPE.  Run "flipcoil mkconf" to write the defaults to
flipcoil.yml.  For a primer on YAML, see https://yaml.org/start.html

With Mock: true the motion controller and the acquisition front end are
simulated and no hardware is needed.

FrontEnd Type, case insensitive:
- Agilent / Keysight
	> 3458A multimeter "multimeter", "agilent", "3458a", "dmm"
- Metrolab
	> FDI2056 integrator "integrator", "fdi", "fdi2056"

run serves the HTTP interface at Addr.  Its routes are listed at /endpoints.

measure, test-steps and align use the devices directly and must not be run
while the server is.  A measurement configuration is looked up by name in the
database; the name "default" is created on first use.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("flipcoil version %v\n", Version)
}

func build() *App {
	app, err := Build(loadconfig(), prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal(err)
	}
	return app
}

func run() {
	c := loadconfig()
	app := build()
	defer app.Close()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go app.Poller.Run(ctx)
	mux := BuildMux(app, prometheus.DefaultGatherer)
	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		app.Session.Abort()
		shut, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shut)
	}()
	log.Println("now listening for requests at ", c.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	app.Session.Wait()
}

// lookupConfig returns the named configuration, or the default
// configuration if that is what was asked for and it is not stored yet
func lookupConfig(st *store.Store, name string) data.MeasurementConfig {
	cfg, err := st.ConfigByName(name)
	if errors.Is(err, store.ErrNotFound) && name == data.DefaultConfig().Name {
		return data.DefaultConfig()
	}
	if err != nil {
		log.Fatal(err)
	}
	return cfg
}

func newSpinner(msg string) *yacspin.Spinner {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := spinner.Start(); err != nil {
		log.Fatal(err)
	}
	return spinner
}

// follow shows the status of the session on spinner until the activity
// started by fn returns
func follow(app *App, spinner *yacspin.Spinner, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-tick.C:
			st := app.Session.Status()
			if st.Total > 0 {
				spinner.Message(fmt.Sprintf("%s %d/%d", st.Activity, st.Done, st.Total))
			}
		}
	}
}

// finish stops spinner with msg, or with err if it is not nil, and reports
// success
func finish(spinner *yacspin.Spinner, msg func() string, err error) bool {
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return false
	}
	spinner.StopMessage(msg())
	spinner.Stop()
	return true
}

func cmdMeasure(args []string) {
	if len(args) < 1 {
		log.Fatal("usage: flipcoil measure <name> [config] [ambient id]")
	}
	req := session.Request{Name: args[0]}
	cfgName := data.DefaultConfig().Name
	if len(args) > 1 {
		cfgName = args[1]
	}
	if len(args) > 2 {
		id, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			log.Fatalf("ambient id %q: %v", args[2], err)
		}
		req.AmbientID = uint(id)
	}
	app := build()
	defer app.Close()
	req.Config = lookupConfig(app.Store, cfgName)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	spinner := newSpinner("measuring " + req.Name)
	var out session.Outcome
	err := follow(app, spinner, func() error {
		var err error
		out, err = app.Session.Run(ctx, req)
		return err
	})
	ok := finish(spinner, func() string {
		return fmt.Sprintf("measurement %d: %s", out.Measurement.ID, out.Display)
	}, err)
	if !ok {
		app.Close()
		os.Exit(1)
	}
	for _, f := range out.Files {
		fmt.Println(f)
	}
}

func cmdTestSteps(args []string) {
	cfgName := data.DefaultConfig().Name
	if len(args) > 0 {
		cfgName = args[0]
	}
	app := build()
	defer app.Close()
	cfg := lookupConfig(app.Store, cfgName)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	st, err := app.Session.TestSteps(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("forward  A %10.1f  B %10.1f\n", st.Forward[0], st.Forward[1])
	fmt.Printf("backward A %10.1f  B %10.1f\n", st.Backward[0], st.Backward[1])
}

func cmdAlign() {
	app := build()
	defer app.Close()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	spinner := newSpinner("aligning motors")
	err := follow(app, spinner, func() error {
		return app.Session.AlignMotors(ctx)
	})
	if !finish(spinner, func() string { return "motors aligned" }, err) {
		app.Close()
		os.Exit(1)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "measure":
		cmdMeasure(args[2:])
		return
	case "test-steps":
		cmdTestSteps(args[2:])
		return
	case "align":
		cmdAlign()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
