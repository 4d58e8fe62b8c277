package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nasa-jpl/flipcoil/fdi"
	"github.com/nasa-jpl/flipcoil/pmac"
)

func mockConfig(t *testing.T) Config {
	c := DefaultConfig()
	c.Mock = true
	c.Database = filepath.Join(t.TempDir(), "flipcoil.db")
	c.ExportDir = ""
	return c
}

func TestBuildMock(t *testing.T) {
	reg := prometheus.NewRegistry()
	app, err := Build(mockConfig(t), reg)
	if err != nil {
		t.Fatal(err)
	}
	defer app.Close()
	if app.Notify != nil {
		t.Error("MQTT should be disabled without a broker")
	}
	srv := httptest.NewServer(BuildMux(app, reg))
	defer srv.Close()
	for _, path := range []string{"/status", "/endpoints", "/positions", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: %d", path, resp.StatusCode)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !app.Poller.Poll(ctx) {
		t.Error("expected the mock stage to be read")
	}
}

// hangupServer accepts connections and sends on closed each time a client
// hangs up
func hangupServer(t *testing.T, closed chan<- string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted")
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(io.Discard, c)
				closed <- ln.Addr().String()
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestCloseReleasesDevices(t *testing.T) {
	closed := make(chan string, 2)
	c := mockConfig(t)
	c.Mock = false
	c.PMAC.Addr = hangupServer(t, closed)
	c.FrontEnd.Type = "integrator"
	c.FrontEnd.Addr = hangupServer(t, closed)
	app, err := Build(c, prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	if len(app.devices) != 2 {
		t.Fatalf("expected the controller and the front end tracked, got %d", len(app.devices))
	}
	for _, d := range app.devices {
		switch d := d.(type) {
		case *pmac.Controller:
			err = d.Open()
		case *fdi.Integrator:
			err = d.Dev.Open()
		default:
			t.Fatalf("unexpected device %T", d)
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	app.Close()
	want := map[string]bool{c.PMAC.Addr: true, c.FrontEnd.Addr: true}
	for len(want) > 0 {
		select {
		case addr := <-closed:
			delete(want, addr)
		case <-time.After(2 * time.Second):
			t.Fatalf("connections left open: %v", want)
		}
	}
}

func TestBuildUnknownFrontEnd(t *testing.T) {
	c := mockConfig(t)
	c.Mock = false
	c.FrontEnd.Type = "oscilloscope"
	if _, err := Build(c, nil); err == nil {
		t.Error("expected an unknown front end to be refused")
	}
}

func TestEnvKeyMatchesExistingKeys(t *testing.T) {
	setupconfig()
	cases := map[string]string{
		"FLIPCOIL_PMAC_ADDR":            "PMAC.Addr",
		"FLIPCOIL_FRONTEND_TYPE":        "FrontEnd.Type",
		"FLIPCOIL_PMAC_STAGE_DRIVEA":    "PMAC.Stage.DriveA",
		"FLIPCOIL_TIMING_INITIALSETTLE": "Timing.InitialSettle",
		"FLIPCOIL_NOT_A_KEY":            "NOT.A.KEY",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Errorf("%s: expected %s, got %s", in, want, got)
		}
	}
}

func TestDefaultConfigRoundTrips(t *testing.T) {
	setupconfig()
	c := loadconfig()
	if c.Addr != ":8000" || c.PMAC.Stage.DriveA != 5 || c.Timing.Settle != 10*time.Second || c.Poller.Period != time.Second {
		t.Errorf("unexpected config %+v", c)
	}
}
