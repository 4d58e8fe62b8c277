// Package server exposes the flip coil over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nasa-jpl/flipcoil/analysis"
	"github.com/nasa-jpl/flipcoil/data"
	"github.com/nasa-jpl/flipcoil/poller"
	"github.com/nasa-jpl/flipcoil/server/middleware/locker"
	"github.com/nasa-jpl/flipcoil/session"
	"github.com/nasa-jpl/flipcoil/store"
)

// RouteTable maps "METHOD /path" keys to handlers
type RouteTable map[string]http.HandlerFunc

// Endpoints lists the keys of a RouteTable, sorted
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k)
	}
	sort.Strings(routes)
	return routes
}

// Bind registers every route of rt on r
func (rt RouteTable) Bind(r chi.Router) {
	for k, h := range rt {
		parts := strings.SplitN(k, " ", 2)
		r.Method(parts[0], parts[1], h)
	}
}

// Store is the persistence the server reads and writes
type Store interface {
	session.Store
	ConfigByName(name string) (data.MeasurementConfig, error)
	ConfigNames() ([]string, error)
	SaveConfig(cfg *data.MeasurementConfig) error
	Measurements(name string) ([]store.Summary, error)
}

// Server serves the flip coil routes
type Server struct {
	Session  *session.Manager
	Store    Store
	Poller   *poller.Poller
	Gatherer prometheus.Gatherer
	Lock     *locker.Locker

	upgrader websocket.Upgrader
}

// New returns a Server.  Metrics are gathered from g.
func New(mgr *session.Manager, st Store, p *poller.Poller, g prometheus.Gatherer) *Server {
	return &Server{
		Session:  mgr,
		Store:    st,
		Poller:   p,
		Gatherer: g,
		Lock:     locker.New("abort", "status"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RT returns the route table of the server
func (s *Server) RT() RouteTable {
	return RouteTable{
		"GET /positions":         s.positions,
		"GET /ws/positions":      s.positionStream,
		"GET /status":            s.status,
		"POST /measure":          s.measure,
		"POST /abort":            s.abort,
		"POST /align":            s.align,
		"POST /test-steps":       s.testSteps,
		"GET /configs":           s.configNames,
		"GET /configs/{name}":    s.config,
		"POST /configs":          s.saveConfig,
		"GET /measurements":      s.measurements,
		"GET /measurements/{id}": s.measurement,
	}
}

// Mux builds the router: request logging, the lock, the route table,
// /metrics and /endpoints
func (s *Server) Mux() chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Use(s.Lock.Check)
	rt := s.RT()
	rt.Bind(root)
	locker.Inject(root, s.Lock)
	if s.Gatherer != nil {
		root.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	endpoints := rt.Endpoints()
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, endpoints)
	})
	return root
}

func reply(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encoding reply: %v", err)
	}
}

// fail maps err to a status code and replies with its message
func fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, store.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, data.ErrInvalidConfig):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		log.Printf("%+v", err)
	}
	http.Error(w, err.Error(), code)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusOK, s.Poller.Last())
}

func (s *Server) positionStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("position stream: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()
	ch, unsub := s.Poller.Subscribe()
	defer unsub()

	// the client sends nothing; reading detects its departure
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("position stream: websocket error: %v", err)
				}
				return
			}
		}
	}()
	for {
		select {
		case <-gone:
			return
		case rd, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(rd); err != nil {
				return
			}
		}
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusOK, s.Session.Status())
}

// MeasureRequest starts a measurement of a stored configuration
type MeasureRequest struct {
	Config    string `json:"config"`
	Name      string `json:"name"`
	Comments  string `json:"comments"`
	AmbientID uint   `json:"ambientId"`
}

func (s *Server) measure(w http.ResponseWriter, r *http.Request) {
	var req MeasureRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		http.Error(w, "a measurement name is required", http.StatusBadRequest)
		return
	}
	cfg, err := s.Store.ConfigByName(req.Config)
	if err != nil {
		fail(w, err)
		return
	}
	id, err := s.Session.Start(session.Request{Config: cfg, Name: req.Name, Comments: req.Comments, AmbientID: req.AmbientID})
	if err != nil {
		fail(w, err)
		return
	}
	reply(w, http.StatusAccepted, map[string]string{"runId": id})
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusOK, map[string]bool{"aborted": s.Session.Abort()})
}

func (s *Server) align(w http.ResponseWriter, r *http.Request) {
	if err := s.Session.AlignMotors(r.Context()); err != nil {
		fail(w, err)
		return
	}
	reply(w, http.StatusOK, s.Session.Status())
}

func (s *Server) testSteps(w http.ResponseWriter, r *http.Request) {
	var req MeasureRequest
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.Store.ConfigByName(req.Config)
	if err != nil {
		fail(w, err)
		return
	}
	st, err := s.Session.TestSteps(r.Context(), cfg)
	if err != nil {
		fail(w, err)
		return
	}
	reply(w, http.StatusOK, st)
}

func (s *Server) configNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.Store.ConfigNames()
	if err != nil {
		fail(w, err)
		return
	}
	reply(w, http.StatusOK, names)
}

func (s *Server) config(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Store.ConfigByName(chi.URLParam(r, "name"))
	if err != nil {
		fail(w, err)
		return
	}
	reply(w, http.StatusOK, cfg)
}

func (s *Server) saveConfig(w http.ResponseWriter, r *http.Request) {
	var cfg data.MeasurementConfig
	if !decode(w, r, &cfg) {
		return
	}
	if err := s.Store.SaveConfig(&cfg); err != nil {
		fail(w, err)
		return
	}
	reply(w, http.StatusCreated, cfg)
}

func (s *Server) measurements(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.Measurements(r.URL.Query().Get("name"))
	if err != nil {
		fail(w, err)
		return
	}
	reply(w, http.StatusOK, list)
}

// MeasurementReply is a reloaded measurement without its raw buffers
type MeasurementReply struct {
	Summary        store.Summary            `json:"summary"`
	Config         data.MeasurementConfig   `json:"config"`
	Result         analysis.Result          `json:"result"`
	Correction     analysis.Correction      `json:"correction"`
	Display        string                   `json:"display"`
	ScalarsF       []float64                `json:"scalarsF"`
	ScalarsB       []float64                `json:"scalarsB"`
	PositionErrors []analysis.PositionError `json:"positionErrors"`
}

func (s *Server) measurement(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "measurement id must be a positive integer", http.StatusBadRequest)
		return
	}
	out, err := session.Reload(s.Store, uint(id))
	if err != nil {
		fail(w, err)
		return
	}
	md := out.Measurement
	reply(w, http.StatusOK, MeasurementReply{
		Summary: store.Summary{
			ID:        md.ID,
			Created:   md.Created,
			Name:      md.Name,
			Comments:  md.Comments,
			ConfigID:  md.ConfigID,
			AmbientID: md.AmbientID,
			Mean:      md.Mean,
			Std:       md.Std,
		},
		Config:         out.Config,
		Result:         out.Result,
		Correction:     out.Correction,
		Display:        out.Display,
		ScalarsF:       md.ScalarsF,
		ScalarsB:       md.ScalarsB,
		PositionErrors: analysis.PositionErrors(md, 0, -analysis.FlipAngle),
	})
}
