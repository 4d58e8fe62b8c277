// Package locker provides an HTTP middleware which allows routes to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi"
)

// State is the JSON body of the lock routes
type State struct {
	Locked bool `json:"locked"`
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of paths it does not protect
type Locker struct {
	mu       sync.Mutex
	isLocked bool

	// DoNotProtect is a list of path fragments not to apply the lock to
	DoNotProtect []string
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New(unprotected ...string) *Locker {
	return &Locker{DoNotProtect: append([]string{"lock"}, unprotected...)}
}

// Inject adds GET and POST /lock routes to r
func Inject(r chi.Router, l *Locker) {
	r.Get("/lock", l.HTTPGet)
	r.Post("/lock", l.HTTPSet)
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = true
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = false
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLocked
}

// Check is an HTTP middleware that returns http.StatusLocked for requests
// that change state while Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && r.Method != http.MethodGet {
			protected := true
			for _, str := range l.DoNotProtect {
				if strings.Contains(r.URL.Path, str) {
					protected = false
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet calls Lock or Unlock based on {"locked": bool} in the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	s := State{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.Locked {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns {"locked": bool}
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(State{Locked: l.Locked()}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
