/*Package poller refreshes the coil position in the background.

A Poller reads the readout encoders at a fixed cadence and fans the reading
out to subscribers and to Prometheus gauges.  It never waits on the stage: a
read is skipped when a run or another caller holds it, and the poller is
suspended outright for the duration of a measurement.
*/
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Reader is the position source of a Poller
type Reader interface {
	// TryReadout returns ok=false without reading when the source is busy
	TryReadout(ctx context.Context) (a, b float64, ok bool, err error)
}

// Reading is one position sample
type Reading struct {
	Time time.Time `json:"time"`
	A    float64   `json:"a"`
	B    float64   `json:"b"`

	// Err is set when the read failed; A and B are then the previous values
	Err string `json:"err,omitempty"`
}

// Poller periodically reads a Reader
type Poller struct {
	src     Reader
	limiter *rate.Limiter

	mu        sync.Mutex
	suspended int
	last      Reading
	subs      map[chan Reading]struct{}

	position *prometheus.GaugeVec
	failures prometheus.Counter
	skipped  prometheus.Counter
}

// New returns a Poller reading src once per period.  Its metrics are
// registered with reg if it is not nil.
func New(src Reader, period time.Duration, reg prometheus.Registerer) *Poller {
	p := &Poller{
		src:     src,
		limiter: rate.NewLimiter(rate.Every(period), 1),
		subs:    make(map[chan Reading]struct{}),
		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flipcoil",
			Name:      "readout_position_mdeg",
			Help:      "Last position of the coil readout encoders.",
		}, []string{"encoder"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flipcoil",
			Name:      "position_read_failures_total",
			Help:      "Background position reads that failed.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flipcoil",
			Name:      "position_reads_skipped_total",
			Help:      "Background position reads skipped because the stage was busy or the poller suspended.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.position, p.failures, p.skipped)
	}
	return p
}

// Suspend stops polling until a matching Resume.  Calls nest.
func (p *Poller) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended++
}

// Resume undoes one Suspend
func (p *Poller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suspended > 0 {
		p.suspended--
	}
}

// Suspended reports if the poller is suspended
func (p *Poller) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended > 0
}

// Last returns the most recent reading
func (p *Poller) Last() Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Subscribe returns a channel receiving each new reading and a function
// that ends the subscription.  Readings are dropped for a subscriber that
// is not keeping up.
func (p *Poller) Subscribe() (<-chan Reading, func()) {
	ch := make(chan Reading, 4)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ch)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Poll makes one read, unless the poller is suspended or the source is
// busy, and reports whether a reading was published
func (p *Poller) Poll(ctx context.Context) bool {
	if p.Suspended() {
		p.skipped.Inc()
		return false
	}
	a, b, ok, err := p.src.TryReadout(ctx)
	if !ok {
		p.skipped.Inc()
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r := Reading{Time: time.Now(), A: a, B: b}
	if err != nil {
		p.failures.Inc()
		r.A, r.B, r.Err = p.last.A, p.last.B, err.Error()
		log.Printf("background position read: %v", err)
	} else {
		p.position.WithLabelValues("A").Set(a)
		p.position.WithLabelValues("B").Set(b)
	}
	p.last = r
	for ch := range p.subs {
		select {
		case ch <- r:
		default:
		}
	}
	return true
}

// Run polls until ctx is done
func (p *Poller) Run(ctx context.Context) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		p.Poll(ctx)
	}
}
