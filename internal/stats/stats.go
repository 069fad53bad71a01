package stats

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	Add(name string, v float64)
	RegisterMetric(name, help string)
	RegisterCounter(name, help string)
}

// StatsUpdater keeps named gauges and counters on a private registry.
type StatsUpdater struct {
	namespace string
	registry  *prometheus.Registry
	mu        sync.RWMutex
	gauges    map[string]prometheus.Gauge
	counters  map[string]prometheus.Counter
}

// NewStatsUpdater creates a stats updater and, when mux is non-nil, serves
// its registry at GET /metrics.
func NewStatsUpdater(mux *http.ServeMux, namespace string) *StatsUpdater {
	su := &StatsUpdater{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		gauges:    make(map[string]prometheus.Gauge),
		counters:  make(map[string]prometheus.Counter),
	}
	su.initializeMetrics()

	if mux != nil {
		mux.Handle("GET /metrics", su.Handler())
	}
	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: su.namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the process started.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	))
}

func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{Registry: su.registry})
}

func (su *StatsUpdater) RegisterMetric(name, help string) {
	su.mu.Lock()
	defer su.mu.Unlock()
	if _, ok := su.gauges[name]; ok {
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: su.namespace, Name: name, Help: help})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

func (su *StatsUpdater) RegisterCounter(name, help string) {
	su.mu.Lock()
	defer su.mu.Unlock()
	if _, ok := su.counters[name]; ok {
		return
	}

	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: su.namespace, Name: name, Help: help})
	su.registry.MustRegister(c)
	su.counters[name] = c
}

func (su *StatsUpdater) Incr(name string) {
	su.Add(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.Add(name, -1)
}

// Add adjusts a registered gauge by v, or a registered counter by v when v is
// positive.
func (su *StatsUpdater) Add(name string, v float64) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	if g, ok := su.gauges[name]; ok {
		g.Add(v)
		return
	}
	if c, ok := su.counters[name]; ok {
		if v > 0 {
			c.Add(v)
		}
		return
	}

	panic("metric not found: " + name)
}

// Counter returns the registered counter called name, or nil.
func (su *StatsUpdater) Counter(name string) prometheus.Counter {
	su.mu.RLock()
	defer su.mu.RUnlock()
	return su.counters[name]
}

// Nop discards every update.
type Nop struct{}

func (Nop) Incr(string)                    {}
func (Nop) Decr(string)                    {}
func (Nop) Add(string, float64)            {}
func (Nop) RegisterMetric(string, string)  {}
func (Nop) RegisterCounter(string, string) {}
