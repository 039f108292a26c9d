package shellcache

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	outcomeNetwork  = "network"
	outcomeOffline  = "offline"
	outcomeHit      = "hit"
	outcomeMiss     = "miss"
	outcomeFallback = "fallback"
	outcomeError    = "error"
	outcomeBypass   = "bypass"
)

// Metrics counts worker activity in a private registry.
// A nil *Metrics discards everything.
type Metrics struct {
	reg *prometheus.Registry

	requests     *prometheus.CounterVec
	stored       prometheus.Counter
	storeErrors  prometheus.Counter
	installs     *prometheus.CounterVec
	activations  prometheus.Counter
	deletedStore prometheus.Counter
	messages     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	r := prometheus.WrapRegistererWithPrefix("shellcache_", reg)
	m := &Metrics{
		reg: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Intercepted requests by class and outcome.",
		}, []string{"class", "outcome"}),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stored_responses_total",
			Help: "Responses written to the store in the background.",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Failed background store writes.",
		}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "installs_total",
			Help: "Install attempts by result.",
		}, []string{"result"}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "activations_total",
			Help: "Completed activations.",
		}),
		deletedStore: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deleted_stores_total",
			Help: "Stores deleted by activation or clearing.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Control messages by action.",
		}, []string{"action"}),
	}
	r.MustRegister(m.requests, m.stored, m.storeErrors, m.installs, m.activations, m.deletedStore, m.messages)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) observe(class Class, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(class.String(), outcome).Inc()
}

func (m *Metrics) storedResponse(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.storeErrors.Inc()
		return
	}
	m.stored.Inc()
}

func (m *Metrics) install(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.installs.WithLabelValues(result).Inc()
}

func (m *Metrics) activated(deleted int) {
	if m == nil {
		return
	}
	m.activations.Inc()
	m.deletedStore.Add(float64(deleted))
}

func (m *Metrics) cleared(deleted int) {
	if m == nil {
		return
	}
	m.deletedStore.Add(float64(deleted))
}

func (m *Metrics) message(action string) {
	if m == nil {
		return
	}
	switch action {
	case ActionSkipWaiting, ActionClearCache:
	default:
		action = "unknown"
	}
	m.messages.WithLabelValues(action).Inc()
}
