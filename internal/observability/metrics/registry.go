package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hybrid_rag"

var durationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}

// registry is a private Prometheus registry whose collectors all carry a constant service label.
type registry struct {
	gatherer   *prometheus.Registry
	registerer prometheus.Registerer
}

func newRegistry(service string) registry {
	reg := prometheus.NewRegistry()
	return registry{
		gatherer:   reg,
		registerer: prometheus.WrapRegistererWith(prometheus.Labels{"service": service}, reg),
	}
}

func (r registry) handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r registry) counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	r.registerer.MustRegister(c)
	return c
}

func (r registry) histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
	r.registerer.MustRegister(h)
	return h
}

func (r registry) gauge(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	r.registerer.MustRegister(g)
	return g
}
