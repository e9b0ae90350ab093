// Package metrics exposes supervisor activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/edirooss/restreamd/internal/domain/stream"
	"github.com/edirooss/restreamd/internal/encoder"
	"github.com/edirooss/restreamd/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the restreamd collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	attemptsTotal    *prometheus.CounterVec
	exitsTotal       *prometheus.CounterVec
	restartsTotal    prometheus.Counter
	switchesTotal    prometheus.Counter
	transitionsTotal *prometheus.CounterVec
	streams          *prometheus.GaugeVec
	backendAvailable *prometheus.GaugeVec
	attemptUptime    prometheus.Histogram
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restreamd_attempts_total",
			Help: "Engine processes launched, by encoder backend",
		}, []string{"backend"}),
		exitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restreamd_attempt_exits_total",
			Help: "Engine process exits, by classified cause",
		}, []string{"cause"}),
		restartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "restreamd_restarts_total",
			Help: "Automatic restarts scheduled",
		}),
		switchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "restreamd_backend_switches_total",
			Help: "Fallbacks to another encoder backend after a backend failure",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restreamd_state_transitions_total",
			Help: "Stream state transitions, by target state",
		}, []string{"to"}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "restreamd_streams",
			Help: "Streams currently in each state",
		}, []string{"state"}),
		backendAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "restreamd_backend_available",
			Help: "1 if the encoder backend passed the last probe",
		}, []string{"backend"}),
		attemptUptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "restreamd_attempt_uptime_seconds",
			Help:    "How long engine processes ran before exiting",
			Buckets: []float64{1, 5, 15, 60, 300, 1800, 3600, 4 * 3600, 24 * 3600},
		}),
	}

	registry.MustRegister(
		m.attemptsTotal,
		m.exitsTotal,
		m.restartsTotal,
		m.switchesTotal,
		m.transitionsTotal,
		m.streams,
		m.backendAvailable,
		m.attemptUptime,
	)
	return m
}

// OnEvent implements supervisor.EventSink.
func (m *Metrics) OnEvent(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventAttemptStarted:
		m.attemptsTotal.WithLabelValues(string(ev.Backend)).Inc()
	case supervisor.EventAttemptExited:
		m.exitsTotal.WithLabelValues(string(ev.Cause)).Inc()
		m.attemptUptime.Observe(ev.Uptime.Seconds())
	case supervisor.EventRestartScheduled:
		m.restartsTotal.Inc()
	case supervisor.EventBackendSwitched:
		m.switchesTotal.Inc()
	case supervisor.EventTransition:
		m.transitionsTotal.WithLabelValues(string(ev.To)).Inc()
	}
}

// SetStreamStates replaces the per-state gauge.
func (m *Metrics) SetStreamStates(counts map[supervisor.State]int) {
	for _, st := range supervisor.States {
		m.streams.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// SetBackends records a probe result.
func (m *Metrics) SetBackends(res encoder.Result) {
	for _, b := range stream.Backends {
		v := 0.0
		if res.Has(b) {
			v = 1
		}
		m.backendAvailable.WithLabelValues(string(b)).Set(v)
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
