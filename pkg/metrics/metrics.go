// Package metrics counts connection attempts and wipes. A client has no
// scrape endpoint, so the registry is exported as a node_exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns its registry. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	established     *prometheus.CounterVec
	exhausted       prometheus.Counter
	wipes           *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escape_transport_attempts_total",
				Help: "Number of transport attempts by transport and result",
			},
			[]string{"transport", "result"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escape_transport_attempt_seconds",
				Help:    "Duration of transport attempts",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40},
			},
			[]string{"transport"},
		),
		established: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escape_sessions_established_total",
				Help: "Number of sessions established by transport",
			},
			[]string{"transport"},
		),
		exhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "escape_establish_exhausted_total",
				Help: "Number of establish calls where every transport failed",
			},
		),
		wipes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escape_wipes_total",
				Help: "Number of wipe requests by result",
			},
			[]string{"result"},
		),
	}
	m.reg.MustRegister(m.attempts, m.attemptDuration, m.established, m.exhausted, m.wipes)
	return m
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) Attempt(transport string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(transport, result(ok)).Inc()
	m.attemptDuration.WithLabelValues(transport).Observe(d.Seconds())
	if ok {
		m.established.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) Exhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

func (m *Metrics) Wipe(ok bool) {
	if m == nil {
		return
	}
	m.wipes.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// WriteTextfile writes the current values to path in the text exposition
// format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
