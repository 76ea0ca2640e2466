// Package metrics holds the process-wide pipeline counters. A Metrics value is created once at
// startup and handed to each component, which increments only the counters it owns.
package metrics

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddielth/weatherradio/health"
)

const namespace = "weatherradio"

// Metrics is the set of pipeline counters and gauges
type Metrics struct {
	registry *prometheus.Registry

	// supervisor
	DecoderRestarts    prometheus.Counter
	LinesRead          prometheus.Counter
	FragmentsDiscarded prometheus.Counter

	// parser
	ParseErrors prometheus.Counter

	// normalizer
	Readings   prometheus.Counter
	Unmapped   *prometheus.CounterVec
	Duplicates prometheus.Counter
	Ignored    prometheus.Counter
	Invalid    prometheus.Counter
	Rejected   *prometheus.CounterVec

	// pipeline
	QueueDropped prometheus.Counter
	QueueLength  prometheus.Gauge

	// publisher
	Published     prometheus.Counter
	PublishErrors prometheus.Counter
	BufferDropped prometheus.Counter
	BufferLength  prometheus.Gauge
	Reconnects    prometheus.Counter

	ConnectionState *prometheus.GaugeVec
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// New creates the metric set on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		DecoderRestarts:    counter("decoder_restarts_total", "Decoder subprocess restarts after an unexpected exit."),
		LinesRead:          counter("lines_read_total", "Complete lines read from decoder stdout."),
		FragmentsDiscarded: counter("fragments_discarded_total", "Trailing partial lines dropped at decoder end-of-stream."),
		ParseErrors:        counter("parse_errors_total", "Decoder lines skipped because they were not a JSON record."),
		Readings:           counter("readings_total", "Readings produced by the normalizer."),
		Unmapped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "unmapped_total",
			Help: "Records dropped because no known measurement field could be mapped.",
		}, []string{"protocol"}),
		Duplicates: counter("duplicates_total", "Readings suppressed as retransmission duplicates."),
		Ignored:    counter("ignored_total", "Records dropped by the ignore list."),
		Invalid:    counter("invalid_total", "Records dropped because they carried no device identifier."),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "measurements_rejected_total",
			Help: "Individual measurements dropped by plausibility checks.",
		}, []string{"measurement"}),
		QueueDropped:  counter("queue_dropped_total", "Readings evicted from the full hand-off queue."),
		QueueLength:   gauge("queue_length", "Readings waiting in the hand-off queue."),
		Published:     counter("published_total", "Messages published to the broker."),
		PublishErrors: counter("publish_errors_total", "Failed publish attempts."),
		BufferDropped: counter("buffer_dropped_total", "Readings evicted from the full disconnect buffer."),
		BufferLength:  gauge("buffer_length", "Readings held while the broker is unreachable."),
		Reconnects:    counter("broker_reconnects_total", "Successful broker connections after the first."),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state",
			Help: "0 disconnected, 1 connecting, 2 connected.",
		}, []string{"component"}),
	}

	m.registry.MustRegister(
		m.DecoderRestarts, m.LinesRead, m.FragmentsDiscarded, m.ParseErrors,
		m.Readings, m.Unmapped, m.Duplicates, m.Ignored, m.Invalid, m.Rejected,
		m.QueueDropped, m.QueueLength,
		m.Published, m.PublishErrors, m.BufferDropped, m.BufferLength, m.Reconnects,
		m.ConnectionState,
	)
	return m
}

// Track mirrors tracker state changes into the connection_state gauge
func (m *Metrics) Track(t *health.Tracker) {
	for component, s := range t.Snapshot() {
		m.ConnectionState.WithLabelValues(component).Set(float64(s.State))
	}
	t.Observe(func(component string, state health.ConnectionState) {
		m.ConnectionState.WithLabelValues(component).Set(float64(state))
	})
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot returns the current value of every series, keyed by metric name with labels
// appended as name{label=value}. It is the read-only view used by the status endpoint and
// the periodic stats log line.
func (m *Metrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName()
			if labels := metric.GetLabel(); len(labels) > 0 {
				key += "{"
				for i, lp := range labels {
					if i > 0 {
						key += ","
					}
					key += lp.GetName() + "=" + lp.GetValue()
				}
				key += "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return out
}

// Keys returns the snapshot keys in sorted order
func Keys(snapshot map[string]float64) []string {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
