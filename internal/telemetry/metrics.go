// Package telemetry exposes Prometheus metrics for the gate, the HTTP
// handlers and streaming sessions. A nil *Metrics is valid and records
// nothing, so components can be built without it in tests.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voxgate"

// Request outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	gateWait          prometheus.Histogram
	gateQueued        prometheus.Gauge
	inferenceInFlight prometheus.Gauge
	inferenceDuration *prometheus.HistogramVec
	inferenceErrors   *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	streamsActive     prometheus.Gauge
	streamFlushes     prometheus.Counter
	streamBytes       prometheus.Counter
}

// NewMetrics registers every collector on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		gateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_wait_seconds",
			Help:      "Time spent queued for the inference slot",
			Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		gateQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_queued",
			Help:      "Callers currently waiting for the inference slot",
		}),
		inferenceInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inference_in_flight",
			Help:      "Inference calls currently holding the slot (0 or 1)",
		}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Engine call duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"op"}),
		inferenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_errors_total",
			Help:      "Engine calls that returned an error",
		}, []string{"op"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Speech requests by kind and outcome",
		}, []string{"kind", "outcome"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Open streaming sessions",
		}),
		streamFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_flushes_total",
			Help:      "Stream buffer flushes sent for transcription",
		}),
		streamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Audio bytes received over streams",
		}),
	}

	m.registry.MustRegister(
		m.gateWait,
		m.gateQueued,
		m.inferenceInFlight,
		m.inferenceDuration,
		m.inferenceErrors,
		m.requestsTotal,
		m.streamsActive,
		m.streamFlushes,
		m.streamBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) GateQueued(delta float64) {
	if m == nil {
		return
	}
	m.gateQueued.Add(delta)
}

func (m *Metrics) ObserveGateWait(d time.Duration) {
	if m == nil {
		return
	}
	m.gateWait.Observe(d.Seconds())
}

func (m *Metrics) InferenceStarted() {
	if m == nil {
		return
	}
	m.inferenceInFlight.Inc()
}

func (m *Metrics) InferenceFinished(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.inferenceInFlight.Dec()
	m.inferenceDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.inferenceErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RecordRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(kind, outcome).Inc()
}
