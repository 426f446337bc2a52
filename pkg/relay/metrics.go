package relay

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one hub. Each hub has its own
// registry so several hubs can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	connections     prometheus.Gauge
	frames          *prometheus.CounterVec
	predictDuration prometheus.Histogram
	predictFailures prometheus.Counter
	captions        prometheus.Counter
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caption_relay_connections",
			Help: "Open WebSocket connections",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caption_relay_frames_total",
			Help: "Frames received by outcome",
		}, []string{"outcome"}), // accepted | invalid | limited | closed
		predictDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "caption_relay_predict_duration_seconds",
			Help:    "Inference call latency",
			Buckets: prometheus.DefBuckets,
		}),
		predictFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caption_relay_predict_failures_total",
			Help: "Failed inference calls",
		}),
		captions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caption_relay_captions_total",
			Help: "Captions broadcast",
		}),
	}

	m.registry.MustRegister(
		m.connections,
		m.frames,
		m.predictDuration,
		m.predictFailures,
		m.captions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
