package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nirs"

// Metrics contains the connectivity core metrics
type Metrics struct {
	// Decoder
	PacketsDecoded *prometheus.CounterVec
	DecodeErrors   *prometheus.CounterVec

	// Sessions
	ConnectedDevices  prometheus.Gauge
	SetupCompletions  prometheus.Counter
	SetupFallbacks    *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	RescansNeeded     prometheus.Counter

	// Historical transfer
	StoredReceived *prometheus.GaugeVec
	StoredTotal    *prometheus.GaugeVec

	// Persistence
	CSVRows   *prometheus.CounterVec
	CSVErrors *prometheus.CounterVec

	// Fan-out
	ScanEntries       prometheus.Gauge
	SubscriberDrops   prometheus.Counter
	MessagesPublished *prometheus.CounterVec
}

// New creates unregistered metrics
func New() *Metrics {
	return &Metrics{
		PacketsDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "decoder",
				Name:      "packets_total",
				Help:      "Decoded packets by family and stream",
			},
			[]string{"family", "stream"},
		),
		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "decoder",
				Name:      "errors_total",
				Help:      "Frames or responses that could not be decoded",
			},
			[]string{"family", "stream"},
		),
		ConnectedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connected_devices",
			Help:      "Devices currently tracked as connected",
		}),
		SetupCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "setup_completions_total",
			Help:      "Devices that reached SetupComplete",
		}),
		SetupFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "setup_fallbacks_total",
				Help:      "Setup steps advanced by a fallback timer",
			},
			[]string{"state"},
		),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnection attempts",
		}),
		RescansNeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rescans_needed_total",
			Help:      "Sessions that ended with an exhausted or terminal error",
		}),
		StoredReceived: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stored",
				Name:      "received",
				Help:      "Packets received in the current historical transfer",
			},
			[]string{"address"},
		),
		StoredTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stored",
				Name:      "total",
				Help:      "Packets announced for the current historical transfer",
			},
			[]string{"address"},
		),
		CSVRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "csv",
				Name:      "rows_total",
				Help:      "Rows appended to CSV files",
			},
			[]string{"kind"},
		),
		CSVErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "csv",
				Name:      "errors_total",
				Help:      "Failed CSV flushes; the batch is dropped",
			},
			[]string{"kind"},
		),
		ScanEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "entries",
			Help:      "Peripherals in the scan list",
		}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Messages dropped for slow subscribers",
		}),
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "published_total",
				Help:      "Messages published to NATS",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PacketsDecoded,
		m.DecodeErrors,
		m.ConnectedDevices,
		m.SetupCompletions,
		m.SetupFallbacks,
		m.ReconnectAttempts,
		m.RescansNeeded,
		m.StoredReceived,
		m.StoredTotal,
		m.CSVRows,
		m.CSVErrors,
		m.ScanEntries,
		m.SubscriberDrops,
		m.MessagesPublished,
	}
}

// Registry owns a private prometheus registry with the core metrics registered
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewRegistry creates a registry with core and Go runtime metrics
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	m := New()
	reg.MustRegister(m.collectors()...)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{prometheusRegistry: reg, Metrics: m}
}

// PrometheusRegistry returns the underlying registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler serves the registry in the exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}
