package export

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "dtconsumer"

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for agent health.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Consumer
	WorkTicks       *prometheus.CounterVec // status (okay/done)
	WorkDuration    prometheus.Histogram
	EventsConsumed  prometheus.Counter
	RecordsConsumed prometheus.Counter
	Drops           *prometheus.CounterVec // kind
	RuntimeErrors   prometheus.Counter     // probe action faults
	ConsumeErrors   prometheus.Counter     // failed work ticks
	ProgramMatches  prometheus.Gauge
	TracerRunning   prometheus.Gauge

	// Aggregations
	AggregateWalks   *prometheus.CounterVec // final (true/false)
	AggregateRecords prometheus.Gauge       // rows seen by the last walk

	// Sink Layer
	SinkEventChannelLength   *prometheus.GaugeVec     // sink
	SinkEventChannelCapacity *prometheus.GaugeVec     // sink
	SinkFlushDuration        *prometheus.HistogramVec // sink
	SinkBatchSize            *prometheus.HistogramVec // sink
	SinkEventsProcessed      *prometheus.CounterVec   // sink
	SinkEventsDropped        *prometheus.CounterVec   // sink

	// Export Layer
	ExportErrors            prometheus.Counter
	ExportBatchErrors       *prometheus.CounterVec   // sink, error_type
	ClickHouseConnected     *prometheus.GaugeVec     // sink
	ClickHouseBatchDuration *prometheus.HistogramVec // operation

	AgentStartDuration *prometheus.GaugeVec // phase

	running atomic.Bool
	tracing atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		WorkTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_ticks_total",
				Help:      "Consumption loop ticks by outcome.",
			},
			[]string{"status"},
		),
		WorkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "work_duration_seconds",
			Help:      "Duration of one consumption loop tick.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		EventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Probe firings consumed from the principal buffers.",
		}),
		RecordsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_consumed_total",
			Help:      "Data records consumed from the principal buffers.",
		}),
		Drops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drops_total",
				Help:      "Records lost by the engine, by drop kind.",
			},
			[]string{"kind"},
		),
		RuntimeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_errors_total",
			Help:      "Faults raised by probe actions.",
		}),
		ConsumeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_errors_total",
			Help:      "Consumption loop ticks that failed.",
		}),
		ProgramMatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "program_matched_probes",
			Help:      "Probes matched by the executed program.",
		}),
		TracerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracer_running",
			Help:      "Whether the tracing session is enabled (1) or not (0).",
		}),
		AggregateWalks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregate_walks_total",
				Help:      "Aggregation snapshots walked.",
			},
			[]string{"final"},
		),
		AggregateRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aggregate_records",
			Help:      "Aggregation records visited by the last walk.",
		}),
		SinkEventChannelLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sink_event_channel_length",
				Help:      "Current event channel buffer usage.",
			},
			[]string{"sink"},
		),
		SinkEventChannelCapacity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sink_event_channel_capacity",
				Help:      "Event channel buffer capacity.",
			},
			[]string{"sink"},
		),
		SinkFlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sink_flush_duration_seconds",
				Help:      "Time to flush a batch to ClickHouse.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"sink"},
		),
		SinkBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sink_batch_size",
				Help:      "Rows per flushed batch.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
			[]string{"sink"},
		),
		SinkEventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_events_processed_total",
				Help:      "Events accepted by each sink.",
			},
			[]string{"sink"},
		),
		SinkEventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_events_dropped_total",
				Help:      "Events dropped because a sink channel was full.",
			},
			[]string{"sink"},
		),
		ExportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_errors_total",
			Help:      "Total export errors across all sinks.",
		}),
		ExportBatchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_batch_errors_total",
				Help:      "Batch export errors by sink and stage.",
			},
			[]string{"sink", "error_type"},
		),
		ClickHouseConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clickhouse_connected",
				Help:      "Whether the sink holds a ClickHouse connection (1) or not (0).",
			},
			[]string{"sink"},
		),
		ClickHouseBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "clickhouse_batch_duration_seconds",
				Help:      "ClickHouse batch operation latency.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"operation"},
		),
		AgentStartDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agent_start_duration_seconds",
				Help:      "Time spent in each startup phase.",
			},
			[]string{"phase"},
		),
	}

	reg.MustRegister(
		h.WorkTicks,
		h.WorkDuration,
		h.EventsConsumed,
		h.RecordsConsumed,
		h.Drops,
		h.RuntimeErrors,
		h.ConsumeErrors,
		h.ProgramMatches,
		h.TracerRunning,
		h.AggregateWalks,
		h.AggregateRecords,
	)

	reg.MustRegister(
		h.SinkEventChannelLength,
		h.SinkEventChannelCapacity,
		h.SinkFlushDuration,
		h.SinkBatchSize,
		h.SinkEventsProcessed,
		h.SinkEventsDropped,
		h.ExportErrors,
		h.ExportBatchErrors,
		h.ClickHouseConnected,
		h.ClickHouseBatchDuration,
		h.AgentStartDuration,
	)

	return h
}

// Registry returns the registry the metrics are registered on.
func (h *HealthMetrics) Registry() *prometheus.Registry {
	return h.registry
}

// SetTracing records whether the tracer is consuming. It drives both the
// tracer_running gauge and /readyz.
func (h *HealthMetrics) SetTracing(on bool) {
	h.tracing.Store(on)

	if on {
		h.TracerRunning.Set(1)
	} else {
		h.TracerRunning.Set(0)
	}
}

// Handler routes /metrics, /healthz, /readyz and the pprof endpoints.
// /healthz answers while the process is up; /readyz only while the
// tracer is consuming.
func (h *HealthMetrics) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{
		ErrorLog: h.log.WithField("handler", "metrics"),
	}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !h.tracing.Load() {
			http.Error(w, "tracer not running", http.StatusServiceUnavailable)

			return
		}

		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}

// Start binds the listen address and serves Handler in the background.
// The bind happens before Start returns, so Addr is usable immediately.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln
	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.running.Store(true)

	go h.serve(ln)

	return nil
}

// Serving reports whether the server goroutine is still running.
func (h *HealthMetrics) Serving() bool {
	return h.running.Load()
}

func (h *HealthMetrics) serve(ln net.Listener) {
	defer h.running.Store(false)

	h.log.WithField("addr", ln.Addr().String()).Info("Health server listening")

	if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		h.log.WithError(err).Error("Health server failed")
	}
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
