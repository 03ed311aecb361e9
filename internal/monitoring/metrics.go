package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/drivepipe/internal/version"
)

const namespace = "drivepipe"

// Registry holds every drivepipe collector. Each process exposes its own.
var Registry = prometheus.NewRegistry()

var (
	ChannelWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "writes_total",
		Help:      "Versions published per channel topic.",
	}, []string{"topic"})

	ChannelReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "reads_total",
		Help:      "Versions consumed per channel topic.",
	}, []string{"topic"})

	ChannelSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "skipped_versions_total",
		Help:      "Versions a reader never observed because a newer one replaced them.",
	}, []string{"topic"})

	Merges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "merges_total",
		Help:      "Partial snapshots merged into the canonical snapshot, by source.",
	}, []string{"source"})

	ArrivalInterval = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "arrival_interval_seconds",
		Help:      "Inter-arrival statistics of partial snapshots, by source.",
	}, []string{"source", "stat"})

	StagesRun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "frames_processed_total",
		Help:      "Frames processed by each pipeline worker.",
	}, []string{"worker"})

	WorkerFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "faults_total",
		Help:      "Unrecoverable worker faults.",
	}, []string{"worker"})

	Directives = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "directives_total",
		Help:      "Directives emitted by the behaviour planner.",
	}, []string{"directive"})

	SinkDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "actuator",
		Name:      "dropped_commands_total",
		Help:      "Commands overwritten before the sink could deliver them.",
	}, []string{"sink"})

	SinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "actuator",
		Name:      "errors_total",
		Help:      "Delivery failures per sink.",
	}, []string{"sink"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ChannelWrites, ChannelReads, ChannelSkips,
		Merges, ArrivalInterval,
		StagesRun, WorkerFaults,
		Directives,
		SinkDrops, SinkErrors,
	)
}

// MetricsHandler serves the drivepipe registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// AttachDebugRoutes mounts /metrics and the tsweb debug page on mux.
func AttachDebugRoutes(mux *http.ServeMux) *tsweb.DebugHandler {
	mux.Handle("/metrics", MetricsHandler())
	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.Version)
	debug.KV("Git SHA", version.GitSHA)
	debug.Handle("prometheus", "Prometheus metrics", MetricsHandler())
	return debug
}
