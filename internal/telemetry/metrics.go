package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ridgestore",
			Name:      "requests_total",
			Help:      "Total number of admin/gateway HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridgestore",
			Name:      "request_duration_seconds",
			Help:      "Latency of admin/gateway HTTP requests.",
			// Tune buckets to your SLOs. This covers 1ms .. ~4s.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ridgestore",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ridgestore",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "ridgestore",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	// ---- Cluster membership gauges ----

	// EpochGauge tracks this node's view of the current membership epoch.
	EpochGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridgestore",
		Name:      "epoch",
		Help:      "Current membership epoch as observed by this node.",
	})

	// ClusterStatusGauge reports membership.ClusterStatus as its ordinal.
	ClusterStatusGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridgestore",
		Name:      "cluster_status",
		Help:      "Current ClusterStatus ordinal (WaitForFormat=0 .. JoinFailed=5).",
	})

	// IsMasterGauge is 1 while this node believes itself master.
	IsMasterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridgestore",
		Name:      "is_master",
		Help:      "1 if this node is currently master, 0 otherwise.",
	})

	// FifoDepthGauge mirrors the event serializer's queue length.
	FifoDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridgestore",
		Name:      "event_fifo_depth",
		Help:      "Number of events currently queued in the event serializer.",
	})

	JoinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridgestore",
		Name:      "joins_total",
		Help:      "Total number of ViewJoin events processed.",
	})

	LeavesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridgestore",
		Name:      "leaves_total",
		Help:      "Total number of ViewLeave events processed.",
	})

	MasterTransfersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridgestore",
		Name:      "master_transfers_total",
		Help:      "Total number of MASTER_TRANSFER messages this node has applied.",
	})

	hostCPUPercent = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "ridgestore",
			Name:      "host_cpu_percent",
			Help:      "Instantaneous host CPU utilization percentage.",
		},
		sampleCPUPercent,
	)

	hostMemUsedPercent = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "ridgestore",
			Name:      "host_mem_used_percent",
			Help:      "Host memory utilization percentage.",
		},
		sampleMemPercent,
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight, buildInfo, uptime,
		EpochGauge, ClusterStatusGauge, IsMasterGauge, FifoDepthGauge,
		JoinsTotal, LeavesTotal, MasterTransfersTotal,
		hostCPUPercent, hostMemUsedPercent,
	)
}

func sampleCPUPercent() float64 {
	pct, err := cpu.Percent(0, false)
	if err != nil || len(pct) == 0 {
		return 0
	}
	return pct[0]
}

func sampleMemPercent() float64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return v.UsedPercent
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.HandleFunc("/info", telemetry.Instrument("info", http.HandlerFunc(s.info)).ServeHTTP)
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
