package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "tracker_"

	resultSuccess = "success"
)

var (
	registerOnce sync.Once

	telemetryAccepted prometheus.Counter
	telemetryRejected *prometheus.CounterVec
	telemetryLatency  *prometheus.HistogramVec

	enrollmentsTotal *prometheus.CounterVec

	alertsTotal *prometheus.CounterVec

	deviceTransitions *prometheus.CounterVec

	commandIssued  prometheus.Counter
	commandResults *prometheus.CounterVec

	packsTotal   *prometheus.CounterVec
	sweepsTotal  *prometheus.CounterVec
	sweepLatency prometheus.Histogram
)

// Init registers observability metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		telemetryAccepted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_accepted_total",
				Help: "Total accepted telemetry records",
			},
		)
		telemetryRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_rejected_total",
				Help: "Total rejected telemetry submissions by reason",
			},
			[]string{"reason"},
		)
		telemetryLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "telemetry_latency_seconds",
				Help:    "Telemetry submission latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		enrollmentsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "enrollments_total",
				Help: "Total enrollment operations by result",
			},
			[]string{"result"},
		)

		alertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_total",
				Help: "Total alerts raised by kind",
			},
			[]string{"kind"},
		)

		deviceTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_transitions_total",
				Help: "Total device status transitions by status",
			},
			[]string{"status"},
		)

		commandIssued = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_issued_total",
				Help: "Total issued commands",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command lifecycle transitions by status",
			},
			[]string{"status"},
		)

		packsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "evidence_packs_total",
				Help: "Total evidence packs built by result",
			},
			[]string{"result"},
		)

		sweepsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sweeps_total",
				Help: "Total background sweep runs by sweep name and result",
			},
			[]string{"sweep", "result"},
		)
		sweepLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "sweep_latency_seconds",
				Help:    "Background sweep latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			telemetryAccepted,
			telemetryRejected,
			telemetryLatency,
			enrollmentsTotal,
			alertsTotal,
			deviceTransitions,
			commandIssued,
			commandResults,
			packsTotal,
			sweepsTotal,
			sweepLatency,
		)
	})
}

// IncTelemetryAccepted increments the accepted telemetry counter.
func IncTelemetryAccepted() {
	if telemetryAccepted != nil {
		telemetryAccepted.Inc()
	}
}

// IncTelemetryRejected increments the rejected telemetry counter.
func IncTelemetryRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if telemetryRejected != nil {
		telemetryRejected.WithLabelValues(reason).Inc()
	}
}

// ObserveTelemetry records submission duration and result.
func ObserveTelemetry(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if telemetryLatency != nil {
		telemetryLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncEnrollment increments the enrollment counter.
func IncEnrollment(result string) {
	if result == "" {
		result = resultSuccess
	}
	if enrollmentsTotal != nil {
		enrollmentsTotal.WithLabelValues(result).Inc()
	}
}

// IncAlert increments the alert counter by kind.
func IncAlert(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if alertsTotal != nil {
		alertsTotal.WithLabelValues(kind).Inc()
	}
}

// IncDeviceTransition increments the device status transition counter.
func IncDeviceTransition(status string) {
	if status == "" {
		status = "unknown"
	}
	if deviceTransitions != nil {
		deviceTransitions.WithLabelValues(status).Inc()
	}
}

// IncCommandIssued increments the issued command counter.
func IncCommandIssued() {
	if commandIssued != nil {
		commandIssued.Inc()
	}
}

// IncCommandResult increments the command transition counter.
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

// IncPackBuilt increments the evidence pack counter.
func IncPackBuilt(result string) {
	if result == "" {
		result = resultSuccess
	}
	if packsTotal != nil {
		packsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveSweep records one sweep run.
func ObserveSweep(sweep, result string, duration time.Duration) {
	if sweep == "" {
		sweep = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if sweepsTotal != nil {
		sweepsTotal.WithLabelValues(sweep, result).Inc()
	}
	if sweepLatency != nil {
		sweepLatency.Observe(duration.Seconds())
	}
}
