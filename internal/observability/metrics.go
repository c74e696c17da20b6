package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	registerOnce sync.Once

	parallelJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backctl",
			Subsystem: "parallel",
			Name:      "jobs_total",
			Help:      "Jobs completed by the parallel executor.",
		},
		[]string{"command", "outcome"},
	)
	parallelJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "backctl",
			Subsystem: "parallel",
			Name:      "job_duration_seconds",
			Help:      "Time from dispatch to completion for one job.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "outcome"},
	)
	serverCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backctl",
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Commands processed by a protocol server.",
		},
		[]string{"service", "command", "outcome"},
	)
	serverRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backctl",
			Subsystem: "server",
			Name:      "retries_total",
			Help:      "Handler re-invocations after a fault.",
		},
		[]string{"service", "command"},
	)
	clientRemoteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backctl",
			Subsystem: "client",
			Name:      "remote_errors_total",
			Help:      "Error responses received from workers.",
		},
		[]string{"client", "code"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(parallelJobs, parallelJobDuration, serverCommands, serverRetries, clientRemoteErrors)
	})
}

// Handler exposes the registered metrics in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordJob(command string, duration time.Duration, success bool) {
	RegisterMetrics()
	outcome := outcomeLabel(success)
	parallelJobs.WithLabelValues(command, outcome).Inc()
	parallelJobDuration.WithLabelValues(command, outcome).Observe(duration.Seconds())
}

func RecordServerCommand(service, command string, success bool) {
	RegisterMetrics()
	serverCommands.WithLabelValues(service, command, outcomeLabel(success)).Inc()
}

func RecordRetry(service, command string) {
	RegisterMetrics()
	serverRetries.WithLabelValues(service, command).Inc()
}

func RecordRemoteError(client string, code int) {
	RegisterMetrics()
	clientRemoteErrors.WithLabelValues(client, strconv.Itoa(code)).Inc()
}

func outcomeLabel(success bool) string {
	if success {
		return OutcomeSuccess
	}
	return OutcomeError
}
