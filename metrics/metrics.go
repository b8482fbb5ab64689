package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcpharness"

// Package-level Prometheus collectors. They are registered via Register.
var (
	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Number of tool calls served, by server, tool and outcome.",
		}, []string{"server", "tool", "outcome"},
	)
	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of supervised process start attempts, by outcome.",
		}, []string{"name", "outcome"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of supervised process stops, by how the process ended.",
		}, []string{"name", "mode"},
	)
	readinessWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "readiness_seconds",
			Help:      "Time from launch until a supervised process was considered ready.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
)

// Register registers all collectors with r.
// It is safe to call multiple times with the same registerer.
func Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{toolCalls, processStarts, processStops, readinessWait} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncToolCall(server, tool string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	toolCalls.WithLabelValues(server, tool, outcome).Inc()
}

func IncProcessStart(name string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	processStarts.WithLabelValues(name, outcome).Inc()
}

// IncProcessStop records how a stop ended: "graceful" or "killed".
func IncProcessStop(name, mode string) {
	processStops.WithLabelValues(name, mode).Inc()
}

func ObserveReadiness(name string, seconds float64) {
	readinessWait.WithLabelValues(name).Observe(seconds)
}
