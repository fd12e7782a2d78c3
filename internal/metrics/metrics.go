// Package metrics exports the scheduler's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/dispatchd/pkg/model"
)

// Metrics holds all scheduler metrics.
type Metrics struct {
	HeartbeatsTotal prometheus.Counter
	WorkersByState  *prometheus.GaugeVec
	InInitialWait   prometheus.Gauge

	TasksDispatchedTotal prometheus.Counter
	TasksKilledTotal     *prometheus.CounterVec
	DispatchRetriesTotal prometheus.Counter
}

// New creates the scheduler metrics on a fresh registry and returns the
// metrics together with the /metrics handler.
func New(namespace string) (*Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total worker heartbeats processed",
		}),
		WorkersByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Connected workers by health state",
		}, []string{"state"}),
		InInitialWait: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_initial_wait",
			Help:      "1 while the post-restart dispatch freeze is in effect",
		}),
		TasksDispatchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Total tasks placed on workers",
		}),
		TasksKilledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_killed_total",
			Help:      "Total tasks killed or written off, by reason",
		}, []string{"reason"}),
		DispatchRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Round-robin selections skipped because the worker was not healthy",
		}),
	}

	m.InInitialWait.Set(1)
	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SetWorkerCounts replaces the by-state worker gauges with a snapshot.
func (m *Metrics) SetWorkerCounts(counts map[model.WorkerState]int) {
	for _, state := range []model.WorkerState{
		model.WorkerStateNew, model.WorkerStateHealthy,
		model.WorkerStateUnhealthy, model.WorkerStateMustDie,
	} {
		m.WorkersByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
