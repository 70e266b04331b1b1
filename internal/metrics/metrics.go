// Package metrics exposes orchestrator counters and gauges in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all labflow metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TasksCreated     *prometheus.CounterVec
	TasksDispatched  *prometheus.CounterVec
	TasksFinished    *prometheus.CounterVec
	TaskRetries      *prometheus.CounterVec
	CommandAttempts  *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	Reconciliations  *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	WorkstationState *prometheus.GaugeVec
	RunningTasks     *prometheus.GaugeVec
	StoreHealthy     prometheus.Gauge
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "labflow"
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.TasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tasks_created_total", Help: "Tasks accepted"},
		[]string{"workstation", "priority"},
	)
	m.TasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tasks_dispatched_total", Help: "Tasks moved from QUEUED to RUNNING"},
		[]string{"workstation"},
	)
	m.TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tasks_finished_total", Help: "Tasks reaching COMPLETED, FAILED or CANCELLED"},
		[]string{"workstation", "status"},
	)
	m.TaskRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "task_retries_total", Help: "Task-level requeues after failure"},
		[]string{"workstation", "kind"},
	)
	m.CommandAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "command_attempts_total", Help: "Command attempts by outcome"},
		[]string{"workstation", "outcome"},
	)
	m.CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of a single command attempt",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"workstation"},
	)
	m.Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "reconciliations_total", Help: "Workstations demoted to OFFLINE by the health sweep"},
		[]string{"workstation"},
	)
	m.QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "Queued tasks per workstation"},
		[]string{"workstation"},
	)
	m.WorkstationState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "workstations", Help: "Active workstations by status"},
		[]string{"status"},
	)
	m.RunningTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "running_tasks", Help: "Occupied capacity slots per workstation"},
		[]string{"workstation"},
	)
	m.StoreHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "store_healthy", Help: "1 when persistence is healthy"},
	)

	registry.MustRegister(
		m.TasksCreated,
		m.TasksDispatched,
		m.TasksFinished,
		m.TaskRetries,
		m.CommandAttempts,
		m.CommandDuration,
		m.Reconciliations,
		m.QueueDepth,
		m.WorkstationState,
		m.RunningTasks,
		m.StoreHealthy,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordCommand(wsID, outcome string, d time.Duration) {
	m.CommandAttempts.WithLabelValues(wsID, outcome).Inc()
	m.CommandDuration.WithLabelValues(wsID).Observe(d.Seconds())
}

// Snapshot is the periodic gauge input.
type Snapshot struct {
	QueueDepths  map[string]int
	Running      map[string]int
	StatusCounts map[string]int
	StoreHealthy bool
}

// SetSnapshot replaces all gauges from one consistent reading.
func (m *Metrics) SetSnapshot(s Snapshot) {
	m.QueueDepth.Reset()
	for ws, n := range s.QueueDepths {
		m.QueueDepth.WithLabelValues(ws).Set(float64(n))
	}
	m.RunningTasks.Reset()
	for ws, n := range s.Running {
		m.RunningTasks.WithLabelValues(ws).Set(float64(n))
	}
	m.WorkstationState.Reset()
	for st, n := range s.StatusCounts {
		m.WorkstationState.WithLabelValues(st).Set(float64(n))
	}
	if s.StoreHealthy {
		m.StoreHealthy.Set(1)
	} else {
		m.StoreHealthy.Set(0)
	}
}
