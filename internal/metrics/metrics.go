// Package metrics exposes Prometheus counters for device connections and
// task transitions. Each Metrics owns its registry so several servers can
// run in one process.
package metrics

import (
	"net/http"

	"github.com/fentz26/coact/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the control plane collectors.
type Metrics struct {
	registry *prometheus.Registry

	wsConnections  prometheus.Counter
	wsCurrent      prometheus.Gauge
	wsHeartbeats   prometheus.Counter
	tasksCreated   prometheus.Counter
	tasksAssigned  prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		wsConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_connections_total",
			Help: "Device websocket connections accepted.",
		}),
		wsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connections_current",
			Help: "Device websocket connections open on this node.",
		}),
		wsHeartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_heartbeats_total",
			Help: "Heartbeats received from devices.",
		}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_created_total",
			Help: "Tasks created.",
		}),
		tasksAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_assigned_total",
			Help: "Tasks delivered to a device for the first time.",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Tasks reported completed by their device.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Tasks reported failed by their device.",
		}),
	}
	m.registry.MustRegister(
		m.wsConnections, m.wsCurrent, m.wsHeartbeats,
		m.tasksCreated, m.tasksAssigned, m.tasksCompleted, m.tasksFailed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Connected() {
	m.wsConnections.Inc()
	m.wsCurrent.Inc()
}

func (m *Metrics) Disconnected() {
	m.wsCurrent.Dec()
}

func (m *Metrics) Heartbeat() {
	m.wsHeartbeats.Inc()
}

func (m *Metrics) TaskCreated() {
	m.tasksCreated.Inc()
}

func (m *Metrics) TaskAssigned() {
	m.tasksAssigned.Inc()
}

// TaskFinished counts a terminal status reported by a device.
func (m *Metrics) TaskFinished(status models.TaskStatus) {
	switch status {
	case models.TaskStatusCompleted:
		m.tasksCompleted.Inc()
	case models.TaskStatusFailed:
		m.tasksFailed.Inc()
	}
}
