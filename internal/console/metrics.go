package console

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	pollResultSuccess = "success"
	pollResultFailure = "failure"
)

// Metrics holds all Prometheus metrics for the console.
type Metrics struct {
	PollsTotal    prometheus.CounterVec
	CommandsTotal prometheus.CounterVec

	SessionsRunning prometheus.Gauge
	SessionsWatched prometheus.Gauge
	ConsoleClients  prometheus.Gauge

	CommandDuration prometheus.HistogramVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes the global Prometheus metrics.
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			PollsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bidwatch_status_polls_total",
					Help: "Total status poll ticks by result",
				},
				[]string{"result"},
			),
			CommandsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bidwatch_commands_total",
					Help: "Total start/stop commands by type and status",
				},
				[]string{"type", "status"},
			),
			SessionsRunning: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "bidwatch_sessions_running",
					Help: "Sessions whose cached status reports a running worker",
				},
			),
			SessionsWatched: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "bidwatch_sessions_watched",
					Help: "Sessions with an active poll timer",
				},
			),
			ConsoleClients: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "bidwatch_console_clients",
					Help: "Connected dashboard websocket clients",
				},
			),
			CommandDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "bidwatch_command_duration_seconds",
					Help:    "Worker command round-trip duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"type"},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance.
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

func (m *Metrics) RecordPoll(result string) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCommand(commandType, status string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(commandType, status).Inc()
}

func (m *Metrics) RecordCommandDuration(commandType string, seconds float64) {
	if m == nil {
		return
	}
	m.CommandDuration.WithLabelValues(commandType).Observe(seconds)
}

func (m *Metrics) SetRunningSessions(count int64) {
	if m == nil {
		return
	}
	m.SessionsRunning.Set(float64(count))
}

func (m *Metrics) SetWatchedSessions(count int64) {
	if m == nil {
		return
	}
	m.SessionsWatched.Set(float64(count))
}

func (m *Metrics) SetConsoleClients(count int64) {
	if m == nil {
		return
	}
	m.ConsoleClients.Set(float64(count))
}
