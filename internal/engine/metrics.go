package engine

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/me/weft/pkg/model"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	transitions  *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	conversions  *prometheus.CounterVec
	runs         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_node_transitions_total",
				Help: "Total number of node state transitions.",
			},
			[]string{"to"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weft_task_duration_seconds",
				Help:    "Task execution time including input materialization, in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		conversions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_conversions_total",
				Help: "Total number of non-identity conversions applied.",
			},
			[]string{"type", "hops"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_runs_total",
				Help: "Total number of finished workflow runs.",
			},
			[]string{"status"},
		),
	}
	for _, c := range []prometheus.Collector{m.transitions, m.taskDuration, m.conversions, m.runs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	// Pre-initialize label combinations so they appear with value 0.
	for _, s := range []model.NodeState{
		model.NodeStateReady, model.NodeStateRunning, model.NodeStateSucceeded,
		model.NodeStateFailed, model.NodeStateSkipped,
	} {
		m.transitions.WithLabelValues(string(s))
	}
	for _, s := range []model.RunStatus{model.RunStatusSucceeded, model.RunStatusFailed} {
		m.runs.WithLabelValues(string(s))
	}
	return m, nil
}

// OnTransition counts the transition.
func (m *Metrics) OnTransition(ev model.Event) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(ev.To)).Inc()
}

func (m *Metrics) observeTask(mode model.Mode, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(string(mode)).Observe(d.Seconds())
}

func (m *Metrics) observeConversion(typ string, hops int) {
	if m == nil {
		return
	}
	m.conversions.WithLabelValues(typ, strconv.Itoa(hops)).Inc()
}

func (m *Metrics) observeRun(status model.RunStatus) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
}
