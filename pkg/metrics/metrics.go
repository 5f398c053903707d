// Package metrics exposes engine counters and latencies to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "procflow"

// Collector records engine activity. A nil *Collector records nothing.
type Collector struct {
	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	nodesEntered      *prometheus.CounterVec
	actionsSubmitted  *prometheus.CounterVec
	approvalsResolved *prometheus.CounterVec
	branchesSettled   *prometheus.CounterVec
	conflicts         prometheus.Counter
	operationLatency  *prometheus.HistogramVec
}

// New registers the collector's metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		instancesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_started_total",
			Help:      "Workflow instances started.",
		}, []string{"definition_id"}),
		instancesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_finished_total",
			Help:      "Workflow instances that reached a terminal status.",
		}, []string{"definition_id", "status"}),
		nodesEntered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_entered_total",
			Help:      "Nodes entered by the engine, by kind.",
		}, []string{"kind"}),
		actionsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_submitted_total",
			Help:      "Actions submitted against instances, by outcome.",
		}, []string{"action", "outcome"}),
		approvalsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Approval gates resolved, by status.",
		}, []string{"status"}),
		branchesSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_results_total",
			Help:      "Join barrier results after an arrival or a branch failure.",
		}, []string{"result"}),
		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Instance writes rejected because the stored version moved.",
		}),
		operationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (c *Collector) InstanceStarted(definitionID string) {
	if c == nil {
		return
	}

	c.instancesStarted.WithLabelValues(definitionID).Inc()
}

func (c *Collector) InstanceFinished(definitionID, status string) {
	if c == nil {
		return
	}

	c.instancesFinished.WithLabelValues(definitionID, status).Inc()
}

func (c *Collector) NodeEntered(kind string) {
	if c == nil {
		return
	}

	c.nodesEntered.WithLabelValues(kind).Inc()
}

// ActionSubmitted records an action with outcome "ok" or the error kind that rejected it.
func (c *Collector) ActionSubmitted(action, outcome string) {
	if c == nil {
		return
	}

	c.actionsSubmitted.WithLabelValues(action, outcome).Inc()
}

func (c *Collector) ApprovalResolved(status string) {
	if c == nil {
		return
	}

	c.approvalsResolved.WithLabelValues(status).Inc()
}

func (c *Collector) JoinSettled(result string) {
	if c == nil {
		return
	}

	c.branchesSettled.WithLabelValues(result).Inc()
}

func (c *Collector) Conflict() {
	if c == nil {
		return
	}

	c.conflicts.Inc()
}

// ObserveOperation records the time elapsed since start.
func (c *Collector) ObserveOperation(operation string, start time.Time) {
	if c == nil {
		return
	}

	c.operationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
