// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 指标收集器
// All observe methods are nil-safe so callers never have to guard against a
// disabled collector.
type Collector struct {
	// 运行指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// 节点指标
	nodeExecutionsTotal *prometheus.CounterVec
	nodeDuration        *prometheus.HistogramVec

	// Swarm 指标
	swarmMemberFailures *prometheus.CounterVec

	// 审批指标
	approvalDecisions *prometheus.CounterVec
	pendingApprovals  prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of workflow runs by topology and status",
		},
		[]string{"topology", "status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"topology"},
	)

	c.nodeExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions by outcome",
		},
		[]string{"topology", "stage", "outcome"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"topology", "stage"},
	)

	c.swarmMemberFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swarm_member_failures_total",
			Help:      "Total number of swarm member failures",
		},
		[]string{"topology", "agent"},
	)

	c.approvalDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Total number of approval decisions",
		},
		[]string{"decision"},
	)

	c.pendingApprovals = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_approvals",
			Help:      "Number of approval requests currently pending",
		},
	)

	return c
}

// RecordRun 记录一次运行结果
func (c *Collector) RecordRun(topology, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(topology, status).Inc()
	c.runDuration.WithLabelValues(topology).Observe(duration.Seconds())
}

// RecordNode 记录一次节点执行
func (c *Collector) RecordNode(topology, stage, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.nodeExecutionsTotal.WithLabelValues(topology, stage, outcome).Inc()
	c.nodeDuration.WithLabelValues(topology, stage).Observe(duration.Seconds())
}

// RecordSwarmFailure 记录一次 Swarm 成员失败
func (c *Collector) RecordSwarmFailure(topology, agent string) {
	if c == nil {
		return
	}
	c.swarmMemberFailures.WithLabelValues(topology, agent).Inc()
}

// RecordApproval 记录一次审批决策
func (c *Collector) RecordApproval(decision string) {
	if c == nil {
		return
	}
	c.approvalDecisions.WithLabelValues(decision).Inc()
}

// SetPendingApprovals 更新待审批数量
func (c *Collector) SetPendingApprovals(n int) {
	if c == nil {
		return
	}
	c.pendingApprovals.Set(float64(n))
}
