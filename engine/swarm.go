package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"go.uber.org/zap"

	"github.com/Qiu-Ye/swarmflow/types"
)

// SwarmOption configures a swarm topology.
type SwarmOption func(*swarmConfig)

type swarmConfig struct {
	interruptBefore bool
	riskLevel       string
}

// WithSwarmInterrupt flags the swarm stage for approval before it runs.
func WithSwarmInterrupt(riskLevel string) SwarmOption {
	return func(c *swarmConfig) {
		c.interruptBefore = true
		c.riskLevel = riskLevel
	}
}

// NewSwarmTopology 构建 Swarm 拓扑：全部成员并行执行于独立的状态副本，
// 在屏障处由聚合器合并。单个成员的失败不会取消或阻塞其它成员。
func NewSwarmTopology(name string, members []*AgentUnit, agg Aggregator, opts ...SwarmOption) (Topology, error) {
	cfg := &swarmConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	p := newPlan(name, TopologySwarm)
	if err := p.add(&Stage{
		Name:            name,
		Kind:            StageParallel,
		Members:         members,
		Aggregator:      agg,
		InterruptBefore: cfg.interruptBefore,
		RiskLevel:       cfg.riskLevel,
	}); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// runParallelStage drives one parallel stage: fan out, barrier, aggregate.
// Branch history entries are merged into the run-level history at the
// barrier, in declaration order.
func (e *Executor) runParallelStage(ctx context.Context, topo Topology, st *Stage, state *State, hist *History, rec *NodeRecord) (*State, *types.Error) {
	e.logger.Debug("running parallel stage",
		zap.String("stage", st.Name),
		zap.Int("members", len(st.Members)),
	)

	results, branchRecords := fanOut(ctx, st, state, e.maxConcurrency, e.defaultTimeout)
	hist.AppendBranch(branchRecords)

	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
			e.collector.RecordSwarmFailure(topo.Name(), r.AgentName)
		}
	}

	// 全部成员失败：整个 Swarm 报告失败，并携带所有错误的汇总
	if failures == len(results) {
		err := types.NewError(types.ErrAllAgentsFailed,
			fmt.Sprintf("all %d members failed: %s", len(results), joinResultErrors(results))).
			WithStage(st.Name)
		hist.Exit(rec, NodeOutcomeFailed, "", err)
		return state, err
	}

	agg := st.Aggregator
	if agg == nil {
		agg = MergeAggregator{}
	}

	merged, err := agg.Aggregate(ctx, state, results)
	if err != nil {
		serr := types.AsError(err).WithStage(st.Name)
		hist.Exit(rec, NodeOutcomeFailed, "", serr)
		return state, serr
	}

	e.logger.Debug("parallel stage aggregated",
		zap.String("stage", st.Name),
		zap.String("aggregator", agg.Name()),
		zap.Int("failures", failures),
	)
	hist.Exit(rec, NodeOutcomeCompleted, agg.Name(), nil)
	return merged, nil
}

// fanOut invokes every member against an independent copy of the incoming
// state. Result collection order is non-deterministic, but the returned
// slice is indexed by declaration order so downstream aggregation is
// deterministic given the result set. An error in one member never cancels
// its siblings.
func fanOut(ctx context.Context, st *Stage, in *State, maxConcurrency int64, defaultTimeout time.Duration) ([]*AgentResult, []*NodeRecord) {
	if maxConcurrency <= 0 || maxConcurrency > int64(len(st.Members)) {
		maxConcurrency = int64(len(st.Members))
	}
	sem := semaphore.NewWeighted(maxConcurrency)

	results := make([]*AgentResult, len(st.Members))
	records := make([]*NodeRecord, len(st.Members))

	var wg sync.WaitGroup
	for i, member := range st.Members {
		wg.Add(1)
		go func(idx int, unit *AgentUnit) {
			defer wg.Done()

			branchRec := &NodeRecord{
				NodeName:  st.Name + "/" + unit.Name(),
				EnteredAt: time.Now(),
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				res := &AgentResult{
					AgentName: unit.Name(),
					Err: types.NewError(types.ErrAgentException, "invocation canceled").
						WithAgent(unit.Name()).WithCause(err),
				}
				results[idx] = res
				closeBranchRecord(branchRec, res)
				records[idx] = branchRec
				return
			}

			res := invokeAgent(ctx, unit, in.Clone(), defaultTimeout)
			sem.Release(1)

			results[idx] = res
			closeBranchRecord(branchRec, res)
			records[idx] = branchRec
		}(i, member)
	}
	wg.Wait() // barrier: every member ran to completion, timeout, or error

	return results, records
}

func closeBranchRecord(rec *NodeRecord, res *AgentResult) {
	rec.ExitedAt = time.Now()
	rec.Duration = rec.ExitedAt.Sub(rec.EnteredAt)
	rec.Agent = res.AgentName
	if res.Err != nil {
		rec.Outcome = NodeOutcomeFailed
		rec.Error = res.Err.Error()
	} else {
		rec.Outcome = NodeOutcomeCompleted
	}
}

func joinResultErrors(results []*AgentResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %s", r.AgentName, r.Err.Error()))
		}
	}
	return strings.Join(parts, "; ")
}
