package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Qiu-Ye/swarmflow/types"
)

// State keys used by the hierarchical topology.
const (
	// KeyDelegation is where the CEO writes its delegation plan: a map from
	// manager name to a sub-task payload.
	KeyDelegation = "delegation"
	// KeyManagerTask is where a manager's scoped sub-task payload is placed
	// before its worker pool runs.
	KeyManagerTask = "task"
	// KeyManagerSummaries collects the per-manager summary documents.
	KeyManagerSummaries = "manager_summaries"
	// KeyPartial marks a manager summary built from an incomplete worker set.
	KeyPartial = "partial"
	// KeyDegraded marks a final report produced without every manager.
	KeyDegraded = "degraded"
)

// Manager declares one mid-level delegation unit: an independent worker pool
// run as a nested swarm, plus an optional summary agent consuming the pool's
// merged output.
type Manager struct {
	Name       string
	Workers    []*AgentUnit
	Aggregator Aggregator
	Summary    *AgentUnit
}

// HierarchyOption configures a hierarchical topology.
type HierarchyOption func(*hierarchyConfig)

type hierarchyConfig struct {
	workerConcurrency int64
	workerTimeout     time.Duration
	interruptBefore   bool
	riskLevel         string
}

// WithWorkerConcurrency bounds concurrent workers within one manager pool.
func WithWorkerConcurrency(n int64) HierarchyOption {
	return func(c *hierarchyConfig) {
		if n > 0 {
			c.workerConcurrency = n
		}
	}
}

// WithWorkerTimeout sets the per-worker timeout used when a unit carries none.
func WithWorkerTimeout(d time.Duration) HierarchyOption {
	return func(c *hierarchyConfig) {
		if d > 0 {
			c.workerTimeout = d
		}
	}
}

// WithHierarchyInterrupt flags the delegation stage for approval before the
// manager pools run.
func WithHierarchyInterrupt(riskLevel string) HierarchyOption {
	return func(c *hierarchyConfig) {
		c.interruptBefore = true
		c.riskLevel = riskLevel
	}
}

// NewHierarchicalTopology 构建三层委派拓扑：CEO 先产出委派计划，
// 各 Manager 的 Worker 池作为嵌套 Swarm 并行执行（管理者池之间也并行），
// 最后由 final（缺省为 CEO 的第二次调用）汇总全部管理者摘要。
//
// A worker failure is absorbed into its manager's summary as partial; only a
// manager whose workers all fail contributes a MANAGER_ALL_WORKERS_FAILED
// result, and the final report then carries the degraded flag.
func NewHierarchicalTopology(name string, ceo *AgentUnit, managers []*Manager, final *AgentUnit, opts ...HierarchyOption) (Topology, error) {
	if ceo == nil {
		return nil, types.NewError(types.ErrInvalidTopology, "hierarchical topology requires a CEO unit")
	}
	if len(managers) == 0 {
		return nil, types.NewError(types.ErrInvalidTopology, "hierarchical topology requires at least one manager")
	}

	cfg := &hierarchyConfig{
		workerConcurrency: DefaultMaxConcurrency,
		workerTimeout:     DefaultAgentTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	members := make([]*AgentUnit, 0, len(managers))
	names := make([]string, 0, len(managers))
	for _, m := range managers {
		if m.Name == "" {
			return nil, types.NewError(types.ErrInvalidTopology, "manager name cannot be empty")
		}
		if len(m.Workers) == 0 {
			return nil, types.NewError(types.ErrInvalidTopology,
				fmt.Sprintf("manager %s has no workers", m.Name))
		}
		members = append(members, newManagerUnit(m, cfg))
		names = append(names, m.Name)
	}

	finalUnit := final
	if finalUnit == nil {
		// CEO 第二次调用作为最终汇总
		finalUnit = NewAgent("final_report:"+ceo.Name(), ceo.invoke, WithTimeout(ceo.timeout))
	}

	p := newPlan(name, TopologyHierarchical)
	if err := p.add(&Stage{Name: "delegate", Kind: StageAgent, Agent: ceo}); err != nil {
		return nil, err
	}
	if err := p.add(&Stage{
		Name:            "managers",
		Kind:            StageParallel,
		Members:         members,
		Aggregator:      &hierarchyAggregator{managers: names},
		InterruptBefore: cfg.interruptBefore,
		RiskLevel:       cfg.riskLevel,
	}); err != nil {
		return nil, err
	}
	if err := p.add(&Stage{Name: "final_report", Kind: StageAgent, Agent: finalUnit}); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// newManagerUnit wraps one manager's worker pool and summary agent into a
// single composite unit runnable as a swarm member.
func newManagerUnit(m *Manager, cfg *hierarchyConfig) *AgentUnit {
	manager := *m // immutable after build
	workers := make([]*AgentUnit, len(m.Workers))
	copy(workers, m.Workers)

	fn := func(ctx context.Context, state *State) (*State, error) {
		scoped := state.Clone()
		if plan, ok := state.Get(KeyDelegation); ok {
			if byManager, ok := plan.(map[string]any); ok {
				if task, ok := byManager[manager.Name]; ok {
					scoped.Set(KeyManagerTask, task)
				}
			}
		}

		pool := &Stage{Name: manager.Name, Kind: StageParallel, Members: workers}
		results, _ := fanOut(ctx, pool, scoped, cfg.workerConcurrency, cfg.workerTimeout)

		failures := 0
		for _, r := range results {
			if r.Err != nil {
				failures++
			}
		}
		if failures == len(results) {
			return nil, types.NewError(types.ErrManagerAllWorkersFailed,
				fmt.Sprintf("manager %s: all %d workers failed: %s",
					manager.Name, len(results), joinResultErrors(results))).
				WithAgent(manager.Name)
		}

		agg := manager.Aggregator
		if agg == nil {
			agg = MergeAggregator{}
		}
		merged, err := agg.Aggregate(ctx, scoped, results)
		if err != nil {
			return nil, types.AsError(err).WithAgent(manager.Name)
		}
		if failures > 0 {
			// 部分 Worker 失败：摘要标记为 partial，不中止上层聚合
			merged.Set(KeyPartial, true)
		}

		if manager.Summary == nil {
			return merged, nil
		}
		res := invokeAgent(ctx, manager.Summary, merged, cfg.workerTimeout)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Output, nil
	}

	return NewAgent("manager:"+m.Name, fn)
}

// hierarchyAggregator assembles the manager summaries for the final report.
// Failed managers are recorded and flagged; the aggregation proceeds with the
// remaining managers' results.
type hierarchyAggregator struct {
	managers []string
}

func (a *hierarchyAggregator) Name() string { return "hierarchy" }

func (a *hierarchyAggregator) Aggregate(ctx context.Context, base *State, results []*AgentResult) (*State, error) {
	out := base.Clone()
	summaries := make([]map[string]any, 0, len(results))
	degraded := false

	for i, r := range results {
		name := r.AgentName
		if i < len(a.managers) {
			name = a.managers[i]
		}
		doc := map[string]any{"manager": name}
		if r.Err != nil {
			degraded = true
			doc["status"] = "failed"
			doc["error"] = r.Err.Error()
		} else {
			doc["status"] = "ok"
			if r.Output.Has(KeyPartial) {
				doc["status"] = "partial"
			}
			values := make(map[string]any, r.Output.Len())
			for _, k := range r.Output.Keys() {
				v, _ := r.Output.Get(k)
				values[k] = v
			}
			doc["summary"] = values
			out.Merge(r.Output)
		}
		summaries = append(summaries, doc)
	}

	out.Set(KeyManagerSummaries, summaries)
	if degraded {
		out.Set(KeyDegraded, true)
	}
	return out, nil
}
