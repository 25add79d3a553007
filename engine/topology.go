package engine

import (
	"fmt"

	"github.com/Qiu-Ye/swarmflow/types"
)

// TopologyKind names the declared graph shape.
type TopologyKind string

const (
	TopologySupervisor   TopologyKind = "supervisor"
	TopologySwarm        TopologyKind = "swarm"
	TopologyHierarchical TopologyKind = "hierarchical"
)

// End is the routing key that terminates a conditional supervisor run.
const End = "__end__"

// RouterFunc selects the next stage after an agent completes.
// It returns a stage name, or End to finish the run.
type RouterFunc func(state *State) (string, error)

// StageKind discriminates how the executor drives a stage.
type StageKind string

const (
	// StageAgent runs a single AgentUnit (or nothing, for a pure gate).
	StageAgent StageKind = "agent"
	// StageParallel runs all members concurrently and aggregates at a barrier.
	StageParallel StageKind = "parallel"
)

// Stage 是拓扑规划中的一个节点。执行器按声明顺序推进，
// 条件路由（Router）可以覆盖默认的后继。
type Stage struct {
	// Name is the unique node name within the topology.
	Name string
	// Kind selects the execution mode.
	Kind StageKind
	// Agent is the unit to run for StageAgent. Nil marks a pure gate stage,
	// typically used together with InterruptBefore.
	Agent *AgentUnit
	// Members are the parallel units for StageParallel, in declaration order.
	Members []*AgentUnit
	// Aggregator merges the member results for StageParallel. Nil selects
	// the declaration-order merge aggregator.
	Aggregator Aggregator
	// Router, when set, picks the successor after this stage completes.
	Router RouterFunc
	// InterruptBefore suspends the run before this stage executes and waits
	// for an external approval decision.
	InterruptBefore bool
	// RiskLevel annotates the approval request raised for this stage.
	RiskLevel string
}

// Topology is the declared graph shape connecting agent units. All built-in
// topologies (supervisor, swarm, hierarchical) normalize to an ordered stage
// plan walked by the executor.
type Topology interface {
	// Name returns the topology name.
	Name() string
	// Kind returns the topology kind.
	Kind() TopologyKind
	// Stages returns the plan in declaration order.
	Stages() []*Stage
	// Stage looks a stage up by name.
	Stage(name string) (*Stage, bool)
	// Validate checks the plan for structural errors.
	Validate() error
}

// plan is the shared Topology implementation behind the builders.
type plan struct {
	name   string
	kind   TopologyKind
	stages []*Stage
	byName map[string]*Stage
}

func newPlan(name string, kind TopologyKind) *plan {
	return &plan{
		name:   name,
		kind:   kind,
		byName: make(map[string]*Stage),
	}
}

func (p *plan) add(stage *Stage) error {
	if stage.Name == "" {
		return types.NewError(types.ErrInvalidTopology, "stage name cannot be empty")
	}
	if _, exists := p.byName[stage.Name]; exists {
		return types.NewError(types.ErrInvalidTopology,
			fmt.Sprintf("duplicate stage name: %s", stage.Name))
	}
	p.stages = append(p.stages, stage)
	p.byName[stage.Name] = stage
	return nil
}

func (p *plan) Name() string       { return p.name }
func (p *plan) Kind() TopologyKind { return p.kind }

func (p *plan) Stages() []*Stage {
	out := make([]*Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

func (p *plan) Stage(name string) (*Stage, bool) {
	s, ok := p.byName[name]
	return s, ok
}

func (p *plan) Validate() error {
	if p.name == "" {
		return types.NewError(types.ErrInvalidTopology, "topology name cannot be empty")
	}
	if len(p.stages) == 0 {
		return types.NewError(types.ErrInvalidTopology, "topology has no stages")
	}
	for _, st := range p.stages {
		switch st.Kind {
		case StageAgent:
			// 纯门控节点允许 Agent 为空
		case StageParallel:
			if len(st.Members) == 0 {
				return types.NewError(types.ErrInvalidTopology,
					fmt.Sprintf("parallel stage %s has no members", st.Name))
			}
			seen := make(map[string]bool, len(st.Members))
			for _, m := range st.Members {
				if m == nil {
					return types.NewError(types.ErrInvalidTopology,
						fmt.Sprintf("parallel stage %s has a nil member", st.Name))
				}
				if seen[m.Name()] {
					return types.NewError(types.ErrInvalidTopology,
						fmt.Sprintf("parallel stage %s has duplicate member %s", st.Name, m.Name()))
				}
				seen[m.Name()] = true
			}
		default:
			return types.NewError(types.ErrInvalidTopology,
				fmt.Sprintf("stage %s has unknown kind %q", st.Name, st.Kind))
		}
	}
	return nil
}

// Cursor 标记一次运行在拓扑中的位置，随状态快照一起持久化，
// 使恢复可以跨进程发生。
type Cursor struct {
	// Stage is the name of the next stage to execute.
	Stage string `json:"stage"`
	// Visits counts node visits, enforced against the routing loop bound.
	Visits map[string]int `json:"visits,omitempty"`
}

// startCursor positions a cursor at the first stage of a topology.
func startCursor(t Topology) Cursor {
	stages := t.Stages()
	if len(stages) == 0 {
		return Cursor{Visits: make(map[string]int)}
	}
	return Cursor{Stage: stages[0].Name, Visits: make(map[string]int)}
}
