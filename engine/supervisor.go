package engine

// StageOption configures one supervisor stage.
type StageOption func(*Stage)

// WithInterruptBefore flags the stage for approval before it executes.
func WithInterruptBefore(riskLevel string) StageOption {
	return func(st *Stage) {
		st.InterruptBefore = true
		st.RiskLevel = riskLevel
	}
}

// WithRouter attaches a conditional routing function evaluated after the
// stage completes. The router returns the next stage name or End; cycles
// are permitted up to the executor's node-visit bound.
func WithRouter(fn RouterFunc) StageOption {
	return func(st *Stage) { st.Router = fn }
}

// SupervisorBuilder 以声明顺序构建 Supervisor 拓扑：
// 固定顺序链，或通过 WithRouter 做条件分支。
type SupervisorBuilder struct {
	p   *plan
	err error
}

// NewSupervisor starts a supervisor topology.
func NewSupervisor(name string) *SupervisorBuilder {
	return &SupervisorBuilder{p: newPlan(name, TopologySupervisor)}
}

// Agent appends an agent stage named after the unit.
func (b *SupervisorBuilder) Agent(unit *AgentUnit, opts ...StageOption) *SupervisorBuilder {
	if b.err != nil {
		return b
	}
	st := &Stage{Name: unit.Name(), Kind: StageAgent, Agent: unit}
	for _, opt := range opts {
		opt(st)
	}
	b.err = b.p.add(st)
	return b
}

// Gate appends a pure gate stage: it runs no agent and exists to carry an
// interrupt flag in front of its successor.
func (b *SupervisorBuilder) Gate(name string, opts ...StageOption) *SupervisorBuilder {
	if b.err != nil {
		return b
	}
	st := &Stage{Name: name, Kind: StageAgent}
	for _, opt := range opts {
		opt(st)
	}
	b.err = b.p.add(st)
	return b
}

// Parallel appends an embedded parallel stage, letting a supervisor chain
// include one swarm step between sequential agents.
func (b *SupervisorBuilder) Parallel(name string, members []*AgentUnit, agg Aggregator, opts ...StageOption) *SupervisorBuilder {
	if b.err != nil {
		return b
	}
	st := &Stage{Name: name, Kind: StageParallel, Members: members, Aggregator: agg}
	for _, opt := range opts {
		opt(st)
	}
	b.err = b.p.add(st)
	return b
}

// Build validates and returns the topology.
func (b *SupervisorBuilder) Build() (Topology, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.p.Validate(); err != nil {
		return nil, err
	}
	return b.p, nil
}
