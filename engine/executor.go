package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Qiu-Ye/swarmflow/internal/metrics"
	"github.com/Qiu-Ye/swarmflow/types"
)

// RunStatus classifies the outcome of one run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPaused    RunStatus = "paused"
	RunStatusFailed    RunStatus = "failed"
	RunStatusHalted    RunStatus = "halted"
)

// RunOutcome is the result of Run or Resume. A Failed outcome carries the
// full history up to the failure point plus the triggering error, enabling
// post-mortem without re-running the workflow.
type RunOutcome struct {
	Status     RunStatus    `json:"status"`
	RunID      string       `json:"run_id"`
	FinalState *State       `json:"final_state,omitempty"`
	ApprovalID string       `json:"approval_id,omitempty"`
	History    *History     `json:"history,omitempty"`
	Err        *types.Error `json:"error,omitempty"`
}

// InterruptRequest carries everything an interrupt controller needs to
// materialize an approval request and resume the run later, possibly in a
// different process.
type InterruptRequest struct {
	RunID     string
	Topology  string
	Stage     string
	RiskLevel string
	State     *State
	Cursor    Cursor
}

// Interrupter intercepts execution at interrupt-flagged stages. The executor
// calls Request and returns a Paused outcome; no further progress happens on
// the run until an external resume.
type Interrupter interface {
	Request(ctx context.Context, req InterruptRequest) (approvalID string, err error)
}

// Executor 按拓扑规划推进节点执行：串联 ExecutionState、
// 记录 History、处理中断与错误策略。
//
// Determinism: for a fixed topology and fixed agent outputs, the node
// visitation order is fully reproducible.
type Executor struct {
	interrupter    Interrupter
	histories      *HistoryStore
	collector      *metrics.Collector
	logger         *zap.Logger
	maxNodeVisits  int
	defaultTimeout time.Duration
	maxConcurrency int64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithInterrupter wires the interrupt controller.
func WithInterrupter(i Interrupter) ExecutorOption {
	return func(e *Executor) { e.interrupter = i }
}

// WithHistoryStore sets the run history store.
func WithHistoryStore(s *HistoryStore) ExecutorOption {
	return func(e *Executor) { e.histories = s }
}

// WithMetrics wires the metrics collector.
func WithMetrics(c *metrics.Collector) ExecutorOption {
	return func(e *Executor) { e.collector = c }
}

// WithMaxNodeVisits bounds node visits per run (routing loop guard).
func WithMaxNodeVisits(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxNodeVisits = n
		}
	}
}

// WithDefaultTimeout sets the per-agent timeout used when a unit carries none.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithMaxConcurrency bounds concurrent members within one parallel stage.
func WithMaxConcurrency(n int64) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// Defaults applied by NewExecutor.
const (
	DefaultMaxNodeVisits  = 50
	DefaultAgentTimeout   = 2 * time.Minute
	DefaultMaxConcurrency = 8
)

// NewExecutor creates a graph executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:         zap.NewNop(),
		histories:      NewHistoryStore(),
		maxNodeVisits:  DefaultMaxNodeVisits,
		defaultTimeout: DefaultAgentTimeout,
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "executor"))
	return e
}

// Histories returns the history store.
func (e *Executor) Histories() *HistoryStore { return e.histories }

// SetInterrupter wires the interrupt controller after construction. The
// executor and the controller reference each other, so one of them has to be
// bound late; call this before the first Run.
func (e *Executor) SetInterrupter(i Interrupter) { e.interrupter = i }

// Run executes a topology against a fresh run. It never panics and never
// returns a raw agent fault: every failure is captured as a typed error on
// the outcome.
func (e *Executor) Run(ctx context.Context, topo Topology, initial *State) *RunOutcome {
	if topo == nil {
		return &RunOutcome{
			Status: RunStatusFailed,
			Err:    types.NewError(types.ErrInvalidTopology, "topology cannot be nil"),
		}
	}
	if err := topo.Validate(); err != nil {
		return &RunOutcome{Status: RunStatusFailed, Err: types.AsError(err)}
	}

	runID := uuid.New().String()
	state := NewState()
	if initial != nil {
		state = initial.Clone()
	}
	state.stampRunMeta(runID, topo.Name(), time.Now())

	e.logger.Info("starting run",
		zap.String("run_id", runID),
		zap.String("topology", topo.Name()),
		zap.String("kind", string(topo.Kind())),
	)

	hist := NewHistory(runID, topo.Name())
	outcome := e.runFrom(ctx, topo, runID, state, startCursor(topo), hist, false)
	e.finishRun(topo, hist, outcome)
	return outcome
}

// Resume re-enters a suspended run at its persisted cursor. The interrupt
// check at the cursor stage is skipped exactly once; the decision to resume
// has already been made by the approval controller.
func (e *Executor) Resume(ctx context.Context, topo Topology, runID string, state *State, cur Cursor) *RunOutcome {
	if topo == nil {
		return &RunOutcome{
			Status: RunStatusFailed,
			RunID:  runID,
			Err:    types.NewError(types.ErrInvalidTopology, "topology cannot be nil"),
		}
	}
	if state == nil {
		state = NewState()
	}

	e.logger.Info("resuming run",
		zap.String("run_id", runID),
		zap.String("topology", topo.Name()),
		zap.String("stage", cur.Stage),
	)

	// 续跑延用暂停前的审计轨迹；跨进程恢复时本进程没有旧轨迹,
	// 才新建一份。
	hist, ok := e.histories.Get(runID)
	if ok {
		hist.reopen()
	} else {
		hist = NewHistory(runID, topo.Name())
	}
	outcome := e.runFrom(ctx, topo, runID, state.Clone(), cur, hist, true)
	e.finishRun(topo, hist, outcome)
	return outcome
}

func (e *Executor) finishRun(topo Topology, hist *History, outcome *RunOutcome) {
	e.histories.Save(hist)
	e.collector.RecordRun(topo.Name(), string(outcome.Status), hist.Duration)

	switch outcome.Status {
	case RunStatusFailed:
		e.logger.Error("run failed",
			zap.String("run_id", outcome.RunID),
			zap.String("topology", topo.Name()),
			zap.Error(outcome.Err),
		)
	case RunStatusPaused:
		e.logger.Info("run paused",
			zap.String("run_id", outcome.RunID),
			zap.String("approval_id", outcome.ApprovalID),
		)
	default:
		e.logger.Info("run finished",
			zap.String("run_id", outcome.RunID),
			zap.String("status", string(outcome.Status)),
			zap.Int("nodes_visited", len(hist.Snapshot())),
		)
	}
}

// runFrom is the cursor loop shared by Run and Resume.
func (e *Executor) runFrom(ctx context.Context, topo Topology, runID string, state *State, cur Cursor, hist *History, resumed bool) *RunOutcome {
	if cur.Visits == nil {
		cur.Visits = make(map[string]int)
	}
	if cur.Stage == "" {
		cur = startCursor(topo)
	}

	failed := func(err *types.Error) *RunOutcome {
		hist.Finish(RunStatusFailed, err)
		return &RunOutcome{Status: RunStatusFailed, RunID: runID, History: hist, Err: err}
	}

	skipInterrupt := resumed
	for {
		select {
		case <-ctx.Done():
			return failed(types.NewError(types.ErrAgentException, "run canceled").WithCause(ctx.Err()))
		default:
		}

		st, ok := topo.Stage(cur.Stage)
		if !ok {
			return failed(types.NewError(types.ErrUnknownStage,
				fmt.Sprintf("stage not found: %s", cur.Stage)))
		}

		cur.Visits[st.Name]++
		if cur.Visits[st.Name] > e.maxNodeVisits {
			rec := hist.Enter(st.Name)
			err := types.NewError(types.ErrRoutingLoopExceeded,
				fmt.Sprintf("stage %s visited %d times, limit %d", st.Name, cur.Visits[st.Name], e.maxNodeVisits)).
				WithStage(st.Name)
			hist.Exit(rec, NodeOutcomeFailed, "", err)
			return failed(err)
		}

		rec := hist.Enter(st.Name)

		if st.InterruptBefore && !skipInterrupt {
			outcome, err := e.pause(ctx, topo, runID, st, state, cur, hist, rec)
			if err != nil {
				return failed(err)
			}
			return outcome
		}
		skipInterrupt = false

		var stageErr *types.Error
		switch st.Kind {
		case StageAgent:
			state, stageErr = e.runAgentStage(ctx, topo, st, state, hist, rec)
		case StageParallel:
			state, stageErr = e.runParallelStage(ctx, topo, st, state, hist, rec)
		default:
			stageErr = types.NewError(types.ErrInvalidTopology,
				fmt.Sprintf("stage %s has unknown kind %q", st.Name, st.Kind)).WithStage(st.Name)
			hist.Exit(rec, NodeOutcomeFailed, "", stageErr)
		}
		if stageErr != nil {
			return failed(stageErr)
		}

		next, rerr := e.nextStage(topo, st, state)
		if rerr != nil {
			return failed(rerr)
		}
		if next == "" {
			break
		}
		cur.Stage = next
	}

	hist.Finish(RunStatusCompleted, nil)
	return &RunOutcome{
		Status:     RunStatusCompleted,
		RunID:      runID,
		FinalState: state,
		History:    hist,
	}
}

// pause materializes an approval request and stops the run. The snapshot
// carries an independent copy of the state plus the cursor so resume can
// happen arbitrarily later in another process.
func (e *Executor) pause(ctx context.Context, topo Topology, runID string, st *Stage, state *State, cur Cursor, hist *History, rec *NodeRecord) (*RunOutcome, *types.Error) {
	if e.interrupter == nil {
		err := types.NewError(types.ErrInternal,
			fmt.Sprintf("stage %s requires an interrupt controller, none configured", st.Name)).
			WithStage(st.Name)
		hist.Exit(rec, NodeOutcomeFailed, "", err)
		return nil, err
	}

	visits := make(map[string]int, len(cur.Visits))
	for k, v := range cur.Visits {
		visits[k] = v
	}
	// 恢复时游标会重新计入本节点,这里回退一次,使暂停/恢复
	// 对访问预算保持中性。
	if visits[st.Name] <= 1 {
		delete(visits, st.Name)
	} else {
		visits[st.Name]--
	}

	approvalID, err := e.interrupter.Request(ctx, InterruptRequest{
		RunID:     runID,
		Topology:  topo.Name(),
		Stage:     st.Name,
		RiskLevel: st.RiskLevel,
		State:     state.Clone(),
		Cursor:    Cursor{Stage: st.Name, Visits: visits},
	})
	if err != nil {
		serr := types.NewError(types.ErrStoreFailed, "failed to create approval request").
			WithStage(st.Name).WithCause(err)
		hist.Exit(rec, NodeOutcomeFailed, "", serr)
		return nil, serr
	}

	hist.Exit(rec, NodeOutcomePaused, "", nil)
	hist.Finish(RunStatusPaused, nil)
	return &RunOutcome{
		Status:     RunStatusPaused,
		RunID:      runID,
		ApprovalID: approvalID,
		History:    hist,
	}, nil
}

// runAgentStage invokes a single unit and applies its error policy.
func (e *Executor) runAgentStage(ctx context.Context, topo Topology, st *Stage, state *State, hist *History, rec *NodeRecord) (*State, *types.Error) {
	if st.Agent == nil {
		// 纯门控节点：不执行任何工作
		hist.Exit(rec, NodeOutcomeCompleted, "", nil)
		return state, nil
	}

	res := invokeAgent(ctx, st.Agent, state, e.defaultTimeout)
	e.collector.RecordNode(topo.Name(), st.Name, outcomeLabel(res), res.Duration)

	if res.Err == nil {
		hist.Exit(rec, NodeOutcomeCompleted, st.Agent.Name(), nil)
		return res.Output, nil
	}

	switch st.Agent.Policy() {
	case ErrorPolicySkip:
		e.logger.Warn("agent failed, skipping",
			zap.String("stage", st.Name),
			zap.String("agent", st.Agent.Name()),
			zap.Error(res.Err),
		)
		hist.Exit(rec, NodeOutcomeSkipped, st.Agent.Name(), res.Err)
		return state, nil
	case ErrorPolicyDefaultValue:
		e.logger.Warn("agent failed, applying fallback state",
			zap.String("stage", st.Name),
			zap.String("agent", st.Agent.Name()),
			zap.Error(res.Err),
		)
		if fb := st.Agent.Fallback(); fb != nil {
			state = state.Clone().Merge(fb)
		}
		hist.Exit(rec, NodeOutcomeRecovered, st.Agent.Name(), res.Err)
		return state, nil
	default: // fail_fast
		err := res.Err.WithStage(st.Name)
		hist.Exit(rec, NodeOutcomeFailed, st.Agent.Name(), err)
		return state, err
	}
}

// nextStage advances the cursor: the stage router wins over declaration
// order.
func (e *Executor) nextStage(topo Topology, st *Stage, state *State) (string, *types.Error) {
	if st.Router != nil {
		next, err := st.Router(state)
		if err != nil {
			return "", types.NewError(types.ErrAgentException, "routing function failed").
				WithStage(st.Name).WithCause(err)
		}
		if next == End {
			return "", nil
		}
		if _, ok := topo.Stage(next); !ok {
			return "", types.NewError(types.ErrUnknownStage,
				fmt.Sprintf("router selected unknown stage %q", next)).WithStage(st.Name)
		}
		return next, nil
	}

	stages := topo.Stages()
	for i, cand := range stages {
		if cand.Name == st.Name {
			if i+1 < len(stages) {
				return stages[i+1].Name, nil
			}
			return "", nil
		}
	}
	return "", nil
}

func outcomeLabel(res *AgentResult) string {
	if res.Err == nil {
		return string(NodeOutcomeCompleted)
	}
	return string(NodeOutcomeFailed)
}
