package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Qiu-Ye/swarmflow/types"
)

// ErrorPolicy 定义单个 Agent 失败时的本地恢复策略。
type ErrorPolicy string

const (
	// ErrorPolicyFailFast aborts the run when the agent fails.
	ErrorPolicyFailFast ErrorPolicy = "fail_fast"
	// ErrorPolicySkip records the error and advances without a state update.
	ErrorPolicySkip ErrorPolicy = "skip"
	// ErrorPolicyDefaultValue merges a caller-supplied fallback state instead.
	ErrorPolicyDefaultValue ErrorPolicy = "default_value"
)

// AgentFunc is the opaque agent contract consumed by the engine: given an
// input state, produce an output state or an error. The engine never inspects
// agent internals.
type AgentFunc func(ctx context.Context, state *State) (*State, error)

// AgentUnit wraps one agent callable with a name, timeout, and error policy.
// Units are created at topology-build time and immutable thereafter.
type AgentUnit struct {
	name     string
	invoke   AgentFunc
	timeout  time.Duration
	onError  ErrorPolicy
	fallback *State
}

// AgentOption configures an AgentUnit at construction time.
type AgentOption func(*AgentUnit)

// WithTimeout bounds a single invocation. Zero means the executor default.
func WithTimeout(d time.Duration) AgentOption {
	return func(u *AgentUnit) { u.timeout = d }
}

// WithErrorPolicy sets the local recovery policy.
func WithErrorPolicy(p ErrorPolicy) AgentOption {
	return func(u *AgentUnit) { u.onError = p }
}

// WithFallback sets the fallback state used by ErrorPolicyDefaultValue.
// Setting a fallback implies the default_value policy.
func WithFallback(state *State) AgentOption {
	return func(u *AgentUnit) {
		u.fallback = state
		u.onError = ErrorPolicyDefaultValue
	}
}

// NewAgent 创建一个 AgentUnit。默认策略为 fail_fast。
func NewAgent(name string, fn AgentFunc, opts ...AgentOption) *AgentUnit {
	u := &AgentUnit{
		name:    name,
		invoke:  fn,
		onError: ErrorPolicyFailFast,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Name returns the agent name.
func (u *AgentUnit) Name() string { return u.name }

// Timeout returns the per-invocation timeout (zero = executor default).
func (u *AgentUnit) Timeout() time.Duration { return u.timeout }

// Policy returns the error policy.
func (u *AgentUnit) Policy() ErrorPolicy { return u.onError }

// Fallback returns the fallback state for the default_value policy.
func (u *AgentUnit) Fallback() *State { return u.fallback }

// AgentResult is produced once per agent invocation and never mutated after
// creation.
type AgentResult struct {
	AgentName string        `json:"agent_name"`
	Output    *State        `json:"output,omitempty"`
	Err       *types.Error  `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Succeeded reports whether the invocation produced an output.
func (r *AgentResult) Succeeded() bool {
	return r.Err == nil && r.Output != nil
}

// invokeAgent runs one agent with a bounded timeout and panic isolation.
// The agent runs on its own goroutine so a callable that ignores its context
// cannot stall the engine past the deadline; the goroutine is abandoned on
// timeout, which is why resume must be idempotent (at-least-once guarantee).
func invokeAgent(ctx context.Context, u *AgentUnit, in *State, defaultTimeout time.Duration) *AgentResult {
	timeout := u.timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	cctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type reply struct {
		out *State
		err error
	}
	done := make(chan reply, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: types.NewError(types.ErrAgentException,
					fmt.Sprintf("agent panicked: %v", r)).WithAgent(u.name)}
			}
		}()
		out, err := u.invoke(cctx, in)
		done <- reply{out: out, err: err}
	}()

	select {
	case r := <-done:
		res := &AgentResult{AgentName: u.name, Duration: time.Since(start)}
		if r.err != nil {
			res.Err = types.AsError(r.err).WithAgent(u.name)
			return res
		}
		if r.out == nil {
			// 无输出视为状态未变更
			r.out = in
		}
		res.Output = r.out
		return res
	case <-cctx.Done():
		res := &AgentResult{AgentName: u.name, Duration: time.Since(start)}
		if ctx.Err() != nil {
			// Outer cancellation, not the per-agent deadline.
			res.Err = types.NewError(types.ErrAgentException, "invocation canceled").
				WithAgent(u.name).WithCause(ctx.Err())
			return res
		}
		res.Err = types.NewError(types.ErrTimeout,
			fmt.Sprintf("agent %s exceeded timeout %s", u.name, timeout)).
			WithAgent(u.name).WithRetryable(true)
		return res
	}
}
