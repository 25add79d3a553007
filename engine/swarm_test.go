package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Qiu-Ye/swarmflow/types"
)

func TestSwarmMergesAllMembers(t *testing.T) {
	members := []*AgentUnit{
		setAgent("alpha", "alpha", "a"),
		setAgent("beta", "beta", "b"),
		setAgent("gamma", "gamma", "c"),
	}
	topo, err := NewSwarmTopology("fanout", members, nil)
	if err != nil {
		t.Fatalf("build swarm: %v", err)
	}

	outcome := NewExecutor().Run(context.Background(), topo, nil)
	if outcome.Status != RunStatusCompleted {
		t.Fatalf("expected completed, got %s (err: %v)", outcome.Status, outcome.Err)
	}
	for _, key := range []string{"alpha", "beta", "gamma"} {
		if !outcome.FinalState.Has(key) {
			t.Errorf("merged state missing %q", key)
		}
	}
}

func TestSwarmFailureIsolation(t *testing.T) {
	// 一个成员失败不得影响其余成员
	var survivors atomic.Int32
	member := func(name string) *AgentUnit {
		return NewAgent(name, func(ctx context.Context, s *State) (*State, error) {
			time.Sleep(10 * time.Millisecond)
			survivors.Add(1)
			out := s.Clone()
			out.Set(name, "done")
			return out, nil
		})
	}
	members := []*AgentUnit{
		member("steady-1"),
		failingAgent("brittle"),
		member("steady-2"),
	}

	topo, err := NewSwarmTopology("isolated", members, nil)
	if err != nil {
		t.Fatalf("build swarm: %v", err)
	}

	outcome := NewExecutor().Run(context.Background(), topo, nil)
	if outcome.Status != RunStatusCompleted {
		t.Fatalf("expected completed, got %s (err: %v)", outcome.Status, outcome.Err)
	}
	if survivors.Load() != 2 {
		t.Errorf("%d members survived, want 2", survivors.Load())
	}
	if !outcome.FinalState.Has("steady-1") || !outcome.FinalState.Has("steady-2") {
		t.Error("surviving outputs missing from merged state")
	}

	// 每个成员在历史里都有独立分支记录,命名为 stage/member
	var branches, failedBranches int
	for _, rec := range outcome.History.Snapshot() {
		if strings.Contains(rec.NodeName, "/") {
			branches++
			if rec.Outcome == NodeOutcomeFailed {
				failedBranches++
			}
		}
	}
	if branches != 3 {
		t.Errorf("expected 3 branch records, got %d", branches)
	}
	if failedBranches != 1 {
		t.Errorf("expected 1 failed branch, got %d", failedBranches)
	}
}

func TestSwarmAllMembersFailed(t *testing.T) {
	members := []*AgentUnit{
		failingAgent("one"),
		failingAgent("two"),
	}
	topo, err := NewSwarmTopology("doomed", members, nil)
	if err != nil {
		t.Fatalf("build swarm: %v", err)
	}

	outcome := NewExecutor().Run(context.Background(), topo, nil)
	if outcome.Status != RunStatusFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}
	if outcome.Err.Code != types.ErrAllAgentsFailed {
		t.Errorf("expected ErrAllAgentsFailed, got %s", outcome.Err.Code)
	}
}

func TestSwarmResultOrderIsDeclarationOrder(t *testing.T) {
	// 完成顺序与声明顺序相反,聚合输入仍按声明顺序排列
	mk := func(name string, delay time.Duration) *AgentUnit {
		return NewAgent(name, func(ctx context.Context, s *State) (*State, error) {
			time.Sleep(delay)
			out := s.Clone()
			out.Set("who", name)
			return out, nil
		})
	}
	members := []*AgentUnit{
		mk("slowest", 60*time.Millisecond),
		mk("middle", 30*time.Millisecond),
		mk("fastest", 0),
	}

	var seen []string
	probe := aggregatorFunc(func(ctx context.Context, base *State, results []*AgentResult) (*State, error) {
		for _, r := range results {
			seen = append(seen, r.AgentName)
		}
		return base.Clone(), nil
	})

	topo, err := NewSwarmTopology("ordered", members, probe)
	if err != nil {
		t.Fatalf("build swarm: %v", err)
	}
	outcome := NewExecutor().Run(context.Background(), topo, nil)
	if outcome.Status != RunStatusCompleted {
		t.Fatalf("expected completed, got %s (err: %v)", outcome.Status, outcome.Err)
	}

	want := []string{"slowest", "middle", "fastest"}
	if len(seen) != len(want) {
		t.Fatalf("aggregator saw %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("aggregator order %v, want %v", seen, want)
		}
	}
}

func TestSwarmMembersShareSnapshotNotState(t *testing.T) {
	// 成员各自写入同名键,互相不可见;冲突由聚合器在屏障后裁决
	mk := func(name, val string) *AgentUnit {
		return NewAgent(name, func(ctx context.Context, s *State) (*State, error) {
			if s.Has("claim") {
				t.Errorf("%s saw a sibling's write", name)
			}
			out := s.Clone()
			out.Set("claim", val)
			return out, nil
		})
	}
	topo, err := NewSwarmTopology("snapshot", []*AgentUnit{mk("a", "1"), mk("b", "2")}, nil)
	if err != nil {
		t.Fatalf("build swarm: %v", err)
	}

	outcome := NewExecutor().Run(context.Background(), topo, nil)
	if outcome.Status != RunStatusCompleted {
		t.Fatalf("expected completed, got %s (err: %v)", outcome.Status, outcome.Err)
	}
	// MergeAggregator 按声明顺序合并,后者覆盖前者
	if got := outcome.FinalState.GetString("claim"); got != "2" {
		t.Errorf("merged claim = %q, want last-writer 2", got)
	}
}

func TestSwarmInterruptBeforeFanOut(t *testing.T) {
	var ran atomic.Int32
	member := NewAgent("worker", func(ctx context.Context, s *State) (*State, error) {
		ran.Add(1)
		return s, nil
	})
	topo, err := NewSwarmTopology("guarded", []*AgentUnit{member}, nil, WithSwarmInterrupt("medium"))
	if err != nil {
		t.Fatalf("build swarm: %v", err)
	}

	ri := &recordingInterrupter{id: "appr-swarm"}
	exec := NewExecutor(WithInterrupter(ri))

	outcome := exec.Run(context.Background(), topo, nil)
	if outcome.Status != RunStatusPaused {
		t.Fatalf("expected paused, got %s (err: %v)", outcome.Status, outcome.Err)
	}
	if ran.Load() != 0 {
		t.Fatal("no member may run before approval")
	}
	if ri.last.RiskLevel != "medium" {
		t.Errorf("risk level = %q", ri.last.RiskLevel)
	}

	resumed := exec.Resume(context.Background(), topo, outcome.RunID, ri.last.State, ri.last.Cursor)
	if resumed.Status != RunStatusCompleted {
		t.Fatalf("resume: expected completed, got %s (err: %v)", resumed.Status, resumed.Err)
	}
	if ran.Load() != 1 {
		t.Errorf("member ran %d times, want 1", ran.Load())
	}
}

// aggregatorFunc adapts a function to the Aggregator interface for tests.
type aggregatorFunc func(ctx context.Context, base *State, results []*AgentResult) (*State, error)

func (f aggregatorFunc) Name() string { return "test" }
func (f aggregatorFunc) Aggregate(ctx context.Context, base *State, results []*AgentResult) (*State, error) {
	return f(ctx, base, results)
}
