package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/Qiu-Ye/swarmflow/types"
)

func testCEO() *AgentUnit {
	return NewAgent("ceo", func(ctx context.Context, s *State) (*State, error) {
		out := s.Clone()
		if !s.Has(KeyManagerSummaries) {
			// 第一次调用:下发委派计划
			out.Set(KeyDelegation, map[string]any{
				"research": "collect sources",
				"writing":  "draft the report",
			})
			return out, nil
		}
		// 第二次调用:基于经理摘要出最终报告
		out.Set("final_report", "done")
		return out, nil
	})
}

func worker(name string) *AgentUnit {
	return NewAgent(name, func(ctx context.Context, s *State) (*State, error) {
		out := s.Clone()
		out.Set(name, fmt.Sprintf("%s handled %v", name, s.GetString(KeyManagerTask)))
		return out, nil
	})
}

func TestHierarchicalHappyPath(t *testing.T) {
	managers := []*Manager{
		{Name: "research", Workers: []*AgentUnit{worker("searcher"), worker("reader")}},
		{Name: "writing", Workers: []*AgentUnit{worker("drafter")}},
	}

	topo, err := NewHierarchicalTopology("org", testCEO(), managers, nil)
	if err != nil {
		t.Fatalf("build hierarchy: %v", err)
	}

	outcome := NewExecutor().Run(context.Background(), topo, nil)
	if outcome.Status != RunStatusCompleted {
		t.Fatalf("expected completed, got %s (err: %v)", outcome.Status, outcome.Err)
	}
	if outcome.FinalState.GetString("final_report") != "done" {
		t.Error("final report missing")
	}

	summaries, ok := outcome.FinalState.Get(KeyManagerSummaries)
	if !ok {
		t.Fatal("manager summaries missing")
	}
	docs := summaries.([]map[string]any)
	if len(docs) != 2 {
		t.Fatalf("expected 2 manager summaries, got %d", len(docs))
	}
	for _, doc := range docs {
		if doc["status"] != "ok" {
			t.Errorf("manager %v status = %v, want ok", doc["manager"], doc["status"])
		}
	}
	if outcome.FinalState.Has(KeyDegraded) {
		t.Error("healthy run must not be degraded")
	}

	names := outcome.History.NodeNames()
	if names[0] != "delegate" || names[len(names)-1] != "final_report" {
		t.Errorf("visit order %v", names)
	}
}

func TestHierarchicalWorkerFailureIsPartial(t *testing.T) {
	managers := []*Manager{
		{Name: "research", Workers: []*AgentUnit{worker("steady"), failingAgent("brittle")}},
	}

	topo, err := NewHierarchicalTopology("partial-org", testCEO(), managers, nil)
	if err != nil {
		t.Fatalf("build hierarchy: %v", err)
	}

	outcome := NewExecutor().Run(context.Background(), topo, nil)
	if outcome.Status != RunStatusCompleted {
		t.Fatalf("expected completed, got %s (err: %v)", outcome.Status, outcome.Err)
	}

	docs := mustSummaries(t, outcome.FinalState)
	if docs[0]["status"] != "partial" {
		t.Errorf("manager status = %v, want partial", docs[0]["status"])
	}
}

func TestHierarchicalManagerFailureDegradesRun(t *testing.T) {
	managers := []*Manager{
		{Name: "research", Workers: []*AgentUnit{worker("steady")}},
		{Name: "doomed", Workers: []*AgentUnit{failingAgent("w1"), failingAgent("w2")}},
	}

	topo, err := NewHierarchicalTopology("degraded-org", testCEO(), managers, nil)
	if err != nil {
		t.Fatalf("build hierarchy: %v", err)
	}

	outcome := NewExecutor().Run(context.Background(), topo, nil)
	// 单个经理全军覆没不终止运行:最终报告降级生成
	if outcome.Status != RunStatusCompleted {
		t.Fatalf("expected completed, got %s (err: %v)", outcome.Status, outcome.Err)
	}
	if v, _ := outcome.FinalState.Get(KeyDegraded); v != true {
		t.Error("degraded flag not set")
	}

	docs := mustSummaries(t, outcome.FinalState)
	byName := map[string]map[string]any{}
	for _, d := range docs {
		byName[d["manager"].(string)] = d
	}
	if byName["research"]["status"] != "ok" {
		t.Errorf("research status = %v", byName["research"]["status"])
	}
	if byName["doomed"]["status"] != "failed" {
		t.Errorf("doomed status = %v", byName["doomed"]["status"])
	}
	if byName["doomed"]["error"] == nil {
		t.Error("failed manager summary should carry the error")
	}
}

func TestHierarchicalAllManagersFailed(t *testing.T) {
	managers := []*Manager{
		{Name: "one", Workers: []*AgentUnit{failingAgent("a")}},
		{Name: "two", Workers: []*AgentUnit{failingAgent("b")}},
	}

	topo, err := NewHierarchicalTopology("collapsed", testCEO(), managers, nil)
	if err != nil {
		t.Fatalf("build hierarchy: %v", err)
	}

	outcome := NewExecutor().Run(context.Background(), topo, nil)
	if outcome.Status != RunStatusFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}
	if outcome.Err.Code != types.ErrAllAgentsFailed {
		t.Errorf("expected ErrAllAgentsFailed, got %s", outcome.Err.Code)
	}
}

func TestHierarchicalManagerSummaryAgent(t *testing.T) {
	summary := NewAgent("condense", func(ctx context.Context, s *State) (*State, error) {
		out := s.Clone()
		out.Set("condensed", true)
		return out, nil
	})
	managers := []*Manager{
		{Name: "research", Workers: []*AgentUnit{worker("searcher")}, Summary: summary},
	}

	topo, err := NewHierarchicalTopology("summarized", testCEO(), managers, nil)
	if err != nil {
		t.Fatalf("build hierarchy: %v", err)
	}

	outcome := NewExecutor().Run(context.Background(), topo, nil)
	if outcome.Status != RunStatusCompleted {
		t.Fatalf("expected completed, got %s (err: %v)", outcome.Status, outcome.Err)
	}
	if v, _ := outcome.FinalState.Get("condensed"); v != true {
		t.Error("summary agent output missing")
	}
}

func TestHierarchicalValidation(t *testing.T) {
	ceo := testCEO()
	if _, err := NewHierarchicalTopology("x", nil, []*Manager{{Name: "m", Workers: []*AgentUnit{worker("w")}}}, nil); err == nil {
		t.Error("nil CEO should be rejected")
	}
	if _, err := NewHierarchicalTopology("x", ceo, nil, nil); err == nil {
		t.Error("empty manager set should be rejected")
	}
	if _, err := NewHierarchicalTopology("x", ceo, []*Manager{{Name: "m"}}, nil); err == nil {
		t.Error("manager without workers should be rejected")
	}
}

func mustSummaries(t *testing.T, s *State) []map[string]any {
	t.Helper()
	v, ok := s.Get(KeyManagerSummaries)
	if !ok {
		t.Fatal("manager summaries missing")
	}
	return v.([]map[string]any)
}
