package engine

import (
	"context"
	"testing"
	"time"

	"github.com/Qiu-Ye/swarmflow/types"
)

func resultOf(name, key, val string) *AgentResult {
	s := NewState()
	s.Set(key, val)
	return &AgentResult{AgentName: name, Output: s}
}

func failedResult(name string) *AgentResult {
	return &AgentResult{AgentName: name, Err: types.NewError(types.ErrAgentException, name+" failed")}
}

func TestConsensusScore(t *testing.T) {
	eq := EqualByKey("answer")

	cases := []struct {
		name    string
		results []*AgentResult
		want    float64
	}{
		{"empty", nil, 0},
		{"unanimous", []*AgentResult{
			resultOf("a", "answer", "x"),
			resultOf("b", "answer", "x"),
			resultOf("c", "answer", "x"),
		}, 1.0},
		{"two of three", []*AgentResult{
			resultOf("a", "answer", "x"),
			resultOf("b", "answer", "x"),
			resultOf("c", "answer", "y"),
		}, 2.0 / 3.0},
		{"failures count in denominator", []*AgentResult{
			resultOf("a", "answer", "x"),
			failedResult("b"),
			failedResult("c"),
			failedResult("d"),
		}, 0.25},
		{"all failed", []*AgentResult{
			failedResult("a"), failedResult("b"),
		}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ConsensusScore(tc.results, eq)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConsensusAggregatorBelowThresholdFails(t *testing.T) {
	// 3 人中 2 人一致:0.666 < 0.7,阈值判定必须失败
	agg := NewConsensusAggregator(0.7, EqualByKey("answer"), MinorityFail)
	results := []*AgentResult{
		resultOf("a", "answer", "x"),
		resultOf("b", "answer", "x"),
		resultOf("c", "answer", "y"),
	}

	_, err := agg.Aggregate(context.Background(), NewState(), results)
	if err == nil {
		t.Fatal("expected NO_CONSENSUS error")
	}
	if types.GetErrorCode(err) != types.ErrNoConsensus {
		t.Errorf("expected ErrNoConsensus, got %s", types.GetErrorCode(err))
	}
}

func TestConsensusAggregatorMeetsThreshold(t *testing.T) {
	agg := NewConsensusAggregator(0.6, EqualByKey("answer"), MinorityFail)
	results := []*AgentResult{
		resultOf("a", "answer", "x"),
		resultOf("b", "answer", "x"),
		resultOf("c", "answer", "y"),
	}

	out, err := agg.Aggregate(context.Background(), NewState(), results)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if got := out.GetString("answer"); got != "x" {
		t.Errorf("representative output = %q, want majority value x", got)
	}
	if score, _ := out.Meta(MetaConsensusScore); score != 2.0/3.0 {
		t.Errorf("consensus score meta = %v", score)
	}
}

func TestConsensusAggregatorMinorityReturnAll(t *testing.T) {
	agg := NewConsensusAggregator(0.9, EqualByKey("answer"), MinorityReturnAll)
	results := []*AgentResult{
		resultOf("a", "answer", "x"),
		resultOf("b", "answer", "y"),
	}

	out, err := agg.Aggregate(context.Background(), NewState(), results)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if v, _ := out.Get(KeyNoConsensus); v != true {
		t.Error("no_consensus flag not set")
	}
	cands, ok := out.Get(KeyCandidates)
	if !ok {
		t.Fatal("candidates missing")
	}
	if docs := cands.([]map[string]any); len(docs) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(docs))
	}
}

func TestConsensusAggregatorMinorityPickFirst(t *testing.T) {
	agg := NewConsensusAggregator(0.9, EqualByKey("answer"), MinorityPickFirst)
	results := []*AgentResult{
		failedResult("a"),
		resultOf("b", "answer", "y"),
		resultOf("c", "answer", "z"),
	}

	out, err := agg.Aggregate(context.Background(), NewState(), results)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	// 声明顺序上第一个成功的输出胜出
	if got := out.GetString("answer"); got != "y" {
		t.Errorf("picked %q, want first successful y", got)
	}
}

func TestVotingAggregatorMajority(t *testing.T) {
	agg := NewVotingAggregator("verdict")
	results := []*AgentResult{
		resultOf("a", "verdict", "ship"),
		resultOf("b", "verdict", "hold"),
		resultOf("c", "verdict", "ship"),
	}

	out, err := agg.Aggregate(context.Background(), NewState(), results)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if got := out.GetString("verdict"); got != "ship" {
		t.Errorf("winner = %q, want ship", got)
	}
	counts, _ := out.Meta(MetaVoteCounts)
	if counts.(map[string]int)["ship"] != 2 {
		t.Errorf("vote counts = %v", counts)
	}
}

func TestVotingAggregatorTieBreaksByOrder(t *testing.T) {
	agg := NewVotingAggregator("verdict")
	results := []*AgentResult{
		resultOf("a", "verdict", "hold"),
		resultOf("b", "verdict", "ship"),
	}

	out, err := agg.Aggregate(context.Background(), NewState(), results)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if got := out.GetString("verdict"); got != "hold" {
		t.Errorf("tie should break to first-seen ballot, got %q", got)
	}
}

func TestVotingAggregatorNoBallots(t *testing.T) {
	agg := NewVotingAggregator("verdict")
	_, err := agg.Aggregate(context.Background(), NewState(), []*AgentResult{failedResult("a")})
	if types.GetErrorCode(err) != types.ErrNoConsensus {
		t.Errorf("expected ErrNoConsensus, got %v", err)
	}
}

func TestSynthesisAggregator(t *testing.T) {
	synth := NewAgent("synthesizer", func(ctx context.Context, s *State) (*State, error) {
		docs, ok := s.Get(KeySwarmResults)
		if !ok {
			t.Error("synthesizer did not receive swarm results")
		}
		out := s.Clone()
		out.Set("synthesis", len(docs.([]map[string]any)))
		return out, nil
	})

	agg := NewSynthesisAggregator(synth, time.Second)
	results := []*AgentResult{
		resultOf("a", "take", "one"),
		resultOf("b", "take", "two"),
	}

	out, err := agg.Aggregate(context.Background(), NewState(), results)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if v, _ := out.Get("synthesis"); v != 2 {
		t.Errorf("synthesis output = %v", v)
	}
}

func TestMergeAggregatorSkipsFailures(t *testing.T) {
	agg := MergeAggregator{}
	results := []*AgentResult{
		resultOf("a", "x", "1"),
		failedResult("b"),
		resultOf("c", "y", "2"),
	}

	out, err := agg.Aggregate(context.Background(), NewState(), results)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if !out.Has("x") || !out.Has("y") {
		t.Error("successful outputs not merged")
	}
}
