package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Qiu-Ye/swarmflow/types"
)

// State keys and metadata keys written by the built-in aggregators.
const (
	KeySwarmResults = "swarm_results"
	KeyCandidates   = "candidates"
	KeyNoConsensus  = "no_consensus"

	MetaConsensusScore = "consensus_score"
	MetaVoteCounts     = "vote_counts"
)

// Aggregator 将一个并行阶段收集到的全部 AgentResult 聚合为单一状态。
// 聚合器在屏障之后以单线程方式独占访问完整结果集；
// 给定相同的结果集（按 Agent 声明顺序排序），输出必须是确定的。
type Aggregator interface {
	// Name returns the aggregator name for logging and history.
	Name() string
	// Aggregate merges the results into a new state derived from base.
	Aggregate(ctx context.Context, base *State, results []*AgentResult) (*State, error)
}

// EqualFunc is the caller-supplied equivalence predicate used by consensus
// scoring.
type EqualFunc func(a, b *State) bool

// EqualByKey compares two outputs by the value at a single key.
func EqualByKey(key string) EqualFunc {
	return func(a, b *State) bool {
		av, aok := a.Get(key)
		bv, bok := b.Get(key)
		if aok != bok {
			return false
		}
		return fmt.Sprint(av) == fmt.Sprint(bv)
	}
}

// EqualJSON compares two outputs by their serialized payload.
func EqualJSON() EqualFunc {
	return func(a, b *State) bool {
		aj, err1 := json.Marshal(a)
		bj, err2 := json.Marshal(b)
		if err1 != nil || err2 != nil {
			return false
		}
		return string(aj) == string(bj)
	}
}

// ConsensusScore computes agreeing/total over the result set: the size of
// the largest cluster of mutually equivalent successful outputs divided by
// the total number of agents. It is recomputed from its inputs and never
// stored independently.
func ConsensusScore(results []*AgentResult, equal EqualFunc) float64 {
	best, _ := largestCluster(results, equal)
	if len(results) == 0 {
		return 0
	}
	return float64(len(best)) / float64(len(results))
}

// largestCluster groups successful results into equivalence clusters in
// declaration order and returns the largest one plus the index of its
// representative. Ties go to the earlier cluster.
func largestCluster(results []*AgentResult, equal EqualFunc) ([]*AgentResult, int) {
	type cluster struct {
		rep     int
		members []*AgentResult
	}
	var clusters []*cluster

next:
	for i, r := range results {
		if !r.Succeeded() {
			continue
		}
		for _, c := range clusters {
			if equal(results[c.rep].Output, r.Output) {
				c.members = append(c.members, r)
				continue next
			}
		}
		clusters = append(clusters, &cluster{rep: i, members: []*AgentResult{r}})
	}

	if len(clusters) == 0 {
		return nil, -1
	}
	best := clusters[0]
	for _, c := range clusters[1:] {
		if len(c.members) > len(best.members) {
			best = c
		}
	}
	return best.members, best.rep
}

// resultDocs renders the result set as a plain ordered document, suitable
// for embedding in a state value.
func resultDocs(results []*AgentResult) []map[string]any {
	docs := make([]map[string]any, 0, len(results))
	for _, r := range results {
		doc := map[string]any{
			"agent":       r.AgentName,
			"duration_ms": r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			doc["error"] = r.Err.Error()
		}
		if r.Output != nil {
			values := make(map[string]any, r.Output.Len())
			for _, k := range r.Output.Keys() {
				v, _ := r.Output.Get(k)
				values[k] = v
			}
			doc["output"] = values
		}
		docs = append(docs, doc)
	}
	return docs
}

// MinorityPolicy selects how a swarm proceeds when agreement stays below the
// consensus threshold.
type MinorityPolicy string

const (
	// MinorityFail fails the stage with a NO_CONSENSUS error.
	MinorityFail MinorityPolicy = "fail"
	// MinorityReturnAll returns every candidate output for the caller to judge.
	MinorityReturnAll MinorityPolicy = "return_all"
	// MinorityPickFirst picks the first successful output by declaration order.
	MinorityPickFirst MinorityPolicy = "pick_first"
)

// ConsensusAggregator merges the majority cluster's representative output
// when agreement reaches MinAgreement.
type ConsensusAggregator struct {
	// MinAgreement is the required score in [0,1].
	MinAgreement float64
	// Equal is the caller-supplied equivalence predicate.
	Equal EqualFunc
	// Minority applies when the score stays below MinAgreement.
	Minority MinorityPolicy
}

// NewConsensusAggregator 创建共识聚合器。
func NewConsensusAggregator(minAgreement float64, equal EqualFunc, minority MinorityPolicy) *ConsensusAggregator {
	if equal == nil {
		equal = EqualJSON()
	}
	if minority == "" {
		minority = MinorityFail
	}
	return &ConsensusAggregator{MinAgreement: minAgreement, Equal: equal, Minority: minority}
}

func (a *ConsensusAggregator) Name() string { return "consensus" }

func (a *ConsensusAggregator) Aggregate(ctx context.Context, base *State, results []*AgentResult) (*State, error) {
	cluster, rep := largestCluster(results, a.Equal)
	score := 0.0
	if len(results) > 0 {
		score = float64(len(cluster)) / float64(len(results))
	}

	if rep >= 0 && score >= a.MinAgreement {
		out := base.Clone().Merge(results[rep].Output)
		out.SetMeta(MetaConsensusScore, score)
		return out, nil
	}

	// 未达成共识，按少数派处理策略执行
	switch a.Minority {
	case MinorityReturnAll:
		out := base.Clone()
		out.Set(KeyNoConsensus, true)
		out.Set(KeyCandidates, resultDocs(results))
		out.SetMeta(MetaConsensusScore, score)
		return out, nil
	case MinorityPickFirst:
		for _, r := range results {
			if r.Succeeded() {
				out := base.Clone().Merge(r.Output)
				out.Set(KeyNoConsensus, true)
				out.SetMeta(MetaConsensusScore, score)
				return out, nil
			}
		}
		return nil, types.NewError(types.ErrNoConsensus, "no successful output to pick")
	default:
		return nil, types.NewError(types.ErrNoConsensus,
			fmt.Sprintf("consensus score %.3f below threshold %.3f", score, a.MinAgreement))
	}
}

// VotingAggregator selects the mode of a discrete-valued output key.
// Ties break by agent declaration order.
type VotingAggregator struct {
	// Key is the state key each member votes with.
	Key string
}

// NewVotingAggregator creates a voting aggregator over the given key.
func NewVotingAggregator(key string) *VotingAggregator {
	return &VotingAggregator{Key: key}
}

func (a *VotingAggregator) Name() string { return "voting" }

func (a *VotingAggregator) Aggregate(ctx context.Context, base *State, results []*AgentResult) (*State, error) {
	counts := make(map[string]int)
	order := make([]string, 0) // first-occurrence order for deterministic ties
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		v, ok := r.Output.Get(a.Key)
		if !ok {
			continue
		}
		ballot := fmt.Sprint(v)
		if _, seen := counts[ballot]; !seen {
			order = append(order, ballot)
		}
		counts[ballot]++
	}

	if len(order) == 0 {
		return nil, types.NewError(types.ErrNoConsensus,
			fmt.Sprintf("no member produced a vote at key %q", a.Key))
	}

	winner := order[0]
	for _, ballot := range order[1:] {
		if counts[ballot] > counts[winner] {
			winner = ballot
		}
	}

	out := base.Clone()
	out.Set(a.Key, winner)
	out.SetMeta(MetaVoteCounts, counts)
	return out, nil
}

// SynthesisAggregator hands every member output to a dedicated synthesizer
// agent whose output becomes the merged state.
type SynthesisAggregator struct {
	synthesizer *AgentUnit
	timeout     time.Duration
}

// NewSynthesisAggregator creates a synthesis aggregator. defaultTimeout
// bounds the synthesizer invocation when the unit carries no timeout.
func NewSynthesisAggregator(synthesizer *AgentUnit, defaultTimeout time.Duration) *SynthesisAggregator {
	return &SynthesisAggregator{synthesizer: synthesizer, timeout: defaultTimeout}
}

func (a *SynthesisAggregator) Name() string { return "synthesis" }

func (a *SynthesisAggregator) Aggregate(ctx context.Context, base *State, results []*AgentResult) (*State, error) {
	if a.synthesizer == nil {
		return nil, types.NewError(types.ErrInvalidTopology, "synthesis aggregator has no synthesizer unit")
	}

	in := base.Clone()
	in.Set(KeySwarmResults, resultDocs(results))

	res := invokeAgent(ctx, a.synthesizer, in, a.timeout)
	if res.Err != nil {
		return nil, res.Err
	}
	return base.Clone().Merge(res.Output), nil
}

// MergeAggregator merges every successful output over the base state in
// declaration order. It is the default for parallel stages without an
// explicit aggregator.
type MergeAggregator struct{}

func (MergeAggregator) Name() string { return "merge" }

func (MergeAggregator) Aggregate(ctx context.Context, base *State, results []*AgentResult) (*State, error) {
	out := base.Clone()
	for _, r := range results {
		if r.Succeeded() {
			out.Merge(r.Output)
		}
	}
	return out, nil
}
