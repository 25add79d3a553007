package engine

import (
	"testing"
	"time"
)

func TestHistoryRecordsOutcomes(t *testing.T) {
	h := NewHistory("run-1", "pipeline")

	rec := h.Enter("stage-a")
	h.Exit(rec, NodeOutcomeCompleted, "agent-a", nil)
	rec = h.Enter("stage-b")
	h.Exit(rec, NodeOutcomeFailed, "agent-b", nil)

	h.Finish(RunStatusFailed, nil)

	if h.Status != RunStatusFailed {
		t.Errorf("status = %s", h.Status)
	}
	names := h.NodeNames()
	if len(names) != 2 || names[0] != "stage-a" || names[1] != "stage-b" {
		t.Errorf("node names = %v", names)
	}
	if h.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestHistoryStoreQueries(t *testing.T) {
	s := NewHistoryStore()

	mk := func(runID, topo string, status RunStatus) *History {
		h := NewHistory(runID, topo)
		h.Finish(status, nil)
		return h
	}

	s.Save(mk("r1", "pipeline", RunStatusCompleted))
	s.Save(mk("r2", "pipeline", RunStatusFailed))
	s.Save(mk("r3", "swarm", RunStatusCompleted))

	if h, ok := s.Get("r2"); !ok || h.Status != RunStatusFailed {
		t.Error("Get(r2) wrong")
	}
	if got := len(s.ListByTopology("pipeline")); got != 2 {
		t.Errorf("ListByTopology = %d, want 2", got)
	}
	if got := len(s.ListByStatus(RunStatusCompleted)); got != 2 {
		t.Errorf("ListByStatus = %d, want 2", got)
	}
	window := s.ListByTimeRange(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if len(window) != 3 {
		t.Errorf("ListByTimeRange = %d, want 3", len(window))
	}
	if empty := s.ListByTimeRange(time.Now().Add(time.Hour), time.Now().Add(2*time.Hour)); len(empty) != 0 {
		t.Errorf("future window returned %d histories", len(empty))
	}
}
