package engine

import (
	"sync"
	"time"
)

// NodeOutcome classifies how a visited node finished.
type NodeOutcome string

const (
	NodeOutcomeCompleted NodeOutcome = "completed"
	NodeOutcomeFailed    NodeOutcome = "failed"
	NodeOutcomeSkipped   NodeOutcome = "skipped"
	NodeOutcomeRecovered NodeOutcome = "recovered"
	NodeOutcomePaused    NodeOutcome = "paused"
)

// NodeRecord records one node visit. Records are append-only for the
// lifetime of a run and used for audit and for debugging aggregation
// decisions.
type NodeRecord struct {
	NodeName  string        `json:"node_name"`
	EnteredAt time.Time     `json:"entered_at"`
	ExitedAt  time.Time     `json:"exited_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   NodeOutcome   `json:"outcome"`
	Agent     string        `json:"agent,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// History 记录一次运行的完整节点访问轨迹（只追加）。
type History struct {
	RunID      string        `json:"run_id"`
	Topology   string        `json:"topology"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Status     RunStatus     `json:"status"`
	Records    []*NodeRecord `json:"records"`
	Error      string        `json:"error,omitempty"`

	mu sync.Mutex
}

// NewHistory creates a history for one run.
func NewHistory(runID, topology string) *History {
	return &History{
		RunID:     runID,
		Topology:  topology,
		StartedAt: time.Now(),
		Status:    RunStatusRunning,
		Records:   make([]*NodeRecord, 0),
	}
}

// Enter appends an entered_at record for a node and returns it.
func (h *History) Enter(node string) *NodeRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := &NodeRecord{
		NodeName:  node,
		EnteredAt: time.Now(),
	}
	h.Records = append(h.Records, rec)
	return rec
}

// Exit closes a record with its outcome. err may be nil.
func (h *History) Exit(rec *NodeRecord, outcome NodeOutcome, agent string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec.ExitedAt = time.Now()
	rec.Duration = rec.ExitedAt.Sub(rec.EnteredAt)
	rec.Outcome = outcome
	rec.Agent = agent
	if err != nil {
		rec.Error = err.Error()
	}
}

// reopen clears the finish markers of a paused history so the records of the
// resumed run extend the same trail. Finish recomputes the duration from the
// original start.
func (h *History) reopen() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Status = RunStatusRunning
	h.FinishedAt = time.Time{}
	h.Duration = 0
	h.Error = ""
}

// AppendBranch merges per-branch records collected by a parallel stage into
// the run-level history. Called once at the barrier, in agent declaration
// order, so two runs with the same result set produce the same history.
func (h *History) AppendBranch(records []*NodeRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Records = append(h.Records, records...)
}

// Finish marks the run result on the history.
func (h *History) Finish(status RunStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.FinishedAt = time.Now()
	h.Duration = h.FinishedAt.Sub(h.StartedAt)
	h.Status = status
	if err != nil {
		h.Error = err.Error()
	}
}

// NodeNames returns the visitation order of node names.
func (h *History) NodeNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, len(h.Records))
	for i, rec := range h.Records {
		names[i] = rec.NodeName
	}
	return names
}

// Snapshot returns a copy of the record slice.
func (h *History) Snapshot() []*NodeRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*NodeRecord, len(h.Records))
	copy(out, h.Records)
	return out
}

// HistoryStore stores and queries run histories.
type HistoryStore struct {
	histories map[string]*History
	mu        sync.RWMutex
}

// NewHistoryStore creates an empty history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		histories: make(map[string]*History),
	}
}

// Save stores a history by run ID.
func (s *HistoryStore) Save(h *History) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[h.RunID] = h
}

// Get retrieves a history by run ID.
func (s *HistoryStore) Get(runID string) (*History, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[runID]
	return h, ok
}

// ListByTopology returns all histories for a topology.
func (s *HistoryStore) ListByTopology(topology string) []*History {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*History
	for _, h := range s.histories {
		if h.Topology == topology {
			out = append(out, h)
		}
	}
	return out
}

// ListByStatus returns all histories with the given run status.
func (s *HistoryStore) ListByStatus(status RunStatus) []*History {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*History
	for _, h := range s.histories {
		if h.Status == status {
			out = append(out, h)
		}
	}
	return out
}

// ListByTimeRange returns histories started within [start, end].
func (s *HistoryStore) ListByTimeRange(start, end time.Time) []*History {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*History
	for _, h := range s.histories {
		if !h.StartedAt.Before(start) && !h.StartedAt.After(end) {
			out = append(out, h)
		}
	}
	return out
}
