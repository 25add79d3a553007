// Package approval implements the human-in-the-loop interrupt controller:
// flagged stages suspend the run into a persisted approval request, and an
// external decision resumes, halts, or expires it.
package approval

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Qiu-Ye/swarmflow/engine"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool { return s != StatusPending }

// CanTransition reports whether from → to is a legal state change.
// 只有 pending 可以流转;approved/rejected/expired 均为终态。
func CanTransition(from, to Status) bool {
	if from != StatusPending {
		return false
	}
	switch to {
	case StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Request is the caller-facing view of an approval request. It never exposes
// the state snapshot; decisions are made on identity and risk, not on raw
// workflow data.
type Request struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Topology    string     `json:"topology"`
	Stage       string     `json:"stage"`
	RiskLevel   string     `json:"risk_level,omitempty"`
	Status      Status     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// runSnapshot is the persisted continuation: everything needed to re-enter
// the run in a process that never saw it start.
type runSnapshot struct {
	State  json.RawMessage `json:"state"`
	Cursor engine.Cursor   `json:"cursor"`
}

func encodeSnapshot(state *engine.State, cur engine.Cursor) (json.RawMessage, error) {
	stateDoc, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state snapshot: %w", err)
	}
	doc, err := json.Marshal(runSnapshot{State: stateDoc, Cursor: cur})
	if err != nil {
		return nil, fmt.Errorf("encode run snapshot: %w", err)
	}
	return doc, nil
}

func decodeSnapshot(doc json.RawMessage) (*engine.State, engine.Cursor, error) {
	var snap runSnapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return nil, engine.Cursor{}, fmt.Errorf("decode run snapshot: %w", err)
	}
	state := engine.NewState()
	if len(snap.State) > 0 {
		if err := json.Unmarshal(snap.State, state); err != nil {
			return nil, engine.Cursor{}, fmt.Errorf("decode state snapshot: %w", err)
		}
	}
	return state, snap.Cursor, nil
}
