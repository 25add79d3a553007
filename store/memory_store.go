package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore 将审批记录保存在进程内。适合测试与开发环境；
// 进程退出后挂起的运行不可恢复。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ApprovalRecord
	closed  bool
}

// NewMemoryStore creates a new in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*ApprovalRecord)}
}

func (s *MemoryStore) SaveApproval(ctx context.Context, rec *ApprovalRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record must have an id", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("approval %s: %w", rec.ID, ErrAlreadyExists)
	}
	s.records[rec.ID] = rec.clone()
	return nil
}

func (s *MemoryStore) GetApproval(ctx context.Context, id string) (*ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	return rec.clone(), nil
}

func (s *MemoryStore) ListApprovals(ctx context.Context, status string, limit int) ([]*ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*ApprovalRecord
	for _, rec := range s.records {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TransitionApproval(ctx context.Context, id, from, to, decidedBy, reason string, decidedAt time.Time) (*ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if rec.Status != from {
		return rec.clone(), fmt.Errorf("approval %s is %s, not %s: %w", id, rec.Status, from, ErrConflict)
	}
	rec.Status = to
	rec.DecidedBy = decidedBy
	rec.Reason = reason
	t := decidedAt
	rec.DecidedAt = &t
	return rec.clone(), nil
}

func (s *MemoryStore) SetOutcome(ctx context.Context, id string, outcome json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	rec.Outcome = append(json.RawMessage(nil), outcome...)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
