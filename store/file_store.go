package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore 用 JSON 文件持久化审批记录,每条记录一个文件。
// 写入先落临时文件再 rename,崩溃时不会留下半截记录。
type FileStore struct {
	baseDir string
	mu      sync.Mutex
	closed  bool
}

// NewFileStore creates a file-backed approval store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("%w: base directory is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(id string) string {
	// IDs are UUIDs; sanitize anyway so a hand-crafted ID cannot escape baseDir.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
	return filepath.Join(s.baseDir, safe+".json")
}

func (s *FileStore) read(id string) (*ApprovalRecord, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read approval %s: %w", id, err)
	}
	var rec ApprovalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode approval %s: %w", id, err)
	}
	return &rec, nil
}

func (s *FileStore) write(rec *ApprovalRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode approval %s: %w", rec.ID, err)
	}
	target := s.path(rec.ID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write approval %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit approval %s: %w", rec.ID, err)
	}
	return nil
}

func (s *FileStore) SaveApproval(ctx context.Context, rec *ApprovalRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record must have an id", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := os.Stat(s.path(rec.ID)); err == nil {
		return fmt.Errorf("approval %s: %w", rec.ID, ErrAlreadyExists)
	}
	return s.write(rec)
}

func (s *FileStore) GetApproval(ctx context.Context, id string) (*ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.read(id)
}

func (s *FileStore) ListApprovals(ctx context.Context, status string, limit int) ([]*ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	var out []*ApprovalRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue // skip unreadable entries
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) TransitionApproval(ctx context.Context, id, from, to, decidedBy, reason string, decidedAt time.Time) (*ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != from {
		return rec, fmt.Errorf("approval %s is %s, not %s: %w", id, rec.Status, from, ErrConflict)
	}
	rec.Status = to
	rec.DecidedBy = decidedBy
	rec.Reason = reason
	t := decidedAt
	rec.DecidedAt = &t
	if err := s.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *FileStore) SetOutcome(ctx context.Context, id string, outcome json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	rec, err := s.read(id)
	if err != nil {
		return err
	}
	rec.Outcome = append(json.RawMessage(nil), outcome...)
	return s.write(rec)
}

func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := os.Stat(s.baseDir); err != nil {
		return fmt.Errorf("base directory unavailable: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
