// Package store provides persistent storage for approval requests and their
// execution-state snapshots.
//
// Suspension must survive process restarts: a paused run is not held on a
// blocked goroutine but externalized as an approval record carrying a
// self-describing state snapshot plus cursor. The backends cover the same
// deployment ladder as the rest of the framework:
//
//   - Memory: for development and testing (default)
//   - File: for single-node deployments
//   - Redis: for distributed deployments
//   - SQLite: durable single-node archive with queryability
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
	// ErrConflict is returned by TransitionApproval when the record is not in
	// the expected source status. The caller receives the current record and
	// must treat the transition as already decided.
	ErrConflict = errors.New("status conflict")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQLite StoreType = "sqlite"
)

// ApprovalRecord 是审批请求的持久化形态。Snapshot 与 Outcome
// 以自描述 JSON 文档存放，使恢复可以发生在另一个进程中。
type ApprovalRecord struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Topology    string          `json:"topology"`
	Stage       string          `json:"stage"`
	RiskLevel   string          `json:"risk_level,omitempty"`
	Status      string          `json:"status"`
	RequestedAt time.Time       `json:"requested_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	DecidedBy   string          `json:"decided_by,omitempty"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
}

// clone returns a deep enough copy to hand across the store boundary.
func (r *ApprovalRecord) clone() *ApprovalRecord {
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	c.Snapshot = append(json.RawMessage(nil), r.Snapshot...)
	c.Outcome = append(json.RawMessage(nil), r.Outcome...)
	return &c
}

// Store 定义审批记录的存储接口。
type Store interface {
	// SaveApproval persists a new approval record.
	SaveApproval(ctx context.Context, rec *ApprovalRecord) error

	// GetApproval retrieves a record by ID. Returns ErrNotFound when absent.
	GetApproval(ctx context.Context, id string) (*ApprovalRecord, error)

	// ListApprovals returns records in a status, newest first. Empty status
	// matches all; limit <= 0 means no limit.
	ListApprovals(ctx context.Context, status string, limit int) ([]*ApprovalRecord, error)

	// TransitionApproval atomically moves a record from one status to
	// another, stamping the decision fields. When the record is not in the
	// from status it returns the current record together with ErrConflict;
	// this is what makes approve/reject idempotent across callers.
	TransitionApproval(ctx context.Context, id, from, to, decidedBy, reason string, decidedAt time.Time) (*ApprovalRecord, error)

	// SetOutcome attaches the decided run outcome document to a record.
	SetOutcome(ctx context.Context, id string, outcome json.RawMessage) error

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}

// Config is the base configuration for all store implementations.
type Config struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// Path is the database file for the sqlite backend
	Path string `json:"path" yaml:"path"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port)
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultConfig returns an in-memory store configuration.
func DefaultConfig() Config {
	return Config{Type: StoreTypeMemory}
}
