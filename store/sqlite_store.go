package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// approvalRow is the GORM mapping of an ApprovalRecord.
type approvalRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	RunID       string `gorm:"index;size:64"`
	Topology    string `gorm:"size:32"`
	Stage       string `gorm:"size:128"`
	RiskLevel   string `gorm:"size:32"`
	Status      string `gorm:"index;size:32"`
	RequestedAt time.Time
	ExpiresAt   *time.Time
	DecidedBy   string `gorm:"size:128"`
	DecidedAt   *time.Time
	Reason      string `gorm:"type:text"`
	Snapshot    []byte `gorm:"type:blob"`
	Outcome     []byte `gorm:"type:blob"`
}

func (approvalRow) TableName() string { return "approvals" }

func rowFromRecord(rec *ApprovalRecord) *approvalRow {
	return &approvalRow{
		ID:          rec.ID,
		RunID:       rec.RunID,
		Topology:    rec.Topology,
		Stage:       rec.Stage,
		RiskLevel:   rec.RiskLevel,
		Status:      rec.Status,
		RequestedAt: rec.RequestedAt,
		ExpiresAt:   rec.ExpiresAt,
		DecidedBy:   rec.DecidedBy,
		DecidedAt:   rec.DecidedAt,
		Reason:      rec.Reason,
		Snapshot:    rec.Snapshot,
		Outcome:     rec.Outcome,
	}
}

func (r *approvalRow) toRecord() *ApprovalRecord {
	return &ApprovalRecord{
		ID:          r.ID,
		RunID:       r.RunID,
		Topology:    r.Topology,
		Stage:       r.Stage,
		RiskLevel:   r.RiskLevel,
		Status:      r.Status,
		RequestedAt: r.RequestedAt,
		ExpiresAt:   r.ExpiresAt,
		DecidedBy:   r.DecidedBy,
		DecidedAt:   r.DecidedAt,
		Reason:      r.Reason,
		Snapshot:    json.RawMessage(r.Snapshot),
		Outcome:     json.RawMessage(r.Outcome),
	}
}

// SQLiteStore 以 SQLite 数据库归档审批记录,单机部署下既持久又可查询。
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrInvalidInput)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.AutoMigrate(&approvalRow{}); err != nil {
		return nil, fmt.Errorf("migrate approvals table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveApproval(ctx context.Context, rec *ApprovalRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record must have an id", ErrInvalidInput)
	}
	err := s.db.WithContext(ctx).Create(rowFromRecord(rec)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("approval %s: %w", rec.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("save approval %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*ApprovalRecord, error) {
	var row approvalRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval %s: %w", id, err)
	}
	return row.toRecord(), nil
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, status string, limit int) ([]*ApprovalRecord, error) {
	q := s.db.WithContext(ctx).Order("requested_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []approvalRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	out := make([]*ApprovalRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].toRecord()
	}
	return out, nil
}

func (s *SQLiteStore) TransitionApproval(ctx context.Context, id, from, to, decidedBy, reason string, decidedAt time.Time) (*ApprovalRecord, error) {
	var out *ApprovalRecord
	var conflict error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t := decidedAt
		res := tx.Model(&approvalRow{}).
			Where("id = ? AND status = ?", id, from).
			Updates(map[string]any{
				"status":     to,
				"decided_by": decidedBy,
				"reason":     reason,
				"decided_at": &t,
			})
		if res.Error != nil {
			return fmt.Errorf("transition approval %s: %w", id, res.Error)
		}
		var row approvalRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("approval %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("get approval %s: %w", id, err)
		}
		out = row.toRecord()
		if res.RowsAffected == 0 {
			conflict = fmt.Errorf("approval %s is %s, not %s: %w", id, row.Status, from, ErrConflict)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, conflict
}

func (s *SQLiteStore) SetOutcome(ctx context.Context, id string, outcome json.RawMessage) error {
	res := s.db.WithContext(ctx).Model(&approvalRow{}).
		Where("id = ?", id).
		Update("outcome", []byte(outcome))
	if res.Error != nil {
		return fmt.Errorf("set outcome for approval %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
