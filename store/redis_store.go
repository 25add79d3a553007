package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore 把审批记录存入 Redis,供多进程部署:请求审批的进程
// 与执行恢复的进程可以不同。状态索引用 set 维护,CAS 转移走
// WATCH 事务。
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed approval store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "swarmflow"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "swarmflow"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) recordKey(id string) string {
	return fmt.Sprintf("%s:approval:%s", s.keyPrefix, id)
}

func (s *RedisStore) statusKey(status string) string {
	return fmt.Sprintf("%s:approval:status:%s", s.keyPrefix, status)
}

func (s *RedisStore) decode(data []byte) (*ApprovalRecord, error) {
	var rec ApprovalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode approval record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) SaveApproval(ctx context.Context, rec *ApprovalRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record must have an id", ErrInvalidInput)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode approval %s: %w", rec.ID, err)
	}
	ok, err := s.client.SetNX(ctx, s.recordKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("save approval %s: %w", rec.ID, err)
	}
	if !ok {
		return fmt.Errorf("approval %s: %w", rec.ID, ErrAlreadyExists)
	}
	if err := s.client.SAdd(ctx, s.statusKey(rec.Status), rec.ID).Err(); err != nil {
		return fmt.Errorf("index approval %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) GetApproval(ctx context.Context, id string) (*ApprovalRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval %s: %w", id, err)
	}
	return s.decode(data)
}

func (s *RedisStore) ListApprovals(ctx context.Context, status string, limit int) ([]*ApprovalRecord, error) {
	var ids []string
	var err error
	if status != "" {
		ids, err = s.client.SMembers(ctx, s.statusKey(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("list approvals: %w", err)
		}
	} else {
		ids, err = s.scanIDs(ctx)
		if err != nil {
			return nil, err
		}
	}

	out := make([]*ApprovalRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetApproval(ctx, id)
		if err != nil {
			continue // index may lag behind a concurrent transition
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

func (s *RedisStore) scanIDs(ctx context.Context) ([]string, error) {
	var ids []string
	prefix := s.keyPrefix + ":approval:"
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), prefix)
		if id == "" || strings.HasPrefix(id, "status:") {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan approvals: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) TransitionApproval(ctx context.Context, id, from, to, decidedBy, reason string, decidedAt time.Time) (*ApprovalRecord, error) {
	key := s.recordKey(id)
	var result *ApprovalRecord
	var conflict error

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("approval %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get approval %s: %w", id, err)
		}
		rec, err := s.decode(data)
		if err != nil {
			return err
		}
		if rec.Status != from {
			result = rec
			conflict = fmt.Errorf("approval %s is %s, not %s: %w", id, rec.Status, from, ErrConflict)
			return nil
		}
		rec.Status = to
		rec.DecidedBy = decidedBy
		rec.Reason = reason
		t := decidedAt
		rec.DecidedAt = &t
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode approval %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			pipe.SRem(ctx, s.statusKey(from), id)
			pipe.SAdd(ctx, s.statusKey(to), id)
			return nil
		})
		if err == nil {
			result = rec
		}
		return err
	}

	// Retry on WATCH contention; the loser re-reads and reports ErrConflict.
	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, conflict
	}
	return nil, fmt.Errorf("transition approval %s: transaction contention", id)
}

func (s *RedisStore) SetOutcome(ctx context.Context, id string, outcome json.RawMessage) error {
	key := s.recordKey(id)
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("approval %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get approval %s: %w", id, err)
		}
		rec, err := s.decode(data)
		if err != nil {
			return err
		}
		rec.Outcome = append(json.RawMessage(nil), outcome...)
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode approval %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}
	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("set outcome for approval %s: transaction contention", id)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
