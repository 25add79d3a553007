package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Qiu-Ye/swarmflow/engine"
	"github.com/Qiu-Ye/swarmflow/internal/metrics"
	"github.com/Qiu-Ye/swarmflow/store"
	"github.com/Qiu-Ye/swarmflow/types"
)

// Controller 是人审中断控制器:执行器在标记节点处调用 Request
// 挂起运行,外部调用 Approve/Reject/Expire 完成决策。恢复靠持久化
// 的延续(状态快照 + 游标),与原进程无关。
//
// Approve and Reject are idempotent: the CAS transition in the store decides
// exactly one winner; every later call with the same decision returns the
// recorded outcome.
type Controller struct {
	store     store.Store
	executor  *engine.Executor
	registry  *engine.RunRegistry
	logger    *zap.Logger
	collector *metrics.Collector
	ttl       time.Duration
	now       func() time.Time

	sweepInterval time.Duration
	stopSweep     chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// WithMetrics wires the metrics collector.
func WithMetrics(m *metrics.Collector) ControllerOption {
	return func(c *Controller) { c.collector = m }
}

// WithTTL sets how long a request stays pending before it can expire.
// Zero disables expiry.
func WithTTL(d time.Duration) ControllerOption {
	return func(c *Controller) { c.ttl = d }
}

// WithSweepInterval enables the background expiry sweeper.
func WithSweepInterval(d time.Duration) ControllerOption {
	return func(c *Controller) { c.sweepInterval = d }
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController creates an interrupt controller on top of a store, an
// executor, and a registry of resumable topologies.
func NewController(st store.Store, exec *engine.Executor, reg *engine.RunRegistry, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:     st,
		executor:  exec,
		registry:  reg,
		logger:    zap.NewNop(),
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "approval"))
	if c.sweepInterval > 0 && c.ttl > 0 {
		c.wg.Add(1)
		go c.sweepLoop()
	}
	return c
}

// Request implements engine.Interrupter. It persists the suspended run as a
// pending approval and hands back the approval ID the executor reports to
// the caller.
func (c *Controller) Request(ctx context.Context, req engine.InterruptRequest) (string, error) {
	snapshot, err := encodeSnapshot(req.State, req.Cursor)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	now := c.now()
	rec := &store.ApprovalRecord{
		ID:          id,
		RunID:       req.RunID,
		Topology:    req.Topology,
		Stage:       req.Stage,
		RiskLevel:   req.RiskLevel,
		Status:      string(StatusPending),
		RequestedAt: now,
		Snapshot:    snapshot,
	}
	if c.ttl > 0 {
		expires := now.Add(c.ttl)
		rec.ExpiresAt = &expires
	}

	if err := c.store.SaveApproval(ctx, rec); err != nil {
		return "", fmt.Errorf("persist approval request: %w", err)
	}

	c.refreshPendingGauge(ctx)
	c.logger.Info("approval requested",
		zap.String("approval_id", id),
		zap.String("run_id", req.RunID),
		zap.String("stage", req.Stage),
		zap.String("risk_level", req.RiskLevel),
	)
	return id, nil
}

// Approve marks a pending request approved and resumes the suspended run,
// blocking until the resumed run finishes, pauses again, or fails. Calling
// Approve again on an approved request returns the recorded outcome without
// re-executing anything.
func (c *Controller) Approve(ctx context.Context, id, approvedBy string) (*engine.RunOutcome, error) {
	rec, err := c.store.TransitionApproval(ctx, id, string(StatusPending), string(StatusApproved), approvedBy, "", c.now())
	if err != nil {
		return c.handleConflict(rec, err, StatusApproved)
	}

	c.recordDecision(string(StatusApproved))
	c.logger.Info("approval granted",
		zap.String("approval_id", id),
		zap.String("run_id", rec.RunID),
		zap.String("decided_by", approvedBy),
	)

	outcome := c.resume(ctx, rec)
	c.finishDecision(ctx, id, outcome)
	return outcome, nil
}

// Reject marks a pending request rejected. The run halts: its suspended
// continuation is never re-entered. Reject is idempotent the same way
// Approve is.
func (c *Controller) Reject(ctx context.Context, id, rejectedBy, reason string) (*engine.RunOutcome, error) {
	rec, err := c.store.TransitionApproval(ctx, id, string(StatusPending), string(StatusRejected), rejectedBy, reason, c.now())
	if err != nil {
		return c.handleConflict(rec, err, StatusRejected)
	}

	c.recordDecision(string(StatusRejected))
	c.logger.Info("approval rejected",
		zap.String("approval_id", id),
		zap.String("run_id", rec.RunID),
		zap.String("decided_by", rejectedBy),
		zap.String("reason", reason),
	)

	outcome := &engine.RunOutcome{
		Status: engine.RunStatusHalted,
		RunID:  rec.RunID,
		Err: types.NewError(types.ErrRunHalted,
			fmt.Sprintf("run halted at stage %s: approval rejected", rec.Stage)).
			WithStage(rec.Stage),
	}
	c.finishDecision(ctx, id, outcome)
	return outcome, nil
}

// Expire moves a pending request to expired. Expired requests can never be
// approved afterward; the run stays halted.
func (c *Controller) Expire(ctx context.Context, id string) error {
	rec, err := c.store.TransitionApproval(ctx, id, string(StatusPending), string(StatusExpired), "system", "approval ttl exceeded", c.now())
	if err != nil {
		_, rerr := c.handleConflict(rec, err, StatusExpired)
		return rerr
	}

	c.recordDecision(string(StatusExpired))
	c.logger.Warn("approval expired",
		zap.String("approval_id", id),
		zap.String("run_id", rec.RunID),
		zap.String("stage", rec.Stage),
	)

	outcome := &engine.RunOutcome{
		Status: engine.RunStatusHalted,
		RunID:  rec.RunID,
		Err: types.NewError(types.ErrRunHalted,
			fmt.Sprintf("run halted at stage %s: approval expired", rec.Stage)).
			WithStage(rec.Stage),
	}
	c.finishDecision(ctx, id, outcome)
	return nil
}

// GetStatus returns the current view of an approval request.
func (c *Controller) GetStatus(ctx context.Context, id string) (*Request, error) {
	rec, err := c.store.GetApproval(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewError(types.ErrUnknownApprovalID,
				fmt.Sprintf("unknown approval id: %s", id))
		}
		return nil, types.NewError(types.ErrStoreFailed, "failed to load approval request").WithCause(err)
	}
	return viewOf(rec), nil
}

// ListPending returns pending requests, newest first.
func (c *Controller) ListPending(ctx context.Context) ([]*Request, error) {
	recs, err := c.store.ListApprovals(ctx, string(StatusPending), 0)
	if err != nil {
		return nil, types.NewError(types.ErrStoreFailed, "failed to list approvals").WithCause(err)
	}
	out := make([]*Request, len(recs))
	for i, rec := range recs {
		out[i] = viewOf(rec)
	}
	return out, nil
}

// Close stops the expiry sweeper. The store stays open; it belongs to the
// caller.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.stopSweep) })
	c.wg.Wait()
}

// handleConflict resolves a failed CAS. A repeat of the same decision is a
// replay: return the recorded outcome. A different decision on a terminal
// request is an invalid transition.
func (c *Controller) handleConflict(rec *store.ApprovalRecord, err error, wanted Status) (*engine.RunOutcome, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.ErrUnknownApprovalID, err.Error())
	}
	if !errors.Is(err, store.ErrConflict) || rec == nil {
		return nil, types.NewError(types.ErrStoreFailed, "approval transition failed").WithCause(err)
	}

	if Status(rec.Status) == wanted {
		if cached, ok := c.registry.Outcome(rec.ID); ok {
			return cached, nil
		}
		if len(rec.Outcome) > 0 {
			var outcome engine.RunOutcome
			if uerr := json.Unmarshal(rec.Outcome, &outcome); uerr == nil {
				return &outcome, nil
			}
		}
		// Decided, resume still in flight elsewhere.
		return &engine.RunOutcome{Status: engine.RunStatusRunning, RunID: rec.RunID}, nil
	}

	return nil, types.NewError(types.ErrInvalidTransition,
		fmt.Sprintf("approval %s is %s, cannot mark it %s", rec.ID, rec.Status, wanted))
}

// resume re-enters the suspended run from its persisted continuation.
func (c *Controller) resume(ctx context.Context, rec *store.ApprovalRecord) *engine.RunOutcome {
	state, cur, err := decodeSnapshot(rec.Snapshot)
	if err != nil {
		return &engine.RunOutcome{
			Status: engine.RunStatusFailed,
			RunID:  rec.RunID,
			Err:    types.NewError(types.ErrStoreFailed, "corrupt run snapshot").WithStage(rec.Stage).WithCause(err),
		}
	}

	topo, ok := c.registry.Topology(rec.Topology)
	if !ok {
		return &engine.RunOutcome{
			Status: engine.RunStatusFailed,
			RunID:  rec.RunID,
			Err: types.NewError(types.ErrInvalidTopology,
				fmt.Sprintf("topology %q is not registered in this process", rec.Topology)).
				WithStage(rec.Stage),
		}
	}

	return c.executor.Resume(ctx, topo, rec.RunID, state, cur)
}

// finishDecision records the outcome both in the process-local registry and
// on the persisted record, then updates the pending gauge.
func (c *Controller) finishDecision(ctx context.Context, id string, outcome *engine.RunOutcome) {
	c.registry.SaveOutcome(id, outcome)
	if doc, err := json.Marshal(outcome); err == nil {
		if serr := c.store.SetOutcome(ctx, id, doc); serr != nil {
			c.logger.Warn("failed to persist decision outcome",
				zap.String("approval_id", id), zap.Error(serr))
		}
	}
	c.refreshPendingGauge(ctx)
}

// refreshPendingGauge derives the pending gauge from the store; decisions can
// land in another process, so a local counter would drift.
func (c *Controller) refreshPendingGauge(ctx context.Context) {
	recs, err := c.store.ListApprovals(ctx, string(StatusPending), 0)
	if err != nil {
		c.logger.Warn("failed to count pending approvals", zap.Error(err))
		return
	}
	c.collector.SetPendingApprovals(len(recs))
}

func (c *Controller) recordDecision(decision string) {
	c.collector.RecordApproval(decision)
}

// sweepLoop expires overdue pending requests in the background.
func (c *Controller) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.SweepExpired(context.Background())
		}
	}
}

// SweepExpired expires every pending request whose deadline has passed and
// returns how many it expired.
func (c *Controller) SweepExpired(ctx context.Context) int {
	recs, err := c.store.ListApprovals(ctx, string(StatusPending), 0)
	if err != nil {
		c.logger.Warn("expiry sweep failed", zap.Error(err))
		return 0
	}
	now := c.now()
	expired := 0
	for _, rec := range recs {
		if rec.ExpiresAt == nil || rec.ExpiresAt.After(now) {
			continue
		}
		if err := c.Expire(ctx, rec.ID); err == nil {
			expired++
		}
	}
	return expired
}

func viewOf(rec *store.ApprovalRecord) *Request {
	return &Request{
		ID:          rec.ID,
		RunID:       rec.RunID,
		Topology:    rec.Topology,
		Stage:       rec.Stage,
		RiskLevel:   rec.RiskLevel,
		Status:      Status(rec.Status),
		RequestedAt: rec.RequestedAt,
		ExpiresAt:   rec.ExpiresAt,
		DecidedBy:   rec.DecidedBy,
		DecidedAt:   rec.DecidedAt,
		Reason:      rec.Reason,
	}
}
