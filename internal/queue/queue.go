// Package queue implements the claim/lease/requeue state machine over the
// work item table. Conditional row updates (status + owner match, checked via
// affected-row count) are the only cross-instance exclusion primitive: there
// is no lock service, and concurrent orchestrators simply lose the
// compare-and-swap and move on.
package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/parsing"
	"conductor/pkg/models"
)

const maxErrorLen = 4000

// Queue provides the concurrency-safe work item primitives the orchestrator
// schedules through
type Queue struct {
	db         *gorm.DB
	instanceID string
}

// New creates a queue bound to one orchestrator instance identity
func New(db *gorm.DB, instanceID string) *Queue {
	return &Queue{db: db, instanceID: instanceID}
}

// DB exposes the underlying store for completion hooks that need it
func (q *Queue) DB() *gorm.DB {
	return q.db
}

// InstanceID returns the owning orchestrator instance id
func (q *Queue) InstanceID() string {
	return q.instanceID
}

// EnqueueParams describes a new work item
type EnqueueParams struct {
	Type          string
	Payload       string
	ChainID       string
	SourceItemID  string
	EpicID        string
	RoomID        string
	AgentID       string
	Iteration     int
	MaxIterations int
	MaxAttempts   int
}

// Enqueue inserts a QUEUED work item and returns it
func (q *Queue) Enqueue(p EnqueueParams) (*models.WorkItem, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = 3
	}
	item := &models.WorkItem{
		ID:            uuid.NewString(),
		Type:          p.Type,
		Status:        models.WorkQueued,
		Payload:       p.Payload,
		ChainID:       p.ChainID,
		SourceItemID:  p.SourceItemID,
		EpicID:        p.EpicID,
		RoomID:        p.RoomID,
		AgentID:       p.AgentID,
		Iteration:     p.Iteration,
		MaxIterations: p.MaxIterations,
		MaxAttempts:   p.MaxAttempts,
	}
	if err := q.db.Create(item).Error; err != nil {
		return nil, err
	}
	return item, nil
}

// ClaimNext atomically claims the oldest QUEUED item. The conditional update
// only matches rows still QUEUED, so with concurrent claimers exactly one
// wins; losers get nil and retry on their next tick.
func (q *Queue) ClaimNext(leaseDuration time.Duration) (*models.WorkItem, error) {
	var next models.WorkItem
	err := q.db.Where("status = ?", models.WorkQueued).
		Order("created_at asc").
		First(&next).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expires := now.Add(leaseDuration)
	updates := map[string]any{
		"status":           models.WorkClaimed,
		"claimed_at":       now,
		"lease_expires_at": expires,
		"lease_owner":      q.instanceID,
		"attempts":         gorm.Expr("attempts + 1"),
		"last_error":       "",
	}
	// chainId is immutable once set; items enqueued without one root their
	// own chain on first claim.
	if next.ChainID == "" {
		updates["chain_id"] = next.ID
	}

	res := q.db.Model(&models.WorkItem{}).
		Where("id = ? AND status = ?", next.ID, models.WorkQueued).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		// Another instance won the claim.
		return nil, nil
	}

	var claimed models.WorkItem
	if err := q.db.First(&claimed, "id = ?", next.ID).Error; err != nil {
		return nil, err
	}
	metrics.Get().ClaimsTotal.Inc()
	return &claimed, nil
}

// MarkRunning transitions a CLAIMED item to RUNNING, assigning its run id and
// extending the lease to cover execution. Returns false when the item is no
// longer CLAIMED by this instance.
func (q *Queue) MarkRunning(id, runID string, leaseDuration time.Duration) bool {
	res := q.db.Model(&models.WorkItem{}).
		Where("id = ? AND status = ? AND lease_owner = ?", id, models.WorkClaimed, q.instanceID).
		Updates(map[string]any{
			"status":           models.WorkRunning,
			"run_id":           runID,
			"lease_expires_at": time.Now().Add(leaseDuration),
		})
	return res.Error == nil && res.RowsAffected == 1
}

// BumpLease extends the lease on RUNNING items this instance still owns, so
// long provider calls are not requeued mid-flight.
func (q *Queue) BumpLease(ids []string, leaseDuration time.Duration) {
	if len(ids) == 0 {
		return
	}
	err := q.db.Model(&models.WorkItem{}).
		Where("id IN ? AND status = ? AND lease_owner = ?", ids, models.WorkRunning, q.instanceID).
		Update("lease_expires_at", time.Now().Add(leaseDuration)).Error
	if err != nil {
		logging.S().Warnw("lease bump failed", "error", err)
	}
}

// Complete marks an item SUCCEEDED and clears its lease
func (q *Queue) Complete(id string) error {
	return q.db.Model(&models.WorkItem{}).
		Where("id = ? AND status IN ?", id, []models.WorkStatus{models.WorkClaimed, models.WorkRunning}).
		Updates(map[string]any{
			"status":           models.WorkSucceeded,
			"lease_expires_at": nil,
			"last_error":       "",
		}).Error
}

// Fail marks an item FAILED with a bounded error message
func (q *Queue) Fail(id, msg string) error {
	return q.db.Model(&models.WorkItem{}).
		Where("id = ? AND status IN ?", id, []models.WorkStatus{models.WorkClaimed, models.WorkRunning}).
		Updates(map[string]any{
			"status":           models.WorkFailed,
			"lease_expires_at": nil,
			"last_error":       parsing.Truncate(msg, maxErrorLen),
		}).Error
}

// Cancel marks a non-terminal item CANCELLED and cancels its correlated run
func (q *Queue) Cancel(id string) (bool, error) {
	res := q.db.Model(&models.WorkItem{}).
		Where("id = ? AND status IN ?", id,
			[]models.WorkStatus{models.WorkQueued, models.WorkClaimed, models.WorkRunning}).
		Updates(map[string]any{
			"status":           models.WorkCancelled,
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}

	var item models.WorkItem
	if err := q.db.First(&item, "id = ?", id).Error; err == nil && item.RunID != "" {
		q.db.Model(&models.AgentRun{}).
			Where("id = ? AND state NOT IN ?", item.RunID,
				[]models.RunState{models.RunSucceeded, models.RunFailed}).
			Update("state", models.RunCancelled)
	}
	return true, nil
}

// RequeueExpired reconciles every CLAIMED/RUNNING item whose lease expired.
// Work that actually finished (terminal run, or non-empty persisted output)
// is adopted rather than discarded; otherwise the item goes back to QUEUED
// until attempts reach maxAttempts, then fails permanently.
func (q *Queue) RequeueExpired(leaseDuration time.Duration) {
	var expired []models.WorkItem
	err := q.db.
		Where("status IN ? AND lease_expires_at < ?",
			[]models.WorkStatus{models.WorkClaimed, models.WorkRunning}, time.Now()).
		Limit(200).
		Find(&expired).Error
	if err != nil {
		logging.S().Warnw("expired lease scan failed", "error", err)
		return
	}

	for _, w := range expired {
		if w.RunID != "" && q.reconcile(&w) {
			continue
		}

		if w.Attempts >= w.MaxAttempts {
			q.db.Model(&models.WorkItem{}).
				Where("id = ? AND status IN ?", w.ID,
					[]models.WorkStatus{models.WorkClaimed, models.WorkRunning}).
				Updates(map[string]any{
					"status":           models.WorkFailed,
					"lease_expires_at": nil,
					"last_error":       "Lease expired too many times",
				})
			metrics.Get().ItemsCompletedTotal.WithLabelValues(w.Type, string(models.WorkFailed)).Inc()
			continue
		}

		q.db.Model(&models.WorkItem{}).
			Where("id = ? AND status IN ?", w.ID,
				[]models.WorkStatus{models.WorkClaimed, models.WorkRunning}).
			Updates(map[string]any{
				"status":           models.WorkQueued,
				"claimed_at":       nil,
				"lease_expires_at": nil,
				"lease_owner":      "",
				"run_id":           "",
				"last_error":       "Lease expired; requeued",
			})
		metrics.Get().RequeuesTotal.Inc()
		logging.S().Infow("requeued expired work item", "id", w.ID, "attempts", w.Attempts)
	}
}

// ReconcileRunning resolves RUNNING items this instance owns whose run or
// output already finalized, skipping ids still being handled in-process.
// Covers the crash-restart case where the in-memory wait on a dispatched
// invocation was lost.
func (q *Queue) ReconcileRunning(exclude map[string]struct{}) {
	var running []models.WorkItem
	err := q.db.
		Where("status = ? AND lease_owner = ? AND run_id <> ''", models.WorkRunning, q.instanceID).
		Limit(200).
		Find(&running).Error
	if err != nil {
		logging.S().Warnw("running reconcile scan failed", "error", err)
		return
	}
	for _, w := range running {
		if _, busy := exclude[w.ID]; busy {
			continue
		}
		q.reconcile(&w)
	}
}

// reconcile adopts the final state of a lease-expired item from its
// persisted run or message, returning true when the item was resolved.
func (q *Queue) reconcile(w *models.WorkItem) bool {
	var run models.AgentRun
	if err := q.db.First(&run, "id = ?", w.RunID).Error; err == nil && run.State.Terminal() {
		status := models.WorkSucceeded
		lastError := ""
		switch run.State {
		case models.RunFailed:
			status = models.WorkFailed
			lastError = run.ErrorMessage
			if lastError == "" {
				lastError = "Run failed"
			}
		case models.RunCancelled:
			status = models.WorkCancelled
		}
		q.db.Model(&models.WorkItem{}).
			Where("id = ? AND status IN ?", w.ID,
				[]models.WorkStatus{models.WorkClaimed, models.WorkRunning}).
			Updates(map[string]any{
				"status":           status,
				"lease_expires_at": nil,
				"last_error":       lastError,
			})
		metrics.Get().ReconciliationsTotal.WithLabelValues(string(status)).Inc()
		return true
	}

	// The run row may be gone or stuck, but a persisted non-empty response
	// still proves the work finished.
	var msg models.Message
	if err := q.db.First(&msg, "id = ?", w.RunID).Error; err == nil && len(msg.Content) > 0 {
		q.db.Model(&models.WorkItem{}).
			Where("id = ? AND status IN ?", w.ID,
				[]models.WorkStatus{models.WorkClaimed, models.WorkRunning}).
			Updates(map[string]any{
				"status":           models.WorkSucceeded,
				"lease_expires_at": nil,
				"last_error":       "",
			})
		metrics.Get().ReconciliationsTotal.WithLabelValues(string(models.WorkSucceeded)).Inc()
		return true
	}
	return false
}

// Requeue returns a terminal item to QUEUED with fresh attempt budget, for
// operator-driven retries.
func (q *Queue) Requeue(id string) (bool, error) {
	res := q.db.Model(&models.WorkItem{}).
		Where("id = ? AND status IN ?", id,
			[]models.WorkStatus{models.WorkSucceeded, models.WorkFailed, models.WorkCancelled}).
		Updates(map[string]any{
			"status":           models.WorkQueued,
			"claimed_at":       nil,
			"lease_expires_at": nil,
			"lease_owner":      "",
			"run_id":           "",
			"attempts":         0,
			"last_error":       "",
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
