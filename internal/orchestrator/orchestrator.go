// Package orchestrator runs the cooperative tick loop that drives work items
// through their lifecycle. Each tick heartbeats, reconciles, requeues expired
// leases, then claims and dispatches items up to the configured concurrency.
// All graph expansion (reviews, rework, epics, learnings) is derived inside
// completion hooks; callers only ever enqueue.
package orchestrator

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"conductor/internal/ai"
	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/queue"
	"conductor/pkg/models"
)

// Orchestrator is one scheduler instance. Multiple instances may run against
// the same store; exclusion comes entirely from the queue's conditional
// claims.
type Orchestrator struct {
	db      *gorm.DB
	queue   *queue.Queue
	invoker ai.Invoker
	cfg     *config.Config

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New builds an orchestrator over the shared store
func New(db *gorm.DB, q *queue.Queue, invoker ai.Invoker, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		db:       db,
		queue:    q,
		invoker:  invoker,
		cfg:      cfg,
		inFlight: make(map[string]struct{}),
	}
}

// Run polls until the context is cancelled. A panic or error inside one
// item's handler never takes down the loop.
func (o *Orchestrator) Run(ctx context.Context) {
	logging.S().Infow("orchestrator starting",
		"instance", o.cfg.InstanceID,
		"poll", o.cfg.PollInterval,
		"lease", o.cfg.LeaseDuration,
		"concurrency", o.cfg.Concurrency,
	)

	o.db.Create(&models.OrchestratorInstance{
		ID:         o.cfg.InstanceID,
		StartedAt:  time.Now(),
		LastSeenAt: time.Now(),
	})

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.S().Infow("orchestrator stopping", "instance", o.cfg.InstanceID)
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.Get().TickErrorsTotal.Inc()
			logging.S().Errorw("tick panicked", "panic", r)
		}
	}()
	metrics.Get().TicksTotal.Inc()

	o.heartbeat()

	busy := o.inFlightIDs()
	o.queue.ReconcileRunning(busy)
	o.queue.RequeueExpired(o.cfg.LeaseDuration)

	if len(busy) > 0 {
		ids := make([]string, 0, len(busy))
		for id := range busy {
			ids = append(ids, id)
		}
		o.queue.BumpLease(ids, o.cfg.LeaseDuration)
	}

	for o.inFlightCount() < o.cfg.Concurrency {
		item, err := o.queue.ClaimNext(o.cfg.LeaseDuration)
		if err != nil {
			metrics.Get().TickErrorsTotal.Inc()
			logging.S().Errorw("claim failed", "error", err)
			return
		}
		if item == nil {
			return
		}
		o.startItem(ctx, item)
	}
}

func (o *Orchestrator) heartbeat() {
	err := o.db.Model(&models.OrchestratorInstance{}).
		Where("id = ?", o.cfg.InstanceID).
		Update("last_seen_at", time.Now()).Error
	if err != nil {
		logging.S().Warnw("heartbeat failed", "error", err)
	}
}

func (o *Orchestrator) inFlightIDs() map[string]struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]struct{}, len(o.inFlight))
	for id := range o.inFlight {
		out[id] = struct{}{}
	}
	return out
}

func (o *Orchestrator) inFlightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inFlight)
}

func (o *Orchestrator) startItem(ctx context.Context, item *models.WorkItem) {
	o.mu.Lock()
	o.inFlight[item.ID] = struct{}{}
	o.mu.Unlock()
	metrics.Get().ItemsInFlight.Inc()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.S().Errorw("work item handler panicked", "id", item.ID, "panic", r)
				o.queue.Fail(item.ID, fmt.Sprintf("internal error: %v", r))
			}
			o.mu.Lock()
			delete(o.inFlight, item.ID)
			o.mu.Unlock()
			metrics.Get().ItemsInFlight.Dec()
		}()
		o.handle(ctx, item)
	}()
}

// workPayload is the JSON envelope every work item carries. Type-specific
// fields ride alongside the common trio.
type workPayload struct {
	RoomID  string `json:"roomId"`
	AgentID string `json:"agentId"`
	Prompt  string `json:"prompt"`
	UserID  string `json:"userId,omitempty"`

	// decompose
	PRDID          string `json:"prdId,omitempty"`
	DefaultAgentID string `json:"defaultAgentId,omitempty"`

	// review / rework linkage
	SourceWorkItemID string `json:"sourceWorkItemId,omitempty"`
	OriginalPrompt   string `json:"originalPrompt,omitempty"`

	Title string `json:"title,omitempty"`
}

func newRunID(workItemID string) string {
	// Other subsystems assume invocation ids look like inv_*.
	h := sha1.Sum([]byte(workItemID))
	return "inv_work_" + hex.EncodeToString(h[:])[:16]
}

func (o *Orchestrator) handle(ctx context.Context, item *models.WorkItem) {
	var payload workPayload
	_ = json.Unmarshal([]byte(item.Payload), &payload)
	if payload.RoomID == "" {
		payload.RoomID = item.RoomID
	}
	if payload.AgentID == "" {
		payload.AgentID = item.AgentID
	}

	if payload.RoomID == "" || payload.AgentID == "" || payload.Prompt == "" {
		o.failItem(item, &payload, "Invalid payload (requires roomId, agentId, prompt)")
		return
	}

	runID := item.RunID
	if runID == "" {
		runID = newRunID(item.ID)
	}
	if !o.queue.MarkRunning(item.ID, runID, o.cfg.LeaseDuration) {
		// Lost the item between claim and start (cancelled or requeued).
		return
	}

	res, err := o.invoker.Invoke(ctx, ai.InvokeRequest{
		RoomID:       payload.RoomID,
		AgentID:      payload.AgentID,
		UserID:       payload.UserID,
		Prompt:       payload.Prompt,
		InvocationID: runID,
	})
	if err != nil {
		if errors.Is(err, ai.ErrCancelled) {
			// The run was cancelled externally; the item is already terminal.
			logging.ForItem(item.ID, runID).Infow("work item cancelled during run")
			return
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			// Shutdown interrupted the provider call. Leave the item RUNNING
			// so lease expiry requeues it on another instance.
			logging.ForItem(item.ID, runID).Infow("shutdown interrupted run, leaving item for lease recovery")
			return
		}
		o.failItem(item, &payload, err.Error())
		return
	}

	if err := o.onSucceeded(item, &payload, res.Content); err != nil {
		o.failItem(item, &payload, err.Error())
		return
	}

	if err := o.queue.Complete(item.ID); err != nil {
		logging.S().Errorw("complete failed", "id", item.ID, "error", err)
		return
	}
	metrics.Get().ItemsCompletedTotal.WithLabelValues(item.Type, string(models.WorkSucceeded)).Inc()

	o.afterCompleted(item, &payload, res.Content)
}

// failItem records the failure and applies type-specific unwinding
func (o *Orchestrator) failItem(item *models.WorkItem, payload *workPayload, msg string) {
	if err := o.queue.Fail(item.ID, msg); err != nil {
		logging.S().Errorw("fail update failed", "id", item.ID, "error", err)
	}
	metrics.Get().ItemsCompletedTotal.WithLabelValues(item.Type, string(models.WorkFailed)).Inc()
	logging.ForItem(item.ID, item.RunID).Warnw("work item failed", "type", item.Type, "error", msg)

	if item.Type == models.WorkTypeDecompose {
		o.rollbackPRD(payload.PRDID)
	}
}

// onSucceeded runs the hooks that can veto success. A returned error fails
// the item instead of completing it.
func (o *Orchestrator) onSucceeded(item *models.WorkItem, payload *workPayload, content string) error {
	switch item.Type {
	case models.WorkTypeReview:
		return o.onReviewSucceeded(item, payload, content)
	case models.WorkTypeDecompose:
		return o.onDecomposeSucceeded(item, payload, content)
	case models.WorkTypeLearnings:
		return o.onLearningsSucceeded(item, payload, content)
	default:
		return nil
	}
}

// afterCompleted runs expansion that happens only once the item itself is
// terminal, so chain accounting never counts the current item as pending.
func (o *Orchestrator) afterCompleted(item *models.WorkItem, payload *workPayload, content string) {
	switch item.Type {
	case models.WorkTypeTask:
		o.scheduleReview(item, payload, content)
		o.checkChainCompletion(item, payload)
	case models.WorkTypeReview:
		o.checkChainCompletion(item, payload)
	}
}
