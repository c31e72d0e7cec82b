package orchestrator

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"conductor/internal/logging"
	"conductor/internal/parsing"
	"conductor/internal/queue"
	"conductor/pkg/models"
)

// Idempotency scopes. Each (scope, stable hash) pair marks one expansion as
// already applied, so retried or re-run hooks never double-enqueue.
const (
	scopeReview    = "review"
	scopeRework    = "rework"
	scopeEpic      = "epic"
	scopeTask      = "task"
	scopeLearnings = "learnings"
	scopeKnowledge = "knowledge"
)

func stableHash(parts ...string) string {
	h := sha1.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// claimMarker inserts an idempotency marker and reports whether this caller
// won it. Losing means the expansion already happened.
func (o *Orchestrator) claimMarker(scope, key, ref string) (bool, error) {
	res := o.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.IdempotencyKey{
		Scope: scope,
		Key:   key,
		Ref:   ref,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// scheduleReview enqueues exactly one review item for a succeeded task,
// addressed to the room's reviewer agent.
func (o *Orchestrator) scheduleReview(item *models.WorkItem, payload *workPayload, content string) {
	reviewer, err := o.findRoomAgentByName(payload.RoomID, o.cfg.ReviewerName)
	if err != nil {
		logging.S().Errorw("reviewer lookup failed", "room", payload.RoomID, "error", err)
		return
	}
	if reviewer == nil {
		logging.S().Warnw("no reviewer agent in room; skipping review",
			"room", payload.RoomID, "reviewer", o.cfg.ReviewerName)
		return
	}

	won, err := o.claimMarker(scopeReview, item.ID, "")
	if err != nil || !won {
		if err != nil {
			logging.S().Errorw("review marker failed", "id", item.ID, "error", err)
		}
		return
	}

	reviewPayload, _ := json.Marshal(workPayload{
		RoomID:           payload.RoomID,
		AgentID:          reviewer.ID,
		Prompt:           buildReviewPrompt(payload.Prompt, content),
		UserID:           payload.UserID,
		PRDID:            payload.PRDID,
		SourceWorkItemID: item.ID,
		OriginalPrompt:   payload.Prompt,
	})
	review, err := o.queue.Enqueue(queue.EnqueueParams{
		Type:          models.WorkTypeReview,
		Payload:       string(reviewPayload),
		ChainID:       item.ChainID,
		SourceItemID:  item.ID,
		EpicID:        item.EpicID,
		RoomID:        payload.RoomID,
		AgentID:       reviewer.ID,
		Iteration:     item.Iteration,
		MaxIterations: item.MaxIterations,
	})
	if err != nil {
		logging.S().Errorw("review enqueue failed", "task", item.ID, "error", err)
		return
	}
	logging.S().Infow("review scheduled", "task", item.ID, "review", review.ID, "reviewer", reviewer.Name)
}

// onReviewSucceeded applies the reviewer's verdict. CHANGES_NEEDED spawns one
// rework task unless the iteration ceiling is hit; an unreadable verdict
// fails the review.
func (o *Orchestrator) onReviewSucceeded(item *models.WorkItem, payload *workPayload, content string) error {
	outcome := parsing.ParseReviewOutcome(content)
	if outcome == nil {
		return errors.New("review outcome not parseable (expected APPROVED or CHANGES_NEEDED)")
	}
	if outcome.Verdict == parsing.VerdictApproved {
		logging.S().Infow("review approved", "review", item.ID)
		return nil
	}

	parentID := payload.SourceWorkItemID
	if parentID == "" {
		parentID = item.SourceItemID
	}
	if parentID == "" {
		return errors.New("review has no source work item to rework")
	}
	var parent models.WorkItem
	if err := o.db.First(&parent, "id = ?", parentID).Error; err != nil {
		return fmt.Errorf("rework parent %s not found", parentID)
	}

	nextIteration := parent.Iteration + 1
	if nextIteration > parent.MaxIterations {
		return fmt.Errorf("iteration limit reached (%d/%d); changes still needed: %s",
			parent.Iteration, parent.MaxIterations, parsing.Truncate(outcome.Details, 500))
	}

	won, err := o.claimMarker(scopeRework, item.ID, "")
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	originalPrompt := payload.OriginalPrompt
	if originalPrompt == "" {
		var parentPayload workPayload
		_ = json.Unmarshal([]byte(parent.Payload), &parentPayload)
		originalPrompt = parentPayload.Prompt
	}

	reworkPayload, _ := json.Marshal(workPayload{
		RoomID:           payload.RoomID,
		AgentID:          parent.AgentID,
		Prompt:           buildReworkPrompt(originalPrompt, outcome.Details),
		UserID:           payload.UserID,
		PRDID:            payload.PRDID,
		SourceWorkItemID: item.ID,
		OriginalPrompt:   originalPrompt,
	})
	rework, err := o.queue.Enqueue(queue.EnqueueParams{
		Type:          models.WorkTypeTask,
		Payload:       string(reworkPayload),
		ChainID:       item.ChainID,
		SourceItemID:  item.ID,
		EpicID:        parent.EpicID,
		RoomID:        payload.RoomID,
		AgentID:       parent.AgentID,
		Iteration:     nextIteration,
		MaxIterations: parent.MaxIterations,
		MaxAttempts:   parent.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("rework enqueue failed: %w", err)
	}
	logging.S().Infow("rework scheduled",
		"review", item.ID, "task", rework.ID, "iteration", nextIteration)
	return nil
}

// onDecomposeSucceeded expands the architect's plan into epics and tasks and
// activates the PRD. Any parse or validation failure fails the decompose item
// and the caller rolls the PRD back to DRAFT.
func (o *Orchestrator) onDecomposeSucceeded(item *models.WorkItem, payload *workPayload, content string) error {
	if payload.PRDID == "" {
		return errors.New("decompose payload missing prdId")
	}
	plan := parsing.ParseDecomposePlan(content)
	if plan == nil {
		return errors.New("decompose output did not contain a valid plan (expected tasks[] or epics[] JSON)")
	}

	if len(plan.Epics) > 0 {
		for i, epic := range plan.Epics {
			epicID, err := o.ensureEpic(payload.PRDID, epic.Title, i)
			if err != nil {
				return err
			}
			epicKey := stableHash(payload.PRDID, epic.Title)
			for _, task := range epic.Tasks {
				if err := o.enqueuePlannedTask(item, payload, task, epicID, epicKey); err != nil {
					return err
				}
			}
		}
	} else {
		for _, task := range plan.Tasks {
			if err := o.enqueuePlannedTask(item, payload, task, "", ""); err != nil {
				return err
			}
		}
	}

	err := o.db.Model(&models.PRD{}).
		Where("id = ? AND status = ?", payload.PRDID, models.PRDDecomposing).
		Update("status", models.PRDActive).Error
	if err != nil {
		return fmt.Errorf("prd activation failed: %w", err)
	}
	logging.S().Infow("prd decomposed", "prd", payload.PRDID,
		"epics", len(plan.Epics), "tasks", len(plan.Tasks))
	return nil
}

// ensureEpic creates the Epic row once per (prd, title), returning its id
func (o *Orchestrator) ensureEpic(prdID, title string, position int) (string, error) {
	key := stableHash(prdID, title)
	epicID := uuid.NewString()
	won, err := o.claimMarker(scopeEpic, key, epicID)
	if err != nil {
		return "", err
	}
	if !won {
		var marker models.IdempotencyKey
		if err := o.db.First(&marker, "scope = ? AND key = ?", scopeEpic, key).Error; err != nil {
			return "", err
		}
		return marker.Ref, nil
	}
	err = o.db.Create(&models.Epic{
		ID:       epicID,
		PRDID:    prdID,
		Title:    title,
		Position: position,
	}).Error
	if err != nil {
		return "", fmt.Errorf("epic create failed: %w", err)
	}
	return epicID, nil
}

func (o *Orchestrator) enqueuePlannedTask(item *models.WorkItem, payload *workPayload, task parsing.PlannedTask, epicID, epicKey string) error {
	agentID := task.AgentID
	if agentID == "" {
		agentID = payload.DefaultAgentID
	}
	if agentID == "" {
		agentID = payload.AgentID
	}

	key := stableHash(payload.PRDID, epicKey, task.Title, task.Prompt)
	won, err := o.claimMarker(scopeTask, key, "")
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	taskPayload, _ := json.Marshal(workPayload{
		RoomID:  payload.RoomID,
		AgentID: agentID,
		Prompt:  task.Prompt,
		UserID:  payload.UserID,
		PRDID:   payload.PRDID,
		Title:   task.Title,
	})
	created, err := o.queue.Enqueue(queue.EnqueueParams{
		Type:         models.WorkTypeTask,
		Payload:      string(taskPayload),
		ChainID:      payload.PRDID,
		SourceItemID: item.ID,
		EpicID:       epicID,
		RoomID:       payload.RoomID,
		AgentID:      agentID,
	})
	if err != nil {
		return fmt.Errorf("task enqueue failed: %w", err)
	}
	logging.S().Infow("task enqueued from plan", "prd", payload.PRDID, "task", created.ID, "title", task.Title)
	return nil
}

// onLearningsSucceeded persists the extracted learnings as deduplicated
// knowledge records.
func (o *Orchestrator) onLearningsSucceeded(item *models.WorkItem, payload *workPayload, content string) error {
	learnings := parsing.ParseLearnings(content)
	if learnings == nil {
		return errors.New("learnings output did not contain a valid learnings[] array")
	}
	for _, l := range learnings {
		key := stableHash(payload.RoomID, payload.AgentID, l.Title, l.Content)
		won, err := o.claimMarker(scopeKnowledge, key, "")
		if err != nil {
			return err
		}
		if !won {
			continue
		}
		tags, _ := json.Marshal(l.Tags)
		err = o.db.Create(&models.KnowledgeItem{
			ID:      uuid.NewString(),
			RoomID:  payload.RoomID,
			AgentID: payload.AgentID,
			Kind:    l.Kind,
			Title:   l.Title,
			Content: l.Content,
			Tags:    string(tags),
		}).Error
		if err != nil {
			return fmt.Errorf("knowledge item create failed: %w", err)
		}
	}
	logging.S().Infow("learnings recorded", "item", item.ID, "count", len(learnings))
	return nil
}

// rollbackPRD returns a PRD to DRAFT after a failed decomposition so it can
// be retried
func (o *Orchestrator) rollbackPRD(prdID string) {
	if prdID == "" {
		return
	}
	err := o.db.Model(&models.PRD{}).
		Where("id = ? AND status = ?", prdID, models.PRDDecomposing).
		Update("status", models.PRDDraft).Error
	if err != nil {
		logging.S().Errorw("prd rollback failed", "prd", prdID, "error", err)
		return
	}
	logging.S().Warnw("prd rolled back to draft", "prd", prdID)
}

// checkChainCompletion marks the owning PRD COMPLETED once no task or review
// in its chain is still pending, then schedules one learnings pass.
func (o *Orchestrator) checkChainCompletion(item *models.WorkItem, payload *workPayload) {
	chainID := item.ChainID
	if chainID == "" {
		return
	}
	var prd models.PRD
	if err := o.db.First(&prd, "id = ?", chainID).Error; err != nil {
		// Chain does not root at a PRD; nothing to conclude.
		return
	}
	if prd.Status != models.PRDActive {
		return
	}

	var pending int64
	err := o.db.Model(&models.WorkItem{}).
		Where("chain_id = ? AND type IN ? AND status IN ?",
			chainID,
			[]string{models.WorkTypeTask, models.WorkTypeReview},
			[]models.WorkStatus{models.WorkQueued, models.WorkClaimed, models.WorkRunning}).
		Count(&pending).Error
	if err != nil {
		logging.S().Errorw("chain pending count failed", "chain", chainID, "error", err)
		return
	}
	if pending > 0 {
		return
	}

	res := o.db.Model(&models.PRD{}).
		Where("id = ? AND status = ?", prd.ID, models.PRDActive).
		Update("status", models.PRDCompleted)
	if res.Error != nil || res.RowsAffected != 1 {
		return
	}
	logging.S().Infow("prd chain completed", "prd", prd.ID)

	o.scheduleLearnings(&prd, item, payload)
}

// scheduleLearnings enqueues one learnings item per completed PRD
func (o *Orchestrator) scheduleLearnings(prd *models.PRD, item *models.WorkItem, payload *workPayload) {
	won, err := o.claimMarker(scopeLearnings, prd.ID, "")
	if err != nil || !won {
		if err != nil {
			logging.S().Errorw("learnings marker failed", "prd", prd.ID, "error", err)
		}
		return
	}

	learningsPayload, _ := json.Marshal(workPayload{
		RoomID:  prd.RoomID,
		AgentID: payload.AgentID,
		Prompt:  buildLearningsPrompt(prd.Title),
		UserID:  payload.UserID,
		PRDID:   prd.ID,
	})
	created, err := o.queue.Enqueue(queue.EnqueueParams{
		Type:         models.WorkTypeLearnings,
		Payload:      string(learningsPayload),
		ChainID:      prd.ID,
		SourceItemID: item.ID,
		RoomID:       prd.RoomID,
		AgentID:      payload.AgentID,
	})
	if err != nil {
		logging.S().Errorw("learnings enqueue failed", "prd", prd.ID, "error", err)
		return
	}
	logging.S().Infow("learnings scheduled", "prd", prd.ID, "item", created.ID)
}

// findRoomAgentByName resolves an agent in a room by case-insensitive name
func (o *Orchestrator) findRoomAgentByName(roomID, name string) (*models.Agent, error) {
	var agents []models.Agent
	err := o.db.
		Joins("JOIN room_agents ON room_agents.agent_id = agents.id").
		Where("room_agents.room_id = ?", roomID).
		Find(&agents).Error
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(strings.TrimSpace(name))
	for i := range agents {
		if strings.ToLower(strings.TrimSpace(agents[i].Name)) == want {
			return &agents[i], nil
		}
	}
	return nil, nil
}
