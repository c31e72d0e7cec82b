// Package api is the thin HTTP surface over the work queue and store. It
// only enqueues and inspects; all scheduling decisions live in the
// orchestrator.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"conductor/internal/cache"
	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/orchestrator"
	"conductor/internal/queue"
	"conductor/pkg/models"
)

// StandardResponse is the envelope every endpoint replies with
type StandardResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Handler carries the shared dependencies for all routes
type Handler struct {
	DB    *gorm.DB
	Queue *queue.Queue
	Cache *cache.Cache
	Cfg   *config.Config
}

// NewHandler creates a new handler instance
func NewHandler(db *gorm.DB, q *queue.Queue, c *cache.Cache, cfg *config.Config) *Handler {
	return &Handler{DB: db, Queue: q, Cache: c, Cfg: cfg}
}

// RegisterRoutes mounts all API routes on the router
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	{
		api.POST("/work-items", h.CreateWorkItem)
		api.GET("/work-items", h.ListWorkItems)
		api.GET("/work-items/:id", h.GetWorkItem)
		api.POST("/work-items/:id/cancel", h.CancelWorkItem)
		api.POST("/work-items/:id/requeue", h.RequeueWorkItem)
		api.GET("/work-items/:id/output", h.GetWorkItemOutput)
		api.POST("/prds/:id/decompose", h.DecomposePRD)
		api.GET("/orchestrator/health", h.OrchestratorHealth)
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, StandardResponse{
		Success: false,
		Error:   msg,
		Code:    "INVALID_REQUEST",
	})
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, StandardResponse{
		Success: false,
		Error:   "Not found",
		Code:    "NOT_FOUND",
	})
}

func internalError(c *gin.Context, err error) {
	logging.S().Errorw("request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, StandardResponse{
		Success: false,
		Error:   "Internal error",
		Code:    "INTERNAL_ERROR",
	})
}

// CreateWorkItem enqueues a new work item
func (h *Handler) CreateWorkItem(c *gin.Context) {
	var req struct {
		Type          string          `json:"type" binding:"required"`
		Payload       json.RawMessage `json:"payload" binding:"required"`
		ChainID       string          `json:"chainId"`
		SourceItemID  string          `json:"sourceItemId"`
		EpicID        string          `json:"epicId"`
		MaxAttempts   int             `json:"maxAttempts"`
		MaxIterations int             `json:"maxIterations"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request format")
		return
	}

	var payload struct {
		RoomID  string `json:"roomId"`
		AgentID string `json:"agentId"`
		Prompt  string `json:"prompt"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil ||
		payload.RoomID == "" || payload.AgentID == "" || payload.Prompt == "" {
		badRequest(c, "payload requires roomId, agentId, prompt")
		return
	}

	item, err := h.Queue.Enqueue(queue.EnqueueParams{
		Type:          req.Type,
		Payload:       string(req.Payload),
		ChainID:       req.ChainID,
		SourceItemID:  req.SourceItemID,
		EpicID:        req.EpicID,
		RoomID:        payload.RoomID,
		AgentID:       payload.AgentID,
		MaxAttempts:   req.MaxAttempts,
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		internalError(c, err)
		return
	}
	h.invalidateWorkItemLists(c, item.ChainID)
	c.JSON(http.StatusCreated, StandardResponse{Success: true, Data: item})
}

// invalidateWorkItemLists drops the cached list responses a mutation makes
// stale: the unfiltered list and the item's chain view.
func (h *Handler) invalidateWorkItemLists(c *gin.Context, chainID string) {
	keys := []string{"work-items:"}
	if chainID != "" {
		keys = append(keys, "work-items:"+chainID)
	}
	h.Cache.Delete(c.Request.Context(), keys...)
}

// ListWorkItems returns work items, optionally filtered by chain
func (h *Handler) ListWorkItems(c *gin.Context) {
	chainID := c.Query("chainId")
	cacheKey := "work-items:" + chainID

	var items []models.WorkItem
	if h.Cache.Get(c.Request.Context(), cacheKey, &items) {
		c.JSON(http.StatusOK, StandardResponse{Success: true, Data: items})
		return
	}

	q := h.DB.Order("created_at desc").Limit(200)
	if chainID != "" {
		q = q.Where("chain_id = ?", chainID)
	}
	if err := q.Find(&items).Error; err != nil {
		internalError(c, err)
		return
	}

	h.Cache.Set(c.Request.Context(), cacheKey, items, 2*time.Second)
	c.JSON(http.StatusOK, StandardResponse{Success: true, Data: items})
}

// GetWorkItem returns one work item by id
func (h *Handler) GetWorkItem(c *gin.Context) {
	var item models.WorkItem
	if err := h.DB.First(&item, "id = ?", c.Param("id")).Error; err != nil {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, StandardResponse{Success: true, Data: item})
}

// CancelWorkItem marks a non-terminal item CANCELLED. The orchestrator
// respects this opportunistically at its next checkpoint.
func (h *Handler) CancelWorkItem(c *gin.Context) {
	ok, err := h.Queue.Cancel(c.Param("id"))
	if err != nil {
		internalError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, StandardResponse{
			Success: false,
			Error:   "Work item is not cancellable",
			Code:    "NOT_CANCELLABLE",
		})
		return
	}
	var item models.WorkItem
	if err := h.DB.First(&item, "id = ?", c.Param("id")).Error; err == nil {
		h.invalidateWorkItemLists(c, item.ChainID)
	}
	c.JSON(http.StatusOK, StandardResponse{Success: true, Message: "Cancelled"})
}

// RequeueWorkItem returns a terminal item to QUEUED with fresh attempts
func (h *Handler) RequeueWorkItem(c *gin.Context) {
	ok, err := h.Queue.Requeue(c.Param("id"))
	if err != nil {
		internalError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, StandardResponse{
			Success: false,
			Error:   "Only terminal work items can be requeued",
			Code:    "NOT_REQUEUEABLE",
		})
		return
	}
	var item models.WorkItem
	if err := h.DB.First(&item, "id = ?", c.Param("id")).Error; err == nil {
		h.invalidateWorkItemLists(c, item.ChainID)
	}
	c.JSON(http.StatusOK, StandardResponse{Success: true, Message: "Requeued"})
}

// GetWorkItemOutput returns the item's current agent output, which may be a
// partial message while streaming is still flushing
func (h *Handler) GetWorkItemOutput(c *gin.Context) {
	var item models.WorkItem
	if err := h.DB.First(&item, "id = ?", c.Param("id")).Error; err != nil {
		notFound(c)
		return
	}
	if item.RunID == "" {
		c.JSON(http.StatusOK, StandardResponse{Success: true, Data: gin.H{
			"status": item.Status, "content": "",
		}})
		return
	}

	var msg models.Message
	content := ""
	if err := h.DB.First(&msg, "id = ?", item.RunID).Error; err == nil {
		content = msg.Content
	}
	c.JSON(http.StatusOK, StandardResponse{Success: true, Data: gin.H{
		"status":  item.Status,
		"runId":   item.RunID,
		"content": content,
	}})
}

// DecomposePRD enqueues a decomposition of a DRAFT PRD
func (h *Handler) DecomposePRD(c *gin.Context) {
	var prd models.PRD
	if err := h.DB.First(&prd, "id = ?", c.Param("id")).Error; err != nil {
		notFound(c)
		return
	}
	if prd.Status != models.PRDDraft {
		c.JSON(http.StatusConflict, StandardResponse{
			Success: false,
			Error:   "PRD status must be DRAFT (got " + string(prd.Status) + ")",
			Code:    "INVALID_STATE",
		})
		return
	}

	// One live decomposer per PRD.
	var inFlight int64
	err := h.DB.Model(&models.WorkItem{}).
		Where("chain_id = ? AND type = ? AND status IN ?",
			prd.ID, models.WorkTypeDecompose,
			[]models.WorkStatus{models.WorkQueued, models.WorkClaimed, models.WorkRunning}).
		Count(&inFlight).Error
	if err != nil {
		internalError(c, err)
		return
	}
	if inFlight > 0 {
		c.JSON(http.StatusConflict, StandardResponse{
			Success: false,
			Error:   "Decomposition already in progress",
			Code:    "ALREADY_DECOMPOSING",
		})
		return
	}

	var req struct {
		ArchitectAgentID string `json:"architectAgentId" binding:"required"`
		DefaultAgentID   string `json:"defaultAgentId"`
		UserID           string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "architectAgentId is required")
		return
	}
	if !h.agentInRoom(prd.RoomID, req.ArchitectAgentID) {
		badRequest(c, "architectAgentId is not in this room")
		return
	}
	if req.DefaultAgentID != "" && !h.agentInRoom(prd.RoomID, req.DefaultAgentID) {
		badRequest(c, "defaultAgentId is not in this room")
		return
	}

	payload, _ := json.Marshal(gin.H{
		"roomId":         prd.RoomID,
		"agentId":        req.ArchitectAgentID,
		"prompt":         orchestrator.BuildDecomposePrompt(&prd),
		"userId":         req.UserID,
		"prdId":          prd.ID,
		"defaultAgentId": req.DefaultAgentID,
	})
	item, err := h.Queue.Enqueue(queue.EnqueueParams{
		Type:    models.WorkTypeDecompose,
		Payload: string(payload),
		ChainID: prd.ID,
		RoomID:  prd.RoomID,
		AgentID: req.ArchitectAgentID,
	})
	if err != nil {
		internalError(c, err)
		return
	}

	if err := h.DB.Model(&models.PRD{}).
		Where("id = ? AND status = ?", prd.ID, models.PRDDraft).
		Update("status", models.PRDDecomposing).Error; err != nil {
		internalError(c, err)
		return
	}

	h.invalidateWorkItemLists(c, prd.ID)
	c.JSON(http.StatusAccepted, StandardResponse{Success: true, Data: gin.H{
		"workItemId": item.ID,
	}})
}

func (h *Handler) agentInRoom(roomID, agentID string) bool {
	var count int64
	h.DB.Model(&models.RoomAgent{}).
		Where("room_id = ? AND agent_id = ?", roomID, agentID).
		Count(&count)
	return count > 0
}

// Healthz is the liveness probe
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// OrchestratorHealth reports heartbeat freshness for every known instance
func (h *Handler) OrchestratorHealth(c *gin.Context) {
	var instances []models.OrchestratorInstance
	if err := h.DB.Order("last_seen_at desc").Limit(20).Find(&instances).Error; err != nil {
		internalError(c, err)
		return
	}

	staleAfter := 3 * h.Cfg.PollInterval
	if staleAfter < 10*time.Second {
		staleAfter = 10 * time.Second
	}

	type instanceHealth struct {
		ID         string    `json:"id"`
		StartedAt  time.Time `json:"started_at"`
		LastSeenAt time.Time `json:"last_seen_at"`
		Healthy    bool      `json:"healthy"`
	}
	out := make([]instanceHealth, 0, len(instances))
	anyHealthy := false
	for _, in := range instances {
		healthy := time.Since(in.LastSeenAt) < staleAfter
		anyHealthy = anyHealthy || healthy
		out = append(out, instanceHealth{
			ID:         in.ID,
			StartedAt:  in.StartedAt,
			LastSeenAt: in.LastSeenAt,
			Healthy:    healthy,
		})
	}

	status := http.StatusOK
	if !anyHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, StandardResponse{Success: anyHealthy, Data: gin.H{
		"instances": out,
	}})
}
