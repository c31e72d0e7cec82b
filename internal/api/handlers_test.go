package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"conductor/internal/cache"
	"conductor/internal/config"
	"conductor/internal/queue"
	"conductor/pkg/models"
)

func testServer(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.WorkItem{}, &models.AgentRun{}, &models.Message{},
		&models.Agent{}, &models.Room{}, &models.RoomAgent{},
		&models.PRD{}, &models.OrchestratorInstance{},
	))

	cfg := &config.Config{InstanceID: "api-test", PollInterval: 2 * time.Second}
	h := NewHandler(db, queue.New(db, cfg.InstanceID), cache.New(""), cfg)

	r := gin.New()
	h.RegisterRoutes(r)
	return r, db
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateWorkItem(t *testing.T) {
	r, db := testServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/work-items", gin.H{
		"type":    "task",
		"payload": gin.H{"roomId": "r1", "agentId": "a1", "prompt": "do it"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var items []models.WorkItem
	require.NoError(t, db.Find(&items).Error)
	require.Len(t, items, 1)
	assert.Equal(t, "task", items[0].Type)
	assert.Equal(t, models.WorkQueued, items[0].Status)
	assert.Equal(t, "r1", items[0].RoomID)
}

func TestCreateWorkItemRejectsBadPayload(t *testing.T) {
	r, _ := testServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/work-items", gin.H{
		"type":    "task",
		"payload": gin.H{"roomId": "r1"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "payload requires")
}

func TestGetWorkItemNotFound(t *testing.T) {
	r, _ := testServer(t)
	w := doJSON(t, r, http.MethodGet, "/api/work-items/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelAndRequeue(t *testing.T) {
	r, db := testServer(t)
	item := &models.WorkItem{
		ID: "w1", Type: "task", Status: models.WorkQueued,
		Payload: "{}", MaxAttempts: 3, MaxIterations: 3,
	}
	require.NoError(t, db.Create(item).Error)

	w := doJSON(t, r, http.MethodPost, "/api/work-items/w1/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var got models.WorkItem
	require.NoError(t, db.First(&got, "id = ?", "w1").Error)
	assert.Equal(t, models.WorkCancelled, got.Status)

	// Cancelling a terminal item conflicts.
	w = doJSON(t, r, http.MethodPost, "/api/work-items/w1/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Terminal items can be requeued.
	w = doJSON(t, r, http.MethodPost, "/api/work-items/w1/requeue", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, db.First(&got, "id = ?", "w1").Error)
	assert.Equal(t, models.WorkQueued, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestCancelInvalidatesListCache(t *testing.T) {
	r, db := testServer(t)
	require.NoError(t, db.Create(&models.WorkItem{
		ID: "w1", Type: "task", Status: models.WorkQueued, ChainID: "chain-1",
		Payload: "{}", MaxAttempts: 3, MaxIterations: 3,
	}).Error)

	// Prime the cached list response.
	w := doJSON(t, r, http.MethodGet, "/api/work-items?chainId=chain-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"QUEUED"`)

	w = doJSON(t, r, http.MethodPost, "/api/work-items/w1/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// The stale cached list was dropped, not served for its remaining TTL.
	w = doJSON(t, r, http.MethodGet, "/api/work-items?chainId=chain-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"CANCELLED"`)
	assert.NotContains(t, w.Body.String(), `"QUEUED"`)
}

func TestWorkItemOutput(t *testing.T) {
	r, db := testServer(t)
	require.NoError(t, db.Create(&models.WorkItem{
		ID: "w1", Type: "task", Status: models.WorkRunning,
		Payload: "{}", RunID: "inv_work_abc", MaxAttempts: 3, MaxIterations: 3,
	}).Error)
	require.NoError(t, db.Create(&models.Message{
		ID: "inv_work_abc", RoomID: "r1", Content: "partial output so far",
	}).Error)

	w := doJSON(t, r, http.MethodGet, "/api/work-items/w1/output", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "partial output so far")
	assert.Contains(t, w.Body.String(), "inv_work_abc")
}

func seedDecomposeFixtures(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create(&models.Room{ID: "r1", Name: "ws"}).Error)
	require.NoError(t, db.Create(&models.Agent{ID: "avery", Name: "Avery", Harness: "claude-code"}).Error)
	require.NoError(t, db.Create(&models.RoomAgent{RoomID: "r1", AgentID: "avery"}).Error)
	require.NoError(t, db.Create(&models.PRD{
		ID: "p1", RoomID: "r1", Title: "Checkout", Content: "Build checkout", Status: models.PRDDraft,
	}).Error)
}

func TestDecomposePRD(t *testing.T) {
	r, db := testServer(t)
	seedDecomposeFixtures(t, db)

	w := doJSON(t, r, http.MethodPost, "/api/prds/p1/decompose", gin.H{
		"architectAgentId": "avery",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var prd models.PRD
	require.NoError(t, db.First(&prd, "id = ?", "p1").Error)
	assert.Equal(t, models.PRDDecomposing, prd.Status)

	var items []models.WorkItem
	require.NoError(t, db.Find(&items).Error)
	require.Len(t, items, 1)
	assert.Equal(t, models.WorkTypeDecompose, items[0].Type)
	assert.Equal(t, "p1", items[0].ChainID)
	assert.Contains(t, items[0].Payload, "Checkout")

	// Second call conflicts while the first decompose is live.
	require.NoError(t, db.Model(&models.PRD{}).
		Where("id = ?", "p1").Update("status", models.PRDDraft).Error)
	w = doJSON(t, r, http.MethodPost, "/api/prds/p1/decompose", gin.H{
		"architectAgentId": "avery",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already in progress")
}

func TestDecomposePRDStatusGuard(t *testing.T) {
	r, db := testServer(t)
	seedDecomposeFixtures(t, db)
	require.NoError(t, db.Model(&models.PRD{}).
		Where("id = ?", "p1").Update("status", models.PRDActive).Error)

	w := doJSON(t, r, http.MethodPost, "/api/prds/p1/decompose", gin.H{
		"architectAgentId": "avery",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "must be DRAFT")
}

func TestDecomposePRDRejectsForeignAgent(t *testing.T) {
	r, db := testServer(t)
	seedDecomposeFixtures(t, db)

	w := doJSON(t, r, http.MethodPost, "/api/prds/p1/decompose", gin.H{
		"architectAgentId": "stranger",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "not in this room")
}

func TestOrchestratorHealth(t *testing.T) {
	r, db := testServer(t)
	require.NoError(t, db.Create(&models.OrchestratorInstance{
		ID: "inst-1", StartedAt: time.Now().Add(-time.Hour), LastSeenAt: time.Now(),
	}).Error)
	require.NoError(t, db.Create(&models.OrchestratorInstance{
		ID: "inst-stale", StartedAt: time.Now().Add(-time.Hour), LastSeenAt: time.Now().Add(-time.Hour),
	}).Error)

	w := doJSON(t, r, http.MethodGet, "/api/orchestrator/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Instances []struct {
				ID      string `json:"id"`
				Healthy bool   `json:"healthy"`
			} `json:"instances"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Data.Instances, 2)
	byID := map[string]bool{}
	for _, in := range resp.Data.Instances {
		byID[in.ID] = in.Healthy
	}
	assert.True(t, byID["inst-1"])
	assert.False(t, byID["inst-stale"])
}

func TestHealthz(t *testing.T) {
	r, _ := testServer(t)
	w := doJSON(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
