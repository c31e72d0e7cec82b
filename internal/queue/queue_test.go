package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"conductor/pkg/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// Every pooled connection to :memory: sees a distinct database, so the
	// concurrency tests must share a single connection.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.WorkItem{},
		&models.AgentRun{},
		&models.Message{},
	))
	return db
}

func TestEnqueueDefaults(t *testing.T) {
	q := New(testDB(t), "inst-a")

	item, err := q.Enqueue(EnqueueParams{
		Type:    models.WorkTypeTask,
		Payload: `{"roomId":"r1","agentId":"a1","prompt":"hi"}`,
	})
	require.NoError(t, err)

	assert.Equal(t, models.WorkQueued, item.Status)
	assert.Equal(t, 3, item.MaxAttempts)
	assert.Equal(t, 3, item.MaxIterations)
	assert.Equal(t, 0, item.Attempts)
	assert.NotEmpty(t, item.ID)
}

func TestClaimNextSetsLeaseAndChain(t *testing.T) {
	q := New(testDB(t), "inst-a")

	item, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)

	claimed, err := q.ClaimNext(30 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, item.ID, claimed.ID)
	assert.Equal(t, models.WorkClaimed, claimed.Status)
	assert.Equal(t, "inst-a", claimed.LeaseOwner)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.LeaseExpiresAt)
	assert.True(t, claimed.LeaseExpiresAt.After(time.Now()))

	// Items without an explicit chain root their own chain.
	assert.Equal(t, item.ID, claimed.ChainID)
}

func TestClaimNextPreservesExistingChain(t *testing.T) {
	q := New(testDB(t), "inst-a")

	_, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeReview, Payload: "{}", ChainID: "chain-1"})
	require.NoError(t, err)

	claimed, err := q.ClaimNext(30 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "chain-1", claimed.ChainID)
}

func TestClaimNextOrdersByAge(t *testing.T) {
	db := testDB(t)
	q := New(db, "inst-a")

	older := &models.WorkItem{
		ID: "w-old", Type: models.WorkTypeTask, Status: models.WorkQueued,
		Payload: "{}", MaxAttempts: 3, MaxIterations: 3,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	newer := &models.WorkItem{
		ID: "w-new", Type: models.WorkTypeTask, Status: models.WorkQueued,
		Payload: "{}", MaxAttempts: 3, MaxIterations: 3,
		CreatedAt: time.Now(),
	}
	require.NoError(t, db.Create(newer).Error)
	require.NoError(t, db.Create(older).Error)

	claimed, err := q.ClaimNext(30 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "w-old", claimed.ID)
}

func TestClaimNextEmpty(t *testing.T) {
	q := New(testDB(t), "inst-a")
	claimed, err := q.ClaimNext(30 * time.Second)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestConcurrentClaimersSingleWinner(t *testing.T) {
	db := testDB(t)
	_, err := New(db, "seed").Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q := New(db, "inst")
			item, err := q.ClaimNext(30 * time.Second)
			if err == nil && item != nil {
				wins <- item.ID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	assert.Len(t, winners, 1)
}

func TestMarkRunningRequiresOwnership(t *testing.T) {
	q := New(testDB(t), "inst-a")
	other := New(q.DB(), "inst-b")

	_, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)
	claimed, err := q.ClaimNext(30 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.False(t, other.MarkRunning(claimed.ID, "inv_work_x", 30*time.Second))
	assert.True(t, q.MarkRunning(claimed.ID, "inv_work_x", 30*time.Second))

	var item models.WorkItem
	require.NoError(t, q.DB().First(&item, "id = ?", claimed.ID).Error)
	assert.Equal(t, models.WorkRunning, item.Status)
	assert.Equal(t, "inv_work_x", item.RunID)
}

func TestBumpLeaseExtends(t *testing.T) {
	q := New(testDB(t), "inst-a")

	_, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)
	claimed, err := q.ClaimNext(time.Second)
	require.NoError(t, err)
	require.True(t, q.MarkRunning(claimed.ID, "inv_work_b", time.Second))

	var before models.WorkItem
	require.NoError(t, q.DB().First(&before, "id = ?", claimed.ID).Error)

	q.BumpLease([]string{claimed.ID}, time.Hour)

	var after models.WorkItem
	require.NoError(t, q.DB().First(&after, "id = ?", claimed.ID).Error)
	require.NotNil(t, after.LeaseExpiresAt)
	assert.True(t, after.LeaseExpiresAt.After(*before.LeaseExpiresAt))
}

func expireLease(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	past := time.Now().Add(-time.Minute)
	require.NoError(t, db.Model(&models.WorkItem{}).
		Where("id = ?", id).
		Update("lease_expires_at", past).Error)
}

func TestRequeueExpiredReturnsToQueue(t *testing.T) {
	q := New(testDB(t), "inst-a")

	_, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)
	claimed, err := q.ClaimNext(time.Second)
	require.NoError(t, err)
	expireLease(t, q.DB(), claimed.ID)

	q.RequeueExpired(30 * time.Second)

	var item models.WorkItem
	require.NoError(t, q.DB().First(&item, "id = ?", claimed.ID).Error)
	assert.Equal(t, models.WorkQueued, item.Status)
	assert.Equal(t, "Lease expired; requeued", item.LastError)
	assert.Empty(t, item.LeaseOwner)
	assert.Empty(t, item.RunID)
	assert.Nil(t, item.LeaseExpiresAt)
	// Attempts survive the requeue so the ceiling still binds.
	assert.Equal(t, 1, item.Attempts)
}

func TestRequeueExpiredAttemptCeiling(t *testing.T) {
	q := New(testDB(t), "inst-a")

	item, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}", MaxAttempts: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		claimed, err := q.ClaimNext(time.Second)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		expireLease(t, q.DB(), claimed.ID)
		q.RequeueExpired(30 * time.Second)
	}

	var final models.WorkItem
	require.NoError(t, q.DB().First(&final, "id = ?", item.ID).Error)
	assert.Equal(t, models.WorkFailed, final.Status)
	assert.Equal(t, "Lease expired too many times", final.LastError)
}

func TestRequeueExpiredAdoptsTerminalRun(t *testing.T) {
	q := New(testDB(t), "inst-a")

	_, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)
	claimed, err := q.ClaimNext(time.Second)
	require.NoError(t, err)
	require.True(t, q.MarkRunning(claimed.ID, "inv_work_done", time.Second))

	require.NoError(t, q.DB().Create(&models.AgentRun{
		ID: "inv_work_done", State: models.RunSucceeded,
		RoomID: "r1", AgentID: "a1",
	}).Error)
	expireLease(t, q.DB(), claimed.ID)

	q.RequeueExpired(30 * time.Second)

	var item models.WorkItem
	require.NoError(t, q.DB().First(&item, "id = ?", claimed.ID).Error)
	assert.Equal(t, models.WorkSucceeded, item.Status)
	assert.Equal(t, 1, item.Attempts)
}

func TestRequeueExpiredAdoptsFailedRun(t *testing.T) {
	q := New(testDB(t), "inst-a")

	_, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)
	claimed, err := q.ClaimNext(time.Second)
	require.NoError(t, err)
	require.True(t, q.MarkRunning(claimed.ID, "inv_work_bad", time.Second))

	require.NoError(t, q.DB().Create(&models.AgentRun{
		ID: "inv_work_bad", State: models.RunFailed, ErrorMessage: "provider exploded",
		RoomID: "r1", AgentID: "a1",
	}).Error)
	expireLease(t, q.DB(), claimed.ID)

	q.RequeueExpired(30 * time.Second)

	var item models.WorkItem
	require.NoError(t, q.DB().First(&item, "id = ?", claimed.ID).Error)
	assert.Equal(t, models.WorkFailed, item.Status)
	assert.Equal(t, "provider exploded", item.LastError)
}

func TestRequeueExpiredAdoptsPersistedOutput(t *testing.T) {
	q := New(testDB(t), "inst-a")

	_, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)
	claimed, err := q.ClaimNext(time.Second)
	require.NoError(t, err)
	require.True(t, q.MarkRunning(claimed.ID, "inv_work_msg", time.Second))

	// No terminal run row, but the response was persisted before the crash.
	require.NoError(t, q.DB().Create(&models.Message{
		ID: "inv_work_msg", RoomID: "r1", AuthorID: "a1", Content: "the answer",
	}).Error)
	expireLease(t, q.DB(), claimed.ID)

	q.RequeueExpired(30 * time.Second)

	var item models.WorkItem
	require.NoError(t, q.DB().First(&item, "id = ?", claimed.ID).Error)
	assert.Equal(t, models.WorkSucceeded, item.Status)
}

func TestCompleteAndFail(t *testing.T) {
	q := New(testDB(t), "inst-a")

	a, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)
	b, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)

	c1, err := q.ClaimNext(time.Second)
	require.NoError(t, err)
	c2, err := q.ClaimNext(time.Second)
	require.NoError(t, err)
	require.NotNil(t, c1)
	require.NotNil(t, c2)

	require.NoError(t, q.Complete(a.ID))
	require.NoError(t, q.Fail(b.ID, "boom"))

	var done, failed models.WorkItem
	require.NoError(t, q.DB().First(&done, "id = ?", a.ID).Error)
	require.NoError(t, q.DB().First(&failed, "id = ?", b.ID).Error)
	assert.Equal(t, models.WorkSucceeded, done.Status)
	assert.Equal(t, models.WorkFailed, failed.Status)
	assert.Equal(t, "boom", failed.LastError)
}

func TestFailTruncatesLongErrors(t *testing.T) {
	q := New(testDB(t), "inst-a")

	item, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)
	_, err = q.ClaimNext(time.Second)
	require.NoError(t, err)

	long := make([]byte, 10000)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, q.Fail(item.ID, string(long)))

	var failed models.WorkItem
	require.NoError(t, q.DB().First(&failed, "id = ?", item.ID).Error)
	assert.Less(t, len(failed.LastError), 5000)
	assert.Contains(t, failed.LastError, "[truncated")
}

func TestCancel(t *testing.T) {
	q := New(testDB(t), "inst-a")

	item, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)
	claimed, err := q.ClaimNext(time.Second)
	require.NoError(t, err)
	require.True(t, q.MarkRunning(claimed.ID, "inv_work_c", time.Second))
	require.NoError(t, q.DB().Create(&models.AgentRun{
		ID: "inv_work_c", State: models.RunInProgress, RoomID: "r1", AgentID: "a1",
	}).Error)

	ok, err := q.Cancel(item.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	var got models.WorkItem
	require.NoError(t, q.DB().First(&got, "id = ?", item.ID).Error)
	assert.Equal(t, models.WorkCancelled, got.Status)

	var run models.AgentRun
	require.NoError(t, q.DB().First(&run, "id = ?", "inv_work_c").Error)
	assert.Equal(t, models.RunCancelled, run.State)

	// Terminal items cannot be cancelled again.
	ok, err = q.Cancel(item.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequeueResetsTerminalItem(t *testing.T) {
	q := New(testDB(t), "inst-a")

	item, err := q.Enqueue(EnqueueParams{Type: models.WorkTypeTask, Payload: "{}"})
	require.NoError(t, err)
	_, err = q.ClaimNext(time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Fail(item.ID, "boom"))

	ok, err := q.Requeue(item.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	var got models.WorkItem
	require.NoError(t, q.DB().First(&got, "id = ?", item.ID).Error)
	assert.Equal(t, models.WorkQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)

	// Live items are not eligible for an operator requeue.
	_, err = q.ClaimNext(time.Second)
	require.NoError(t, err)
	ok, err = q.Requeue(item.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
