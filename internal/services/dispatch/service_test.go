package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/crmflow-go/internal/domain/workflow"
	"github.com/crmflow-go/pkg/config"
	"github.com/crmflow-go/pkg/database"
	"github.com/crmflow-go/pkg/logger"
)

func setupTestDB(t *testing.T) *database.DB {
	// Use in-memory SQLite for testing
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = gormDB.AutoMigrate(
		&workflow.Workflow{},
		&workflow.Step{},
		&workflow.Execution{},
		&workflow.StepExecution{},
		&workflow.Log{},
		&workflow.Dispatch{},
	)
	require.NoError(t, err)

	return &database.DB{DB: gormDB}
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		MaxAttempts:         3,
		RetryBackoffSeconds: 15,
	}
}

func TestService_Enqueue(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, testConfig(), logger.NewNop())

	dispatch, err := svc.Enqueue(context.Background(), "wf-1",
		map[string]interface{}{"event": "contact_created"}, 0)

	require.NoError(t, err)
	assert.Equal(t, workflow.DispatchPending, dispatch.Status)
	assert.Equal(t, 3, dispatch.MaxAttempts)
	assert.Equal(t, 0, dispatch.Attempts)
	assert.WithinDuration(t, time.Now().UTC(), dispatch.AvailableAt, time.Second)
}

func TestService_Enqueue_WithDelay(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, testConfig(), logger.NewNop())

	dispatch, err := svc.Enqueue(context.Background(), "wf-1", nil, time.Hour)

	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), dispatch.AvailableAt, time.Second)

	// A delayed dispatch is not claimable yet.
	_, err = svc.ClaimNext(context.Background())
	assert.ErrorIs(t, err, ErrNoneAvailable)
}

func TestService_ClaimNext_EmptyQueue(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, testConfig(), logger.NewNop())

	_, err := svc.ClaimNext(context.Background())
	assert.ErrorIs(t, err, ErrNoneAvailable)
}

func TestService_ClaimNext_OldestFirst(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, testConfig(), logger.NewNop())
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, "wf-1", nil, 0)
	require.NoError(t, err)
	// Push the first dispatch's availability back so ordering is deterministic.
	require.NoError(t, db.Model(&workflow.Dispatch{}).Where("id = ?", first.ID).
		Update("available_at", time.Now().UTC().Add(-time.Minute)).Error)
	_, err = svc.Enqueue(ctx, "wf-2", nil, 0)
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, workflow.DispatchRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	assert.NotNil(t, claimed.StartedAt)
}

func TestService_ClaimNext_ClaimIsExclusive(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, testConfig(), logger.NewNop())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "wf-1", nil, 0)
	require.NoError(t, err)

	_, err = svc.ClaimNext(ctx)
	require.NoError(t, err)

	// The running dispatch is no longer claimable.
	_, err = svc.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNoneAvailable)
}

func TestService_ClaimNext_LostRaceMovesOn(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, testConfig(), logger.NewNop())
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, "wf-1", nil, 0)
	require.NoError(t, err)
	require.NoError(t, db.Model(&workflow.Dispatch{}).Where("id = ?", first.ID).
		Update("available_at", time.Now().UTC().Add(-time.Minute)).Error)
	second, err := svc.Enqueue(ctx, "wf-2", nil, 0)
	require.NoError(t, err)

	// A competing worker grabs the oldest candidate between the select and
	// the conditional update.
	stolen := false
	err = db.Callback().Query().After("gorm:query").Register("competing_claim", func(tx *gorm.DB) {
		if stolen || tx.Error != nil {
			return
		}
		candidate, ok := tx.Statement.Dest.(*workflow.Dispatch)
		if !ok || candidate.ID != first.ID {
			return
		}
		stolen = true
		steal := db.Session(&gorm.Session{NewDB: true}).Model(&workflow.Dispatch{}).
			Where("id = ?", first.ID).
			Update("status", workflow.DispatchRunning)
		require.NoError(t, steal.Error)
	})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx)
	require.NoError(t, err)
	assert.True(t, stolen)
	assert.Equal(t, second.ID, claimed.ID)
	assert.Equal(t, workflow.DispatchRunning, claimed.Status)

	// The stolen dispatch kept the competitor's claim.
	stored, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.DispatchRunning, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
}

func TestService_ClaimNext_ClearsPriorError(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, testConfig(), logger.NewNop())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "wf-1", nil, 0)
	require.NoError(t, err)
	claimed, err := svc.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.MarkFailed(ctx, claimed, errors.New("boom"), ""))

	// Make the retry claimable without waiting out the backoff.
	require.NoError(t, db.Model(&workflow.Dispatch{}).Where("id = ?", claimed.ID).
		Update("available_at", time.Now().UTC().Add(-time.Second)).Error)

	reclaimed, err := svc.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Empty(t, reclaimed.ErrorMessage)

	stored, err := svc.Get(ctx, reclaimed.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.DispatchRunning, stored.Status)
	assert.Empty(t, stored.ErrorMessage)
}

func TestService_MarkCompleted(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, testConfig(), logger.NewNop())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "wf-1", nil, 0)
	require.NoError(t, err)
	claimed, err := svc.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.MarkCompleted(ctx, claimed.ID, "exec-1"))

	stored, err := svc.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.DispatchCompleted, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
	require.NotNil(t, stored.ExecutionID)
	assert.Equal(t, "exec-1", *stored.ExecutionID)
}

func TestService_MarkFailed_RetriesThenFails(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, testConfig(), logger.NewNop())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "wf-1", nil, 0)
	require.NoError(t, err)

	var previousAvailableAt time.Time

	// The first two failures requeue with a growing backoff.
	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := svc.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, attempt, claimed.Attempts)

		require.NoError(t, svc.MarkFailed(ctx, claimed, errors.New("boom"), ""))

		stored, err := svc.Get(ctx, claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.DispatchRetrying, stored.Status)
		assert.Equal(t, "boom", stored.ErrorMessage)
		assert.NotNil(t, stored.FinishedAt)
		assert.True(t, stored.AvailableAt.After(time.Now().UTC()))
		assert.True(t, stored.AvailableAt.After(previousAvailableAt))
		previousAvailableAt = stored.AvailableAt

		// Make the retry claimable without waiting out the backoff.
		require.NoError(t, db.Model(&workflow.Dispatch{}).Where("id = ?", claimed.ID).
			Update("available_at", time.Now().UTC().Add(-time.Second)).Error)
	}

	// The third failure exhausts the attempt budget.
	claimed, err := svc.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, claimed.Attempts)

	require.NoError(t, svc.MarkFailed(ctx, claimed, errors.New("boom"), "exec-3"))

	stored, err := svc.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.DispatchFailed, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
	require.NotNil(t, stored.ExecutionID)
	assert.Equal(t, "exec-3", *stored.ExecutionID)

	_, err = svc.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNoneAvailable)
}

func TestService_QueueDepth(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, testConfig(), logger.NewNop())
	ctx := context.Background()

	depth, err := svc.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	_, err = svc.Enqueue(ctx, "wf-1", nil, 0)
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, "wf-2", nil, time.Hour)
	require.NoError(t, err)

	depth, err = svc.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	claimed, err := svc.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.MarkCompleted(ctx, claimed.ID, ""))

	depth, err = svc.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestService_Get_NotFound(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, testConfig(), logger.NewNop())

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
