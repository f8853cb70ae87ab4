package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/crmflow-go/internal/domain/workflow"
	"github.com/crmflow-go/internal/engine"
	"github.com/crmflow-go/internal/services/dispatch"
	"github.com/crmflow-go/internal/services/workflow/repository"
	"github.com/crmflow-go/pkg/config"
	"github.com/crmflow-go/pkg/database"
	"github.com/crmflow-go/pkg/logger"
)

type noopExecutor struct{}

func (noopExecutor) Has(string) bool { return true }

func (noopExecutor) Execute(context.Context, string, map[string]interface{}, *engine.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"done": true}, nil
}

type triggerFixture struct {
	db         *database.DB
	repo       *repository.WorkflowRepository
	dispatcher *dispatch.Service
	service    *Service
	redis      *miniredis.Miniredis
}

func setupTrigger(t *testing.T) *triggerFixture {
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

	db := &database.DB{DB: gormDB}
	repo := repository.NewWorkflowRepository(db)
	dispatcher := dispatch.NewService(db, config.DispatchConfig{MaxAttempts: 3, RetryBackoffSeconds: 1}, logger.NewNop())
	runner := engine.NewRunner(db, noopExecutor{}, logger.NewNop())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	service := NewService(repo, dispatcher, runner, client, time.Hour, logger.NewNop())
	return &triggerFixture{db: db, repo: repo, dispatcher: dispatcher, service: service, redis: mr}
}

func (f *triggerFixture) createWorkflow(t *testing.T, status, triggerType string, triggerConfig map[string]interface{}) *workflow.Workflow {
	wf := &workflow.Workflow{
		ID:            uuid.New().String(),
		Name:          "Trigger Test",
		Status:        status,
		TriggerType:   triggerType,
		TriggerConfig: triggerConfig,
	}
	require.NoError(t, f.db.Create(wf).Error)
	require.NoError(t, f.db.Create(&workflow.Step{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		StepType:   workflow.StepTypeAction,
		ActionType: "send_sms",
		Config:     map[string]interface{}{"message": "hi"},
		Position:   1,
	}).Error)
	return wf
}

func TestNormalizeEvent(t *testing.T) {
	assert.Equal(t, workflow.TriggerContactCreated, NormalizeEvent("ContactCreate"))
	assert.Equal(t, workflow.TriggerTagAdded, NormalizeEvent("ContactTagUpdate"))
	assert.Equal(t, workflow.TriggerOpportunityStage, NormalizeEvent("OpportunityStageUpdate"))
	// Trigger type names pass through unchanged.
	assert.Equal(t, workflow.TriggerContactCreated, NormalizeEvent("contact_created"))
	assert.Equal(t, workflow.TriggerWebhook, NormalizeEvent("webhook"))
	// Untriggerable events normalize to nothing.
	assert.Equal(t, "", NormalizeEvent("ContactDelete"))
	assert.Equal(t, "", NormalizeEvent("manual"))
	assert.Equal(t, "", NormalizeEvent(""))
}

func TestService_Fire_MatchesPublishedWorkflows(t *testing.T) {
	f := setupTrigger(t)
	ctx := context.Background()

	published := f.createWorkflow(t, workflow.StatusPublished, workflow.TriggerContactCreated, nil)
	f.createWorkflow(t, workflow.StatusDraft, workflow.TriggerContactCreated, nil)
	f.createWorkflow(t, workflow.StatusPublished, workflow.TriggerTagAdded, nil)

	dispatches, err := f.service.Fire(ctx, workflow.TriggerContactCreated, map[string]interface{}{
		"contact": map[string]interface{}{"id": "c-1"},
	})

	require.NoError(t, err)
	require.Len(t, dispatches, 1)
	assert.Equal(t, published.ID, dispatches[0].WorkflowID)
	assert.Equal(t, workflow.DispatchPending, dispatches[0].Status)
}

func TestService_Fire_AppliesFilters(t *testing.T) {
	f := setupTrigger(t)
	ctx := context.Background()

	matching := f.createWorkflow(t, workflow.StatusPublished, workflow.TriggerTagAdded, map[string]interface{}{
		"filters": map[string]interface{}{"tag": "vip"},
	})
	f.createWorkflow(t, workflow.StatusPublished, workflow.TriggerTagAdded, map[string]interface{}{
		"filters": map[string]interface{}{"tag": "churn-risk"},
	})

	dispatches, err := f.service.Fire(ctx, workflow.TriggerTagAdded, map[string]interface{}{
		"tag":     "vip",
		"contact": map[string]interface{}{"id": "c-1"},
	})

	require.NoError(t, err)
	require.Len(t, dispatches, 1)
	assert.Equal(t, matching.ID, dispatches[0].WorkflowID)
}

func TestService_Fire_FilterVariants(t *testing.T) {
	tests := []struct {
		name    string
		filters map[string]interface{}
		payload map[string]interface{}
		matched bool
	}{
		{
			"dotted path",
			map[string]interface{}{"contact.source": "landing-page"},
			map[string]interface{}{"contact": map[string]interface{}{"source": "landing-page"}},
			true,
		},
		{
			"payload list membership",
			map[string]interface{}{"contact.tags": "vip"},
			map[string]interface{}{"contact": map[string]interface{}{"tags": []interface{}{"vip", "new"}}},
			true,
		},
		{
			"filter list membership",
			map[string]interface{}{"stage": []interface{}{"won", "qualified"}},
			map[string]interface{}{"stage": "qualified"},
			true,
		},
		{
			"missing payload field",
			map[string]interface{}{"contact.source": "landing-page"},
			map[string]interface{}{"contact": map[string]interface{}{}},
			false,
		},
		{
			"all filters must hold",
			map[string]interface{}{"a": "1", "b": "2"},
			map[string]interface{}{"a": "1", "b": "other"},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTrigger(t)
			f.createWorkflow(t, workflow.StatusPublished, workflow.TriggerWebhook, map[string]interface{}{
				"filters": tt.filters,
			})

			dispatches, err := f.service.Fire(context.Background(), workflow.TriggerWebhook, tt.payload)

			require.NoError(t, err)
			if tt.matched {
				assert.Len(t, dispatches, 1)
			} else {
				assert.Empty(t, dispatches)
			}
		})
	}
}

func TestService_Fire_DeduplicatesByEventID(t *testing.T) {
	f := setupTrigger(t)
	ctx := context.Background()
	f.createWorkflow(t, workflow.StatusPublished, workflow.TriggerContactCreated, nil)

	payload := map[string]interface{}{
		"event_id": "evt-42",
		"contact":  map[string]interface{}{"id": "c-1"},
	}

	first, err := f.service.Fire(ctx, workflow.TriggerContactCreated, payload)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := f.service.Fire(ctx, workflow.TriggerContactCreated, payload)
	require.NoError(t, err)
	assert.Empty(t, second)

	// After the dedup window the event fires again.
	f.redis.FastForward(2 * time.Hour)
	third, err := f.service.Fire(ctx, workflow.TriggerContactCreated, payload)
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

func TestService_Fire_NoEventIDSkipsDedup(t *testing.T) {
	f := setupTrigger(t)
	ctx := context.Background()
	f.createWorkflow(t, workflow.StatusPublished, workflow.TriggerContactCreated, nil)

	payload := map[string]interface{}{"contact": map[string]interface{}{"id": "c-1"}}

	first, err := f.service.Fire(ctx, workflow.TriggerContactCreated, payload)
	require.NoError(t, err)
	second, err := f.service.Fire(ctx, workflow.TriggerContactCreated, payload)
	require.NoError(t, err)

	assert.Len(t, first, 1)
	assert.Len(t, second, 1)
}

func TestService_FireSync_RunsInline(t *testing.T) {
	f := setupTrigger(t)
	ctx := context.Background()
	wf := f.createWorkflow(t, workflow.StatusPublished, workflow.TriggerContactCreated, nil)

	executions, err := f.service.FireSync(ctx, workflow.TriggerContactCreated, map[string]interface{}{
		"contact": map[string]interface{}{"id": "c-1"},
	})

	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, workflow.ExecutionCompleted, executions[0].Status)
	assert.Equal(t, wf.ID, executions[0].WorkflowID)

	// Nothing goes through the queue in sync mode.
	dispatches, err := f.dispatcher.List(ctx, wf.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, dispatches)
}

func TestScheduler_EnqueuesOnCronTick(t *testing.T) {
	f := setupTrigger(t)
	ctx := context.Background()

	wf := f.createWorkflow(t, workflow.StatusPublished, workflow.TriggerSchedule, map[string]interface{}{
		"cron": "@every 100ms",
	})

	scheduler := NewScheduler(f.repo, f.dispatcher, time.Minute, logger.NewNop())
	scheduler.Start(ctx)
	defer scheduler.Stop()

	require.Eventually(t, func() bool {
		dispatches, err := f.dispatcher.List(ctx, wf.ID, 0)
		return err == nil && len(dispatches) > 0
	}, 3*time.Second, 20*time.Millisecond)

	dispatches, err := f.dispatcher.List(ctx, wf.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "schedule", dispatches[0].TriggerData["event"])
}

func TestScheduler_Reload(t *testing.T) {
	f := setupTrigger(t)
	ctx := context.Background()

	wf := f.createWorkflow(t, workflow.StatusPublished, workflow.TriggerSchedule, map[string]interface{}{
		"cron": "@every 100ms",
	})
	// A schedule workflow without a cron expression is skipped, not fatal.
	f.createWorkflow(t, workflow.StatusPublished, workflow.TriggerSchedule, map[string]interface{}{})

	scheduler := NewScheduler(f.repo, f.dispatcher, time.Minute, logger.NewNop())
	require.NoError(t, scheduler.Reload(ctx))
	assert.Len(t, scheduler.entries, 1)

	// Pausing the workflow removes its entry on the next reload.
	require.NoError(t, f.db.Model(&workflow.Workflow{}).Where("id = ?", wf.ID).
		Update("status", workflow.StatusPaused).Error)
	require.NoError(t, scheduler.Reload(ctx))
	assert.Empty(t, scheduler.entries)
}
