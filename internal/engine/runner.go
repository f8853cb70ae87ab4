package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/crmflow-go/internal/domain/workflow"
	"github.com/crmflow-go/pkg/database"
	"github.com/crmflow-go/pkg/logger"
	"github.com/crmflow-go/pkg/metrics"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrCycleDetected    = errors.New("cycle detected")
)

// maxDelaySeconds bounds a delay step so a single workflow cannot starve the
// dispatch worker indefinitely.
const maxDelaySeconds = 300

// ActionExecutor is the slice of the action registry the runner needs.
type ActionExecutor interface {
	Has(actionType string) bool
	Execute(ctx context.Context, actionType string, config map[string]interface{}, ec *Context) (map[string]interface{}, error)
}

// Runner executes a workflow by walking its step graph. One execution row is
// written per run and one step-execution row per visited step; the execution
// row is checkpointed after every step.
type Runner struct {
	db       *database.DB
	registry ActionExecutor
	logger   logger.Logger
}

func NewRunner(db *database.DB, registry ActionExecutor, log logger.Logger) *Runner {
	return &Runner{
		db:       db,
		registry: registry,
		logger:   log,
	}
}

// Run executes a workflow from start to finish and returns the terminal
// execution row. The returned error is non-nil only when no execution row
// was created (unknown workflow, storage failure at creation); every later
// failure is recorded on the execution itself.
func (r *Runner) Run(ctx context.Context, workflowID string, triggerData map[string]interface{}) (*workflow.Execution, error) {
	var wf workflow.Workflow
	err := r.db.WithContext(ctx).Where("id = ?", workflowID).First(&wf).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	execution := &workflow.Execution{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		Status:      workflow.ExecutionRunning,
		TriggerData: triggerData,
		StartedAt:   time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(execution).Error; err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	log := r.logger.With("workflow_id", workflowID, "execution_id", execution.ID)
	log.Info("Workflow execution started")
	r.writeLog(ctx, workflowID, execution.ID, workflow.LogInfo, "execution.started", "Workflow execution started")

	ec := NewContext(triggerData)

	var steps []workflow.Step
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("position").
		Find(&steps).Error; err != nil {
		r.failExecution(ctx, execution, fmt.Errorf("failed to load steps: %w", err), log)
		return execution, nil
	}

	if len(steps) == 0 {
		r.completeExecution(ctx, execution, ec, log)
		return execution, nil
	}

	stepsByID := make(map[string]*workflow.Step, len(steps))
	for i := range steps {
		stepsByID[steps[i].ID] = &steps[i]
	}

	current := &steps[0]
	visited := make(map[string]bool)

	for current != nil {
		// No execution may visit the same step twice.
		if visited[current.ID] {
			r.failExecution(ctx, execution, fmt.Errorf("%w at step %s", ErrCycleDetected, current.ID), log)
			return execution, nil
		}
		visited[current.ID] = true

		result, err := r.executeStep(ctx, execution, current, ec)

		execution.StepsCompleted++
		if saveErr := r.db.WithContext(ctx).Save(execution).Error; saveErr != nil {
			log.Error("Failed to checkpoint execution", "error", saveErr)
		}

		if err != nil {
			r.failExecution(ctx, execution, err, log)
			return execution, nil
		}

		current = r.nextStep(current, result, stepsByID)
	}

	r.completeExecution(ctx, execution, ec, log)
	return execution, nil
}

// nextStep picks the outgoing edge: condition steps branch on the step's
// result, everything else follows next_step_id. A nil edge ends the run.
func (r *Runner) nextStep(step *workflow.Step, result map[string]interface{}, stepsByID map[string]*workflow.Step) *workflow.Step {
	var nextID *string
	if step.StepType == workflow.StepTypeCondition {
		branch := true
		if b, ok := result["branch"].(bool); ok {
			branch = b
		}
		if branch {
			nextID = step.TrueBranchStepID
		} else {
			nextID = step.FalseBranchStepID
		}
	} else {
		nextID = step.NextStepID
	}

	if nextID == nil {
		return nil
	}
	return stepsByID[*nextID]
}

// executeStep records a step-execution row around one step dispatch. A
// returned error means the step itself broke (handler panic-equivalent) and
// fails the whole run; a result map containing "error" is a soft failure and
// the run continues.
func (r *Runner) executeStep(ctx context.Context, execution *workflow.Execution, step *workflow.Step, ec *Context) (map[string]interface{}, error) {
	stepEx := &workflow.StepExecution{
		ID:          uuid.New().String(),
		ExecutionID: execution.ID,
		StepID:      step.ID,
		Status:      workflow.ExecutionRunning,
		InputData:   step.Config,
	}
	if err := r.db.WithContext(ctx).Create(stepEx).Error; err != nil {
		return nil, fmt.Errorf("failed to create step execution: %w", err)
	}

	started := time.Now()
	result, err := r.dispatchStep(ctx, step, ec)
	durationMs := time.Since(started).Milliseconds()

	stepEx.DurationMs = &durationMs
	metrics.StepExecutionDuration.WithLabelValues(step.StepType).Observe(time.Since(started).Seconds())

	if err != nil {
		stepEx.Status = workflow.ExecutionFailed
		stepEx.ErrorMessage = err.Error()
		if saveErr := r.db.WithContext(ctx).Save(stepEx).Error; saveErr != nil {
			r.logger.Error("Failed to record step failure", "step_id", step.ID, "error", saveErr)
		}
		metrics.StepExecutionsTotal.WithLabelValues(step.StepType, workflow.ExecutionFailed).Inc()
		return nil, err
	}

	stepEx.Status = workflow.ExecutionCompleted
	stepEx.OutputData = result
	if saveErr := r.db.WithContext(ctx).Save(stepEx).Error; saveErr != nil {
		r.logger.Error("Failed to record step result", "step_id", step.ID, "error", saveErr)
	}
	metrics.StepExecutionsTotal.WithLabelValues(step.StepType, workflow.ExecutionCompleted).Inc()

	ec.SetStepOutput(step.ID, result)
	return result, nil
}

func (r *Runner) dispatchStep(ctx context.Context, step *workflow.Step, ec *Context) (map[string]interface{}, error) {
	switch step.StepType {
	case workflow.StepTypeCondition:
		return r.evaluateConditionStep(step, ec), nil
	case workflow.StepTypeDelay:
		return r.executeDelay(ctx, step)
	default:
		return r.executeAction(ctx, step, ec)
	}
}

func (r *Runner) evaluateConditionStep(step *workflow.Step, ec *Context) map[string]interface{} {
	config := ec.ResolveConfig(step.Config)
	branch := Evaluate(config, ec)
	return map[string]interface{}{
		"branch":    branch,
		"condition": config,
	}
}

// executeDelay suspends the run for the configured duration. Durations are
// numeric so the raw config is read without template resolution. This is the
// only step type allowed to block.
func (r *Runner) executeDelay(ctx context.Context, step *workflow.Step) (map[string]interface{}, error) {
	total := delaySeconds(step.Config)
	if total > 0 {
		if total > maxDelaySeconds {
			total = maxDelaySeconds
		}
		timer := time.NewTimer(time.Duration(total * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]interface{}{"waited_seconds": total}, nil
}

func delaySeconds(config map[string]interface{}) float64 {
	var total float64
	if v, ok := numericConfig(config, "seconds"); ok {
		total += v
	}
	if v, ok := numericConfig(config, "minutes"); ok {
		total += v * 60
	}
	if v, ok := numericConfig(config, "hours"); ok {
		total += v * 3600
	}
	return total
}

func numericConfig(config map[string]interface{}, key string) (float64, bool) {
	switch n := config[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (r *Runner) executeAction(ctx context.Context, step *workflow.Step, ec *Context) (map[string]interface{}, error) {
	if step.ActionType == "" {
		return map[string]interface{}{"skipped": true, "reason": "no action_type"}, nil
	}
	config := ec.ResolveConfig(step.Config)
	if !r.registry.Has(step.ActionType) {
		r.logger.Warn("Step references unregistered action type",
			"step_id", step.ID, "action_type", step.ActionType)
	}
	return r.registry.Execute(ctx, step.ActionType, config, ec)
}

func (r *Runner) completeExecution(ctx context.Context, execution *workflow.Execution, ec *Context, log logger.Logger) {
	now := time.Now().UTC()
	execution.Status = workflow.ExecutionCompleted
	execution.CompletedAt = &now
	execution.ContextData = ec.Snapshot()
	if err := r.db.WithContext(ctx).Save(execution).Error; err != nil {
		log.Error("Failed to finalize execution", "error", err)
	}
	metrics.WorkflowExecutionsTotal.WithLabelValues(workflow.ExecutionCompleted).Inc()
	log.Info("Workflow execution completed", "steps_completed", execution.StepsCompleted)
	r.writeLog(ctx, execution.WorkflowID, execution.ID, workflow.LogInfo, "execution.completed",
		fmt.Sprintf("Completed %d steps", execution.StepsCompleted))
}

func (r *Runner) failExecution(ctx context.Context, execution *workflow.Execution, cause error, log logger.Logger) {
	now := time.Now().UTC()
	execution.Status = workflow.ExecutionFailed
	execution.ErrorMessage = cause.Error()
	execution.CompletedAt = &now
	if err := r.db.WithContext(ctx).Save(execution).Error; err != nil {
		log.Error("Failed to finalize execution", "error", err)
	}
	metrics.WorkflowExecutionsTotal.WithLabelValues(workflow.ExecutionFailed).Inc()
	log.Error("Workflow execution failed", "error", cause)
	r.writeLog(ctx, execution.WorkflowID, execution.ID, workflow.LogError, "execution.failed", cause.Error())
}

func (r *Runner) writeLog(ctx context.Context, workflowID, executionID, level, event, message string) {
	entry := &workflow.Log{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Level:       level,
		Event:       event,
		Message:     message,
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		r.logger.Error("Failed to write workflow log", "event", event, "error", err)
	}
}
