package repository

import (
	"context"
	"database/sql"
	"errors"

	"gorm.io/gorm"

	"github.com/crmflow-go/internal/domain/workflow"
	"github.com/crmflow-go/pkg/database"
)

var ErrNotFound = errors.New("not found")

type WorkflowRepository struct {
	db *database.DB
}

func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	Status      string
	TriggerType string
	LocationID  string
	Limit       int
	Offset      int
}

func (r *WorkflowRepository) Create(ctx context.Context, w *workflow.Workflow) error {
	return r.db.WithContext(ctx).Create(w).Error
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*workflow.Workflow, error) {
	var w workflow.Workflow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWithSteps loads a workflow with its steps in authoring order.
func (r *WorkflowRepository) GetWithSteps(ctx context.Context, id string) (*workflow.Workflow, error) {
	var w workflow.Workflow
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("position")
		}).
		Where("id = ?", id).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WorkflowRepository) List(ctx context.Context, filter ListFilter) ([]workflow.Workflow, error) {
	query := r.db.WithContext(ctx).Model(&workflow.Workflow{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.TriggerType != "" {
		query = query.Where("trigger_type = ?", filter.TriggerType)
	}
	if filter.LocationID != "" {
		query = query.Where("location_id = ?", filter.LocationID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var workflows []workflow.Workflow
	err := query.Order("created_at DESC").Find(&workflows).Error
	return workflows, err
}

// ListPublishedByTrigger returns the published workflows a trigger event has
// to be matched against.
func (r *WorkflowRepository) ListPublishedByTrigger(ctx context.Context, triggerType string) ([]workflow.Workflow, error) {
	var workflows []workflow.Workflow
	err := r.db.WithContext(ctx).
		Where("status = ? AND trigger_type = ?", workflow.StatusPublished, triggerType).
		Find(&workflows).Error
	return workflows, err
}

func (r *WorkflowRepository) Update(ctx context.Context, w *workflow.Workflow) error {
	return r.db.WithContext(ctx).Save(w).Error
}

// Delete removes a workflow and its steps.
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", id).Delete(&workflow.Workflow{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("workflow_id = ?", id).Delete(&workflow.Step{}).Error
	})
}

func (r *WorkflowRepository) CreateStep(ctx context.Context, step *workflow.Step) error {
	return r.db.WithContext(ctx).Create(step).Error
}

func (r *WorkflowRepository) GetStep(ctx context.Context, workflowID, stepID string) (*workflow.Step, error) {
	var step workflow.Step
	err := r.db.WithContext(ctx).
		Where("id = ? AND workflow_id = ?", stepID, workflowID).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *WorkflowRepository) UpdateStep(ctx context.Context, step *workflow.Step) error {
	return r.db.WithContext(ctx).Save(step).Error
}

// DeleteStep removes a step and clears any edges pointing at it so the graph
// never references a missing step.
func (r *WorkflowRepository) DeleteStep(ctx context.Context, workflowID, stepID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND workflow_id = ?", stepID, workflowID).Delete(&workflow.Step{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		for _, column := range []string{"next_step_id", "true_branch_step_id", "false_branch_step_id"} {
			if err := tx.Model(&workflow.Step{}).
				Where("workflow_id = ? AND "+column+" = ?", workflowID, stepID).
				Update(column, nil).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// MaxPosition returns the highest step position in a workflow, zero when the
// workflow has no steps.
func (r *WorkflowRepository) MaxPosition(ctx context.Context, workflowID string) (int, error) {
	var max sql.NullInt64
	err := r.db.WithContext(ctx).Model(&workflow.Step{}).
		Where("workflow_id = ?", workflowID).
		Select("MAX(position)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

func (r *WorkflowRepository) ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]workflow.Execution, error) {
	query := r.db.WithContext(ctx).Where("workflow_id = ?", workflowID)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var executions []workflow.Execution
	err := query.Order("started_at DESC").Find(&executions).Error
	return executions, err
}

func (r *WorkflowRepository) GetExecution(ctx context.Context, executionID string) (*workflow.Execution, error) {
	var execution workflow.Execution
	err := r.db.WithContext(ctx).Where("id = ?", executionID).First(&execution).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

func (r *WorkflowRepository) ListStepExecutions(ctx context.Context, executionID string) ([]workflow.StepExecution, error) {
	var stepExecutions []workflow.StepExecution
	err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at").
		Find(&stepExecutions).Error
	return stepExecutions, err
}

func (r *WorkflowRepository) ListLogs(ctx context.Context, workflowID string, limit int) ([]workflow.Log, error) {
	query := r.db.WithContext(ctx).Where("workflow_id = ?", workflowID)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var logs []workflow.Log
	err := query.Order("created_at DESC").Find(&logs).Error
	return logs, err
}
