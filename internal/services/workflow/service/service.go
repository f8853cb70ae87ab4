package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/crmflow-go/internal/domain/workflow"
	"github.com/crmflow-go/internal/services/workflow/repository"
	"github.com/crmflow-go/pkg/logger"
)

var (
	ErrInvalidTrigger = errors.New("invalid trigger type")
	ErrInvalidEdge    = errors.New("invalid edge")
	ErrNotPublishable = errors.New("workflow not publishable")
)

// Edge names accepted by ConnectSteps.
const (
	EdgeNext        = "next"
	EdgeTrueBranch  = "true_branch"
	EdgeFalseBranch = "false_branch"
)

var validTriggers = map[string]bool{
	workflow.TriggerManual:           true,
	workflow.TriggerWebhook:          true,
	workflow.TriggerContactCreated:   true,
	workflow.TriggerTagAdded:         true,
	workflow.TriggerTagRemoved:       true,
	workflow.TriggerOpportunityStage: true,
	workflow.TriggerFormSubmitted:    true,
	workflow.TriggerSchedule:         true,
}

// Service owns workflow definitions: CRUD, the step graph, and the
// publish lifecycle. Malformed steps and edges are rejected here so the
// runner only ever sees well-formed graphs.
type Service struct {
	repo   *repository.WorkflowRepository
	logger logger.Logger
}

func NewService(repo *repository.WorkflowRepository, log logger.Logger) *Service {
	return &Service{repo: repo, logger: log}
}

// CreateWorkflowInput carries the user-supplied fields of a new workflow.
type CreateWorkflowInput struct {
	Name          string
	Description   string
	TriggerType   string
	TriggerConfig map[string]interface{}
	LocationID    string
}

func (s *Service) CreateWorkflow(ctx context.Context, input CreateWorkflowInput) (*workflow.Workflow, error) {
	if input.Name == "" {
		return nil, errors.New("workflow name is required")
	}
	triggerType := input.TriggerType
	if triggerType == "" {
		triggerType = workflow.TriggerManual
	}
	if !validTriggers[triggerType] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTrigger, triggerType)
	}

	w := &workflow.Workflow{
		ID:            uuid.New().String(),
		Name:          input.Name,
		Description:   input.Description,
		Status:        workflow.StatusDraft,
		TriggerType:   triggerType,
		TriggerConfig: input.TriggerConfig,
		LocationID:    input.LocationID,
	}
	if err := s.repo.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	s.logger.Info("Workflow created", "workflow_id", w.ID, "name", w.Name, "trigger_type", w.TriggerType)
	return w, nil
}

func (s *Service) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	return s.repo.GetWithSteps(ctx, id)
}

func (s *Service) ListWorkflows(ctx context.Context, filter repository.ListFilter) ([]workflow.Workflow, error) {
	return s.repo.List(ctx, filter)
}

// UpdateWorkflowInput holds optional updates; nil fields are left unchanged.
type UpdateWorkflowInput struct {
	Name          *string
	Description   *string
	TriggerType   *string
	TriggerConfig map[string]interface{}
}

func (s *Service) UpdateWorkflow(ctx context.Context, id string, input UpdateWorkflowInput) (*workflow.Workflow, error) {
	w, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		w.Name = *input.Name
	}
	if input.Description != nil {
		w.Description = *input.Description
	}
	if input.TriggerType != nil {
		if !validTriggers[*input.TriggerType] {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTrigger, *input.TriggerType)
		}
		w.TriggerType = *input.TriggerType
	}
	if input.TriggerConfig != nil {
		w.TriggerConfig = input.TriggerConfig
	}

	if err := s.repo.Update(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	return w, nil
}

func (s *Service) DeleteWorkflow(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Workflow deleted", "workflow_id", id)
	return nil
}

// Publish makes a workflow triggerable. A workflow needs at least one step
// before it can go live.
func (s *Service) Publish(ctx context.Context, id string) (*workflow.Workflow, error) {
	w, err := s.repo.GetWithSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(w.Steps) == 0 {
		return nil, fmt.Errorf("%w: workflow has no steps", ErrNotPublishable)
	}

	w.Status = workflow.StatusPublished
	if err := s.repo.Update(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to publish workflow: %w", err)
	}
	s.logger.Info("Workflow published", "workflow_id", id)
	return w, nil
}

func (s *Service) Pause(ctx context.Context, id string) (*workflow.Workflow, error) {
	w, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	w.Status = workflow.StatusPaused
	if err := s.repo.Update(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to pause workflow: %w", err)
	}
	s.logger.Info("Workflow paused", "workflow_id", id)
	return w, nil
}

// AddStepInput carries the user-supplied fields of a new step.
type AddStepInput struct {
	StepType   string
	ActionType string
	Config     map[string]interface{}
	Label      string
	Position   int
}

// AddStep validates and appends a step. Position zero means "after the
// current last step".
func (s *Service) AddStep(ctx context.Context, workflowID string, input AddStepInput) (*workflow.Step, error) {
	if _, err := s.repo.GetByID(ctx, workflowID); err != nil {
		return nil, err
	}

	step := &workflow.Step{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		StepType:   input.StepType,
		ActionType: input.ActionType,
		Config:     input.Config,
		Label:      input.Label,
		Position:   input.Position,
	}
	if step.Config == nil {
		step.Config = map[string]interface{}{}
	}
	if err := step.Validate(); err != nil {
		return nil, err
	}
	if step.Label == "" {
		step.Label = step.DefaultLabel()
	}
	if step.Position == 0 {
		max, err := s.repo.MaxPosition(ctx, workflowID)
		if err != nil {
			return nil, fmt.Errorf("failed to compute step position: %w", err)
		}
		step.Position = max + 1
	}

	if err := s.repo.CreateStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to create step: %w", err)
	}
	return step, nil
}

// UpdateStep replaces the mutable fields of a step and re-validates it.
func (s *Service) UpdateStep(ctx context.Context, workflowID, stepID string, input AddStepInput) (*workflow.Step, error) {
	step, err := s.repo.GetStep(ctx, workflowID, stepID)
	if err != nil {
		return nil, err
	}

	if input.StepType != "" {
		step.StepType = input.StepType
	}
	if input.ActionType != "" {
		step.ActionType = input.ActionType
	}
	if input.Config != nil {
		step.Config = input.Config
	}
	if input.Label != "" {
		step.Label = input.Label
	}
	if input.Position != 0 {
		step.Position = input.Position
	}
	if err := step.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to update step: %w", err)
	}
	return step, nil
}

func (s *Service) DeleteStep(ctx context.Context, workflowID, stepID string) error {
	return s.repo.DeleteStep(ctx, workflowID, stepID)
}

// ConnectSteps sets one outgoing edge of a step. Branch edges are only valid
// on condition steps, the next edge only on non-condition steps. An empty
// toStepID disconnects the edge.
func (s *Service) ConnectSteps(ctx context.Context, workflowID, fromStepID, toStepID, edge string) (*workflow.Step, error) {
	from, err := s.repo.GetStep(ctx, workflowID, fromStepID)
	if err != nil {
		return nil, err
	}

	var target *string
	if toStepID != "" {
		if toStepID == fromStepID {
			return nil, fmt.Errorf("%w: step cannot point at itself", ErrInvalidEdge)
		}
		if _, err := s.repo.GetStep(ctx, workflowID, toStepID); err != nil {
			return nil, fmt.Errorf("%w: target step %s not in workflow", ErrInvalidEdge, toStepID)
		}
		target = &toStepID
	}

	isCondition := from.StepType == workflow.StepTypeCondition
	switch edge {
	case EdgeNext:
		if isCondition {
			return nil, fmt.Errorf("%w: condition steps use branch edges", ErrInvalidEdge)
		}
		from.NextStepID = target
	case EdgeTrueBranch:
		if !isCondition {
			return nil, fmt.Errorf("%w: branch edges require a condition step", ErrInvalidEdge)
		}
		from.TrueBranchStepID = target
	case EdgeFalseBranch:
		if !isCondition {
			return nil, fmt.Errorf("%w: branch edges require a condition step", ErrInvalidEdge)
		}
		from.FalseBranchStepID = target
	default:
		return nil, fmt.Errorf("%w: unknown edge %q", ErrInvalidEdge, edge)
	}

	if err := s.repo.UpdateStep(ctx, from); err != nil {
		return nil, fmt.Errorf("failed to connect steps: %w", err)
	}
	return from, nil
}

func (s *Service) ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]workflow.Execution, error) {
	return s.repo.ListExecutions(ctx, workflowID, limit, offset)
}

func (s *Service) GetExecution(ctx context.Context, executionID string) (*workflow.Execution, error) {
	return s.repo.GetExecution(ctx, executionID)
}

func (s *Service) ListStepExecutions(ctx context.Context, executionID string) ([]workflow.StepExecution, error) {
	return s.repo.ListStepExecutions(ctx, executionID)
}

func (s *Service) ListLogs(ctx context.Context, workflowID string, limit int) ([]workflow.Log, error) {
	return s.repo.ListLogs(ctx, workflowID, limit)
}
