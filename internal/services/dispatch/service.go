// Package dispatch implements the durable run queue: trigger events become
// dispatch rows, and a background worker claims and executes them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/crmflow-go/internal/domain/workflow"
	"github.com/crmflow-go/pkg/config"
	"github.com/crmflow-go/pkg/database"
	"github.com/crmflow-go/pkg/logger"
	"github.com/crmflow-go/pkg/metrics"
)

var (
	ErrNotFound = errors.New("dispatch not found")
	// ErrNoneAvailable reports an empty queue, not a failure.
	ErrNoneAvailable = errors.New("no dispatch available")
)

// Service persists and transitions dispatch rows. It carries no state beyond
// its dependencies; all coordination happens through conditional updates on
// the dispatch table, so multiple workers can share one queue.
type Service struct {
	db     *database.DB
	cfg    config.DispatchConfig
	logger logger.Logger
}

func NewService(db *database.DB, cfg config.DispatchConfig, log logger.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoffSeconds <= 0 {
		cfg.RetryBackoffSeconds = 15
	}
	return &Service{db: db, cfg: cfg, logger: log}
}

// Enqueue appends a pending dispatch. A zero delay makes it claimable
// immediately.
func (s *Service) Enqueue(ctx context.Context, workflowID string, triggerData map[string]interface{}, delay time.Duration) (*workflow.Dispatch, error) {
	dispatch := &workflow.Dispatch{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		Status:      workflow.DispatchPending,
		TriggerData: triggerData,
		AvailableAt: time.Now().UTC().Add(delay),
		MaxAttempts: s.cfg.MaxAttempts,
	}
	if err := s.db.WithContext(ctx).Create(dispatch).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue dispatch: %w", err)
	}

	metrics.DispatchesEnqueuedTotal.Inc()
	s.logger.Debug("Dispatch enqueued", "dispatch_id", dispatch.ID, "workflow_id", workflowID)
	return dispatch, nil
}

// ClaimNext atomically claims the oldest available dispatch. The conditional
// update guards against two workers claiming the same row: a lost race moves
// on to the next candidate.
func (s *Service) ClaimNext(ctx context.Context) (*workflow.Dispatch, error) {
	now := time.Now().UTC()

	for {
		var candidate workflow.Dispatch
		err := s.db.WithContext(ctx).
			Where("status IN ? AND available_at <= ?",
				[]string{workflow.DispatchPending, workflow.DispatchRetrying}, now).
			Order("available_at, created_at").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoneAvailable
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find claimable dispatch: %w", err)
		}

		startedAt := time.Now().UTC()
		result := s.db.WithContext(ctx).Model(&workflow.Dispatch{}).
			Where("id = ? AND status IN ?", candidate.ID,
				[]string{workflow.DispatchPending, workflow.DispatchRetrying}).
			Updates(map[string]interface{}{
				"status":        workflow.DispatchRunning,
				"started_at":    startedAt,
				"attempts":      gorm.Expr("attempts + 1"),
				"error_message": "",
			})
		if result.Error != nil {
			return nil, fmt.Errorf("failed to claim dispatch: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// Another worker got it first.
			continue
		}

		candidate.Status = workflow.DispatchRunning
		candidate.StartedAt = &startedAt
		candidate.Attempts++
		candidate.ErrorMessage = ""
		metrics.DispatchesClaimedTotal.Inc()
		return &candidate, nil
	}
}

// MarkCompleted finishes a dispatch and links it to the execution it produced.
func (s *Service) MarkCompleted(ctx context.Context, dispatchID string, executionID string) error {
	updates := map[string]interface{}{
		"status":      workflow.DispatchCompleted,
		"finished_at": time.Now().UTC(),
	}
	if executionID != "" {
		updates["execution_id"] = executionID
	}
	if err := s.db.WithContext(ctx).Model(&workflow.Dispatch{}).
		Where("id = ?", dispatchID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to complete dispatch: %w", err)
	}
	metrics.DispatchesFinishedTotal.WithLabelValues(workflow.DispatchCompleted).Inc()
	return nil
}

// MarkFailed records a failed attempt and stamps finished_at, even when the
// dispatch gets another try. Below the attempt budget the dispatch
// is requeued with a backoff that grows linearly with the attempt count;
// otherwise it is failed for good.
func (s *Service) MarkFailed(ctx context.Context, dispatch *workflow.Dispatch, cause error, executionID string) error {
	updates := map[string]interface{}{
		"error_message": cause.Error(),
		"finished_at":   time.Now().UTC(),
	}
	if executionID != "" {
		updates["execution_id"] = executionID
	}

	status := workflow.DispatchFailed
	if dispatch.Attempts < dispatch.MaxAttempts {
		status = workflow.DispatchRetrying
		backoff := time.Duration(dispatch.Attempts) * s.cfg.RetryBackoff()
		updates["available_at"] = time.Now().UTC().Add(backoff)
		s.logger.Warn("Dispatch retrying",
			"dispatch_id", dispatch.ID,
			"attempt", dispatch.Attempts,
			"backoff", backoff.String(),
			"error", cause)
	} else {
		s.logger.Error("Dispatch failed permanently",
			"dispatch_id", dispatch.ID,
			"attempts", dispatch.Attempts,
			"error", cause)
	}
	updates["status"] = status

	if err := s.db.WithContext(ctx).Model(&workflow.Dispatch{}).
		Where("id = ?", dispatch.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to record dispatch failure: %w", err)
	}
	if status == workflow.DispatchFailed {
		metrics.DispatchesFinishedTotal.WithLabelValues(workflow.DispatchFailed).Inc()
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*workflow.Dispatch, error) {
	var dispatch workflow.Dispatch
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&dispatch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dispatch, nil
}

func (s *Service) List(ctx context.Context, workflowID string, limit int) ([]workflow.Dispatch, error) {
	query := s.db.WithContext(ctx).Model(&workflow.Dispatch{})
	if workflowID != "" {
		query = query.Where("workflow_id = ?", workflowID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var dispatches []workflow.Dispatch
	err := query.Order("created_at DESC").Find(&dispatches).Error
	return dispatches, err
}

// QueueDepth counts dispatches still waiting to run and refreshes the gauge.
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := s.db.WithContext(ctx).Model(&workflow.Dispatch{}).
		Where("status IN ?", []string{workflow.DispatchPending, workflow.DispatchRetrying}).
		Count(&depth).Error
	if err != nil {
		return 0, err
	}
	metrics.DispatchQueueDepth.Set(float64(depth))
	return depth, nil
}
