// Package trigger turns CRM events into workflow dispatches. It matches
// incoming payloads against published workflows, applies trigger filters,
// and suppresses duplicate deliveries.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crmflow-go/internal/domain/workflow"
	"github.com/crmflow-go/internal/engine"
	"github.com/crmflow-go/internal/services/dispatch"
	"github.com/crmflow-go/internal/services/workflow/repository"
	"github.com/crmflow-go/pkg/logger"
)

// crmEvents maps the CRM's webhook event names onto trigger types. Payloads
// may also carry the trigger type directly.
var crmEvents = map[string]string{
	"ContactCreate":          workflow.TriggerContactCreated,
	"ContactTagUpdate":       workflow.TriggerTagAdded,
	"ContactTagRemove":       workflow.TriggerTagRemoved,
	"OpportunityStageUpdate": workflow.TriggerOpportunityStage,
	"InboundForm":            workflow.TriggerFormSubmitted,
}

// Service fans one trigger event out to every published workflow listening
// for it.
type Service struct {
	repo       *repository.WorkflowRepository
	dispatcher *dispatch.Service
	runner     *engine.Runner
	redis      *redis.Client
	dedupTTL   time.Duration
	logger     logger.Logger
}

func NewService(
	repo *repository.WorkflowRepository,
	dispatcher *dispatch.Service,
	runner *engine.Runner,
	redisClient *redis.Client,
	dedupTTL time.Duration,
	log logger.Logger,
) *Service {
	if dedupTTL <= 0 {
		dedupTTL = time.Hour
	}
	return &Service{
		repo:       repo,
		dispatcher: dispatcher,
		runner:     runner,
		redis:      redisClient,
		dedupTTL:   dedupTTL,
		logger:     log,
	}
}

// NormalizeEvent resolves a payload event name to a trigger type. It returns
// an empty string for events no workflow can listen for.
func NormalizeEvent(event string) string {
	if mapped, ok := crmEvents[event]; ok {
		return mapped
	}
	switch event {
	case workflow.TriggerContactCreated, workflow.TriggerTagAdded, workflow.TriggerTagRemoved,
		workflow.TriggerOpportunityStage, workflow.TriggerFormSubmitted, workflow.TriggerWebhook:
		return event
	}
	return ""
}

// Fire enqueues a dispatch for every published workflow matching the trigger
// type and its filters. Duplicate deliveries of the same event are dropped.
func (s *Service) Fire(ctx context.Context, triggerType string, payload map[string]interface{}) ([]*workflow.Dispatch, error) {
	matched, err := s.match(ctx, triggerType, payload)
	if err != nil {
		return nil, err
	}

	var dispatches []*workflow.Dispatch
	for _, wf := range matched {
		fresh, err := s.claimDelivery(ctx, wf.ID, payload)
		if err != nil {
			s.logger.Warn("Dedup check failed, continuing without it", "workflow_id", wf.ID, "error", err)
		} else if !fresh {
			s.logger.Debug("Duplicate delivery suppressed", "workflow_id", wf.ID)
			continue
		}

		d, err := s.dispatcher.Enqueue(ctx, wf.ID, payload, 0)
		if err != nil {
			return dispatches, err
		}
		dispatches = append(dispatches, d)
	}

	s.logger.Info("Trigger fired",
		"trigger_type", triggerType,
		"matched", len(matched),
		"enqueued", len(dispatches))
	return dispatches, nil
}

// FireSync runs every matching workflow inline and returns the executions.
// Used when the webhook receiver is configured for synchronous dispatch.
func (s *Service) FireSync(ctx context.Context, triggerType string, payload map[string]interface{}) ([]*workflow.Execution, error) {
	matched, err := s.match(ctx, triggerType, payload)
	if err != nil {
		return nil, err
	}

	var executions []*workflow.Execution
	for _, wf := range matched {
		fresh, err := s.claimDelivery(ctx, wf.ID, payload)
		if err != nil {
			s.logger.Warn("Dedup check failed, continuing without it", "workflow_id", wf.ID, "error", err)
		} else if !fresh {
			continue
		}

		execution, err := s.runner.Run(ctx, wf.ID, payload)
		if err != nil {
			return executions, err
		}
		executions = append(executions, execution)
	}
	return executions, nil
}

// RunNow executes a single workflow inline, bypassing matching and dedup.
// Backs the manual "run now" endpoint.
func (s *Service) RunNow(ctx context.Context, workflowID string, payload map[string]interface{}) (*workflow.Execution, error) {
	return s.runner.Run(ctx, workflowID, payload)
}

func (s *Service) match(ctx context.Context, triggerType string, payload map[string]interface{}) ([]workflow.Workflow, error) {
	workflows, err := s.repo.ListPublishedByTrigger(ctx, triggerType)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows for trigger %s: %w", triggerType, err)
	}

	var matched []workflow.Workflow
	for _, wf := range workflows {
		if matchesFilters(wf.TriggerConfig, payload) {
			matched = append(matched, wf)
		}
	}
	return matched, nil
}

// claimDelivery marks an event as seen for a workflow. It reports true when
// this delivery is the first one. Payloads without an event id and setups
// without redis are never deduplicated.
func (s *Service) claimDelivery(ctx context.Context, workflowID string, payload map[string]interface{}) (bool, error) {
	if s.redis == nil {
		return true, nil
	}
	eventID := eventIDFrom(payload)
	if eventID == "" {
		return true, nil
	}

	key := fmt.Sprintf("crmflow:trigger:dedup:%s:%s", workflowID, eventID)
	return s.redis.SetNX(ctx, key, 1, s.dedupTTL).Result()
}

func eventIDFrom(payload map[string]interface{}) string {
	for _, key := range []string{"event_id", "webhook_id", "id"} {
		if id, ok := payload[key].(string); ok && id != "" {
			return id
		}
	}
	return ""
}

// matchesFilters checks a workflow's trigger filters against the payload.
// Every filter key is a dotted path; all filters must hold. A filter value
// that is a list matches when the payload value is one of its members, and a
// payload value that is a list matches when it contains the filter value.
func matchesFilters(triggerConfig, payload map[string]interface{}) bool {
	filters, ok := triggerConfig["filters"].(map[string]interface{})
	if !ok || len(filters) == 0 {
		return true
	}

	for path, expected := range filters {
		actual := lookupPath(payload, path)
		if !filterMatches(actual, expected) {
			return false
		}
	}
	return true
}

func filterMatches(actual, expected interface{}) bool {
	if expectedList, ok := expected.([]interface{}); ok {
		for _, candidate := range expectedList {
			if filterMatches(actual, candidate) {
				return true
			}
		}
		return false
	}
	if actualList, ok := actual.([]interface{}); ok {
		for _, member := range actualList {
			if looseEqual(member, expected) {
				return true
			}
		}
		return false
	}
	return looseEqual(actual, expected)
}

func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func lookupPath(data map[string]interface{}, path string) interface{} {
	parts := strings.Split(path, ".")
	var current interface{} = data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}
