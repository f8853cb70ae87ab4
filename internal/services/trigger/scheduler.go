package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crmflow-go/internal/domain/workflow"
	"github.com/crmflow-go/internal/services/dispatch"
	"github.com/crmflow-go/internal/services/workflow/repository"
	"github.com/crmflow-go/pkg/logger"
)

// Scheduler drives schedule-triggered workflows. Each published workflow with
// a "cron" expression in its trigger config gets a cron entry that enqueues a
// dispatch on every tick. Entries are rebuilt periodically so publish and
// pause changes take effect without a restart.
type Scheduler struct {
	repo            *repository.WorkflowRepository
	dispatcher      *dispatch.Service
	refreshInterval time.Duration
	logger          logger.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]scheduleEntry

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type scheduleEntry struct {
	id   cron.EntryID
	spec string
}

func NewScheduler(repo *repository.WorkflowRepository, dispatcher *dispatch.Service, refreshInterval time.Duration, log logger.Logger) *Scheduler {
	if refreshInterval <= 0 {
		refreshInterval = time.Minute
	}
	return &Scheduler{
		repo:            repo,
		dispatcher:      dispatcher,
		refreshInterval: refreshInterval,
		logger:          log,
		cron:            cron.New(),
		entries:         make(map[string]scheduleEntry),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if err := s.Reload(ctx); err != nil {
		s.logger.Error("Initial schedule load failed", "error", err)
	}
	s.cron.Start()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.Reload(ctx); err != nil {
					s.logger.Error("Schedule reload failed", "error", err)
				}
			}
		}
	}()

	s.logger.Info("Trigger scheduler started", "refresh_interval", s.refreshInterval.String())
}

// Stop halts the refresh loop and waits for any in-flight cron jobs.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	<-s.cron.Stop().Done()
	s.logger.Info("Trigger scheduler stopped")
}

// Reload syncs cron entries with the currently published schedule workflows.
func (s *Scheduler) Reload(ctx context.Context) error {
	workflows, err := s.repo.ListPublishedByTrigger(ctx, workflow.TriggerSchedule)
	if err != nil {
		return err
	}

	desired := make(map[string]string, len(workflows))
	for _, wf := range workflows {
		spec, ok := wf.TriggerConfig["cron"].(string)
		if !ok || spec == "" {
			s.logger.Warn("Schedule workflow without cron expression", "workflow_id", wf.ID)
			continue
		}
		desired[wf.ID] = spec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for workflowID, entry := range s.entries {
		// Drop entries that were unpublished or whose expression changed.
		if spec, ok := desired[workflowID]; !ok || spec != entry.spec {
			s.cron.Remove(entry.id)
			delete(s.entries, workflowID)
			s.logger.Info("Schedule removed", "workflow_id", workflowID)
		}
	}

	for workflowID, spec := range desired {
		if _, ok := s.entries[workflowID]; ok {
			continue
		}
		id := workflowID
		entryID, err := s.cron.AddFunc(spec, func() {
			payload := map[string]interface{}{
				"event":    workflow.TriggerSchedule,
				"fired_at": time.Now().UTC().Format(time.RFC3339),
			}
			if _, err := s.dispatcher.Enqueue(context.Background(), id, payload, 0); err != nil {
				s.logger.Error("Scheduled enqueue failed", "workflow_id", id, "error", err)
			}
		})
		if err != nil {
			s.logger.Error("Invalid cron expression", "workflow_id", workflowID, "spec", spec, "error", err)
			continue
		}
		s.entries[workflowID] = scheduleEntry{id: entryID, spec: spec}
		s.logger.Info("Schedule registered", "workflow_id", workflowID, "spec", spec)
	}

	return nil
}
