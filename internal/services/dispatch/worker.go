package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crmflow-go/internal/domain/workflow"
	"github.com/crmflow-go/internal/engine"
	"github.com/crmflow-go/pkg/logger"
)

// Worker drains the dispatch queue in the background. One Worker runs one
// loop; run several instances to scale out, the claim protocol keeps them
// from colliding.
type Worker struct {
	service      *Service
	runner       *engine.Runner
	pollInterval time.Duration
	logger       logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewWorker(service *Service, runner *engine.Runner, pollInterval time.Duration, log logger.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		service:      service,
		runner:       runner,
		pollInterval: pollInterval,
		logger:       log,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the worker loop. It returns immediately; cancel ctx or call
// Stop to shut the loop down. A dispatch already being executed is allowed to
// finish.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
	w.logger.Info("Dispatch worker started", "poll_interval", w.pollInterval.String())
}

// Stop signals the loop to exit and blocks until it has.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	w.logger.Info("Dispatch worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		processed := w.processOne(ctx)
		if processed {
			// Drain the queue without sleeping while work is available.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// processOne claims and runs a single dispatch. It reports whether a dispatch
// was claimed, so the loop knows whether to keep draining or go back to sleep.
func (w *Worker) processOne(ctx context.Context) bool {
	dispatch, err := w.service.ClaimNext(ctx)
	if errors.Is(err, ErrNoneAvailable) {
		return false
	}
	if err != nil {
		w.logger.Error("Failed to claim dispatch", "error", err)
		return false
	}

	log := w.logger.With("dispatch_id", dispatch.ID, "workflow_id", dispatch.WorkflowID, "attempt", dispatch.Attempts)
	log.Info("Processing dispatch")

	execution, err := w.runner.Run(ctx, dispatch.WorkflowID, dispatch.TriggerData)
	if err != nil {
		// The run never started: unknown workflow or storage failure.
		if markErr := w.service.MarkFailed(ctx, dispatch, err, ""); markErr != nil {
			log.Error("Failed to record dispatch failure", "error", markErr)
		}
		return true
	}

	if execution.Status == workflow.ExecutionFailed {
		cause := errors.New(execution.ErrorMessage)
		if markErr := w.service.MarkFailed(ctx, dispatch, cause, execution.ID); markErr != nil {
			log.Error("Failed to record dispatch failure", "error", markErr)
		}
		return true
	}

	if err := w.service.MarkCompleted(ctx, dispatch.ID, execution.ID); err != nil {
		log.Error("Failed to complete dispatch", "error", err)
	}
	log.Info("Dispatch completed", "execution_id", execution.ID)
	return true
}
