package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/crmflow-go/internal/engine"
	"github.com/crmflow-go/pkg/logger"
)

// Handler performs one external side effect for an action step. The config it
// receives is already template-resolved by the runner.
//
// The error return is the fatal channel: a non-nil error fails the step and
// the whole run. A handler that merely could not find what it needed (no
// contact id, missing required key) reports that softly by returning
// {"error": "<reason>"} with a nil error; the run continues.
type Handler func(ctx context.Context, config map[string]interface{}, ec *engine.Context) (map[string]interface{}, error)

// Registry maps action-type strings to handlers. Handlers are registered at
// startup; the set is open.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   log,
	}
}

func (r *Registry) Register(actionType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = handler
}

func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[actionType]
	return ok
}

// Types returns the registered action types, for the API's capability listing.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for actionType := range r.handlers {
		types = append(types, actionType)
	}
	return types
}

// Execute dispatches to the handler for actionType. An unregistered type
// degrades to a sentinel error map instead of failing the run; it almost
// always means a stale workflow definition, so it is logged as a warning.
func (r *Registry) Execute(ctx context.Context, actionType string, config map[string]interface{}, ec *engine.Context) (map[string]interface{}, error) {
	r.mu.RLock()
	handler, ok := r.handlers[actionType]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("Unknown action type requested", "action_type", actionType)
		return map[string]interface{}{
			"error": fmt.Sprintf("Unknown action type: %s", actionType),
		}, nil
	}

	return handler(ctx, config, ec)
}
