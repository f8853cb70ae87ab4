package server

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/crmflow-go/internal/domain/workflow"
	"github.com/crmflow-go/internal/services/dispatch"
	"github.com/crmflow-go/internal/services/trigger"
	"github.com/crmflow-go/internal/services/workflow/repository"
	"github.com/crmflow-go/internal/services/workflow/service"
	"github.com/crmflow-go/pkg/config"
	"github.com/crmflow-go/pkg/database"
	"github.com/crmflow-go/pkg/logger"
)

// ActionCatalog lists the action types the engine can execute.
type ActionCatalog interface {
	Types() []string
}

type Handlers struct {
	workflows  *service.Service
	dispatches *dispatch.Service
	triggers   *trigger.Service
	actions    ActionCatalog
	db         *database.DB
	webhookCfg config.WebhookConfig
	logger     logger.Logger
}

func NewHandlers(
	workflows *service.Service,
	dispatches *dispatch.Service,
	triggers *trigger.Service,
	actions ActionCatalog,
	db *database.DB,
	webhookCfg config.WebhookConfig,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		workflows:  workflows,
		dispatches: dispatches,
		triggers:   triggers,
		actions:    actions,
		db:         db,
		webhookCfg: webhookCfg,
		logger:     log,
	}
}

// Health check handlers
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handlers) Ready(c *gin.Context) {
	sqlDB, err := h.db.DB.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Workflow CRUD
func (h *Handlers) ListWorkflows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	workflows, err := h.workflows.ListWorkflows(c.Request.Context(), repository.ListFilter{
		Status:      c.Query("status"),
		TriggerType: c.Query("trigger_type"),
		LocationID:  c.Query("location_id"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.logger.Error("Failed to list workflows", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list workflows"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"workflows": workflows, "count": len(workflows)})
}

type createWorkflowRequest struct {
	Name          string                 `json:"name" binding:"required"`
	Description   string                 `json:"description"`
	TriggerType   string                 `json:"triggerType"`
	TriggerConfig map[string]interface{} `json:"triggerConfig"`
	LocationID    string                 `json:"locationId"`
}

func (h *Handlers) CreateWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := h.workflows.CreateWorkflow(c.Request.Context(), service.CreateWorkflowInput{
		Name:          req.Name,
		Description:   req.Description,
		TriggerType:   req.TriggerType,
		TriggerConfig: req.TriggerConfig,
		LocationID:    req.LocationID,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidTrigger) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to create workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create workflow"})
		return
	}

	c.JSON(http.StatusCreated, w)
}

func (h *Handlers) GetWorkflow(c *gin.Context) {
	w, err := h.workflows.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
			return
		}
		h.logger.Error("Failed to get workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get workflow"})
		return
	}
	c.JSON(http.StatusOK, w)
}

type updateWorkflowRequest struct {
	Name          *string                `json:"name"`
	Description   *string                `json:"description"`
	TriggerType   *string                `json:"triggerType"`
	TriggerConfig map[string]interface{} `json:"triggerConfig"`
}

func (h *Handlers) UpdateWorkflow(c *gin.Context) {
	var req updateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := h.workflows.UpdateWorkflow(c.Request.Context(), c.Param("id"), service.UpdateWorkflowInput{
		Name:          req.Name,
		Description:   req.Description,
		TriggerType:   req.TriggerType,
		TriggerConfig: req.TriggerConfig,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
		case errors.Is(err, service.ErrInvalidTrigger):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Failed to update workflow", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update workflow"})
		}
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handlers) DeleteWorkflow(c *gin.Context) {
	if err := h.workflows.DeleteWorkflow(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
			return
		}
		h.logger.Error("Failed to delete workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete workflow"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handlers) PublishWorkflow(c *gin.Context) {
	w, err := h.workflows.Publish(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
		case errors.Is(err, service.ErrNotPublishable):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Failed to publish workflow", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to publish workflow"})
		}
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handlers) PauseWorkflow(c *gin.Context) {
	w, err := h.workflows.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
			return
		}
		h.logger.Error("Failed to pause workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to pause workflow"})
		return
	}
	c.JSON(http.StatusOK, w)
}

// Step graph
type stepRequest struct {
	StepType   string                 `json:"stepType"`
	ActionType string                 `json:"actionType"`
	Config     map[string]interface{} `json:"config"`
	Label      string                 `json:"label"`
	Position   int                    `json:"position"`
}

func (h *Handlers) AddStep(c *gin.Context) {
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	step, err := h.workflows.AddStep(c.Request.Context(), c.Param("id"), service.AddStepInput{
		StepType:   req.StepType,
		ActionType: req.ActionType,
		Config:     req.Config,
		Label:      req.Label,
		Position:   req.Position,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
		case errors.Is(err, workflow.ErrInvalidStep):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Failed to add step", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add step"})
		}
		return
	}
	c.JSON(http.StatusCreated, step)
}

func (h *Handlers) UpdateStep(c *gin.Context) {
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	step, err := h.workflows.UpdateStep(c.Request.Context(), c.Param("id"), c.Param("stepId"), service.AddStepInput{
		StepType:   req.StepType,
		ActionType: req.ActionType,
		Config:     req.Config,
		Label:      req.Label,
		Position:   req.Position,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Step not found"})
		case errors.Is(err, workflow.ErrInvalidStep):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Failed to update step", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update step"})
		}
		return
	}
	c.JSON(http.StatusOK, step)
}

func (h *Handlers) DeleteStep(c *gin.Context) {
	if err := h.workflows.DeleteStep(c.Request.Context(), c.Param("id"), c.Param("stepId")); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Step not found"})
			return
		}
		h.logger.Error("Failed to delete step", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete step"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type connectRequest struct {
	ToStepID string `json:"toStepId"`
	Edge     string `json:"edge" binding:"required"`
}

func (h *Handlers) ConnectSteps(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	step, err := h.workflows.ConnectSteps(c.Request.Context(),
		c.Param("id"), c.Param("stepId"), req.ToStepID, req.Edge)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Step not found"})
		case errors.Is(err, service.ErrInvalidEdge):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Failed to connect steps", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to connect steps"})
		}
		return
	}
	c.JSON(http.StatusOK, step)
}

// Runs
type runRequest struct {
	TriggerData map[string]interface{} `json:"triggerData"`
	Sync        bool                   `json:"sync"`
}

// RunWorkflow starts a manual run. The default path enqueues a dispatch; a
// sync run executes inline and returns the finished execution.
func (h *Handlers) RunWorkflow(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	workflowID := c.Param("id")
	if _, err := h.workflows.GetWorkflow(c.Request.Context(), workflowID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
			return
		}
		h.logger.Error("Failed to load workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to run workflow"})
		return
	}

	triggerData := req.TriggerData
	if triggerData == nil {
		triggerData = map[string]interface{}{}
	}
	triggerData["event"] = workflow.TriggerManual

	if req.Sync {
		execution, err := h.triggers.RunNow(c.Request.Context(), workflowID, triggerData)
		if err != nil {
			h.logger.Error("Failed to run workflow", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to run workflow"})
			return
		}
		c.JSON(http.StatusOK, execution)
		return
	}

	d, err := h.dispatches.Enqueue(c.Request.Context(), workflowID, triggerData, 0)
	if err != nil {
		h.logger.Error("Failed to enqueue dispatch", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to run workflow"})
		return
	}
	c.JSON(http.StatusAccepted, d)
}

// Executions
func (h *Handlers) ListExecutions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	executions, err := h.workflows.ListExecutions(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list executions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list executions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions, "count": len(executions)})
}

func (h *Handlers) GetExecution(c *gin.Context) {
	execution, err := h.workflows.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Execution not found"})
			return
		}
		h.logger.Error("Failed to get execution", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get execution"})
		return
	}
	c.JSON(http.StatusOK, execution)
}

func (h *Handlers) ListStepExecutions(c *gin.Context) {
	stepExecutions, err := h.workflows.ListStepExecutions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("Failed to list step executions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list step executions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": stepExecutions, "count": len(stepExecutions)})
}

func (h *Handlers) ListLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	logs, err := h.workflows.ListLogs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.logger.Error("Failed to list logs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

// Dispatch queue
func (h *Handlers) GetDispatch(c *gin.Context) {
	d, err := h.dispatches.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Dispatch not found"})
			return
		}
		h.logger.Error("Failed to get dispatch", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get dispatch"})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handlers) ListDispatches(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	dispatches, err := h.dispatches.List(c.Request.Context(), c.Query("workflow_id"), limit)
	if err != nil {
		h.logger.Error("Failed to list dispatches", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list dispatches"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatches": dispatches, "count": len(dispatches)})
}

func (h *Handlers) QueueStats(c *gin.Context) {
	depth, err := h.dispatches.QueueDepth(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read queue depth", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read queue stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": depth})
}

// Action catalog
func (h *Handlers) ListActions(c *gin.Context) {
	types := h.actions.Types()
	sort.Strings(types)
	c.JSON(http.StatusOK, gin.H{"actions": types})
}

// Webhook receiver
func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload"})
		return
	}

	event, _ := payload["event"].(string)
	if event == "" {
		event, _ = payload["type"].(string)
	}
	triggerType := trigger.NormalizeEvent(event)
	if triggerType == "" {
		c.JSON(http.StatusOK, gin.H{"received": true, "matched": 0})
		return
	}

	if h.webhookCfg.AsyncDispatch {
		dispatches, err := h.triggers.Fire(c.Request.Context(), triggerType, payload)
		if err != nil {
			h.logger.Error("Failed to fire trigger", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process webhook"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"received": true, "enqueued": len(dispatches)})
		return
	}

	executions, err := h.triggers.FireSync(c.Request.Context(), triggerType, payload)
	if err != nil {
		h.logger.Error("Failed to fire trigger", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process webhook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "executions": len(executions)})
}
