package workflow

import "time"

// Execution states. An execution is immutable once it leaves "running".
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// Execution is a single run of a workflow from one trigger payload.
type Execution struct {
	ID             string                 `json:"id" gorm:"primaryKey"`
	WorkflowID     string                 `json:"workflowId" gorm:"not null;index"`
	Status         string                 `json:"status" gorm:"default:'running';index"`
	TriggerData    map[string]interface{} `json:"triggerData" gorm:"serializer:json"`
	ContextData    map[string]interface{} `json:"contextData" gorm:"serializer:json"`
	StepsCompleted int                    `json:"stepsCompleted"`
	ErrorMessage   string                 `json:"errorMessage"`
	StartedAt      time.Time              `json:"startedAt"`
	CompletedAt    *time.Time             `json:"completedAt"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// StepExecution is the append-only audit record of one step visited during
// one execution.
type StepExecution struct {
	ID           string                 `json:"id" gorm:"primaryKey"`
	ExecutionID  string                 `json:"executionId" gorm:"not null;index"`
	StepID       string                 `json:"stepId" gorm:"index"`
	Status       string                 `json:"status" gorm:"default:'running'"`
	InputData    map[string]interface{} `json:"inputData" gorm:"serializer:json"`
	OutputData   map[string]interface{} `json:"outputData" gorm:"serializer:json"`
	ErrorMessage string                 `json:"errorMessage"`
	DurationMs   *int64                 `json:"durationMs"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

func (Execution) TableName() string     { return "workflow_executions" }
func (StepExecution) TableName() string { return "workflow_step_executions" }

func (e *Execution) IsFinished() bool {
	return e.Status == ExecutionCompleted || e.Status == ExecutionFailed
}
