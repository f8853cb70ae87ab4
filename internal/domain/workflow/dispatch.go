package workflow

import "time"

// Dispatch queue states. Rows are never deleted; the table doubles as an
// audit log of every requested run.
const (
	DispatchPending   = "pending"
	DispatchRunning   = "running"
	DispatchCompleted = "completed"
	DispatchFailed    = "failed"
	DispatchRetrying  = "retrying"
)

// Dispatch is one durable queue row representing a requested workflow
// invocation. Created by enqueue, mutated by claim/complete/fail.
type Dispatch struct {
	ID           string                 `json:"id" gorm:"primaryKey"`
	WorkflowID   string                 `json:"workflowId" gorm:"not null;index"`
	Status       string                 `json:"status" gorm:"default:'pending';index"`
	TriggerData  map[string]interface{} `json:"triggerData" gorm:"serializer:json"`
	AvailableAt  time.Time              `json:"availableAt" gorm:"index"`
	StartedAt    *time.Time             `json:"startedAt"`
	FinishedAt   *time.Time             `json:"finishedAt"`
	Attempts     int                    `json:"attempts"`
	MaxAttempts  int                    `json:"maxAttempts" gorm:"default:3"`
	ErrorMessage string                 `json:"errorMessage"`
	ExecutionID  *string                `json:"executionId"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

func (Dispatch) TableName() string { return "workflow_dispatches" }
