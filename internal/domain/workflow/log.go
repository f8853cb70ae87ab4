package workflow

import "time"

// Log levels for audit entries.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// Log is an audit trail entry for workflow lifecycle events
// (execution.started, execution.completed, execution.failed, ...).
type Log struct {
	ID          string                 `json:"id" gorm:"primaryKey"`
	WorkflowID  string                 `json:"workflowId" gorm:"index"`
	ExecutionID string                 `json:"executionId" gorm:"index"`
	Level       string                 `json:"level" gorm:"default:'info'"`
	Event       string                 `json:"event" gorm:"not null"`
	Message     string                 `json:"message"`
	Data        map[string]interface{} `json:"data" gorm:"serializer:json"`
	CreatedAt   time.Time              `json:"createdAt"`
}

func (Log) TableName() string { return "workflow_logs" }
