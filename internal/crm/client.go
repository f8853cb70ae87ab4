// Package crm wraps the upstream CRM REST API consumed by the built-in
// action handlers.
package crm

import "context"

// Client is the surface the workflow action handlers need from the CRM.
// The HTTP implementation lives in http_client.go; tests substitute fakes.
type Client interface {
	SendSMS(ctx context.Context, contactID, message string) (map[string]interface{}, error)
	SendEmail(ctx context.Context, contactID, subject, body string) (map[string]interface{}, error)
	AddTag(ctx context.Context, contactID, tag string) (map[string]interface{}, error)
	RemoveTag(ctx context.Context, contactID, tag string) (map[string]interface{}, error)
	UpdateCustomField(ctx context.Context, contactID, fieldKey string, value interface{}) (map[string]interface{}, error)
	CreateTask(ctx context.Context, contactID string, task Task) (map[string]interface{}, error)
	MoveOpportunityStage(ctx context.Context, opportunityID, stageID string) (map[string]interface{}, error)
	AddToWorkflow(ctx context.Context, contactID, workflowID string) (map[string]interface{}, error)
}

// Task is a follow-up task attached to a contact.
type Task struct {
	Title       string `json:"title"`
	DueDate     string `json:"dueDate,omitempty"`
	Description string `json:"description,omitempty"`
}
